package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/livetemplate/livepreview"
)

// Backend kinds.
const (
	BackendSulu  = "sulu"
	BackendLocal = "local"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config represents the livepreview configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Backend BackendConfig `yaml:"backend"`
	Preview PreviewConfig `yaml:"preview"`
	Store   StoreConfig   `yaml:"store"`
	API     *APIConfig    `yaml:"api,omitempty"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port      int    `yaml:"port"`
	Host      string `yaml:"host"`
	PublicURL string `yaml:"public_url,omitempty"` // Externally visible base URL (default: http://host:port)
	Debug     bool   `yaml:"debug"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetPublicURL returns the public base URL without a trailing slash.
func (c ServerConfig) GetPublicURL() string {
	if c.PublicURL == "" {
		return fmt.Sprintf("http://%s", c.Addr())
	}
	return strings.TrimRight(os.ExpandEnv(c.PublicURL), "/")
}

// BackendConfig configures where previews are rendered.
type BackendConfig struct {
	Kind         string                    `yaml:"kind"`                    // "sulu" or "local"
	BaseURL      string                    `yaml:"base_url,omitempty"`      // For sulu: CMS base URL (env vars expanded)
	Endpoints    EndpointsConfig           `yaml:"endpoints"`               // For sulu: preview controller routes
	Timeout      string                    `yaml:"timeout,omitempty"`       // Request timeout (e.g., "10s"). Default: 10s
	Retry        *RetryConfig              `yaml:"retry,omitempty"`         // Retry configuration
	Headers      map[string]string         `yaml:"headers,omitempty"`       // Extra request headers (env vars expanded)
	TemplatesDir string                    `yaml:"templates_dir,omitempty"` // For local: directory with <formType>.html templates
	Watch        bool                      `yaml:"watch"`                   // For local: re-parse templates on change
	TargetGroups []livepreview.TargetGroup `yaml:"target_groups,omitempty"` // For local: static target-group list
	CacheTTL     string                    `yaml:"cache_ttl,omitempty"`     // Target-group cache TTL. Default: 5m
}

// EndpointsConfig lists the CMS preview routes, relative to BaseURL.
type EndpointsConfig struct {
	Start         string `yaml:"start"`
	Update        string `yaml:"update"`
	UpdateContext string `yaml:"update_context"`
	Stop          string `yaml:"stop"`
	Render        string `yaml:"render"`
	TargetGroups  string `yaml:"target_groups"`
}

// RetryConfig configures retry behavior for backend calls
type RetryConfig struct {
	MaxRetries int    `yaml:"max_retries,omitempty"` // Maximum retry attempts (default: 3)
	BaseDelay  string `yaml:"base_delay,omitempty"`  // Initial delay (e.g., "100ms"). Default: 100ms
	MaxDelay   string `yaml:"max_delay,omitempty"`   // Maximum delay (e.g., "5s"). Default: 5s
}

// GetBaseURL returns the CMS base URL with env vars expanded.
func (c BackendConfig) GetBaseURL() string {
	return strings.TrimRight(os.ExpandEnv(c.BaseURL), "/")
}

// GetHeaders returns the configured headers with env vars expanded.
func (c BackendConfig) GetHeaders() map[string]string {
	headers := make(map[string]string, len(c.Headers))
	for k, v := range c.Headers {
		headers[k] = os.ExpandEnv(v)
	}
	return headers
}

// GetTimeout returns the parsed timeout duration (default: 10s)
func (c BackendConfig) GetTimeout() time.Duration {
	return parseDuration(c.Timeout, 10*time.Second)
}

// GetRetryMaxRetries returns the max retries (default: 3, set to 0 to disable retries)
func (c BackendConfig) GetRetryMaxRetries() int {
	if c.Retry == nil || c.Retry.MaxRetries < 0 {
		return 3
	}
	return c.Retry.MaxRetries
}

// GetRetryBaseDelay returns the base delay (default: 100ms)
func (c BackendConfig) GetRetryBaseDelay() time.Duration {
	if c.Retry == nil {
		return 100 * time.Millisecond
	}
	return parseDuration(c.Retry.BaseDelay, 100*time.Millisecond)
}

// GetRetryMaxDelay returns the max delay (default: 5s)
func (c BackendConfig) GetRetryMaxDelay() time.Duration {
	if c.Retry == nil {
		return 5 * time.Second
	}
	return parseDuration(c.Retry.MaxDelay, 5*time.Second)
}

// GetCacheTTL returns the target-group cache TTL (default: 5m)
func (c BackendConfig) GetCacheTTL() time.Duration {
	return parseDuration(c.CacheTTL, 5*time.Minute)
}

// GetTemplatesDir returns the templates directory with env vars expanded.
func (c BackendConfig) GetTemplatesDir() string {
	return os.ExpandEnv(c.TemplatesDir)
}

// PreviewConfig holds the preview pipeline settings.
type PreviewConfig struct {
	DebounceDelay     string                 `yaml:"debounce_delay"`             // Trailing debounce for data changes. Default: 250ms
	Mode              livepreview.Mode       `yaml:"mode"`                       // "auto" or "on_request"
	AudienceTargeting bool                   `yaml:"audience_targeting"`         // Wait for and offer target groups
	WebspaceChooser   *bool                  `yaml:"webspace_chooser,omitempty"` // Show the webspace selector (default: true)
	Webspaces         []livepreview.Webspace `yaml:"webspaces"`                  // Webspaces granted to editors
	Devices           []livepreview.Device   `yaml:"devices,omitempty"`          // Selectable devices (default: all)
}

// GetDebounceDelay returns the debounce delay (default: 250ms)
func (c PreviewConfig) GetDebounceDelay() time.Duration {
	return parseDuration(c.DebounceDelay, 250*time.Millisecond)
}

// IsWebspaceChooserEnabled returns whether editors may switch webspaces (default: true)
func (c PreviewConfig) IsWebspaceChooserEnabled() bool {
	return c.WebspaceChooser == nil || *c.WebspaceChooser
}

// GetDevices returns the selectable devices (default: all known devices)
func (c PreviewConfig) GetDevices() []livepreview.Device {
	if len(c.Devices) == 0 {
		return livepreview.Devices
	}
	return c.Devices
}

// DefaultWebspace returns the key of the first configured webspace.
func (c PreviewConfig) DefaultWebspace() string {
	if len(c.Webspaces) == 0 {
		return ""
	}
	return c.Webspaces[0].Key
}

// HasWebspace reports whether key is one of the configured webspaces.
func (c PreviewConfig) HasWebspace(key string) bool {
	for _, ws := range c.Webspaces {
		if ws.Key == key {
			return true
		}
	}
	return false
}

// StoreConfig configures the preview instance registry.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`    // File path for sqlite, connection string for postgres (env vars expanded)
	Owner  string `yaml:"owner,omitempty"` // Registry owner id of this server (default: hostname:port)
}

// GetDSN returns the DSN with env vars expanded.
func (c StoreConfig) GetDSN() string {
	return os.ExpandEnv(c.DSN)
}

// GetOwner returns the owner id rows saved by this server carry. It must
// stay the same across restarts and differ between servers sharing a
// registry.
func (c StoreConfig) GetOwner(port int) string {
	if c.Owner != "" {
		return os.ExpandEnv(c.Owner)
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error
	Format string `yaml:"format"` // console or json
}

// APIConfig holds REST API configuration
type APIConfig struct {
	CORS      *CORSConfig      `yaml:"cors,omitempty"`
	RateLimit *RateLimitConfig `yaml:"rate_limit,omitempty"`
	Auth      *AuthConfig      `yaml:"auth,omitempty"`
}

// AuthConfig holds authentication configuration for the API
type AuthConfig struct {
	// APIKey is the required API key for authentication.
	// Supports environment variable expansion (e.g., "${API_KEY}" or "$API_KEY")
	APIKey string `yaml:"api_key,omitempty"`
	// HeaderName is the HTTP header name for the API key (default: "X-API-Key")
	// Also supports "Authorization: Bearer <token>" format when set to "Authorization"
	HeaderName string `yaml:"header_name,omitempty"`
}

// CORSConfig holds CORS configuration for the API
type CORSConfig struct {
	Origins []string `yaml:"origins,omitempty"` // Allowed origins (e.g., ["http://localhost:3000", "*"])
}

// RateLimitConfig holds rate limiting configuration for the API
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"` // Rate limit in requests per second (default: 10)
	Burst             int     `yaml:"burst,omitempty"`               // Burst size (default: 20)
}

// GetCORSOrigins returns the configured CORS origins, or nil if not configured
func (c *APIConfig) GetCORSOrigins() []string {
	if c == nil || c.CORS == nil {
		return nil
	}
	return c.CORS.Origins
}

// GetRateLimitRPS returns the rate limit in requests per second (default: 10)
func (c *APIConfig) GetRateLimitRPS() float64 {
	if c == nil || c.RateLimit == nil || c.RateLimit.RequestsPerSecond <= 0 {
		return 10
	}
	return c.RateLimit.RequestsPerSecond
}

// GetRateLimitBurst returns the burst size (default: 20)
func (c *APIConfig) GetRateLimitBurst() int {
	if c == nil || c.RateLimit == nil || c.RateLimit.Burst <= 0 {
		return 20
	}
	return c.RateLimit.Burst
}

// IsAuthEnabled returns true if API authentication is configured
func (c *APIConfig) IsAuthEnabled() bool {
	if c == nil || c.Auth == nil {
		return false
	}
	return c.Auth.GetAPIKey() != ""
}

// GetAPIKey returns the configured API key with environment variable expansion
func (c *AuthConfig) GetAPIKey() string {
	if c == nil || c.APIKey == "" {
		return ""
	}
	return os.ExpandEnv(c.APIKey)
}

// GetHeaderName returns the header name for authentication (default: "X-API-Key")
func (c *AuthConfig) GetHeaderName() string {
	if c == nil || c.HeaderName == "" {
		return "X-API-Key"
	}
	return c.HeaderName
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Backend: BackendConfig{
			Kind: BackendSulu,
			Endpoints: EndpointsConfig{
				Start:         "/admin/preview/start",
				Update:        "/admin/preview/update",
				UpdateContext: "/admin/preview/update-context",
				Stop:          "/admin/preview/stop",
				Render:        "/admin/preview/render",
				TargetGroups:  "/admin/api/target-groups",
			},
			Timeout: "10s",
		},
		Preview: PreviewConfig{
			DebounceDelay: "250ms",
			Mode:          livepreview.ModeAuto,
		},
		Store: StoreConfig{
			Driver: DriverSQLite,
			DSN:    "livepreview.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Validate rejects configurations the server can't run with. Errors are
// *livepreview.ConfigError.
func (c *Config) Validate() error {
	if len(c.Preview.Webspaces) == 0 {
		return livepreview.NewConfigError("preview.webspaces", "at least one webspace is required").
			WithHint("add a webspace with a key and a name")
	}
	for i, ws := range c.Preview.Webspaces {
		if ws.Key == "" {
			return livepreview.NewConfigError(fmt.Sprintf("preview.webspaces[%d].key", i), "webspace key is required")
		}
	}

	if !c.Preview.Mode.IsValid() {
		return livepreview.NewConfigError("preview.mode", fmt.Sprintf("unknown mode %q", c.Preview.Mode)).
			WithHint(`use "auto" or "on_request"`)
	}

	if c.Preview.DebounceDelay != "" {
		d, err := time.ParseDuration(c.Preview.DebounceDelay)
		if err != nil || d <= 0 {
			return livepreview.NewConfigError("preview.debounce_delay", fmt.Sprintf("invalid duration %q", c.Preview.DebounceDelay)).
				WithHint(`use a positive duration such as "250ms"`)
		}
	}

	for _, d := range c.Preview.Devices {
		if !d.IsValid() {
			return livepreview.NewConfigError("preview.devices", fmt.Sprintf("unknown device %q", d))
		}
	}

	switch c.Backend.Kind {
	case BackendSulu:
		base := c.Backend.GetBaseURL()
		if base == "" {
			return livepreview.NewConfigError("backend.base_url", "base_url is required for the sulu backend")
		}
		if u, err := url.Parse(base); err != nil || u.Scheme == "" || u.Host == "" {
			return livepreview.NewConfigError("backend.base_url", fmt.Sprintf("invalid URL %q", base))
		}
	case BackendLocal:
		if c.Backend.TemplatesDir == "" {
			return livepreview.NewConfigError("backend.templates_dir", "templates_dir is required for the local backend")
		}
	default:
		return livepreview.NewConfigError("backend.kind", fmt.Sprintf("unknown backend %q", c.Backend.Kind)).
			WithHint(`use "sulu" or "local"`)
	}

	switch c.Store.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return livepreview.NewConfigError("store.driver", fmt.Sprintf("unknown driver %q", c.Store.Driver)).
			WithHint(`use "sqlite" or "postgres"`)
	}
	if c.Store.DSN == "" {
		return livepreview.NewConfigError("store.dsn", "dsn is required")
	}

	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return livepreview.NewConfigError("logging.format", fmt.Sprintf("unknown format %q", c.Logging.Format))
	}

	return nil
}

// Load loads configuration from a YAML file
// If the file doesn't exist, returns the default configuration
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig() // Start with defaults
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Relative template paths are relative to the config file.
	if dir := config.Backend.TemplatesDir; dir != "" && !filepath.IsAbs(dir) && !strings.HasPrefix(dir, "$") {
		config.Backend.TemplatesDir = filepath.Join(filepath.Dir(configPath), dir)
	}

	return config, nil
}

// LoadFromDir looks for livepreview.yaml or preview.yaml in the given directory
// If none is found, returns the default configuration
func LoadFromDir(dir string) (*Config, error) {
	for _, name := range []string{"livepreview.yaml", "preview.yaml"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return DefaultConfig(), nil
}

// Save writes the configuration to a YAML file
func (c *Config) Save(configPath string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
