package config

import (
	"os"
	"strconv"
)

// Overrides stores values set at runtime via CLI flags or the environment.
// These values are not persisted to config files. Zero values leave the file
// configuration untouched.
type Overrides struct {
	Host      string
	Port      int
	Backend   string
	Watch     *bool
	LogLevel  string
	LogFormat string
}

// OverridesFromEnv reads LIVEPREVIEW_* environment variables.
func OverridesFromEnv() Overrides {
	var o Overrides
	o.Host = os.Getenv("LIVEPREVIEW_HOST")
	if port, err := strconv.Atoi(os.Getenv("LIVEPREVIEW_PORT")); err == nil {
		o.Port = port
	}
	o.Backend = os.Getenv("LIVEPREVIEW_BACKEND")
	o.LogLevel = os.Getenv("LIVEPREVIEW_LOG_LEVEL")
	o.LogFormat = os.Getenv("LIVEPREVIEW_LOG_FORMAT")
	return o
}

// Merge returns o with every unset field taken from other.
func (o Overrides) Merge(other Overrides) Overrides {
	if o.Host == "" {
		o.Host = other.Host
	}
	if o.Port == 0 {
		o.Port = other.Port
	}
	if o.Backend == "" {
		o.Backend = other.Backend
	}
	if o.Watch == nil {
		o.Watch = other.Watch
	}
	if o.LogLevel == "" {
		o.LogLevel = other.LogLevel
	}
	if o.LogFormat == "" {
		o.LogFormat = other.LogFormat
	}
	return o
}

// Apply writes the set overrides into c.
func (o Overrides) Apply(c *Config) {
	if o.Host != "" {
		c.Server.Host = o.Host
	}
	if o.Port != 0 {
		c.Server.Port = o.Port
	}
	if o.Backend != "" {
		c.Backend.Kind = o.Backend
	}
	if o.Watch != nil {
		c.Backend.Watch = *o.Watch
	}
	if o.LogLevel != "" {
		c.Logging.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		c.Logging.Format = o.LogFormat
	}
}
