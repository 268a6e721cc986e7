// Package commands implements the livepreview CLI.
package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/livetemplate/livepreview/internal/config"
	"github.com/livetemplate/livepreview/internal/render"
	"github.com/livetemplate/livepreview/internal/server"
	"github.com/livetemplate/livepreview/internal/session"
	"github.com/livetemplate/livepreview/internal/targeting"
)

// NewRootCommand builds the livepreview command tree.
func NewRootCommand(version string) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "livepreview",
		Short: "Live CMS previews for form editors",
		Long: `livepreview keeps a rendered CMS page in sync with the form an editor is
working on. Edits are debounced into the CMS preview session and the
returned HTML is painted into an embedded frame or a separate window.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: livepreview.yaml in the project directory)")

	root.AddCommand(newServeCommand(&configPath))
	root.AddCommand(newValidateCommand(&configPath))
	root.AddCommand(newSessionsCommand(&configPath))
	root.AddCommand(newVersionCommand(version))
	return root
}

func newVersionCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "livepreview version %s\n", version)
		},
	}
}

// projectDir returns the directory argument, or the working directory.
func projectDir(args []string) (string, error) {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("invalid directory: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("directory not found: %s", dir)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("not a directory: %s", dir)
	}
	return abs, nil
}

// loadConfig reads the explicit config file, or looks for one in dir. A
// relative sqlite path is resolved against dir.
func loadConfig(dir, configPath string) (*config.Config, string, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		if _, statErr := os.Stat(configPath); statErr != nil {
			return nil, "", fmt.Errorf("config file not found: %s", configPath)
		}
		cfg, err = config.Load(configPath)
	} else {
		configPath = findConfig(dir)
		cfg, err = config.LoadFromDir(dir)
	}
	if err != nil {
		return nil, "", err
	}

	if cfg.Store.Driver == config.DriverSQLite {
		dsn := cfg.Store.DSN
		if dsn != "" && dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") && !strings.HasPrefix(dsn, "$") && !filepath.IsAbs(dsn) {
			cfg.Store.DSN = filepath.Join(dir, dsn)
		}
	}
	return cfg, configPath, nil
}

func findConfig(dir string) string {
	for _, name := range []string{"livepreview.yaml", "preview.yaml"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// backendSet is everything the configured backend provides.
type backendSet struct {
	backend      server.Backend
	targetGroups *targeting.Loader
	renderer     *render.Renderer
}

func (b *backendSet) Close() {
	if b.targetGroups != nil {
		b.targetGroups.Close()
	}
}

func newBackend(cfg *config.Config, log zerolog.Logger) (*backendSet, error) {
	switch cfg.Backend.Kind {
	case config.BackendLocal:
		renderer, err := render.NewRenderer(cfg.Backend.GetTemplatesDir(), log)
		if err != nil {
			return nil, err
		}
		set := &backendSet{
			backend:  server.NewLocalBackend(renderer),
			renderer: renderer,
		}
		if cfg.Preview.AudienceTargeting {
			set.targetGroups = targeting.NewStaticLoader(cfg.Backend.TargetGroups)
		}
		return set, nil
	default:
		client, err := session.NewClientFromConfig(cfg.Backend, log)
		if err != nil {
			return nil, err
		}
		set := &backendSet{backend: server.NewCMSBackend(client, cfg.Backend.GetHeaders())}
		if cfg.Preview.AudienceTargeting {
			set.targetGroups = targeting.NewRemoteLoader(client, cfg.Backend.Endpoints.TargetGroups, cfg.Backend.GetCacheTTL(), log)
		}
		return set, nil
	}
}
