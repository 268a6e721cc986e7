package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/livetemplate/livepreview"
	"github.com/livetemplate/livepreview/internal/config"
	"github.com/livetemplate/livepreview/internal/render"
)

func newValidateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [dir]",
		Short: "Check the configuration (and local templates) without serving",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := projectDir(args)
			if err != nil {
				return err
			}
			cfg, usedPath, err := loadConfig(dir, *configPath)
			if err != nil {
				return err
			}
			config.OverridesFromEnv().Apply(cfg)

			out := cmd.OutOrStdout()
			if usedPath == "" {
				fmt.Fprintf(out, "⚠️  No config file found in %s, checking defaults\n", dir)
			} else {
				fmt.Fprintf(out, "📝 Checking %s\n", usedPath)
			}

			if err := cfg.Validate(); err != nil {
				var ce *livepreview.ConfigError
				if errors.As(err, &ce) && usedPath != "" {
					ce.WithFile(usedPath)
				}
				return err
			}

			if cfg.Backend.Kind == config.BackendLocal {
				renderer, err := render.NewRenderer(cfg.Backend.GetTemplatesDir(), zerolog.Nop())
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "📄 Templates parsed from %s\n", renderer.Dir())
			}

			fmt.Fprintf(out, "✅ Configuration is valid (%d webspace(s), backend %s)\n", len(cfg.Preview.Webspaces), cfg.Backend.Kind)
			return nil
		},
	}
}
