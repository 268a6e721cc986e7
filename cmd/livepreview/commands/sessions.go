package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/livetemplate/livepreview/internal/config"
	"github.com/livetemplate/livepreview/internal/logging"
	"github.com/livetemplate/livepreview/internal/store"
)

// defaultTimeout bounds the store and CMS calls of the sessions commands.
const defaultTimeout = 30 * time.Second

// maxColumnWidth is the maximum width for table columns before truncation
const maxColumnWidth = 40

func newSessionsCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and clean up registered preview instances",
	}
	cmd.AddCommand(newSessionsListCommand(configPath))
	cmd.AddCommand(newSessionsPruneCommand(configPath))
	return cmd
}

func newSessionsListCommand(configPath *string) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "list [dir]",
		Short: "List registered preview instances",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "table" && format != "json" {
				return fmt.Errorf("unknown format %q (use table or json)", format)
			}
			cfg, err := sessionsConfig(args, *configPath)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()
			st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.GetDSN())
			if err != nil {
				return err
			}
			defer st.Close()

			instances, err := st.List(ctx)
			if err != nil {
				return err
			}
			if format == "json" {
				return writeInstancesJSON(cmd.OutOrStdout(), instances)
			}
			return writeInstancesTable(cmd.OutOrStdout(), instances)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "table", "output format: table or json")
	return cmd
}

func newSessionsPruneCommand(configPath *string) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune [dir]",
		Short: "Stop and remove instances that have not been updated recently",
		Long: `Stops the CMS preview session of every registered instance that has not
been updated for --older-than and removes it from the registry. Run this
while the server is stopped, or with a threshold longer than any editing
session.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan < 0 {
				return fmt.Errorf("--older-than must not be negative")
			}
			cfg, err := sessionsConfig(args, *configPath)
			if err != nil {
				return err
			}
			log := logging.FromSettings(cfg.Logging.Level, cfg.Logging.Format)

			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()
			st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.GetDSN())
			if err != nil {
				return err
			}
			defer st.Close()

			backends, err := newBackend(cfg, log)
			if err != nil {
				return err
			}
			defer backends.Close()

			stale, err := st.ListStale(ctx, olderThan)
			if err != nil {
				return err
			}
			pruned, err := pruneSessions(ctx, st, stale, backends.backend, log)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d instance(s)\n", pruned)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", time.Hour, "minimum time since the last update")
	return cmd
}

func sessionsConfig(args []string, configPath string) (*config.Config, error) {
	dir, err := projectDir(args)
	if err != nil {
		return nil, err
	}
	cfg, _, err := loadConfig(dir, configPath)
	if err != nil {
		return nil, err
	}
	config.OverridesFromEnv().Apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func writeInstancesJSON(w io.Writer, instances []store.Instance) error {
	if instances == nil {
		instances = []store.Instance{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(instances)
}

func writeInstancesTable(w io.Writer, instances []store.Instance) error {
	if len(instances) == 0 {
		_, err := fmt.Fprintln(w, "No preview instances registered")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tRESOURCE\tSTATE\tTARGET GROUP\tUPDATED")
	for _, inst := range instances {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			inst.ID,
			truncate(inst.Resource.String(), maxColumnWidth),
			inst.State,
			inst.TargetGroup,
			inst.UpdatedAt.Local().Format(time.DateTime),
		)
	}
	return tw.Flush()
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}
