package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/livetemplate/livepreview/internal/config"
	"github.com/livetemplate/livepreview/internal/logging"
	"github.com/livetemplate/livepreview/internal/server"
	"github.com/livetemplate/livepreview/internal/store"
)

const shutdownTimeout = 10 * time.Second

// foreignSessionTTL is how long a registry row saved by another server may go
// without updates before a starting server stops its session.
const foreignSessionTTL = 24 * time.Hour

type serveOptions struct {
	host    string
	port    int
	backend string
	watch   bool
}

func newServeCommand(configPath *string) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve [dir]",
		Short: "Start the preview server",
		Example: `  livepreview serve                  # Serve using ./livepreview.yaml
  livepreview serve ./site --watch   # Local backend with template reload
  livepreview serve --port 9000`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := projectDir(args)
			if err != nil {
				return err
			}
			overrides := config.Overrides{
				Host:    opts.host,
				Port:    opts.port,
				Backend: opts.backend,
			}
			if cmd.Flags().Changed("watch") {
				watch := opts.watch
				overrides.Watch = &watch
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd.OutOrStdout(), dir, *configPath, overrides)
		},
	}

	cmd.Flags().StringVar(&opts.host, "host", "", "host to bind (overrides config)")
	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "port to listen on (overrides config)")
	cmd.Flags().StringVar(&opts.backend, "backend", "", `render backend: "sulu" or "local"`)
	cmd.Flags().BoolVarP(&opts.watch, "watch", "w", false, "re-render open previews when templates change (local backend)")
	return cmd
}

func runServe(ctx context.Context, out io.Writer, dir, configPath string, flags config.Overrides) error {
	cfg, usedPath, err := loadConfig(dir, configPath)
	if err != nil {
		return err
	}
	flags.Merge(config.OverridesFromEnv()).Apply(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logging.FromSettings(cfg.Logging.Level, cfg.Logging.Format)
	if usedPath != "" {
		fmt.Fprintf(out, "📝 Using config: %s\n", usedPath)
	}

	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.GetDSN(), store.WithOwner(cfg.Store.GetOwner(cfg.Server.Port)))
	if err != nil {
		return err
	}
	defer st.Close()

	backends, err := newBackend(cfg, log)
	if err != nil {
		return err
	}
	defer backends.Close()

	// Rows left behind by a crash still hold CMS sessions. Other servers on a
	// shared registry keep theirs until they go quiet.
	recoverable, err := st.ListRecoverable(ctx, foreignSessionTTL)
	if err != nil {
		return err
	}
	pruned, err := pruneSessions(ctx, st, recoverable, backends.backend, log)
	if err != nil {
		return err
	}
	if pruned > 0 {
		fmt.Fprintf(out, "🧹 Stopped %d stale preview session(s)\n", pruned)
	}

	srv, err := server.New(cfg, server.Options{
		Backend:      backends.backend,
		Store:        st,
		TargetGroups: backends.targetGroups,
		Logger:       log,
	})
	if err != nil {
		return err
	}

	if cfg.Backend.Watch && backends.renderer != nil {
		watcher, err := backends.renderer.Watch(srv.Hub().RetryAll, cfg.Server.Debug)
		if err != nil {
			srv.Close(ctx)
			return fmt.Errorf("failed to start template watcher: %w", err)
		}
		defer watcher.Stop()
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	printBanner(out, cfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		srv.Close(shutdownCtx)
		return err
	})
	return g.Wait()
}

func printBanner(out io.Writer, cfg *config.Config) {
	fmt.Fprintf(out, "🖼  Live Preview Server\n\n")
	switch cfg.Backend.Kind {
	case config.BackendLocal:
		fmt.Fprintf(out, "Backend: 📄 local templates (%s)\n", cfg.Backend.GetTemplatesDir())
	default:
		fmt.Fprintf(out, "Backend: 🌍 %s\n", cfg.Backend.GetBaseURL())
	}
	fmt.Fprintf(out, "Mode: %s, debounce %s\n", cfg.Preview.Mode, cfg.Preview.GetDebounceDelay())
	if cfg.Preview.AudienceTargeting {
		fmt.Fprintf(out, "🎯 Audience targeting enabled\n")
	}
	if cfg.Backend.Watch && cfg.Backend.Kind == config.BackendLocal {
		fmt.Fprintf(out, "👀 Watch mode enabled - open previews re-render on template changes\n")
	}
	if cfg.API.IsAuthEnabled() {
		fmt.Fprintf(out, "🔐 API key required for /api\n")
	}
	fmt.Fprintf(out, "\n🌐 Server running at http://%s\n", cfg.Server.Addr())
	fmt.Fprintf(out, "Press Ctrl+C to stop\n\n")
}

// stopper stops a CMS session by token.
type stopper interface {
	StopToken(ctx context.Context, token string) error
}

// pruneSessions stops and deletes the given instances. Instances whose CMS
// session can't be stopped are kept.
func pruneSessions(ctx context.Context, st *store.Store, stale []store.Instance, backend stopper, log zerolog.Logger) (int, error) {
	pruned := 0
	for _, inst := range stale {
		if inst.Token != "" {
			if err := backend.StopToken(ctx, inst.Token); err != nil {
				log.Warn().Err(err).Str("preview_id", inst.ID).Msg("Failed to stop stale session")
				continue
			}
		}
		if err := st.Delete(ctx, inst.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}
