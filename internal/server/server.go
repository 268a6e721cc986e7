// Package server exposes live previews over HTTP: a REST API to manage them,
// a websocket for the form editor, a websocket per render surface and the
// pages that host those surfaces.
package server

import (
	"context"
	"html/template"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/livetemplate/livepreview/internal/config"
	"github.com/livetemplate/livepreview/internal/pipeline"
	"github.com/livetemplate/livepreview/internal/store"
	"github.com/livetemplate/livepreview/internal/targeting"
)

// Options wires a Server to its collaborators.
type Options struct {
	Backend Backend
	// Store is the instance registry. Optional.
	Store *store.Store
	// TargetGroups loads audience-targeting options. Optional; without it
	// only "no target group" is offered.
	TargetGroups *targeting.Loader
	Logger       zerolog.Logger
}

// Server is the live preview server.
type Server struct {
	cfg          *config.Config
	backend      Backend
	targetGroups *targeting.Loader
	hub          *Hub
	shell        *template.Template
	upgrader     *websocket.Upgrader
	log          zerolog.Logger

	handler     http.Handler
	cancel      context.CancelFunc
	rateLimiter <-chan struct{}
}

// New creates a server. Close must be called to release it.
func New(cfg *config.Config, opts Options) (*Server, error) {
	shell, err := parseShell()
	if err != nil {
		return nil, err
	}

	log := opts.Logger.With().Str("component", "server").Logger()
	s := &Server{
		cfg:          cfg,
		backend:      opts.Backend,
		targetGroups: opts.TargetGroups,
		hub:          NewHub(cfg, opts.Backend, opts.Store, opts.Logger),
		shell:        shell,
		upgrader:     newUpgrader(cfg.API.GetCORSOrigins()),
		log:          log,
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.handler = s.routes(ctx)
	return s, nil
}

func (s *Server) routes(ctx context.Context) http.Handler {
	mux := http.NewServeMux()

	rateLimit, done := RateLimitMiddleware(ctx,
		s.cfg.API.GetRateLimitRPS(), s.cfg.API.GetRateLimitBurst(), 0, s.log)
	s.rateLimiter = done

	api := func(h http.HandlerFunc) http.Handler {
		var handler http.Handler = h
		handler = AuthMiddleware(s.authConfig())(handler)
		handler = rateLimit(handler)
		return CORSMiddleware(s.cfg.API.GetCORSOrigins(), s.authConfig().GetHeaderName())(handler)
	}

	mux.Handle("POST /api/previews", api(s.handleCreate))
	mux.Handle("GET /api/previews", api(s.handleList))
	mux.Handle("GET /api/previews/{id}", api(s.handleGet))
	mux.Handle("POST /api/previews/{id}/start", api(s.handleStart))
	mux.Handle("POST /api/previews/{id}/reload", api(s.handleReload))
	mux.Handle("POST /api/previews/{id}/retry", api(s.handleRetry))
	mux.Handle("DELETE /api/previews/{id}", api(s.handleDelete))
	mux.Handle("OPTIONS /api/", api(func(http.ResponseWriter, *http.Request) {}))

	// The editor socket also accepts the key as ?api_key=.
	mux.Handle("GET /ws/editor/{id}", AuthMiddleware(s.authConfig())(http.HandlerFunc(s.serveEditor)))
	mux.HandleFunc("GET /ws/surface/{id}", s.serveSurface)

	mux.HandleFunc("GET /preview/{id}", s.serveShell(pipeline.SurfaceFrame))
	mux.HandleFunc("GET /preview/{id}/window", s.serveShell(pipeline.SurfaceWindow))
	mux.HandleFunc("GET /preview/{id}/render", s.serveRender)
	mux.HandleFunc("GET /assets/", s.serveAsset)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "previews": s.hub.Len()})
	})

	return SecurityHeadersMiddleware(s.cfg.API.GetCORSOrigins())(WithCompression(mux))
}

func (s *Server) authConfig() *config.AuthConfig {
	if s.cfg.API == nil {
		return nil
	}
	return s.cfg.API.Auth
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Hub returns the preview instances.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Close stops every preview and background work.
func (s *Server) Close(ctx context.Context) {
	s.hub.StopAll(ctx)
	s.cancel()
	<-s.rateLimiter
}
