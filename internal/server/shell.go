package server

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"github.com/livetemplate/livepreview/internal/assets"
	"github.com/livetemplate/livepreview/internal/pipeline"
)

// shellData fills the surface shell template.
type shellData struct {
	ID     string
	Kind   pipeline.SurfaceKind
	Socket string
}

func parseShell() (*template.Template, error) {
	src, err := assets.GetShellHTML()
	if err != nil {
		return nil, fmt.Errorf("load shell page: %w", err)
	}
	return template.New("shell").Parse(string(src))
}

// serveShell serves the page that hosts a render surface.
func (s *Server) serveShell(kind pipeline.SurfaceKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, ok := s.lookup(w, r)
		if !ok {
			return
		}

		var buf bytes.Buffer
		err := s.shell.Execute(&buf, shellData{
			ID:     inst.ID,
			Kind:   kind,
			Socket: fmt.Sprintf("/ws/surface/%s?kind=%s", inst.ID, kind),
		})
		if err != nil {
			inst.log.Error().Err(err).Msg("Failed to render shell page")
			writeError(w, http.StatusInternalServerError, "failed to render page")
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(buf.Bytes())
	}
}

// serveRender serves the session's current rendering.
func (s *Server) serveRender(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.backend.RenderHandler(inst.session).ServeHTTP(w, r)
}

// serveAsset serves embedded client assets.
func (s *Server) serveAsset(w http.ResponseWriter, r *http.Request) {
	var (
		data        []byte
		err         error
		contentType string
	)
	switch strings.TrimPrefix(r.URL.Path, "/assets/") {
	case "preview.js":
		data, err = assets.GetClientJS()
		contentType = "application/javascript"
	case "preview.css":
		data, err = assets.GetClientCSS()
		contentType = "text/css"
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, "Asset not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(data)
}
