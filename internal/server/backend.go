package server

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/livetemplate/livepreview"
	"github.com/livetemplate/livepreview/internal/pipeline"
	"github.com/livetemplate/livepreview/internal/render"
	"github.com/livetemplate/livepreview/internal/session"
)

// Backend creates preview sessions and serves their rendered output.
type Backend interface {
	// NewSession creates an unstarted session for the preview instance id.
	NewSession(id string, ref livepreview.ResourceRef) pipeline.Session
	// RenderHandler serves the current rendering of sess.
	RenderHandler(sess pipeline.Session) http.Handler
	// StopToken stops a session left behind by a previous run.
	StopToken(ctx context.Context, token string) error
}

// tokenSession is implemented by sessions that expose their token.
type tokenSession interface {
	Token() string
}

func sessionToken(sess pipeline.Session) string {
	if ts, ok := sess.(tokenSession); ok {
		return ts.Token()
	}
	return ""
}

// CMSBackend renders through the CMS preview controller.
type CMSBackend struct {
	client  *session.Client
	headers map[string]string
}

// NewCMSBackend wraps client. headers are added to proxied render requests.
func NewCMSBackend(client *session.Client, headers map[string]string) *CMSBackend {
	return &CMSBackend{client: client, headers: headers}
}

func (b *CMSBackend) NewSession(id string, ref livepreview.ResourceRef) pipeline.Session {
	return b.client.NewSession(ref)
}

// RenderHandler proxies to the session's render route on the CMS.
func (b *CMSBackend) RenderHandler(sess pipeline.Session) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := sess.RenderRoute()
		if route == "" {
			writeError(w, http.StatusConflict, "preview session not started")
			return
		}
		target, err := url.Parse(route)
		if err != nil {
			writeError(w, http.StatusBadGateway, "invalid render route")
			return
		}

		proxy := &httputil.ReverseProxy{
			Rewrite: func(pr *httputil.ProxyRequest) {
				pr.Out.URL = target
				pr.Out.Host = target.Host
				pr.Out.Header.Del("Cookie")
				for k, v := range b.headers {
					pr.Out.Header.Set(k, v)
				}
			},
			ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
				writeError(w, http.StatusBadGateway, session.UserFriendlyMessage(&session.ConnectionError{Address: target.Host, Err: err}))
			},
		}
		proxy.ServeHTTP(w, r)
	})
}

func (b *CMSBackend) StopToken(ctx context.Context, token string) error {
	return b.client.StopToken(ctx, token)
}

// LocalBackend renders with local templates.
type LocalBackend struct {
	renderer *render.Renderer
}

// NewLocalBackend wraps renderer.
func NewLocalBackend(renderer *render.Renderer) *LocalBackend {
	return &LocalBackend{renderer: renderer}
}

func (b *LocalBackend) NewSession(id string, ref livepreview.ResourceRef) pipeline.Session {
	return b.renderer.NewSession(ref, renderPath(id))
}

// RenderHandler renders the session's last data directly.
func (b *LocalBackend) RenderHandler(sess pipeline.Session) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		local, ok := sess.(*render.Session)
		if !ok || local.Token() == "" {
			writeError(w, http.StatusConflict, "preview session not started")
			return
		}
		html, err := local.RenderCurrent()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write([]byte(html))
	})
}

// StopToken is a no-op: local sessions don't outlive the process.
func (b *LocalBackend) StopToken(context.Context, string) error {
	return nil
}

func renderPath(id string) string {
	return "/preview/" + id + "/render"
}
