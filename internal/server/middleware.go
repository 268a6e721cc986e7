package server

import (
	"crypto/subtle"
	"net/http"
	"slices"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/livetemplate/livepreview/internal/config"
)

// corsMethods are the methods of the preview API.
const corsMethods = "GET, POST, DELETE, OPTIONS"

// CORSMiddleware lets the CMS admin call the preview API from its own
// origin. With no origins configured it adds nothing. authHeaderName is
// added to the allowed request headers.
func CORSMiddleware(origins []string, authHeaderName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(origins) == 0 {
			return next
		}

		headers := []string{"Content-Type", "Authorization", "X-API-Key"}
		if authHeaderName != "" && !slices.Contains(headers, authHeaderName) {
			headers = append(headers, authHeaderName)
		}
		allowHeaders := strings.Join(headers, ", ")
		wildcard := slices.Contains(origins, "*")

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (wildcard || slices.Contains(origins, origin)) {
				h := w.Header()
				if wildcard {
					h.Set("Access-Control-Allow-Origin", "*")
				} else {
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
				h.Set("Access-Control-Allow-Methods", corsMethods)
				h.Set("Access-Control-Allow-Headers", allowHeaders)
				h.Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeadersMiddleware adds security headers to all responses.
// frameAncestors lists the origins allowed to embed preview pages in
// addition to the server itself, typically the CMS admin.
func SecurityHeadersMiddleware(frameAncestors []string) func(http.Handler) http.Handler {
	ancestors := "'self'"
	if slices.Contains(frameAncestors, "*") {
		ancestors = "*"
	} else if len(frameAncestors) > 0 {
		ancestors += " " + strings.Join(frameAncestors, " ")
	}
	// Rendered previews are arbitrary site HTML, so only embedding and
	// socket targets are restricted.
	csp := "frame-ancestors " + ancestors + "; connect-src 'self'"

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			if len(frameAncestors) == 0 {
				h.Set("X-Frame-Options", "SAMEORIGIN")
			}
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Content-Security-Policy", csp)
			next.ServeHTTP(w, r)
		})
	}
}

// AuthMiddleware requires the configured API key. Without a key every
// request passes. CORS preflights are never challenged.
func AuthMiddleware(authCfg *config.AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		apiKey := authCfg.GetAPIKey()
		if apiKey == "" {
			return next
		}
		headerName := authCfg.GetHeaderName()

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			token, status := requestKey(r, headerName)
			if status != "" {
				writeError(w, http.StatusUnauthorized, status)
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestKey extracts the API key from headerName, or from the api_key query
// parameter of a websocket handshake. A non-empty second result is the reason
// the request is rejected.
func requestKey(r *http.Request, headerName string) (string, string) {
	value := r.Header.Get(headerName)
	if value == "" && websocket.IsWebSocketUpgrade(r) {
		if key := r.URL.Query().Get("api_key"); key != "" {
			return key, ""
		}
	}
	if value == "" {
		return "", "authentication required"
	}
	if headerName != "Authorization" {
		return value, ""
	}
	token, ok := strings.CutPrefix(value, "Bearer ")
	if !ok || token == "" {
		return "", "invalid authorization format, expected Bearer token"
	}
	return token, ""
}
