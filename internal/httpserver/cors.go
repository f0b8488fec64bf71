package httpserver

import (
	"net/http"
	"strings"

	"github.com/meshvoice/meshvoice/internal/origin"
)

// corsMiddleware applies the origin policy to the inspection API and answers
// preflight requests. Requests without an Origin header pass unchanged.
func (s *Server) corsMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			normalized, ok := origin.CheckRequest(r.Header.Get("Origin"), r.Host, s.cfg.AllowedOrigins)
			if !ok {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			if normalized == "" {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", normalized)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
			w.Header().Add("Vary", "Origin")

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
				if reqHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); reqHeaders != "" {
					w.Header().Set("Access-Control-Allow-Headers", reqHeaders)
				}
				w.Header().Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// CheckOrigin returns the WebSocket upgrade origin policy used by the
// signaling server.
func CheckOrigin(allowList []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		_, ok := origin.CheckRequest(r.Header.Get("Origin"), r.Host, allowList)
		return ok
	}
}
