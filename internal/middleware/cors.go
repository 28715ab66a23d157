// Package middleware provides HTTP middleware for the outreach API.
package middleware

import (
	"net/http"
	"strings"
)

const (
	// allowedHeaders covers the identity header and SSE reconnects.
	allowedHeaders  = "Content-Type, X-User-ID, Last-Event-ID"
	allowedMethods  = "GET, POST, OPTIONS"
	preflightMaxAge = "600"
)

// originPolicy matches request origins against the configured list. Origins compare
// case-insensitively and without a trailing slash.
type originPolicy struct {
	wildcard bool
	explicit map[string]struct{}
}

func newOriginPolicy(origins []string) originPolicy {
	p := originPolicy{explicit: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		o = normalizeOrigin(o)
		switch o {
		case "":
		case "*":
			p.wildcard = true
		default:
			p.explicit[o] = struct{}{}
		}
	}
	return p
}

// match reports whether origin is allowed and whether it was listed explicitly. Only explicit
// origins may send credentials.
func (p originPolicy) match(origin string) (allowed, explicit bool) {
	if _, ok := p.explicit[normalizeOrigin(origin)]; ok {
		return true, true
	}
	return p.wildcard, false
}

func normalizeOrigin(o string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(o)), "/")
}

// CORS returns middleware that answers cross-origin requests from allowedOrigins. "*" admits
// any origin without credentials. Preflights are answered here; a preflight from a disallowed
// origin gets 403.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	policy := newOriginPolicy(allowedOrigins)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Add("Vary", "Origin")

			allowed, explicit := policy.match(origin)
			if allowed {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", allowedMethods)
				h.Set("Access-Control-Allow-Headers", allowedHeaders)
				if explicit {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				if !allowed {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Max-Age", preflightMaxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
