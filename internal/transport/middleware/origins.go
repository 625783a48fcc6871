// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// OriginPolicy decides which browser origins may call the API and open live
// connections. An empty policy allows every origin.
type OriginPolicy struct {
	allowed map[string]struct{}
}

func NewOriginPolicy(origins []string) *OriginPolicy {
	p := &OriginPolicy{allowed: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		o = strings.TrimRight(strings.ToLower(strings.TrimSpace(o)), "/")
		if o != "" {
			p.allowed[o] = struct{}{}
		}
	}
	return p
}

func (p *OriginPolicy) allowAll() bool {
	return p == nil || len(p.allowed) == 0
}

// Allowed reports whether origin may be served. Requests without an Origin
// header are not browser cross-origin requests and are always allowed.
func (p *OriginPolicy) Allowed(origin string) bool {
	origin = strings.TrimSpace(origin)
	if origin == "" || p.allowAll() {
		return true
	}
	if _, ok := p.allowed["*"]; ok {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}
	_, ok := p.allowed[strings.ToLower(u.Scheme+"://"+u.Host)]
	return ok
}

// CheckOrigin matches the signature of websocket.Upgrader.CheckOrigin.
func (p *OriginPolicy) CheckOrigin(r *http.Request) bool {
	return p.Allowed(r.Header.Get("Origin"))
}

// CORS answers preflight requests and sets the CORS headers for allowed
// origins. Disallowed cross-origin requests are rejected with 403.
func CORS(policy *OriginPolicy, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			if !policy.Allowed(origin) {
				logger.Warn("cross-origin request rejected", "origin", origin, "path", r.URL.Path)
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}

			h := w.Header()
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-Id")
			h.Set("Access-Control-Expose-Headers", "X-Request-Id, Retry-After")

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
