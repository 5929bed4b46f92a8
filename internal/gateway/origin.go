package gateway

import (
	"net/http"
	"strings"
)

// originPolicy decides which browser origins may talk to the bridge. An empty
// list, or one containing "*", admits everyone.
type originPolicy struct {
	any     bool
	allowed map[string]struct{}
}

func newOriginPolicy(origins []string) originPolicy {
	p := originPolicy{allowed: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		switch o {
		case "":
		case "*":
			p.any = true
		default:
			p.allowed[strings.ToLower(o)] = struct{}{}
		}
	}
	if len(p.allowed) == 0 {
		p.any = true
	}
	return p
}

func (p originPolicy) allows(origin string) bool {
	if p.any {
		return true
	}
	_, ok := p.allowed[strings.ToLower(strings.TrimRight(origin, "/"))]
	return ok
}

// checkOrigin is used as the websocket upgrader's origin check. Requests
// without an Origin header come from non-browser clients and are accepted.
func (p originPolicy) checkOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	return p.allows(origin)
}

var corsAllowedMethods = "GET, OPTIONS"

var corsAllowedHeaders = "Content-Type"

// CORS attaches CORS headers for the configured origins and answers preflight
// requests.
func CORS(origins []string, next http.Handler) http.Handler {
	policy := newOriginPolicy(origins)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		allowOrigin := ""
		switch {
		case origin == "":
		case policy.any:
			allowOrigin = "*"
		case policy.allows(origin):
			allowOrigin = origin
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions && strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != "" {
			if allowOrigin == "" {
				http.Error(w, "cors preflight not allowed", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			w.Header().Set("Access-Control-Allow-Methods", corsAllowedMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsAllowedHeaders)
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if allowOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
		}
		next.ServeHTTP(w, r)
	})
}
