package httpx

import (
	"net/http"
	"strings"
)

// RequireAnyScope passes callers holding at least one of required.
func RequireAnyScope(required ...string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, _ := PrincipalFromContext(r.Context())
			for _, s := range required {
				if p.HasScope(s) {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeInsufficientScope(w, required)
		})
	}
}

// RequireAllScopes passes callers holding every scope in required.
func RequireAllScopes(required ...string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, _ := PrincipalFromContext(r.Context())
			for _, s := range required {
				if !p.HasScope(s) {
					writeInsufficientScope(w, required)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeInsufficientScope(w http.ResponseWriter, required []string) {
	scope := strings.Join(required, " ")
	w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope", scope="`+scope+`"`)
	WriteJSON(w, http.StatusForbidden, map[string]string{
		"error":             "access_denied",
		"error_description": "token lacks scope " + scope,
	})
}
