package httpx

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/aussiebroadwan/authme/pkg/slogx"
)

// BearerVerifier turns a raw access token into a Principal. It gets the
// request so it can resolve per-tenant keys from the path.
type BearerVerifier interface {
	VerifyBearer(r *http.Request, token string) (Principal, error)
}

// BearerVerifierFunc adapts a function to BearerVerifier.
type BearerVerifierFunc func(r *http.Request, token string) (Principal, error)

func (f BearerVerifierFunc) VerifyBearer(r *http.Request, token string) (Principal, error) {
	return f(r, token)
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(h[7:])
	return token, token != ""
}

// BearerAuth rejects requests without a valid bearer token and stores the
// verified Principal in the request context.
func BearerAuth(v BearerVerifier) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := BearerToken(r)
			if !ok {
				WriteBearerError(w, "missing bearer token")
				return
			}
			p, err := v.VerifyBearer(r, raw)
			if err != nil {
				slogx.FromContext(r.Context()).Warn("bearer verification failed", slog.Any("error", err))
				WriteBearerError(w, "token verification failed")
				return
			}

			ctx := WithPrincipal(r.Context(), p)
			ctx = slogx.With(ctx, slog.String("sub", p.Subject))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WriteBearerError is the RFC 6750 invalid_token challenge.
func WriteBearerError(w http.ResponseWriter, desc string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="`+desc+`"`)
	WriteJSON(w, http.StatusUnauthorized, map[string]string{
		"error":             "invalid_token",
		"error_description": desc,
	})
}
