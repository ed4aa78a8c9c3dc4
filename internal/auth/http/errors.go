package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/aussiebroadwan/authme/internal/auth/service"
	"github.com/aussiebroadwan/authme/pkg/authsdk"
	"github.com/aussiebroadwan/authme/pkg/slogx"
)

// oauthError maps a protocol error to its wire form. The status follows
// the kind, with access_denied upgraded to 403 and login_required to 401.
func oauthError(e *service.Error) *authsdk.OAuth2Error {
	status := http.StatusBadRequest
	switch e.Kind {
	case service.KindUnauthorized:
		status = http.StatusUnauthorized
		if e.Code == authsdk.ErrorCodeAccessDenied {
			status = http.StatusForbidden
		}
	case service.KindNotFound:
		status = http.StatusNotFound
	case service.KindConflict:
		status = http.StatusConflict
	}
	if e.Code == authsdk.ErrorCodeLoginRequired {
		status = http.StatusUnauthorized
	}
	return authsdk.NewOAuth2Error(status, e.Code, e.Description)
}

// writeError renders err. Anything that is not a *service.Error is logged
// and hidden behind server_error.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var perr *service.Error
	if errors.As(err, &perr) {
		oauthError(perr).WriteError(w)
		return
	}
	slogx.FromContext(r.Context()).Error("request failed",
		slog.String("path", r.URL.Path),
		slog.Any("error", err),
	)
	authsdk.ErrServerError.WriteError(w)
}
