package authsdk

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/aussiebroadwan/authme/pkg/httpx"
)

// Error codes of RFC 6749, RFC 6750, RFC 8628 and OIDC Core.
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeAuthorizationPending    = "authorization_pending"
	ErrorCodeSlowDown                = "slow_down"
	ErrorCodeExpiredToken            = "expired_token"
	ErrorCodeLoginRequired           = "login_required"
	ErrorCodeNotFound                = "not_found"
	ErrorCodeConflict                = "conflict"
	ErrorCodeServerError             = "server_error"
	ErrorCodeTemporarilyUnavailable  = "temporarily_unavailable"
)

// OAuth2Error is an error response body. The server writes it with
// WriteError; the client decodes failed responses into it.
type OAuth2Error struct {
	StatusCode  int    `json:"-"`
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *OAuth2Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Is matches on code, so errors.Is(err, authsdk.ErrInvalidGrant) holds for
// any invalid_grant response.
func (e *OAuth2Error) Is(target error) bool {
	t, ok := target.(*OAuth2Error)
	return ok && t.Code == e.Code
}

// WriteError renders e as a non-cacheable JSON response. invalid_client
// gets the Basic challenge RFC 6749 section 5.2 asks for.
func (e *OAuth2Error) WriteError(w http.ResponseWriter) {
	if e.StatusCode == http.StatusUnauthorized && e.Code == ErrorCodeInvalidClient {
		w.Header().Set("WWW-Authenticate", `Basic realm="authme"`)
	}
	httpx.WriteJSON(w, e.StatusCode, e)
}

// WithDescription returns a copy of e with desc.
func (e *OAuth2Error) WithDescription(desc string) *OAuth2Error {
	c := *e
	c.Description = desc
	return &c
}

func NewOAuth2Error(status int, code, desc string) *OAuth2Error {
	return &OAuth2Error{StatusCode: status, Code: code, Description: desc}
}

var (
	ErrInvalidRequest          = NewOAuth2Error(http.StatusBadRequest, ErrorCodeInvalidRequest, "the request is malformed or missing required parameters")
	ErrInvalidClient           = NewOAuth2Error(http.StatusUnauthorized, ErrorCodeInvalidClient, "client authentication failed")
	ErrInvalidGrant            = NewOAuth2Error(http.StatusBadRequest, ErrorCodeInvalidGrant, "the grant is invalid, expired or revoked")
	ErrUnauthorizedClient      = NewOAuth2Error(http.StatusBadRequest, ErrorCodeUnauthorizedClient, "the client may not use this grant type")
	ErrUnsupportedGrantType    = NewOAuth2Error(http.StatusBadRequest, ErrorCodeUnsupportedGrantType, "grant type not supported")
	ErrUnsupportedResponseType = NewOAuth2Error(http.StatusBadRequest, ErrorCodeUnsupportedResponseType, "response type not supported")
	ErrInvalidScope            = NewOAuth2Error(http.StatusBadRequest, ErrorCodeInvalidScope, "requested scope is invalid")
	ErrInvalidToken            = NewOAuth2Error(http.StatusUnauthorized, ErrorCodeInvalidToken, "the access token is missing, invalid, expired or revoked")
	ErrAccessDenied            = NewOAuth2Error(http.StatusForbidden, ErrorCodeAccessDenied, "access denied")
	ErrAuthorizationPending    = NewOAuth2Error(http.StatusBadRequest, ErrorCodeAuthorizationPending, "the user has not yet completed authorization")
	ErrSlowDown                = NewOAuth2Error(http.StatusBadRequest, ErrorCodeSlowDown, "polling too frequently")
	ErrExpiredToken            = NewOAuth2Error(http.StatusBadRequest, ErrorCodeExpiredToken, "the device code has expired")
	ErrNotFound                = NewOAuth2Error(http.StatusNotFound, ErrorCodeNotFound, "not found")
	ErrServerError             = NewOAuth2Error(http.StatusInternalServerError, ErrorCodeServerError, "internal server error")
	ErrTemporarilyUnavailable  = NewOAuth2Error(http.StatusTooManyRequests, ErrorCodeTemporarilyUnavailable, "too many requests, retry later")
	ErrMethodNotAllowed        = NewOAuth2Error(http.StatusMethodNotAllowed, ErrorCodeInvalidRequest, "method not allowed")
	ErrInvalidContentType      = NewOAuth2Error(http.StatusBadRequest, ErrorCodeInvalidRequest, "content-type must be application/x-www-form-urlencoded")
)

// parseErrorResponse turns a non-2xx response body into *OAuth2Error.
func parseErrorResponse(resp *http.Response, body []byte) error {
	e := &OAuth2Error{StatusCode: resp.StatusCode}
	if err := json.Unmarshal(body, e); err == nil && e.Code != "" {
		return e
	}
	e.Code = ErrorCodeServerError
	e.Description = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	return e
}
