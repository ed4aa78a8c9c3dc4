package service

import (
	"errors"
	"fmt"

	"github.com/aussiebroadwan/authme/internal/auth/store"
)

// Kind classifies an Error for the transport layer.
type Kind int

const (
	KindBadRequest Kind = iota + 1
	KindUnauthorized
	KindNotFound
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error is a protocol error. Code is the OAuth2 error code sent on the wire.
// Two Errors match under errors.Is when kind and code agree, so a sentinel
// still matches after WithDescription.
type Error struct {
	Kind        Kind
	Code        string
	Description string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Code == e.Code
}

// WithDescription returns a copy of e carrying desc.
func (e *Error) WithDescription(desc string) *Error {
	c := *e
	c.Description = desc
	return &c
}

// Withf is WithDescription with formatting.
func (e *Error) Withf(format string, args ...any) *Error {
	return e.WithDescription(fmt.Sprintf(format, args...))
}

var (
	ErrInvalidRequest          = &Error{Kind: KindBadRequest, Code: "invalid_request"}
	ErrInvalidGrant            = &Error{Kind: KindBadRequest, Code: "invalid_grant"}
	ErrUnauthorizedClient      = &Error{Kind: KindBadRequest, Code: "unauthorized_client"}
	ErrUnsupportedGrantType    = &Error{Kind: KindBadRequest, Code: "unsupported_grant_type"}
	ErrUnsupportedResponseType = &Error{Kind: KindBadRequest, Code: "unsupported_response_type"}
	ErrInvalidScope            = &Error{Kind: KindBadRequest, Code: "invalid_scope"}
	ErrAuthorizationPending    = &Error{Kind: KindBadRequest, Code: "authorization_pending"}
	ErrSlowDown                = &Error{Kind: KindBadRequest, Code: "slow_down"}
	ErrExpiredToken            = &Error{Kind: KindBadRequest, Code: "expired_token"}
	ErrLoginRequired           = &Error{Kind: KindBadRequest, Code: "login_required"}

	ErrInvalidClient = &Error{Kind: KindUnauthorized, Code: "invalid_client"}
	ErrInvalidToken  = &Error{Kind: KindUnauthorized, Code: "invalid_token"}
	ErrAccessDenied  = &Error{Kind: KindUnauthorized, Code: "access_denied"}

	ErrNotFound = &Error{Kind: KindNotFound, Code: "not_found"}
	ErrConflict = &Error{Kind: KindConflict, Code: "conflict"}

	// errBadCredentials is the single answer for every password failure so
	// responses do not reveal whether the user exists or is locked.
	errBadCredentials = ErrInvalidGrant.WithDescription("invalid user credentials")
)

// notFoundAs maps store.ErrNotFound to e and passes other errors through.
func notFoundAs(err error, e *Error) error {
	if errors.Is(err, store.ErrNotFound) {
		return e
	}
	return err
}
