package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/aussiebroadwan/authme/internal/auth/domain"
	"github.com/aussiebroadwan/authme/internal/auth/store"
	"github.com/aussiebroadwan/authme/pkg/cryptox"
	"github.com/aussiebroadwan/authme/pkg/idx"
	"github.com/aussiebroadwan/authme/pkg/slogx"
)

const (
	DefaultCodeTTL = 60 * time.Second

	PKCEMethodS256 = "S256"
)

// ErrClientNotFound covers unknown and disabled clients alike.
var ErrClientNotFound = &Error{Kind: KindNotFound, Code: "invalid_client", Description: "client not found"}

// AuthorizeService validates authorization requests and mints codes. It is
// the only place codes are created; the broker, device approval and direct
// login all end here.
type AuthorizeService struct {
	Store   store.Store
	CodeTTL time.Duration
	Now     func() time.Time
}

func NewAuthorizeService(st store.Store, codeTTL time.Duration, now func() time.Time) *AuthorizeService {
	if codeTTL <= 0 {
		codeTTL = DefaultCodeTTL
	}
	if now == nil {
		now = time.Now
	}
	return &AuthorizeService{Store: st, CodeTTL: codeTTL, Now: now}
}

// AuthRequest holds the authorization request parameters.
type AuthRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               []string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// validatedRequest is an AuthRequest that passed validation.
type validatedRequest struct {
	AuthRequest
	client domain.Client
	scopes []string
	method string
}

// AuthorizeResult is where the user agent goes next.
type AuthorizeResult struct {
	RedirectURL string
	Code        string
	State       string
}

// ValidateAuthRequest checks req against the realm's client registry and
// returns the client.
func (s *AuthorizeService) ValidateAuthRequest(ctx context.Context, realm domain.Realm, req AuthRequest) (domain.Client, error) {
	v, err := s.validate(ctx, s.Store, realm, req)
	if err != nil {
		return domain.Client{}, err
	}
	return v.client, nil
}

func (s *AuthorizeService) validate(ctx context.Context, st store.Store, realm domain.Realm, req AuthRequest) (*validatedRequest, error) {
	req.ClientID = strings.TrimSpace(req.ClientID)
	req.RedirectURI = strings.TrimSpace(req.RedirectURI)
	req.CodeChallenge = strings.TrimSpace(req.CodeChallenge)
	req.CodeChallengeMethod = strings.TrimSpace(req.CodeChallengeMethod)

	if req.ClientID == "" || req.RedirectURI == "" {
		return nil, ErrInvalidRequest.WithDescription("client_id and redirect_uri are required")
	}

	client, err := st.Clients().GetClientByClientID(ctx, realm.ID, req.ClientID)
	if err != nil {
		return nil, notFoundAs(err, ErrClientNotFound)
	}
	if !client.Enabled {
		return nil, ErrClientNotFound
	}

	if req.ResponseType != "code" {
		return nil, ErrUnsupportedResponseType.WithDescription("only response_type=code is supported")
	}
	if !client.AllowsGrant(domain.GrantAuthorizationCode) {
		return nil, ErrUnauthorizedClient.WithDescription("client may not use the authorization code flow")
	}
	if !client.HasRedirectURI(req.RedirectURI) {
		return nil, ErrInvalidRequest.WithDescription("redirect_uri is not registered for this client")
	}

	method, err := validatePKCE(req.CodeChallenge, req.CodeChallengeMethod, client)
	if err != nil {
		return nil, err
	}

	scopes, err := grantScopes(req.Scope, client.Scopes)
	if err != nil {
		return nil, err
	}

	return &validatedRequest{AuthRequest: req, client: client, scopes: scopes, method: method}, nil
}

// AuthorizeWithUser mints a code for user under session and returns the
// redirect back to the client.
func (s *AuthorizeService) AuthorizeWithUser(ctx context.Context, realm domain.Realm, user domain.User, session domain.Session, req AuthRequest) (*AuthorizeResult, error) {
	return s.authorizeWithUser(ctx, s.Store, realm, user, session, req)
}

// authorizeWithUser runs against st so callers already inside a transaction
// can mint codes without a second connection.
func (s *AuthorizeService) authorizeWithUser(ctx context.Context, st store.Store, realm domain.Realm, user domain.User, session domain.Session, req AuthRequest) (*AuthorizeResult, error) {
	v, err := s.validate(ctx, st, realm, req)
	if err != nil {
		return nil, err
	}
	if !user.Enabled || user.RealmID != realm.ID {
		return nil, ErrAccessDenied.WithDescription("user is disabled")
	}

	code, err := cryptox.GenerateHexToken(cryptox.TokenSize256)
	if err != nil {
		return nil, fmt.Errorf("generate authorization code: %w", err)
	}

	now := s.Now()
	authTime := session.AuthTime
	if authTime.IsZero() {
		authTime = now
	}

	record := domain.AuthorizationCode{
		ID:                  idx.NewAt(now).String(),
		RealmID:             realm.ID,
		ClientID:            v.client.ID,
		UserID:              user.ID,
		SessionID:           session.ID,
		CodeHash:            cryptox.FingerprintToken(code),
		RedirectURI:         v.RedirectURI,
		Scopes:              v.scopes,
		Nonce:               v.Nonce,
		CodeChallenge:       v.CodeChallenge,
		CodeChallengeMethod: v.method,
		AuthTime:            authTime,
		ExpiresAt:           now.Add(s.CodeTTL),
		CreatedAt:           now,
	}
	if err := st.AuthorizationCodes().CreateAuthorizationCode(ctx, record); err != nil {
		return nil, fmt.Errorf("store authorization code: %w", err)
	}

	redirect, err := appendQuery(v.RedirectURI, url.Values{"code": {code}}, v.State)
	if err != nil {
		return nil, err
	}

	slogx.FromContext(ctx).Debug("authorization code issued",
		slog.String("realm", realm.Name),
		slog.String("client_id", v.client.ClientID),
		slog.String("user_id", user.ID),
	)

	return &AuthorizeResult{RedirectURL: redirect, Code: code, State: v.State}, nil
}

// ErrorRedirect builds the redirect that reports err to the client. Only
// call it once the redirect URI has been validated.
func ErrorRedirect(redirectURI, state string, err *Error) (string, error) {
	q := url.Values{"error": {err.Code}}
	if err.Description != "" {
		q.Set("error_description", err.Description)
	}
	return appendQuery(redirectURI, q, state)
}

func appendQuery(rawURL string, params url.Values, state string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", ErrInvalidRequest.WithDescription("malformed redirect_uri")
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// validatePKCE returns the normalised challenge method. Only S256 is
// accepted, and public clients must send a challenge.
func validatePKCE(challenge, method string, client domain.Client) (string, error) {
	if challenge == "" {
		if method != "" {
			return "", ErrInvalidRequest.WithDescription("code_challenge_method without code_challenge")
		}
		if !client.IsConfidential() {
			return "", ErrInvalidRequest.WithDescription("public clients must use PKCE")
		}
		return "", nil
	}
	switch method {
	case "", PKCEMethodS256:
		return PKCEMethodS256, nil
	default:
		return "", ErrInvalidRequest.Withf("unsupported code_challenge_method %q", method)
	}
}

// verifyCodeVerifier recomputes the S256 challenge. No stored challenge
// means PKCE was not used and any verifier is ignored.
func verifyCodeVerifier(challenge, method, verifier string) bool {
	if challenge == "" {
		return true
	}
	if method != PKCEMethodS256 || verifier == "" {
		return false
	}
	sum := sha256.Sum256([]byte(verifier))
	expected := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(challenge), []byte(expected)) == 1
}

// grantScopes intersects requested with allowed. An empty request gets all
// allowed scopes; a request with no overlap is invalid_scope.
func grantScopes(requested, allowed []string) ([]string, error) {
	if len(requested) == 0 {
		return dedupe(allowed), nil
	}
	out := intersectScopes(requested, allowed)
	if len(out) == 0 {
		return nil, ErrInvalidScope.WithDescription("none of the requested scopes are allowed")
	}
	return out, nil
}

func intersectScopes(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, s := range b {
		set[s] = struct{}{}
	}
	var out []string
	for _, s := range a {
		if _, ok := set[s]; ok {
			out = append(out, s)
		}
	}
	return dedupe(out)
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func hasScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}
