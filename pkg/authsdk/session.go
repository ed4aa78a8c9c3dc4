package authsdk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ScopeRealmAdmin grants the admin routes of a realm.
const ScopeRealmAdmin = "realm-admin"

// refreshSkew refreshes the access token this long before it expires.
const refreshSkew = 30 * time.Second

// Session holds a token pair and refreshes the access token when it is
// about to expire. It is safe for concurrent use.
type Session struct {
	client *Client
	auth   ClientAuth
	now    func() time.Time

	mu           sync.RWMutex
	accessToken  string
	refreshToken string
	idToken      string
	expiresAt    time.Time
	scopes       map[string]bool
}

// NewSession wraps a token response for auth.
func (c *Client) NewSession(auth ClientAuth, tok *TokenResponse) *Session {
	s := &Session{client: c, auth: auth, now: time.Now}
	s.store(tok)
	return s
}

// AuthenticateWithPassword runs the password grant and wraps the result.
func (c *Client) AuthenticateWithPassword(ctx context.Context, auth ClientAuth, username, password, otp string, scopes ...string) (*Session, error) {
	tok, err := c.PasswordGrant(ctx, auth, username, password, otp, scopes...)
	if err != nil {
		return nil, err
	}
	return c.NewSession(auth, tok), nil
}

// AuthenticateWithClientCredentials runs the client credentials grant. The
// session has no refresh token and fails once the access token expires.
func (c *Client) AuthenticateWithClientCredentials(ctx context.Context, auth ClientAuth, scopes ...string) (*Session, error) {
	tok, err := c.ClientCredentialsGrant(ctx, auth, scopes...)
	if err != nil {
		return nil, err
	}
	return c.NewSession(auth, tok), nil
}

// store must be called with mu held or before s is shared.
func (s *Session) store(tok *TokenResponse) {
	s.accessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		s.refreshToken = tok.RefreshToken
	}
	if tok.IDToken != "" {
		s.idToken = tok.IDToken
	}
	s.expiresAt = s.now().Add(time.Duration(tok.ExpiresIn)*time.Second - refreshSkew)
	s.scopes = parseScopes(tok.Scope)
}

func parseScopes(scope string) map[string]bool {
	fields := strings.Fields(scope)
	out := make(map[string]bool, len(fields))
	for _, f := range fields {
		out[f] = true
	}
	return out
}

// ErrSessionExpired means the access token expired and there is no refresh
// token to renew it.
var ErrSessionExpired = errors.New("access token expired and no refresh token available")

func (s *Session) validToken(ctx context.Context) (string, error) {
	s.mu.RLock()
	if s.now().Before(s.expiresAt) {
		token := s.accessToken
		s.mu.RUnlock()
		return token, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Another caller may have refreshed while we waited.
	if s.now().Before(s.expiresAt) {
		return s.accessToken, nil
	}
	if s.refreshToken == "" {
		return "", ErrSessionExpired
	}
	tok, err := s.client.RefreshGrant(ctx, s.auth, s.refreshToken)
	if err != nil {
		return "", fmt.Errorf("failed to refresh token: %w", err)
	}
	s.store(tok)
	return s.accessToken, nil
}

// AccessToken returns a valid access token, refreshing when needed.
func (s *Session) AccessToken(ctx context.Context) (string, error) {
	return s.validToken(ctx)
}

func (s *Session) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshToken
}

func (s *Session) IDToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idToken
}

// HasScope reports whether the last token response granted scope.
func (s *Session) HasScope(scope string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scopes[scope]
}

func (s *Session) checkScopes(required ...string) error {
	if !s.client.CheckScopes {
		return nil
	}
	var missing []string
	for _, scope := range required {
		if !s.HasScope(scope) {
			missing = append(missing, scope)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required scope(s): %s", strings.Join(missing, ", "))
	}
	return nil
}

// UserInfo fetches the claims of the session user.
func (s *Session) UserInfo(ctx context.Context) (*UserInfo, error) {
	token, err := s.validToken(ctx)
	if err != nil {
		return nil, err
	}
	return s.client.UserInfo(ctx, token)
}

// Logout ends the server side session. The Session is unusable afterwards.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	refresh := s.refreshToken
	s.refreshToken = ""
	s.expiresAt = time.Time{}
	s.mu.Unlock()

	if refresh == "" {
		return errors.New("no refresh token to log out with")
	}
	return s.client.Logout(ctx, s.auth, refresh)
}

func (s *Session) admin(ctx context.Context, method, path string, out any, want int) error {
	if err := s.checkScopes(ScopeRealmAdmin); err != nil {
		return err
	}
	token, err := s.validToken(ctx)
	if err != nil {
		return err
	}
	var resp *http.Response
	if method == http.MethodPost {
		resp, err = s.client.postForm(ctx, s.client.adminURL(path), nil, ClientAuth{}, token)
	} else {
		resp, err = s.client.doRequest(ctx, method, s.client.adminURL(path), token)
	}
	if err != nil {
		return err
	}
	return decodeJSON(resp, out, want)
}

// LockedUsers lists users locked out by brute force detection.
func (s *Session) LockedUsers(ctx context.Context) ([]LockedUser, error) {
	var out LockedUsersResponse
	if err := s.admin(ctx, http.MethodGet, "attack-detection/brute-force/users", &out, http.StatusOK); err != nil {
		return nil, err
	}
	return out.Users, nil
}

// UnlockUser clears the failures and lockout of userID.
func (s *Session) UnlockUser(ctx context.Context, userID string) error {
	return s.admin(ctx, http.MethodDelete, "attack-detection/brute-force/users/"+url.PathEscape(userID), nil, http.StatusNoContent)
}

// RevokeSession ends another session of the realm.
func (s *Session) RevokeSession(ctx context.Context, sessionID string) error {
	return s.admin(ctx, http.MethodDelete, "sessions/"+url.PathEscape(sessionID), nil, http.StatusNoContent)
}

// RotateKeys makes a new realm signing key active.
func (s *Session) RotateKeys(ctx context.Context) (string, error) {
	var out RotateKeyResponse
	if err := s.admin(ctx, http.MethodPost, "keys/rotate", &out, http.StatusOK); err != nil {
		return "", err
	}
	return out.Kid, nil
}
