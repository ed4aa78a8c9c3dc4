package service

import (
	"context"
	"fmt"
	"time"

	"github.com/aussiebroadwan/authme/internal/auth/domain"
	"github.com/aussiebroadwan/authme/internal/auth/store"
	"github.com/aussiebroadwan/authme/pkg/idx"
	"github.com/aussiebroadwan/authme/pkg/jwtx"
)

// IdentityCookieName carries the browser login session.
const IdentityCookieName = "AUTHME_IDENTITY"

const (
	identityTokenType = "Identity"
	identityAudience  = "authme-identity"
)

// CredentialVerifier hashes and checks passwords. *cryptox.PasswordHasher
// satisfies it.
type CredentialVerifier interface {
	VerifyPassword(encodedHash, plain string) (bool, error)
	HashPassword(plain string) (string, error)
}

// SessionValidator resolves a browser login session. A missing, invalid or
// ended session is ErrLoginRequired.
type SessionValidator interface {
	ValidateLoginSession(ctx context.Context, realm domain.Realm, sessionToken string) (*domain.User, *domain.Session, error)
}

type identityClaims struct {
	jwtx.Base
	SessionID string `json:"sid"`
}

// IdentityCookieValidator backs the login session with a realm-signed JWT
// naming a session row. Ending the session (logout, admin revoke) kills the
// cookie even before it expires.
type IdentityCookieValidator struct {
	Store store.Store
	Keys  *KeyService
	TTL   time.Duration
}

// Issue signs the cookie value for session.
func (v *IdentityCookieValidator) Issue(ctx context.Context, realm domain.Realm, session domain.Session) (string, error) {
	claims := &identityClaims{SessionID: session.ID}
	claims.Type = identityTokenType
	claims.Subject = session.UserID
	claims.Audience = []string{identityAudience}
	return v.Keys.Sign(ctx, realm, claims, v.ttl(realm))
}

func (v *IdentityCookieValidator) ttl(realm domain.Realm) time.Duration {
	if v.TTL > 0 {
		return v.TTL
	}
	return realm.RefreshTokenTTL
}

func (v *IdentityCookieValidator) ValidateLoginSession(ctx context.Context, realm domain.Realm, sessionToken string) (*domain.User, *domain.Session, error) {
	if sessionToken == "" {
		return nil, nil, ErrLoginRequired
	}
	var claims identityClaims
	if err := v.Keys.Verify(ctx, realm, sessionToken, &claims, VerifyOptions{Audience: identityAudience}); err != nil {
		return nil, nil, ErrLoginRequired
	}
	if claims.Type != identityTokenType || claims.SessionID == "" {
		return nil, nil, ErrLoginRequired
	}

	session, err := v.Store.Sessions().GetSession(ctx, realm.ID, claims.SessionID)
	if err != nil {
		return nil, nil, notFoundAs(err, ErrLoginRequired)
	}
	user, err := v.Store.Users().GetUserByID(ctx, realm.ID, session.UserID)
	if err != nil {
		return nil, nil, notFoundAs(err, ErrLoginRequired)
	}
	if !user.Enabled || user.ID != claims.Subject {
		return nil, nil, ErrLoginRequired
	}
	return &user, &session, nil
}

// newSession builds a login session for user at now.
func newSession(realm domain.Realm, userID, ip, alias string, now time.Time) domain.Session {
	return domain.Session{
		ID:               idx.NewAt(now).String(),
		RealmID:          realm.ID,
		UserID:           userID,
		IPAddress:        ip,
		IdentityProvider: alias,
		AuthTime:         now,
		CreatedAt:        now,
		LastSeenAt:       now,
	}
}

func createSession(ctx context.Context, st store.Store, s domain.Session) error {
	if err := st.Sessions().CreateSession(ctx, s); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// createRefreshToken persists rt; nil means the client gets no refresh token.
func createRefreshToken(ctx context.Context, st store.Store, rt *domain.RefreshToken) error {
	if rt == nil {
		return nil
	}
	return st.RefreshTokens().CreateRefreshToken(ctx, *rt)
}

// Login authenticates a user at the authorization endpoint or device
// verification page and opens a login session for the identity cookie.
func (s *TokenService) Login(ctx context.Context, realm domain.Realm, username, password, otpCode, ip string) (domain.User, domain.Session, error) {
	user, err := s.AuthenticateUser(ctx, realm, username, password, otpCode, ip)
	if err != nil {
		return domain.User{}, domain.Session{}, err
	}
	session := newSession(realm, user.ID, ip, "", s.now())
	if err := createSession(ctx, s.Store, session); err != nil {
		return domain.User{}, domain.Session{}, err
	}
	return user, session, nil
}

// VerifyAccessToken checks a bearer token of realm. A token whose session
// has ended is rejected even before it expires.
func (s *TokenService) VerifyAccessToken(ctx context.Context, realm domain.Realm, token string) (*jwtx.AccessClaims, error) {
	var claims jwtx.AccessClaims
	if err := s.Keys.Verify(ctx, realm, token, &claims, VerifyOptions{}); err != nil {
		return nil, ErrInvalidToken.WithDescription("access token is invalid")
	}
	if claims.Type != jwtx.TypeBearer {
		return nil, ErrInvalidToken.WithDescription("not an access token")
	}
	if claims.SessionID != "" {
		if _, err := s.Store.Sessions().GetSession(ctx, realm.ID, claims.SessionID); err != nil {
			return nil, notFoundAs(err, ErrInvalidToken.WithDescription("session ended"))
		}
	}
	return &claims, nil
}
