package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aussiebroadwan/authme/internal/auth/domain"
	"github.com/aussiebroadwan/authme/internal/auth/store"
	"github.com/aussiebroadwan/authme/pkg/cryptox"
	"github.com/aussiebroadwan/authme/pkg/idx"
	"github.com/aussiebroadwan/authme/pkg/jwtx"
	"github.com/aussiebroadwan/authme/pkg/slogx"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	DefaultAccessTokenTTL  = 5 * time.Minute
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour

	ScopeOpenID  = "openid"
	ScopeProfile = "profile"
	ScopeEmail   = "email"

	// ServiceAccountPrefix prefixes the subject of client_credentials tokens.
	ServiceAccountPrefix = "service-account-"
)

// TokenService exchanges grants for tokens and manages their lifecycle.
type TokenService struct {
	Store       store.Store
	Keys        *KeyService
	BruteForce  *BruteForceGuard
	Credentials CredentialVerifier
	Backchannel *BackchannelNotifier
	Throttle    PollThrottle
	Now         func() time.Time
	Metrics     *Metrics
}

// ClientCredentials are what the caller presented, via HTTP Basic or form.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
}

// TokenRequest is the union of all grant parameters.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        []string
	Username     string
	Password     string
	OTP          string
	DeviceCode   string
	IPAddress    string
}

// AuthenticateClient resolves and authenticates the calling client.
// Confidential clients must present their secret; public clients only
// identify themselves.
func (s *TokenService) AuthenticateClient(ctx context.Context, realm domain.Realm, creds ClientCredentials) (domain.Client, error) {
	if creds.ClientID == "" {
		return domain.Client{}, ErrInvalidClient.WithDescription("client authentication required")
	}
	client, err := s.Store.Clients().GetClientByClientID(ctx, realm.ID, creds.ClientID)
	if err != nil {
		return domain.Client{}, notFoundAs(err, ErrInvalidClient.WithDescription("client authentication failed"))
	}
	if !client.Enabled {
		return domain.Client{}, ErrInvalidClient.WithDescription("client authentication failed")
	}
	if client.IsConfidential() {
		if creds.ClientSecret == "" || client.SecretHash == "" {
			return domain.Client{}, ErrInvalidClient.WithDescription("client authentication failed")
		}
		ok, err := s.Credentials.VerifyPassword(client.SecretHash, creds.ClientSecret)
		if err != nil || !ok {
			slogx.FromContext(ctx).Info("client authentication failed",
				slog.String("realm", realm.Name),
				slog.String("client_id", creds.ClientID),
			)
			return domain.Client{}, ErrInvalidClient.WithDescription("client authentication failed")
		}
	}
	return client, nil
}

// Token authenticates the client and dispatches on grant_type.
func (s *TokenService) Token(ctx context.Context, realm domain.Realm, creds ClientCredentials, req TokenRequest) (*domain.TokenPair, error) {
	client, err := s.AuthenticateClient(ctx, realm, creds)
	if err != nil {
		s.Metrics.grantFailed(req.GrantType, "invalid_client")
		return nil, err
	}

	var pair *domain.TokenPair
	switch req.GrantType {
	case domain.GrantAuthorizationCode:
		pair, err = s.ExchangeAuthorizationCode(ctx, realm, client, req.Code, req.RedirectURI, req.CodeVerifier)
	case domain.GrantRefreshToken:
		pair, err = s.ExchangeRefreshToken(ctx, realm, client, req.RefreshToken, req.Scope)
	case domain.GrantClientCredentials:
		pair, err = s.ExchangeClientCredentials(ctx, realm, client, req.Scope)
	case domain.GrantPassword:
		pair, err = s.ExchangePassword(ctx, realm, client, req.Username, req.Password, req.OTP, req.Scope, req.IPAddress)
	case domain.GrantDeviceCode:
		pair, err = s.ExchangeDeviceCode(ctx, realm, client, req.DeviceCode)
	case "":
		err = ErrInvalidRequest.WithDescription("grant_type is required")
	default:
		err = ErrUnsupportedGrantType.Withf("grant type %q is not supported", req.GrantType)
	}
	if err != nil {
		var perr *Error
		if errors.As(err, &perr) {
			s.Metrics.grantFailed(req.GrantType, perr.Code)
		} else {
			s.Metrics.grantFailed(req.GrantType, "server_error")
		}
		return nil, err
	}
	s.Metrics.tokenIssued(req.GrantType)
	return pair, nil
}

// ExchangeAuthorizationCode redeems a code. The conditional consume is the
// first write of the transaction, so of two concurrent exchanges exactly one
// gets past it.
func (s *TokenService) ExchangeAuthorizationCode(ctx context.Context, realm domain.Realm, client domain.Client, code, redirectURI, verifier string) (*domain.TokenPair, error) {
	if !client.AllowsGrant(domain.GrantAuthorizationCode) {
		return nil, ErrUnauthorizedClient
	}
	code = strings.TrimSpace(code)
	if code == "" || redirectURI == "" {
		return nil, ErrInvalidRequest.WithDescription("code and redirect_uri are required")
	}

	now := s.now()
	ac, err := s.Store.AuthorizationCodes().GetAuthorizationCodeByHash(ctx, realm.ID, cryptox.FingerprintToken(code))
	if err != nil {
		return nil, notFoundAs(err, ErrInvalidGrant.WithDescription("invalid authorization code"))
	}
	switch {
	case ac.ClientID != client.ID:
		return nil, ErrInvalidGrant.WithDescription("code was issued to another client")
	case ac.ConsumedAt != nil:
		return nil, ErrInvalidGrant.WithDescription("code already used")
	case !now.Before(ac.ExpiresAt):
		return nil, ErrInvalidGrant.WithDescription("code expired")
	case ac.RedirectURI != redirectURI:
		return nil, ErrInvalidGrant.WithDescription("redirect_uri mismatch")
	case !verifyCodeVerifier(ac.CodeChallenge, ac.CodeChallengeMethod, verifier):
		return nil, ErrInvalidGrant.WithDescription("PKCE verification failed")
	}

	user, err := s.activeUser(ctx, realm, ac.UserID)
	if err != nil {
		return nil, err
	}

	session := domain.Session{ID: ac.SessionID, AuthTime: ac.AuthTime}
	reuse := session.ID != ""
	if !reuse {
		session = newSession(realm, user.ID, "", "", now)
		session.AuthTime = ac.AuthTime
	}

	pair, refresh, err := s.mint(ctx, mintRequest{
		realm:   realm,
		client:  client,
		user:    &user,
		scopes:  ac.Scopes,
		session: session,
		nonce:   ac.Nonce,
		refresh: true,
		now:     now,
	})
	if err != nil {
		return nil, err
	}

	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.AuthorizationCodes().ConsumeAuthorizationCode(ctx, realm.ID, ac.ID, now); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return ErrInvalidGrant.WithDescription("code already used")
			}
			return err
		}
		if reuse {
			if _, err := tx.Sessions().GetSession(ctx, realm.ID, session.ID); err != nil {
				return notFoundAs(err, ErrInvalidGrant.WithDescription("login session ended"))
			}
			if err := tx.Sessions().TouchSession(ctx, realm.ID, session.ID, now); err != nil {
				return err
			}
		} else if err := createSession(ctx, tx, session); err != nil {
			return err
		}
		return createRefreshToken(ctx, tx, refresh)
	})
	if err != nil {
		return nil, err
	}
	return pair, nil
}

// ExchangeRefreshToken rotates the presented refresh token: it is revoked
// and a new one bound to the same session is returned. Replaying a rotated
// token is invalid_grant.
func (s *TokenService) ExchangeRefreshToken(ctx context.Context, realm domain.Realm, client domain.Client, refreshToken string, requested []string) (*domain.TokenPair, error) {
	if !client.AllowsGrant(domain.GrantRefreshToken) {
		return nil, ErrUnauthorizedClient
	}
	if refreshToken == "" {
		return nil, ErrInvalidRequest.WithDescription("refresh_token is required")
	}

	now := s.now()
	hash := cryptox.FingerprintToken(refreshToken)
	rt, err := s.Store.RefreshTokens().GetRefreshTokenByHash(ctx, realm.ID, hash)
	if err != nil {
		return nil, notFoundAs(err, ErrInvalidGrant.WithDescription("invalid refresh token"))
	}
	switch {
	case rt.Revoked:
		return nil, ErrInvalidGrant.WithDescription("refresh token revoked")
	case !now.Before(rt.ExpiresAt):
		return nil, ErrInvalidGrant.WithDescription("refresh token expired")
	case rt.ClientID != client.ID:
		return nil, ErrInvalidGrant.WithDescription("refresh token was issued to another client")
	}

	session, err := s.Store.Sessions().GetSession(ctx, realm.ID, rt.SessionID)
	if err != nil {
		return nil, notFoundAs(err, ErrInvalidGrant.WithDescription("session ended"))
	}
	user, err := s.activeUser(ctx, realm, rt.UserID)
	if err != nil {
		return nil, err
	}

	// Narrowing only: a refresh can never gain scopes.
	scopes := rt.Scopes
	if len(requested) > 0 {
		scopes = intersectScopes(requested, rt.Scopes)
		if len(scopes) == 0 {
			return nil, ErrInvalidScope.WithDescription("requested scopes exceed the original grant")
		}
	}
	scopes = intersectScopes(scopes, client.Scopes)

	pair, refresh, err := s.mint(ctx, mintRequest{
		realm:   realm,
		client:  client,
		user:    &user,
		scopes:  scopes,
		session: session,
		refresh: true,
		now:     now,
	})
	if err != nil {
		return nil, err
	}

	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.RefreshTokens().RevokeRefreshToken(ctx, realm.ID, hash, now); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return ErrInvalidGrant.WithDescription("refresh token revoked")
			}
			return err
		}
		if err := tx.Sessions().TouchSession(ctx, realm.ID, session.ID, now); err != nil {
			return notFoundAs(err, ErrInvalidGrant.WithDescription("session ended"))
		}
		return createRefreshToken(ctx, tx, refresh)
	})
	if err != nil {
		return nil, err
	}
	return pair, nil
}

// ExchangeClientCredentials issues a service account token. There is no
// user and no refresh token.
func (s *TokenService) ExchangeClientCredentials(ctx context.Context, realm domain.Realm, client domain.Client, requested []string) (*domain.TokenPair, error) {
	if !client.IsConfidential() {
		return nil, ErrUnauthorizedClient.WithDescription("public clients cannot use client_credentials")
	}
	if !client.AllowsGrant(domain.GrantClientCredentials) {
		return nil, ErrUnauthorizedClient
	}
	scopes, err := grantScopes(requested, client.Scopes)
	if err != nil {
		return nil, err
	}
	// No ID token without a user.
	scopes = removeScope(scopes, ScopeOpenID)

	pair, _, err := s.mint(ctx, mintRequest{
		realm:   realm,
		client:  client,
		subject: ServiceAccountPrefix + client.ClientID,
		scopes:  scopes,
		now:     s.now(),
	})
	return pair, err
}

// ExchangePassword is the resource owner password grant. Every failure,
// including a locked account, is the same invalid_grant.
func (s *TokenService) ExchangePassword(ctx context.Context, realm domain.Realm, client domain.Client, username, password, otpCode string, requested []string, ip string) (*domain.TokenPair, error) {
	if !client.AllowsGrant(domain.GrantPassword) {
		return nil, ErrUnauthorizedClient
	}
	scopes, err := grantScopes(requested, client.Scopes)
	if err != nil {
		return nil, err
	}

	user, err := s.AuthenticateUser(ctx, realm, username, password, otpCode, ip)
	if err != nil {
		return nil, err
	}

	now := s.now()
	session := newSession(realm, user.ID, ip, "", now)
	pair, refresh, err := s.mint(ctx, mintRequest{
		realm:   realm,
		client:  client,
		user:    &user,
		scopes:  scopes,
		session: session,
		refresh: true,
		now:     now,
	})
	if err != nil {
		return nil, err
	}

	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := createSession(ctx, tx, session); err != nil {
			return err
		}
		return createRefreshToken(ctx, tx, refresh)
	})
	if err != nil {
		return nil, err
	}
	return pair, nil
}

// AuthenticateUser checks a username, password and, when enrolled, a TOTP
// code under brute force protection. Used by the password grant and direct
// login.
func (s *TokenService) AuthenticateUser(ctx context.Context, realm domain.Realm, username, password, otpCode, ip string) (domain.User, error) {
	l := slogx.FromContext(ctx)

	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return domain.User{}, ErrInvalidRequest.WithDescription("username and password are required")
	}

	user, err := s.Store.Users().GetUserByUsername(ctx, realm.ID, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.verifyDummy(password)
			return domain.User{}, errBadCredentials
		}
		return domain.User{}, err
	}

	if status := s.BruteForce.CheckLocked(ctx, realm, user); status.Locked {
		l.Info("login attempt on locked account",
			slog.String("realm", realm.Name),
			slog.String("user_id", user.ID),
		)
		s.verifyDummy(password)
		return domain.User{}, errBadCredentials
	}
	if !user.Enabled {
		s.verifyDummy(password)
		return domain.User{}, errBadCredentials
	}

	ok := false
	if user.PasswordHash != "" {
		ok, err = s.Credentials.VerifyPassword(user.PasswordHash, password)
		if err != nil {
			l.Warn("password verification error", slog.String("user_id", user.ID), slog.Any("error", err))
			ok = false
		}
	} else {
		s.verifyDummy(password)
	}
	if ok && user.OTPSecret != nil {
		ok = s.validateTOTP(otpCode, *user.OTPSecret)
	}
	if !ok {
		if err := s.BruteForce.RecordFailure(ctx, realm, user.ID, ip); err != nil {
			l.Error("record login failure", slog.String("user_id", user.ID), slog.Any("error", err))
		}
		return domain.User{}, errBadCredentials
	}

	if err := s.BruteForce.ResetFailures(ctx, realm, user.ID); err != nil {
		l.Error("reset login failures", slog.String("user_id", user.ID), slog.Any("error", err))
	}
	return user, nil
}

// dummyPasswordHash has the cost parameters of real hashes and matches no
// password.
const dummyPasswordHash = "$argon2id$v=19$m=19456,t=2,p=1$c29tZXNhbHRzb21lc2FsdA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// verifyDummy spends the same work as a real password check so rejected
// logins take equally long whether or not the account exists.
func (s *TokenService) verifyDummy(password string) {
	_, _ = s.Credentials.VerifyPassword(dummyPasswordHash, password)
}

func (s *TokenService) validateTOTP(code, secret string) bool {
	if code == "" {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, s.now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// mintRequest describes one token response.
type mintRequest struct {
	realm   domain.Realm
	client  domain.Client
	user    *domain.User
	subject string // used when user is nil
	scopes  []string
	session domain.Session
	nonce   string
	refresh bool
	now     time.Time
}

// mint signs the tokens and prepares the refresh record without writing it;
// callers persist it in their own transaction.
func (s *TokenService) mint(ctx context.Context, m mintRequest) (*domain.TokenPair, *domain.RefreshToken, error) {
	accessTTL := m.realm.AccessTokenTTL
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTokenTTL
	}

	subject := m.subject
	access := &jwtx.AccessClaims{
		AuthorizedParty: m.client.ClientID,
		SessionID:       m.session.ID,
		Scope:           strings.Join(m.scopes, " "),
	}
	if m.user != nil {
		subject = m.user.ID
		access.PreferredUsername = m.user.Username
	} else {
		access.PreferredUsername = subject
	}
	access.Type = jwtx.TypeBearer
	access.Subject = subject
	access.Audience = jwt.ClaimStrings{m.client.ClientID}

	accessToken, err := s.Keys.Sign(ctx, m.realm, access, accessTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("sign access token: %w", err)
	}

	pair := &domain.TokenPair{
		AccessToken: accessToken,
		TokenType:   jwtx.TypeBearer,
		ExpiresIn:   accessTTL,
		Scope:       access.Scope,
	}

	if m.user != nil && hasScope(m.scopes, ScopeOpenID) {
		id := idTokenClaims(*m.user, m.scopes)
		id.Type = jwtx.TypeID
		id.Subject = m.user.ID
		id.Audience = jwt.ClaimStrings{m.client.ClientID}
		id.AuthorizedParty = m.client.ClientID
		id.SessionID = m.session.ID
		id.Nonce = m.nonce
		id.AtHash = jwtx.AtHash(accessToken)
		if !m.session.AuthTime.IsZero() {
			id.AuthTime = jwt.NewNumericDate(m.session.AuthTime)
		}
		pair.IDToken, err = s.Keys.Sign(ctx, m.realm, id, accessTTL)
		if err != nil {
			return nil, nil, fmt.Errorf("sign id token: %w", err)
		}
	}

	if !m.refresh || !m.client.AllowsGrant(domain.GrantRefreshToken) {
		return pair, nil, nil
	}

	opaque, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return nil, nil, fmt.Errorf("generate refresh token: %w", err)
	}
	refreshTTL := m.realm.RefreshTokenTTL
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTokenTTL
	}
	pair.RefreshToken = opaque
	record := &domain.RefreshToken{
		ID:        idx.NewAt(m.now).String(),
		RealmID:   m.realm.ID,
		ClientID:  m.client.ID,
		UserID:    m.user.ID,
		SessionID: m.session.ID,
		TokenHash: cryptox.FingerprintToken(opaque),
		Scopes:    m.scopes,
		ExpiresAt: m.now.Add(refreshTTL),
		CreatedAt: m.now,
		UpdatedAt: m.now,
	}
	return pair, record, nil
}

// idTokenClaims fills the profile and email members allowed by scopes.
func idTokenClaims(u domain.User, scopes []string) *jwtx.IDClaims {
	c := &jwtx.IDClaims{}
	if hasScope(scopes, ScopeProfile) {
		c.PreferredUsername = u.Username
		c.Name = u.FullName()
		c.GivenName = u.FirstName
		c.FamilyName = u.LastName
	}
	if hasScope(scopes, ScopeEmail) && u.Email != "" {
		verified := u.EmailVerified
		c.Email = u.Email
		c.EmailVerified = &verified
	}
	return c
}

// activeUser loads a user that may still receive tokens.
func (s *TokenService) activeUser(ctx context.Context, realm domain.Realm, userID string) (domain.User, error) {
	user, err := s.Store.Users().GetUserByID(ctx, realm.ID, userID)
	if err != nil {
		return domain.User{}, notFoundAs(err, ErrInvalidGrant.WithDescription("user not found"))
	}
	if !user.Enabled {
		return domain.User{}, ErrInvalidGrant.WithDescription("user is disabled")
	}
	return user, nil
}

func (s *TokenService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func removeScope(scopes []string, drop string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s != drop {
			out = append(out, s)
		}
	}
	return out
}
