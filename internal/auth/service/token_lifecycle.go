package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aussiebroadwan/authme/internal/auth/domain"
	"github.com/aussiebroadwan/authme/internal/auth/store"
	"github.com/aussiebroadwan/authme/pkg/cryptox"
	"github.com/aussiebroadwan/authme/pkg/jwtx"
	"github.com/aussiebroadwan/authme/pkg/slogx"
)

// Token type hints accepted by revocation and introspection.
const (
	HintAccessToken  = "access_token"
	HintRefreshToken = "refresh_token"
)

// Introspection is the RFC 7662 answer. Only Active is set for inactive
// tokens.
type Introspection struct {
	Active    bool
	TokenType string
	ClientID  string
	Subject   string
	Username  string
	Scope     string
	SessionID string
	ExpiresAt int64
	IssuedAt  int64
	Issuer    string
}

// Introspect reports whether token is live. Access tokens are checked by
// signature and expiry; anything else is treated as an opaque refresh token.
// Failures never surface as errors, only as an inactive answer.
func (s *TokenService) Introspect(ctx context.Context, realm domain.Realm, token string) Introspection {
	token = strings.TrimSpace(token)
	if token == "" {
		return Introspection{}
	}

	if strings.Count(token, ".") == 2 {
		var claims jwtx.AccessClaims
		if err := s.Keys.Verify(ctx, realm, token, &claims, VerifyOptions{}); err != nil {
			return Introspection{}
		}
		if claims.Type != jwtx.TypeBearer {
			return Introspection{}
		}
		if claims.SessionID != "" {
			if _, err := s.Store.Sessions().GetSession(ctx, realm.ID, claims.SessionID); err != nil {
				return Introspection{}
			}
		}
		out := Introspection{
			Active:    true,
			TokenType: jwtx.TypeBearer,
			ClientID:  claims.AuthorizedParty,
			Subject:   claims.Subject,
			Username:  claims.PreferredUsername,
			Scope:     claims.Scope,
			SessionID: claims.SessionID,
			Issuer:    claims.Issuer,
		}
		if claims.ExpiresAt != nil {
			out.ExpiresAt = claims.ExpiresAt.Unix()
		}
		if claims.IssuedAt != nil {
			out.IssuedAt = claims.IssuedAt.Unix()
		}
		return out
	}

	rt, err := s.Store.RefreshTokens().GetRefreshTokenByHash(ctx, realm.ID, cryptox.FingerprintToken(token))
	if err != nil || rt.Revoked || !s.now().Before(rt.ExpiresAt) {
		return Introspection{}
	}
	client, err := s.Store.Clients().GetClientByID(ctx, realm.ID, rt.ClientID)
	if err != nil {
		return Introspection{}
	}
	user, err := s.Store.Users().GetUserByID(ctx, realm.ID, rt.UserID)
	if err != nil || !user.Enabled {
		return Introspection{}
	}
	return Introspection{
		Active:    true,
		TokenType: HintRefreshToken,
		ClientID:  client.ClientID,
		Subject:   user.ID,
		Username:  user.Username,
		Scope:     strings.Join(rt.Scopes, " "),
		SessionID: rt.SessionID,
		ExpiresAt: rt.ExpiresAt.Unix(),
		IssuedAt:  rt.CreatedAt.Unix(),
		Issuer:    s.Keys.Issuer(realm),
	}
}

// Revoke implements RFC 7009 for refresh tokens. Unknown tokens, access
// tokens and tokens of other clients all succeed silently.
func (s *TokenService) Revoke(ctx context.Context, realm domain.Realm, client domain.Client, token, hint string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrInvalidRequest.WithDescription("token is required")
	}
	if hint == HintAccessToken && strings.Count(token, ".") == 2 {
		return nil
	}

	hash := cryptox.FingerprintToken(token)
	rt, err := s.Store.RefreshTokens().GetRefreshTokenByHash(ctx, realm.ID, hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if rt.ClientID != client.ID {
		return nil
	}
	err = s.Store.RefreshTokens().RevokeRefreshToken(ctx, realm.ID, hash, s.now())
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// Logout ends the session the refresh token belongs to.
func (s *TokenService) Logout(ctx context.Context, realm domain.Realm, client domain.Client, refreshToken string) error {
	if refreshToken == "" {
		return ErrInvalidRequest.WithDescription("refresh_token is required")
	}
	rt, err := s.Store.RefreshTokens().GetRefreshTokenByHash(ctx, realm.ID, cryptox.FingerprintToken(refreshToken))
	if err != nil {
		return notFoundAs(err, ErrInvalidGrant.WithDescription("invalid refresh token"))
	}
	if rt.ClientID != client.ID {
		return ErrInvalidGrant.WithDescription("refresh token was issued to another client")
	}
	if err := s.RevokeSession(ctx, realm, rt.SessionID); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// LogoutByIDToken is RP-initiated logout. Expired hints are accepted. The
// hint's sid names the session; without one every session of the subject
// ends. Returns the verified hint so the caller can check the post logout
// redirect against its audience.
func (s *TokenService) LogoutByIDToken(ctx context.Context, realm domain.Realm, idTokenHint string) (*jwtx.IDClaims, error) {
	var claims jwtx.IDClaims
	if err := s.Keys.Verify(ctx, realm, idTokenHint, &claims, VerifyOptions{AllowExpired: true}); err != nil {
		return nil, ErrInvalidRequest.WithDescription("invalid id_token_hint")
	}
	if claims.Type != jwtx.TypeID || claims.Subject == "" {
		return nil, ErrInvalidRequest.WithDescription("invalid id_token_hint")
	}

	if claims.SessionID != "" {
		if err := s.RevokeSession(ctx, realm, claims.SessionID); err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return &claims, nil
	}

	sessions, err := s.Store.Sessions().ListUserSessions(ctx, realm.ID, claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	for _, sess := range sessions {
		if err := s.RevokeSession(ctx, realm, sess.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return &claims, nil
}

// RevokeSession revokes every refresh token of the session, deletes it and
// notifies backchannel clients. Unknown sessions are ErrNotFound.
func (s *TokenService) RevokeSession(ctx context.Context, realm domain.Realm, sessionID string) error {
	session, err := s.Store.Sessions().GetSession(ctx, realm.ID, sessionID)
	if err != nil {
		return notFoundAs(err, ErrNotFound.WithDescription("session not found"))
	}

	var revoked int64
	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		n, err := tx.RefreshTokens().RevokeSessionRefreshTokens(ctx, realm.ID, session.ID, s.now())
		if err != nil {
			return fmt.Errorf("revoke session tokens: %w", err)
		}
		revoked = n
		if err := tx.Sessions().DeleteSession(ctx, realm.ID, session.ID); err != nil {
			return notFoundAs(err, ErrNotFound.WithDescription("session not found"))
		}
		return nil
	})
	if err != nil {
		return err
	}

	slogx.FromContext(ctx).Info("session revoked",
		slog.String("realm", realm.Name),
		slog.String("session_id", session.ID),
		slog.String("user_id", session.UserID),
		slog.Int64("refresh_tokens", revoked),
	)
	if s.Backchannel != nil {
		s.Backchannel.Dispatch(ctx, realm, session)
	}
	return nil
}

// UserInfo returns the claims of the token's user allowed by its scopes.
func (s *TokenService) UserInfo(ctx context.Context, realm domain.Realm, accessToken string) (map[string]any, error) {
	claims, err := s.VerifyAccessToken(ctx, realm, accessToken)
	if err != nil {
		return nil, err
	}
	if !claims.HasScope(ScopeOpenID) {
		return nil, ErrInvalidToken.WithDescription("openid scope required")
	}
	user, err := s.Store.Users().GetUserByID(ctx, realm.ID, claims.Subject)
	if err != nil {
		return nil, notFoundAs(err, ErrInvalidToken.WithDescription("user not found"))
	}
	if !user.Enabled {
		return nil, ErrInvalidToken.WithDescription("user is disabled")
	}

	out := map[string]any{"sub": user.ID}
	if claims.HasScope(ScopeProfile) {
		out["preferred_username"] = user.Username
		out["name"] = user.FullName()
		out["given_name"] = user.FirstName
		out["family_name"] = user.LastName
		out["updated_at"] = user.UpdatedAt.Unix()
	}
	if claims.HasScope(ScopeEmail) && user.Email != "" {
		out["email"] = user.Email
		out["email_verified"] = user.EmailVerified
	}
	return out, nil
}
