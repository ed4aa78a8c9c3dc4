package service

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoginOpensSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	user, session, err := h.tokens.Login(h.ctx, h.realm, "alice", testPassword, "", "198.51.100.4")
	require.NoError(t, err)
	require.Equal(t, h.user.ID, user.ID)
	require.Equal(t, "198.51.100.4", session.IPAddress)

	stored, err := h.store.Sessions().GetSession(h.ctx, h.realm.ID, session.ID)
	require.NoError(t, err)
	require.Equal(t, user.ID, stored.UserID)

	_, _, err = h.tokens.Login(h.ctx, h.realm, "alice", "wrong", "", "")
	require.ErrorIs(t, err, ErrInvalidGrant)
}

func TestIdentityCookie(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	v := &IdentityCookieValidator{Store: h.store, Keys: h.keys}

	_, session, err := h.tokens.Login(h.ctx, h.realm, "alice", testPassword, "", "")
	require.NoError(t, err)
	cookie, err := v.Issue(h.ctx, h.realm, session)
	require.NoError(t, err)

	user, got, err := v.ValidateLoginSession(h.ctx, h.realm, cookie)
	require.NoError(t, err)
	require.Equal(t, h.user.ID, user.ID)
	require.Equal(t, session.ID, got.ID)

	t.Run("other realm", func(t *testing.T) {
		other := h.createRealm(t, "other")
		_, _, err := v.ValidateLoginSession(h.ctx, other, cookie)
		require.ErrorIs(t, err, ErrLoginRequired)
	})

	t.Run("access token is not a cookie", func(t *testing.T) {
		pair, err := h.passwordGrant("alice", testPassword)
		require.NoError(t, err)
		_, _, err = v.ValidateLoginSession(h.ctx, h.realm, pair.AccessToken)
		require.ErrorIs(t, err, ErrLoginRequired)
	})

	require.NoError(t, h.tokens.RevokeSession(h.ctx, h.realm, session.ID))
	_, _, err = v.ValidateLoginSession(h.ctx, h.realm, cookie)
	require.ErrorIs(t, err, ErrLoginRequired, "revoked session kills the cookie")
}

func TestVerifyAccessToken(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	pair, err := h.passwordGrant("alice", testPassword)
	require.NoError(t, err)

	claims, err := h.tokens.VerifyAccessToken(h.ctx, h.realm, pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, h.user.ID, claims.Subject)
	require.NotEmpty(t, claims.SessionID)

	_, err = h.tokens.VerifyAccessToken(h.ctx, h.realm, pair.IDToken)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = h.tokens.VerifyAccessToken(h.ctx, h.realm, "garbage")
	require.ErrorIs(t, err, ErrInvalidToken)

	require.NoError(t, h.tokens.RevokeSession(h.ctx, h.realm, claims.SessionID))
	_, err = h.tokens.VerifyAccessToken(h.ctx, h.realm, pair.AccessToken)
	require.ErrorIs(t, err, ErrInvalidToken)
}
