package service

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/aussiebroadwan/authme/pkg/cryptox"
	"github.com/aussiebroadwan/authme/pkg/jwtx"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func newAccessClaims(sub string) *jwtx.AccessClaims {
	c := &jwtx.AccessClaims{Scope: "openid"}
	c.Type = jwtx.TypeBearer
	c.Subject = sub
	c.Audience = jwt.ClaimStrings{"spa"}
	return c
}

func TestKeyServiceSignVerify(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	token, err := h.keys.Sign(h.ctx, h.realm, newAccessClaims("user-1"), time.Minute)
	require.NoError(t, err)

	var got jwtx.AccessClaims
	require.NoError(t, h.keys.Verify(h.ctx, h.realm, token, &got, VerifyOptions{Audience: "spa"}))
	require.Equal(t, "user-1", got.Subject)
	require.Equal(t, testPublicURL+"/realms/acme", got.Issuer)
	require.NotEmpty(t, got.ID)

	t.Run("wrong audience", func(t *testing.T) {
		err := h.keys.Verify(h.ctx, h.realm, token, &jwtx.AccessClaims{}, VerifyOptions{Audience: "other"})
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("tampered", func(t *testing.T) {
		err := h.keys.Verify(h.ctx, h.realm, token[:len(token)-4]+"AAAA", &jwtx.AccessClaims{}, VerifyOptions{})
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("other realm", func(t *testing.T) {
		other := h.createRealm(t, "other")
		err := h.keys.Verify(h.ctx, other, token, &jwtx.AccessClaims{}, VerifyOptions{})
		require.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestKeyServiceExpiry(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	token, err := h.keys.Sign(h.ctx, h.realm, newAccessClaims("user-1"), time.Minute)
	require.NoError(t, err)

	h.clock.Advance(2 * time.Minute)
	err = h.keys.Verify(h.ctx, h.realm, token, &jwtx.AccessClaims{}, VerifyOptions{})
	require.ErrorIs(t, err, ErrInvalidToken)
	require.ErrorIs(t, err, jwtx.ErrExpired)

	require.NoError(t, h.keys.Verify(h.ctx, h.realm, token, &jwtx.AccessClaims{}, VerifyOptions{AllowExpired: true}))
}

func TestKeyServiceRotation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	oldToken, err := h.keys.Sign(h.ctx, h.realm, newAccessClaims("user-1"), 48*time.Hour)
	require.NoError(t, err)
	before, err := h.keys.JWKS(h.ctx, h.realm)
	require.NoError(t, err)
	require.Len(t, before.Keys, 1)

	kid, err := h.keys.Rotate(h.ctx, h.realm)
	require.NoError(t, err)
	require.NotEqual(t, before.Keys[0].Kid, kid)

	after, err := h.keys.JWKS(h.ctx, h.realm)
	require.NoError(t, err)
	require.Len(t, after.Keys, 2)
	require.Equal(t, kid, after.Keys[0].Kid, "newest key first")

	newToken, err := h.keys.Sign(h.ctx, h.realm, newAccessClaims("user-1"), time.Hour)
	require.NoError(t, err)
	header, err := jwtHeaderKid(newToken)
	require.NoError(t, err)
	require.Equal(t, kid, header)

	// Retired key still verifies during the overlap.
	require.NoError(t, h.keys.Verify(h.ctx, h.realm, oldToken, &jwtx.AccessClaims{}, VerifyOptions{}))

	h.clock.Advance(DefaultKeyOverlap + time.Minute)
	err = h.keys.Verify(h.ctx, h.realm, oldToken, &jwtx.AccessClaims{}, VerifyOptions{})
	require.ErrorIs(t, err, ErrInvalidToken)

	final, err := h.keys.JWKS(h.ctx, h.realm)
	require.NoError(t, err)
	require.Len(t, final.Keys, 1)
}

func TestKeyServicePublicJWK(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	set, err := h.keys.JWKS(h.ctx, h.realm)
	require.NoError(t, err)
	require.Len(t, set.Keys, 1)

	jwk, err := h.keys.PublicJWK(h.ctx, h.realm, set.Keys[0].Kid)
	require.NoError(t, err)
	require.Equal(t, "RSA", jwk.Kty)
	require.Equal(t, "RS256", jwk.Alg)

	_, err = h.keys.PublicJWK(h.ctx, h.realm, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestKeyServiceSharedAcrossInstances(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	// A second instance over the same store rotates; the first one picks
	// the new key up on the unknown kid.
	other := NewKeyService(h.store, h.sealer, testPublicURL, time.Hour, h.clock.Now)
	_, err := h.keys.JWKS(h.ctx, h.realm)
	require.NoError(t, err)

	_, err = other.Rotate(h.ctx, h.realm)
	require.NoError(t, err)
	token, err := other.Sign(h.ctx, h.realm, newAccessClaims("user-1"), time.Minute)
	require.NoError(t, err)

	h.clock.Advance(unknownKidMinAge)
	require.NoError(t, h.keys.Verify(h.ctx, h.realm, token, &jwtx.AccessClaims{}, VerifyOptions{}))
}

func jwtHeaderKid(token string) (string, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, &jwtx.AccessClaims{})
	if err != nil {
		return "", err
	}
	kid, _ := parsed.Header["kid"].(string)
	return kid, nil
}

func TestKeyServiceServesStaleKeysOnReloadFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	var buf bytes.Buffer
	h.keys.Logger = slog.New(slog.NewTextHandler(&buf, nil))

	before, err := h.keys.JWKS(h.ctx, h.realm)
	require.NoError(t, err)

	// A sealer with another key cannot open the stored private keys.
	wrong, err := cryptox.NewSealer([]byte("another master key"))
	require.NoError(t, err)
	h.keys.Sealer = wrong
	h.clock.Advance(DefaultKeyCacheTTL + time.Second)

	after, err := h.keys.JWKS(h.ctx, h.realm)
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.Contains(t, buf.String(), "serving stale signing keys")
	require.Contains(t, buf.String(), h.realm.ID)
}
