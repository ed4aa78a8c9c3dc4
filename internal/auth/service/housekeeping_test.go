package service

import (
	"testing"
	"time"

	"github.com/aussiebroadwan/authme/internal/auth/domain"
	"github.com/aussiebroadwan/authme/pkg/cryptox"
	"github.com/stretchr/testify/require"
)

func TestHousekeepingRunOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	// One of everything that can go stale.
	h.issueCode(t, ScopeOpenID)
	_, err := h.devices.InitiateDeviceAuth(h.ctx, h.realm, h.spa, nil)
	require.NoError(t, err)
	pair, err := h.passwordGrant("alice", testPassword)
	require.NoError(t, err)
	require.NoError(t, h.guard.RecordFailure(h.ctx, h.realm, h.user.ID, ""))
	_, err = h.keys.Rotate(h.ctx, h.realm)
	require.NoError(t, err)

	hk := NewHousekeepingService(h.store, h.guard, quietLogger(), 0)
	hk.Now = h.clock.Now

	fresh := hk.RunOnce(h.ctx)
	for job, n := range fresh {
		require.Zero(t, n, job)
	}
	require.Len(t, fresh, 5)

	h.clock.Advance(h.realm.RefreshTokenTTL + refreshTokenGrace + DefaultKeyOverlap + time.Minute)
	stale := hk.RunOnce(h.ctx)
	require.EqualValues(t, 1, stale["authorization_codes"])
	require.EqualValues(t, 1, stale["device_codes"])
	require.EqualValues(t, 1, stale["refresh_tokens"])
	require.EqualValues(t, 1, stale["login_failures"])
	require.EqualValues(t, 1, stale["signing_keys"], "retired key past its overlap")

	_, err = h.store.RefreshTokens().GetRefreshTokenByHash(h.ctx, h.realm.ID, cryptox.FingerprintToken(pair.RefreshToken))
	require.Error(t, err)
}

func TestHousekeepingStartStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	hk := NewHousekeepingService(h.store, h.guard, quietLogger(), time.Hour)
	hk.Start()
	hk.Stop()
}

func TestBootstrap(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	svc := &BootstrapService{Store: h.store, Credentials: testCredentials{}, Now: h.clock.Now}
	cfg := BootstrapConfig{
		Realm:         "master",
		ClientID:      "admin-cli",
		ClientSecret:  "cli-secret",
		AdminUsername: "admin",
		AdminPassword: "admin-password",
	}

	realm, err := svc.Bootstrap(h.ctx, cfg)
	require.NoError(t, err)
	require.Equal(t, "master", realm.Name)
	require.Equal(t, DefaultAccessTokenTTL, realm.AccessTokenTTL)
	require.True(t, realm.BruteForce.Enabled)
	require.Equal(t, 5, realm.BruteForce.MaxLoginFailures)

	client, err := h.store.Clients().GetClientByClientID(h.ctx, realm.ID, "admin-cli")
	require.NoError(t, err)
	require.True(t, client.IsConfidential())
	require.True(t, client.AllowsGrant(domain.GrantClientCredentials))
	require.Contains(t, client.Scopes, ScopeRealmAdmin)

	admin, err := h.store.Users().GetUserByUsername(h.ctx, realm.ID, "admin")
	require.NoError(t, err)
	require.Equal(t, "test$admin-password", admin.PasswordHash)

	t.Run("idempotent", func(t *testing.T) {
		cfg := cfg
		cfg.AccessTokenTTL = time.Minute
		cfg.AdminPassword = "changed"

		again, err := svc.Bootstrap(h.ctx, cfg)
		require.NoError(t, err)
		require.Equal(t, realm.ID, again.ID)
		require.Equal(t, DefaultAccessTokenTTL, again.AccessTokenTTL, "existing realm is left alone")

		admin, err := h.store.Users().GetUserByUsername(h.ctx, realm.ID, "admin")
		require.NoError(t, err)
		require.Equal(t, "test$admin-password", admin.PasswordHash)
	})

	t.Run("realm only", func(t *testing.T) {
		realm, err := svc.Bootstrap(h.ctx, BootstrapConfig{Realm: "bare", AccessTokenTTL: time.Minute})
		require.NoError(t, err)
		require.Equal(t, time.Minute, realm.AccessTokenTTL)
		_, err = h.store.Clients().GetClientByClientID(h.ctx, realm.ID, "admin-cli")
		require.Error(t, err)
	})
}
