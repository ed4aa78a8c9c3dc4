package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/aussiebroadwan/authme/internal/auth/service"
	"github.com/aussiebroadwan/authme/pkg/authsdk"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := loadConfig(viper.New())
	require.NoError(t, err)

	dir := t.TempDir()
	cfg.DBPath = filepath.Join(dir, "authme.db")
	cfg.PepperPath = filepath.Join(dir, "pepper")
	cfg.MasterKey = "test master key"
	cfg.LogFormat = "text"
	cfg.LogLevel = "error"
	cfg.BootstrapClientID = "admin-cli"
	cfg.BootstrapClientSecret = "s3cret"
	cfg.BootstrapAdminUsername = "admin"
	cfg.BootstrapAdminPassword = "admin-password"
	return cfg
}

func TestApplicationWiring(t *testing.T) {
	cfg := testConfig(t)
	mr := miniredis.RunT(t)
	cfg.RedisURL = "redis://" + mr.Addr()

	a, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.closeStores() })
	require.IsType(t, service.RedisPollThrottle{}, a.tokenService.Throttle)

	srv := httptest.NewServer(a.router)
	t.Cleanup(srv.Close)
	ctx := context.Background()
	c := authsdk.NewClient(srv.URL, "master")

	s, err := c.AuthenticateWithPassword(ctx, authsdk.ClientAuth{ID: "admin-cli", Secret: "s3cret"},
		"admin", "admin-password", "", "openid", service.ScopeRealmAdmin)
	require.NoError(t, err)
	require.True(t, s.HasScope(service.ScopeRealmAdmin))

	_, err = s.RotateKeys(ctx)
	require.NoError(t, err)

	ready, err := c.GetReadiness(ctx)
	require.NoError(t, err)
	require.Equal(t, "ok", ready.Checks["redis"])

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	mr.Close()
	_, err = c.GetReadiness(ctx)
	var oe *authsdk.OAuth2Error
	require.ErrorAs(t, err, &oe)
	require.Equal(t, http.StatusServiceUnavailable, oe.StatusCode)
}

func TestApplicationRestartKeepsKeys(t *testing.T) {
	cfg := testConfig(t)

	a, err := New(cfg)
	require.NoError(t, err)
	srv := httptest.NewServer(a.router)
	c := authsdk.NewClient(srv.URL, "master")
	before, err := c.JWKS(context.Background())
	require.NoError(t, err)
	srv.Close()
	require.NoError(t, a.closeStores())

	// Same database, pepper and master key: bootstrap is a no-op and the
	// sealed signing key opens again.
	b, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.closeStores() })
	srv = httptest.NewServer(b.router)
	t.Cleanup(srv.Close)
	c = authsdk.NewClient(srv.URL, "master")
	after, err := c.JWKS(context.Background())
	require.NoError(t, err)
	require.Equal(t, before.Keys[0].Kid, after.Keys[0].Kid)

	_, err = c.PasswordGrant(context.Background(), authsdk.ClientAuth{ID: "admin-cli", Secret: "s3cret"},
		"admin", "admin-password", "")
	require.NoError(t, err)
}
