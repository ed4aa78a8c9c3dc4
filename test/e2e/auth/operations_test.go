//go:build e2e

package auth_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/aussiebroadwan/authme/pkg/authsdk"
	"github.com/stretchr/testify/require"
)

func TestAdminOperations(t *testing.T) {
	c := startAuthme(t, containerOptions{})
	ctx := t.Context()
	admin := adminSession(t, c)

	kid, err := admin.RotateKeys(ctx)
	require.NoError(t, err)
	set, err := c.JWKS(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(set.Keys), 2, "the previous key stays published")
	require.Contains(t, kidsOf(set), kid)

	// The session from before the rotation is still usable.
	locked, err := admin.LockedUsers(ctx)
	require.NoError(t, err)
	require.Empty(t, locked)

	tok, err := c.PasswordGrant(ctx, adminAuth(), adminUsername, adminPassword, "", "openid")
	require.NoError(t, err)
	in, err := c.Introspect(ctx, adminAuth(), tok.AccessToken)
	require.NoError(t, err)
	require.NoError(t, admin.RevokeSession(ctx, in.SessionID))

	_, err = c.RefreshGrant(ctx, adminAuth(), tok.RefreshToken)
	require.ErrorIs(t, err, authsdk.ErrInvalidGrant)
}

func kidsOf(set *authsdk.JWKS) []string {
	out := make([]string, 0, len(set.Keys))
	for _, k := range set.Keys {
		out = append(out, k.Kid)
	}
	return out
}

func TestRateLimiting(t *testing.T) {
	c := startAuthme(t, containerOptions{defaultLimits: true})

	// Device authorization allows five requests a minute per address.
	var limited bool
	for range 10 {
		_, err := c.DeviceAuthorization(t.Context(), adminAuth())
		var oe *authsdk.OAuth2Error
		if errors.As(err, &oe) && oe.StatusCode == http.StatusTooManyRequests {
			require.Equal(t, authsdk.ErrorCodeTemporarilyUnavailable, oe.Code)
			limited = true
			break
		}
		require.NoError(t, err)
	}
	require.True(t, limited, "expected a 429 within ten requests")
}

func TestRedisThrottle(t *testing.T) {
	nw, redisURL := startRedis(t)
	c := startAuthme(t, containerOptions{
		networks: []string{nw},
		env:      map[string]string{"AUTHME_REDIS_URL": redisURL},
	})
	ctx := t.Context()

	ready, err := c.GetReadiness(ctx)
	require.NoError(t, err)
	require.Equal(t, "ok", ready.Checks["redis"])

	da, err := c.DeviceAuthorization(ctx, adminAuth())
	require.NoError(t, err)

	// Polling twice inside one interval trips the shared throttle.
	require.Equal(t, authsdk.ErrorCodeAuthorizationPending, pollOnce(t, c, da.DeviceCode))
	require.Equal(t, authsdk.ErrorCodeSlowDown, pollOnce(t, c, da.DeviceCode))
}

// pollOnce makes a single device token request and returns the error code.
func pollOnce(t *testing.T, c *authsdk.Client, deviceCode string) string {
	t.Helper()
	form := url.Values{
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		"device_code": {deviceCode},
	}
	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost,
		c.IssuerURL()+"/protocol/openid-connect/token", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(clientID, clientSecret)

	resp, err := c.HTTPClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body authsdk.OAuth2Error
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Code
}
