package service

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/aussiebroadwan/authme/internal/auth/domain"
	"github.com/aussiebroadwan/authme/pkg/jwtx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// logoutReceiver records the logout tokens posted to it.
type logoutReceiver struct {
	srv *httptest.Server

	mu     sync.Mutex
	tokens []string
}

func newLogoutReceiver(t *testing.T, status int) *logoutReceiver {
	t.Helper()
	r := &logoutReceiver{}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Content-Type") == "application/x-www-form-urlencoded" && req.ParseForm() == nil {
			r.mu.Lock()
			r.tokens = append(r.tokens, req.PostForm.Get("logout_token"))
			r.mu.Unlock()
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *logoutReceiver) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.tokens...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBackchannelNotifyAll(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	withSid := newLogoutReceiver(t, http.StatusOK)
	withoutSid := newLogoutReceiver(t, http.StatusNoContent)
	broken := newLogoutReceiver(t, http.StatusInternalServerError)

	h.createClient(t, domain.Client{
		ClientID:                         "portal",
		Type:                             domain.ClientPublic,
		BackchannelLogoutURI:             withSid.srv.URL,
		BackchannelLogoutSessionRequired: true,
	})
	h.createClient(t, domain.Client{
		ClientID:             "wiki",
		Type:                 domain.ClientPublic,
		BackchannelLogoutURI: withoutSid.srv.URL,
	})
	h.createClient(t, domain.Client{
		ClientID:             "legacy",
		Type:                 domain.ClientPublic,
		BackchannelLogoutURI: broken.srv.URL,
	})

	n := NewBackchannelNotifier(h.store, h.keys, quietLogger(), 0)
	n.Metrics = NewMetrics(prometheus.NewRegistry())

	session := newSession(h.realm, h.user.ID, "", "", epoch)
	results := n.NotifyAll(h.ctx, h.realm, session)
	require.Len(t, results, 3)

	byClient := map[string]DeliveryResult{}
	for _, r := range results {
		byClient[r.ClientID] = r
	}
	require.NoError(t, byClient["portal"].Err)
	require.NoError(t, byClient["wiki"].Err)
	require.Error(t, byClient["legacy"].Err)
	require.Equal(t, http.StatusInternalServerError, byClient["legacy"].StatusCode)

	t.Run("logout token claims", func(t *testing.T) {
		got := withSid.received()
		require.Len(t, got, 1)
		var claims jwtx.LogoutClaims
		require.NoError(t, h.keys.Verify(h.ctx, h.realm, got[0], &claims, VerifyOptions{Audience: "portal"}))
		require.Equal(t, jwtx.TypeLogout, claims.Type)
		require.Equal(t, h.user.ID, claims.Subject)
		require.Equal(t, session.ID, claims.SessionID)
		require.Contains(t, claims.Events, jwtx.BackchannelLogoutEvent)
		require.NotEmpty(t, claims.ID)
	})

	t.Run("sid only when required", func(t *testing.T) {
		got := withoutSid.received()
		require.Len(t, got, 1)
		var claims jwtx.LogoutClaims
		require.NoError(t, h.keys.Verify(h.ctx, h.realm, got[0], &claims, VerifyOptions{Audience: "wiki"}))
		require.Empty(t, claims.SessionID)
	})

	require.Equal(t, 2.0, testutil.ToFloat64(n.Metrics.BackchannelResult.WithLabelValues("success")))
	require.Equal(t, 1.0, testutil.ToFloat64(n.Metrics.BackchannelResult.WithLabelValues("failure")))
}

func TestBackchannelUnreachableClient(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	h.createClient(t, domain.Client{
		ClientID:             "gone",
		Type:                 domain.ClientPublic,
		BackchannelLogoutURI: deadURL,
	})

	n := NewBackchannelNotifier(h.store, h.keys, quietLogger(), 0)
	results := n.NotifyAll(h.ctx, h.realm, newSession(h.realm, h.user.ID, "", "", epoch))
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
	require.Zero(t, results[0].StatusCode)
}

func TestBackchannelDispatchOnSessionRevoke(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	recv := newLogoutReceiver(t, http.StatusOK)
	h.createClient(t, domain.Client{
		ClientID:                         "portal",
		Type:                             domain.ClientPublic,
		BackchannelLogoutURI:             recv.srv.URL,
		BackchannelLogoutSessionRequired: true,
	})
	h.tokens.Backchannel = NewBackchannelNotifier(h.store, h.keys, quietLogger(), 0)

	pair, err := h.passwordGrant("alice", testPassword)
	require.NoError(t, err)
	sid := h.accessClaims(t, pair.AccessToken).SessionID

	require.NoError(t, h.tokens.Logout(h.ctx, h.realm, h.backend, pair.RefreshToken))
	h.tokens.Backchannel.Wait()

	got := recv.received()
	require.Len(t, got, 1)
	var claims jwtx.LogoutClaims
	require.NoError(t, h.keys.Verify(h.ctx, h.realm, got[0], &claims, VerifyOptions{Audience: "portal"}))
	require.Equal(t, sid, claims.SessionID)
}
