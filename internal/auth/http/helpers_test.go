package http

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aussiebroadwan/authme/internal/auth/domain"
	"github.com/aussiebroadwan/authme/internal/auth/service"
	"github.com/aussiebroadwan/authme/internal/auth/store/drivers/sqlite"
	"github.com/aussiebroadwan/authme/pkg/authsdk"
	"github.com/aussiebroadwan/authme/pkg/cryptox"
	"github.com/aussiebroadwan/authme/pkg/idx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const (
	adminClientID = "admin-cli"
	adminSecret   = "admin-cli-secret"
	adminUser     = "admin"
	adminPassword = "admin-password"
	userPassword  = "correct horse battery staple"
)

// plainCredentials stands in for Argon2id.
type plainCredentials struct{}

func (plainCredentials) HashPassword(plain string) (string, error) { return "plain$" + plain, nil }

func (plainCredentials) VerifyPassword(hash, plain string) (bool, error) {
	return hash == "plain$"+plain, nil
}

type testServer struct {
	ctx      context.Context
	srv      *httptest.Server
	store    *sqlite.Store
	router   *Router
	registry *prometheus.Registry
	metrics  *service.Metrics
	client   *authsdk.Client

	realm domain.Realm
	spa   domain.Client
	alice domain.User
}

func (ts *testServer) adminAuth() authsdk.ClientAuth {
	return authsdk.ClientAuth{ID: adminClientID, Secret: adminSecret}
}

func (ts *testServer) spaAuth() authsdk.ClientAuth {
	return authsdk.ClientAuth{ID: ts.spa.ClientID}
}

func (ts *testServer) callback() string { return ts.srv.URL + "/cb" }

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	st, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.ApplyMigrations())

	sealer, err := cryptox.NewSealer([]byte("test master key"))
	require.NoError(t, err)

	ctx := context.Background()
	reg := prometheus.NewRegistry()
	metrics := service.NewMetrics(reg)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	boot := &service.BootstrapService{Store: st, Credentials: plainCredentials{}, Now: time.Now}
	realm, err := boot.Bootstrap(ctx, service.BootstrapConfig{
		Realm:         "acme",
		ClientID:      adminClientID,
		ClientSecret:  adminSecret,
		AdminUsername: adminUser,
		AdminPassword: adminPassword,
	})
	require.NoError(t, err)

	keys := service.NewKeyService(st, sealer, srv.URL, 0, nil)
	keys.Metrics = metrics
	guard := service.NewBruteForceGuard(st, nil)
	guard.Metrics = metrics
	authz := service.NewAuthorizeService(st, 0, nil)
	tokens := &service.TokenService{
		Store:       st,
		Keys:        keys,
		BruteForce:  guard,
		Credentials: plainCredentials{},
		Throttle:    service.StorePollThrottle{Store: st},
		Now:         time.Now,
		Metrics:     metrics,
	}
	broker := service.NewBrokerService(st, keys, authz, sealer, nil)
	broker.Metrics = metrics

	router := NewRouter("test", st, logger)
	router.Keys = keys
	router.TokenService = tokens
	router.AuthorizeService = authz
	router.DeviceService = service.NewDeviceService(st, srv.URL, 0, time.Second, nil)
	router.BrokerService = broker
	router.BruteForce = guard
	router.Identity = &service.IdentityCookieValidator{Store: st, Keys: keys}
	router.Gatherer = reg
	router.ApplyRoutes()
	handler = router

	ts := &testServer{
		ctx:      ctx,
		srv:      srv,
		store:    st,
		router:   router,
		registry: reg,
		metrics:  metrics,
		client:   authsdk.NewClient(srv.URL, realm.Name),
		realm:    realm,
	}

	ts.spa = domain.Client{
		ID:                     idx.New().String(),
		RealmID:                realm.ID,
		ClientID:               "spa",
		Type:                   domain.ClientPublic,
		Enabled:                true,
		RedirectURIs:           []string{ts.callback()},
		PostLogoutRedirectURIs: []string{srv.URL + "/bye"},
		GrantTypes:             []string{domain.GrantAuthorizationCode, domain.GrantRefreshToken, domain.GrantDeviceCode},
		Scopes:                 []string{service.ScopeOpenID, service.ScopeProfile, service.ScopeEmail},
		CreatedAt:              time.Now(),
	}
	require.NoError(t, st.Clients().CreateClient(ctx, ts.spa))

	ts.alice = domain.User{
		ID:            idx.New().String(),
		RealmID:       realm.ID,
		Username:      "alice",
		Email:         "alice@example.com",
		EmailVerified: true,
		FirstName:     "Alice",
		PasswordHash:  "plain$" + userPassword,
		Enabled:       true,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	require.NoError(t, st.Users().CreateUser(ctx, ts.alice))
	return ts
}

// noRedirect is an HTTP client that returns redirects instead of following
// them.
func noRedirect(jar http.CookieJar) *http.Client {
	return &http.Client{
		Jar:           jar,
		Timeout:       10 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
}

// adminSession logs the bootstrap admin in with the realm-admin scope.
func (ts *testServer) adminSession(t *testing.T) *authsdk.Session {
	t.Helper()
	s, err := ts.client.AuthenticateWithPassword(ts.ctx, ts.adminAuth(), adminUser, adminPassword, "",
		service.ScopeOpenID, service.ScopeRealmAdmin)
	require.NoError(t, err)
	return s
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}
