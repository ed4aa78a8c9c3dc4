package service

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aussiebroadwan/authme/internal/auth/domain"
	"github.com/aussiebroadwan/authme/internal/auth/store/drivers/sqlite"
	"github.com/aussiebroadwan/authme/pkg/cryptox"
	"github.com/aussiebroadwan/authme/pkg/idx"
	"github.com/aussiebroadwan/authme/pkg/jwtx"
	"github.com/stretchr/testify/require"
)

const (
	testPublicURL    = "https://auth.example"
	testSecret       = "s3cret"
	testPassword     = "correct horse battery staple"
	testRedirectURI  = "https://app.example/cb"
	testRedirectURI2 = "https://app.example/cb2"
	testVerifier     = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
)

var epoch = time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testCredentials is a cheap stand-in for Argon2id.
type testCredentials struct{}

func (testCredentials) HashPassword(plain string) (string, error) { return "test$" + plain, nil }

func (testCredentials) VerifyPassword(hash, plain string) (bool, error) {
	return hash == "test$"+plain, nil
}

type harness struct {
	ctx   context.Context
	clock *testClock
	store *sqlite.Store

	realm   domain.Realm
	spa     domain.Client // public
	backend domain.Client // confidential
	user    domain.User

	sealer  *cryptox.Sealer
	keys    *KeyService
	guard   *BruteForceGuard
	authz   *AuthorizeService
	tokens  *TokenService
	devices *DeviceService
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	s, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.ApplyMigrations())

	sealer, err := cryptox.NewSealer([]byte("test master key"))
	require.NoError(t, err)

	h := &harness{
		ctx:    context.Background(),
		clock:  &testClock{now: epoch},
		store:  s,
		sealer: sealer,
	}
	now := h.clock.Now

	h.realm = h.createRealm(t, "acme")
	h.spa = h.createClient(t, domain.Client{
		ClientID:     "spa",
		Type:         domain.ClientPublic,
		RedirectURIs: []string{testRedirectURI, testRedirectURI2},
		GrantTypes:   []string{domain.GrantAuthorizationCode, domain.GrantRefreshToken, domain.GrantDeviceCode},
		Scopes:       []string{ScopeOpenID, ScopeProfile, ScopeEmail},
	})
	h.backend = h.createClient(t, domain.Client{
		ClientID:     "backend",
		SecretHash:   "test$" + testSecret,
		Type:         domain.ClientConfidential,
		RedirectURIs: []string{testRedirectURI},
		GrantTypes: []string{
			domain.GrantAuthorizationCode, domain.GrantRefreshToken,
			domain.GrantClientCredentials, domain.GrantPassword, domain.GrantDeviceCode,
		},
		Scopes: []string{ScopeOpenID, ScopeProfile, ScopeEmail, "api"},
	})
	h.user = h.createUser(t, "alice", "alice@example.com")

	h.keys = NewKeyService(s, sealer, testPublicURL, 0, now)
	h.guard = NewBruteForceGuard(s, now)
	h.authz = NewAuthorizeService(s, 0, now)
	h.tokens = &TokenService{
		Store:       s,
		Keys:        h.keys,
		BruteForce:  h.guard,
		Credentials: testCredentials{},
		Throttle:    StorePollThrottle{Store: s},
		Now:         now,
	}
	h.devices = NewDeviceService(s, testPublicURL, 0, 0, now)
	return h
}

func (h *harness) createRealm(t *testing.T, name string) domain.Realm {
	t.Helper()
	r := domain.Realm{
		ID:              idx.New().String(),
		Name:            name,
		Enabled:         true,
		AccessTokenTTL:  5 * time.Minute,
		RefreshTokenTTL: time.Hour,
		BruteForce: domain.BruteForcePolicy{
			Enabled:          true,
			MaxLoginFailures: 3,
			LockoutDuration:  time.Minute,
			FailureResetTime: time.Hour,
		},
		CreatedAt: epoch,
	}
	require.NoError(t, h.store.Realms().CreateRealm(h.ctx, r))
	return r
}

func (h *harness) createClient(t *testing.T, c domain.Client) domain.Client {
	t.Helper()
	c.ID = idx.New().String()
	if c.RealmID == "" {
		c.RealmID = h.realm.ID
	}
	c.Enabled = true
	c.CreatedAt = epoch
	require.NoError(t, h.store.Clients().CreateClient(h.ctx, c))
	return c
}

func (h *harness) createUser(t *testing.T, username, email string) domain.User {
	t.Helper()
	u := domain.User{
		ID:            idx.New().String(),
		RealmID:       h.realm.ID,
		Username:      username,
		Email:         email,
		EmailVerified: true,
		FirstName:     strings.ToUpper(username[:1]) + username[1:],
		LastName:      "Example",
		PasswordHash:  "test$" + testPassword,
		Enabled:       true,
		CreatedAt:     epoch,
		UpdatedAt:     epoch,
	}
	require.NoError(t, h.store.Users().CreateUser(h.ctx, u))
	return u
}

func (h *harness) backendCreds() ClientCredentials {
	return ClientCredentials{ClientID: h.backend.ClientID, ClientSecret: testSecret}
}

func (h *harness) spaCreds() ClientCredentials {
	return ClientCredentials{ClientID: h.spa.ClientID}
}

func s256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// authRequest is a valid PKCE request for the public client.
func (h *harness) authRequest(scopes ...string) AuthRequest {
	return AuthRequest{
		ResponseType:        "code",
		ClientID:            h.spa.ClientID,
		RedirectURI:         testRedirectURI,
		Scope:               scopes,
		State:               "xyz",
		Nonce:               "n-0S6_WzA2Mj",
		CodeChallenge:       s256(testVerifier),
		CodeChallengeMethod: PKCEMethodS256,
	}
}

// issueCode mints a code for the harness user without a login session.
func (h *harness) issueCode(t *testing.T, scopes ...string) string {
	t.Helper()
	res, err := h.authz.AuthorizeWithUser(h.ctx, h.realm, h.user, domain.Session{}, h.authRequest(scopes...))
	require.NoError(t, err)
	return res.Code
}

func (h *harness) exchangeCode(code, redirectURI, verifier string) (*domain.TokenPair, error) {
	return h.tokens.Token(h.ctx, h.realm, h.spaCreds(), TokenRequest{
		GrantType:    domain.GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  redirectURI,
		CodeVerifier: verifier,
	})
}

func (h *harness) passwordGrant(username, password string) (*domain.TokenPair, error) {
	return h.tokens.Token(h.ctx, h.realm, h.backendCreds(), TokenRequest{
		GrantType: domain.GrantPassword,
		Username:  username,
		Password:  password,
		Scope:     []string{ScopeOpenID, ScopeProfile, ScopeEmail},
		IPAddress: "203.0.113.7",
	})
}

func (h *harness) accessClaims(t *testing.T, token string) jwtx.AccessClaims {
	t.Helper()
	var c jwtx.AccessClaims
	require.NoError(t, h.keys.Verify(h.ctx, h.realm, token, &c, VerifyOptions{}))
	return c
}
