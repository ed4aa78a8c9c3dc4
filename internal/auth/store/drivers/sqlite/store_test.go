package sqlite_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aussiebroadwan/authme/internal/auth/domain"
	"github.com/aussiebroadwan/authme/internal/auth/store"
	"github.com/aussiebroadwan/authme/internal/auth/store/drivers/sqlite"
	"github.com/aussiebroadwan/authme/pkg/idx"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store  *sqlite.Store
	realm  domain.Realm
	client domain.Client
	user   domain.User
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()

	s, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.ApplyMigrations())

	f := fixture{store: s}
	f.realm = createRealm(t, s, "acme")

	f.client = domain.Client{
		ID:           idx.New().String(),
		RealmID:      f.realm.ID,
		ClientID:     "web",
		Type:         domain.ClientPublic,
		Enabled:      true,
		RedirectURIs: []string{"https://app.example/cb", "https://app.example/cb2"},
		GrantTypes:   []string{domain.GrantAuthorizationCode, domain.GrantRefreshToken},
		Scopes:       []string{"openid", "profile"},
		CreatedAt:    epoch,
	}
	require.NoError(t, s.Clients().CreateClient(ctx, f.client))

	f.user = domain.User{
		ID:        idx.New().String(),
		RealmID:   f.realm.ID,
		Username:  "alice",
		Email:     "Alice@Example.com",
		Enabled:   true,
		CreatedAt: epoch,
		UpdatedAt: epoch,
	}
	require.NoError(t, s.Users().CreateUser(ctx, f.user))
	return f
}

func createRealm(t *testing.T, s *sqlite.Store, name string) domain.Realm {
	t.Helper()
	realm := domain.Realm{
		ID:              idx.New().String(),
		Name:            name,
		Enabled:         true,
		AccessTokenTTL:  5 * time.Minute,
		RefreshTokenTTL: 30 * 24 * time.Hour,
		BruteForce: domain.BruteForcePolicy{
			Enabled:               true,
			MaxLoginFailures:      3,
			LockoutDuration:       15 * time.Minute,
			FailureResetTime:      time.Hour,
			PermanentLockoutAfter: 2,
		},
		CreatedAt: epoch,
	}
	require.NoError(t, s.Realms().CreateRealm(context.Background(), realm))
	return realm
}

func TestRealmsAndClientsRoundTrip(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	got, err := f.store.Realms().GetRealmByName(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, f.realm, got)

	c, err := f.store.Clients().GetClientByClientID(ctx, f.realm.ID, "web")
	require.NoError(t, err)
	require.Equal(t, f.client.RedirectURIs, c.RedirectURIs)
	require.Equal(t, domain.ClientPublic, c.Type)
	require.Empty(t, c.SecretHash)

	err = f.store.Clients().CreateClient(ctx, f.client)
	require.ErrorIs(t, err, store.ErrAlreadyExists)

	_, err = f.store.Realms().GetRealmByName(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestLookupsAreRealmScoped(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	other := createRealm(t, f.store, "other")

	_, err := f.store.Clients().GetClientByClientID(ctx, other.ID, "web")
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.store.Users().GetUserByUsername(ctx, other.ID, "alice")
	require.ErrorIs(t, err, store.ErrNotFound)

	// Same username in a different realm is a different user.
	require.NoError(t, f.store.Users().CreateUser(ctx, domain.User{
		ID: idx.New().String(), RealmID: other.ID, Username: "alice",
		Enabled: true, CreatedAt: epoch, UpdatedAt: epoch,
	}))
}

func TestUsersEmailAndLocking(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	users := f.store.Users()

	u, err := users.GetUserByEmail(ctx, f.realm.ID, "alice@example.COM")
	require.NoError(t, err)
	require.Equal(t, f.user.ID, u.ID)

	until := epoch.Add(10 * time.Minute)
	require.NoError(t, users.SetLockedUntil(ctx, f.realm.ID, f.user.ID, &until))

	locked, err := users.ListLockedUsers(ctx, f.realm.ID, epoch)
	require.NoError(t, err)
	require.Len(t, locked, 1)
	require.True(t, locked[0].IsLocked(epoch))

	locked, err = users.ListLockedUsers(ctx, f.realm.ID, until)
	require.NoError(t, err)
	require.Empty(t, locked)

	require.NoError(t, users.DisableUser(ctx, f.realm.ID, f.user.ID))
	u, err = users.GetUserByID(ctx, f.realm.ID, f.user.ID)
	require.NoError(t, err)
	require.False(t, u.Enabled)
	require.True(t, u.LockedUntil.Equal(domain.PermanentLockUntil))

	require.NoError(t, users.SetLockedUntil(ctx, f.realm.ID, f.user.ID, nil))
	u, err = users.GetUserByID(ctx, f.realm.ID, f.user.ID)
	require.NoError(t, err)
	require.Nil(t, u.LockedUntil)
	require.False(t, u.Enabled, "unlocking does not re-enable")
}

func TestConsumeAuthorizationCodeOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	codes := f.store.AuthorizationCodes()

	code := domain.AuthorizationCode{
		ID:          idx.New().String(),
		RealmID:     f.realm.ID,
		ClientID:    f.client.ID,
		UserID:      f.user.ID,
		CodeHash:    "hash-1",
		RedirectURI: "https://app.example/cb",
		Scopes:      []string{"openid"},
		AuthTime:    epoch,
		ExpiresAt:   epoch.Add(time.Minute),
		CreatedAt:   epoch,
	}
	require.NoError(t, codes.CreateAuthorizationCode(ctx, code))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		conflict int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := codes.ConsumeAuthorizationCode(ctx, f.realm.ID, code.ID, epoch.Add(time.Second))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if err == store.ErrConflict {
				conflict++
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
	require.Equal(t, 7, conflict)

	got, err := codes.GetAuthorizationCodeByHash(ctx, f.realm.ID, "hash-1")
	require.NoError(t, err)
	require.NotNil(t, got.ConsumedAt)

	n, err := codes.DeleteStaleAuthorizationCodes(ctx, epoch)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestConsumeExpiredAuthorizationCode(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	code := domain.AuthorizationCode{
		ID: idx.New().String(), RealmID: f.realm.ID, ClientID: f.client.ID, UserID: f.user.ID,
		CodeHash: "hash-2", RedirectURI: "https://app.example/cb",
		AuthTime: epoch, ExpiresAt: epoch.Add(time.Minute), CreatedAt: epoch,
	}
	require.NoError(t, f.store.AuthorizationCodes().CreateAuthorizationCode(ctx, code))

	err := f.store.AuthorizationCodes().ConsumeAuthorizationCode(ctx, f.realm.ID, code.ID, epoch.Add(time.Minute))
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestRefreshTokenRevocation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	tokens := f.store.RefreshTokens()

	sessionID := idx.New().String()
	for _, hash := range []string{"rt-1", "rt-2"} {
		require.NoError(t, tokens.CreateRefreshToken(ctx, domain.RefreshToken{
			ID: idx.New().String(), RealmID: f.realm.ID, ClientID: f.client.ID, UserID: f.user.ID,
			SessionID: sessionID, TokenHash: hash, Scopes: []string{"openid"},
			ExpiresAt: epoch.Add(time.Hour), CreatedAt: epoch, UpdatedAt: epoch,
		}))
	}

	require.NoError(t, tokens.RevokeRefreshToken(ctx, f.realm.ID, "rt-1", epoch))
	require.ErrorIs(t, tokens.RevokeRefreshToken(ctx, f.realm.ID, "rt-1", epoch), store.ErrConflict)

	n, err := tokens.RevokeSessionRefreshTokens(ctx, f.realm.ID, sessionID, epoch)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	rt, err := tokens.GetRefreshTokenByHash(ctx, f.realm.ID, "rt-2")
	require.NoError(t, err)
	require.True(t, rt.Revoked)

	n, err = tokens.DeleteStaleRefreshTokens(ctx, epoch)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestDeviceCodeTransitions(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	devices := f.store.DeviceCodes()

	d := domain.DeviceCode{
		ID: idx.New().String(), RealmID: f.realm.ID, ClientID: f.client.ID,
		DeviceCodeHash: "dc-1", UserCode: "BCDF-GHJK", Scopes: []string{"openid"},
		Status: domain.DeviceCodePending, Interval: 5 * time.Second,
		ExpiresAt: epoch.Add(10 * time.Minute), CreatedAt: epoch,
	}
	require.NoError(t, devices.CreateDeviceCode(ctx, d))

	t.Run("polling respects interval", func(t *testing.T) {
		require.NoError(t, devices.MarkDeviceCodePolled(ctx, f.realm.ID, d.ID, epoch, d.Interval))
		require.ErrorIs(t, devices.MarkDeviceCodePolled(ctx, f.realm.ID, d.ID, epoch.Add(2*time.Second), d.Interval), store.ErrConflict)
		require.NoError(t, devices.MarkDeviceCodePolled(ctx, f.realm.ID, d.ID, epoch.Add(5*time.Second), d.Interval))
	})

	t.Run("approve only from pending", func(t *testing.T) {
		require.NoError(t, devices.SetDeviceCodeStatus(ctx, f.realm.ID, d.ID, domain.DeviceCodePending, domain.DeviceCodeApproved, f.user.ID))
		err := devices.SetDeviceCodeStatus(ctx, f.realm.ID, d.ID, domain.DeviceCodePending, domain.DeviceCodeDenied, "")
		require.ErrorIs(t, err, store.ErrConflict)

		got, err := devices.GetDeviceCodeByUserCode(ctx, f.realm.ID, "BCDF-GHJK")
		require.NoError(t, err)
		require.Equal(t, domain.DeviceCodeApproved, got.Status)
		require.Equal(t, f.user.ID, got.UserID)
	})

	t.Run("interval persists", func(t *testing.T) {
		require.NoError(t, devices.SetDeviceCodeInterval(ctx, f.realm.ID, d.ID, 10*time.Second))
		got, err := devices.GetDeviceCodeByHash(ctx, f.realm.ID, "dc-1")
		require.NoError(t, err)
		require.Equal(t, 10*time.Second, got.Interval)
	})
}

func TestLoginFailureCounts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	failures := f.store.LoginFailures()

	for i := range 4 {
		require.NoError(t, failures.RecordLoginFailure(ctx, domain.LoginFailure{
			ID: idx.New().String(), RealmID: f.realm.ID, UserID: f.user.ID,
			FailedAt: epoch.Add(time.Duration(i) * time.Minute),
		}))
	}

	n, err := failures.CountLoginFailuresSince(ctx, f.realm.ID, f.user.ID, epoch.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = failures.CountLoginFailures(ctx, f.realm.ID, f.user.ID)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	pruned, err := failures.DeleteLoginFailuresBefore(ctx, epoch.Add(time.Minute))
	require.NoError(t, err)
	require.EqualValues(t, 1, pruned)

	require.NoError(t, failures.DeleteUserLoginFailures(ctx, f.realm.ID, f.user.ID))
	n, err = failures.CountLoginFailures(ctx, f.realm.ID, f.user.ID)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSigningKeyRotationWindow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	keys := f.store.SigningKeys()

	first := domain.SigningKey{ID: idx.New().String(), RealmID: f.realm.ID, Kid: "k1", Algorithm: "RS256", PrivateKeyEncrypted: []byte{1}, CreatedAt: epoch}
	require.NoError(t, keys.CreateSigningKey(ctx, first))

	n, err := keys.RetireActiveSigningKeys(ctx, f.realm.ID, epoch.Add(time.Hour), epoch.Add(25*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	second := domain.SigningKey{ID: idx.New().String(), RealmID: f.realm.ID, Kid: "k2", Algorithm: "RS256", PrivateKeyEncrypted: []byte{2}, CreatedAt: epoch.Add(time.Hour)}
	require.NoError(t, keys.CreateSigningKey(ctx, second))

	list, err := keys.ListVerifiableSigningKeys(ctx, f.realm.ID, epoch.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "k2", list[0].Kid, "newest first")
	require.True(t, list[0].IsActive())
	require.False(t, list[1].IsActive())

	list, err = keys.ListVerifiableSigningKeys(ctx, f.realm.ID, epoch.Add(25*time.Hour))
	require.NoError(t, err)
	require.Len(t, list, 1)

	deleted, err := keys.DeleteExpiredSigningKeys(ctx, epoch.Add(25*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)
}

func TestWithTxRollsBack(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	err := f.store.WithTx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.Sessions().CreateSession(ctx, domain.Session{
			ID: "s1", RealmID: f.realm.ID, UserID: f.user.ID,
			AuthTime: epoch, CreatedAt: epoch, LastSeenAt: epoch,
		}))
		return store.ErrConflict
	})
	require.ErrorIs(t, err, store.ErrConflict)

	_, err = f.store.Sessions().GetSession(ctx, f.realm.ID, "s1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestFederatedIdentityUniqueness(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	idp := domain.IdentityProvider{
		ID: idx.New().String(), RealmID: f.realm.ID, Alias: "google", Enabled: true,
		ClientID: "upstream", Scopes: []string{"openid", "email"}, CreatedAt: epoch,
	}
	require.NoError(t, f.store.IdentityProviders().CreateIdentityProvider(ctx, idp))

	got, err := f.store.IdentityProviders().GetIdentityProviderByAlias(ctx, f.realm.ID, "google")
	require.NoError(t, err)
	require.Equal(t, domain.SyncImport, got.SyncMode)

	link := domain.FederatedIdentity{
		ID: idx.New().String(), RealmID: f.realm.ID, UserID: f.user.ID,
		IdentityProviderID: idp.ID, ProviderAlias: "google",
		ExternalUserID: "sub-1", CreatedAt: epoch,
	}
	require.NoError(t, f.store.FederatedIdentities().CreateFederatedIdentity(ctx, link))

	link.ID = idx.New().String()
	require.ErrorIs(t, f.store.FederatedIdentities().CreateFederatedIdentity(ctx, link), store.ErrAlreadyExists)

	found, err := f.store.FederatedIdentities().GetFederatedIdentity(ctx, f.realm.ID, idp.ID, "sub-1")
	require.NoError(t, err)
	require.Equal(t, f.user.ID, found.UserID)
}

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	require.NoError(t, f.store.ApplyMigrations())

	version, dirty, err := f.store.SchemaVersion()
	require.NoError(t, err)
	require.False(t, dirty)
	require.Equal(t, uint(1), version)
}
