package store

import (
	"context"
	"errors"
	"time"

	"github.com/aussiebroadwan/authme/internal/auth/domain"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrConflict is returned by conditional updates that matched no row,
	// e.g. consuming a code that was already consumed.
	ErrConflict = errors.New("store: conditional update failed")
)

// Store is the root data access interface. Every repository method that
// reads or writes tenant data takes the realm ID, so a lookup can never
// cross realms.
type Store interface {
	Realms() Realms
	Clients() Clients
	Users() Users
	AuthorizationCodes() AuthorizationCodes
	RefreshTokens() RefreshTokens
	Sessions() Sessions
	DeviceCodes() DeviceCodes
	LoginFailures() LoginFailures
	SigningKeys() SigningKeys
	IdentityProviders() IdentityProviders
	FederatedIdentities() FederatedIdentities

	ApplyMigrations() error

	// Tx starts a read/write transaction. The caller must Commit or Rollback.
	Tx(ctx context.Context) (Tx, error)

	// WithTx runs fn in a transaction, committing when fn returns nil.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	Close() error
	Ping(ctx context.Context) error
}

// Tx is a transactional store. Starting a transaction inside a Tx fails.
type Tx interface {
	Store
	Commit() error
	Rollback() error
}

type Realms interface {
	CreateRealm(ctx context.Context, r domain.Realm) error
	GetRealmByName(ctx context.Context, name string) (domain.Realm, error)
	GetRealmByID(ctx context.Context, id string) (domain.Realm, error)
}

type Clients interface {
	CreateClient(ctx context.Context, c domain.Client) error

	// GetClientByClientID looks a client up by its public client_id.
	GetClientByClientID(ctx context.Context, realmID, clientID string) (domain.Client, error)
	GetClientByID(ctx context.Context, realmID, id string) (domain.Client, error)

	// ListBackchannelClients returns clients with a backchannel logout URI.
	ListBackchannelClients(ctx context.Context, realmID string) ([]domain.Client, error)
}

type Users interface {
	CreateUser(ctx context.Context, u domain.User) error
	GetUserByID(ctx context.Context, realmID, id string) (domain.User, error)
	GetUserByUsername(ctx context.Context, realmID, username string) (domain.User, error)

	// GetUserByEmail matches case-insensitively.
	GetUserByEmail(ctx context.Context, realmID, email string) (domain.User, error)

	UpdateProfile(ctx context.Context, u domain.User) error

	// SetLockedUntil sets or (with nil) clears the lock.
	SetLockedUntil(ctx context.Context, realmID, userID string, until *time.Time) error

	// DisableUser sets enabled=0 and locks the user until PermanentLockUntil.
	DisableUser(ctx context.Context, realmID, userID string) error

	// ListLockedUsers returns users whose lock is still in force at now.
	ListLockedUsers(ctx context.Context, realmID string, now time.Time) ([]domain.User, error)
}

type AuthorizationCodes interface {
	CreateAuthorizationCode(ctx context.Context, code domain.AuthorizationCode) error
	GetAuthorizationCodeByHash(ctx context.Context, realmID, hash string) (domain.AuthorizationCode, error)

	// ConsumeAuthorizationCode marks the code consumed if it is still
	// unconsumed and unexpired at now, in a single statement. ErrConflict
	// means another request won or the code expired.
	ConsumeAuthorizationCode(ctx context.Context, realmID, id string, now time.Time) error

	// DeleteStaleAuthorizationCodes removes consumed or expired codes.
	DeleteStaleAuthorizationCodes(ctx context.Context, now time.Time) (int64, error)
}

type RefreshTokens interface {
	CreateRefreshToken(ctx context.Context, t domain.RefreshToken) error
	GetRefreshTokenByHash(ctx context.Context, realmID, hash string) (domain.RefreshToken, error)

	// RevokeRefreshToken flips revoked only if the token is still live;
	// ErrConflict when it was already revoked.
	RevokeRefreshToken(ctx context.Context, realmID, hash string, now time.Time) error

	// RevokeSessionRefreshTokens revokes every token of a session.
	RevokeSessionRefreshTokens(ctx context.Context, realmID, sessionID string, now time.Time) (int64, error)

	// DeleteStaleRefreshTokens removes tokens expired or revoked before cutoff.
	DeleteStaleRefreshTokens(ctx context.Context, cutoff time.Time) (int64, error)
}

type Sessions interface {
	CreateSession(ctx context.Context, s domain.Session) error
	GetSession(ctx context.Context, realmID, id string) (domain.Session, error)
	ListUserSessions(ctx context.Context, realmID, userID string) ([]domain.Session, error)
	TouchSession(ctx context.Context, realmID, id string, now time.Time) error
	DeleteSession(ctx context.Context, realmID, id string) error
}

type DeviceCodes interface {
	CreateDeviceCode(ctx context.Context, d domain.DeviceCode) error
	GetDeviceCodeByHash(ctx context.Context, realmID, hash string) (domain.DeviceCode, error)
	GetDeviceCodeByUserCode(ctx context.Context, realmID, userCode string) (domain.DeviceCode, error)

	// SetDeviceCodeStatus moves from -> to if the row is still in from;
	// userID is recorded when non-empty. ErrConflict otherwise.
	SetDeviceCodeStatus(ctx context.Context, realmID, id string, from, to domain.DeviceCodeStatus, userID string) error

	// MarkDeviceCodePolled records a poll at now if the previous poll is at
	// least interval old. ErrConflict means the client is polling too fast.
	MarkDeviceCodePolled(ctx context.Context, realmID, id string, now time.Time, interval time.Duration) error

	// SetDeviceCodeInterval persists a slowed-down polling interval.
	SetDeviceCodeInterval(ctx context.Context, realmID, id string, interval time.Duration) error

	DeleteExpiredDeviceCodes(ctx context.Context, now time.Time) (int64, error)
}

type LoginFailures interface {
	RecordLoginFailure(ctx context.Context, f domain.LoginFailure) error

	// CountLoginFailuresSince counts failures at or after since.
	CountLoginFailuresSince(ctx context.Context, realmID, userID string, since time.Time) (int, error)

	// CountLoginFailures counts every retained failure of the user.
	CountLoginFailures(ctx context.Context, realmID, userID string) (int, error)

	DeleteUserLoginFailures(ctx context.Context, realmID, userID string) error

	// DeleteLoginFailuresBefore prunes all realms.
	DeleteLoginFailuresBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type SigningKeys interface {
	CreateSigningKey(ctx context.Context, key domain.SigningKey) error

	// ListVerifiableSigningKeys returns keys without an expiry or expiring
	// after now, newest first.
	ListVerifiableSigningKeys(ctx context.Context, realmID string, now time.Time) ([]domain.SigningKey, error)

	// RetireActiveSigningKeys retires every active key of the realm,
	// keeping them verifiable until expiresAt.
	RetireActiveSigningKeys(ctx context.Context, realmID string, now, expiresAt time.Time) (int64, error)

	DeleteExpiredSigningKeys(ctx context.Context, now time.Time) (int64, error)
}

type IdentityProviders interface {
	CreateIdentityProvider(ctx context.Context, p domain.IdentityProvider) error
	GetIdentityProviderByAlias(ctx context.Context, realmID, alias string) (domain.IdentityProvider, error)
}

type FederatedIdentities interface {
	CreateFederatedIdentity(ctx context.Context, f domain.FederatedIdentity) error
	GetFederatedIdentity(ctx context.Context, realmID, providerID, externalUserID string) (domain.FederatedIdentity, error)
}
