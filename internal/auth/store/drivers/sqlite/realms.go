package sqlite

import (
	"context"

	"github.com/aussiebroadwan/authme/internal/auth/domain"
)

type realmsRepo struct {
	db dbtx
}

const realmColumns = `id, name, display_name, enabled, access_token_ttl_seconds,
	refresh_token_ttl_seconds, brute_force_enabled, max_login_failures,
	lockout_duration_seconds, failure_reset_seconds, permanent_lockout_after, created_at`

func (r *realmsRepo) CreateRealm(ctx context.Context, realm domain.Realm) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO realms (`+realmColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		realm.ID, realm.Name, realm.DisplayName, realm.Enabled,
		toSeconds(realm.AccessTokenTTL), toSeconds(realm.RefreshTokenTTL),
		realm.BruteForce.Enabled, realm.BruteForce.MaxLoginFailures,
		toSeconds(realm.BruteForce.LockoutDuration), toSeconds(realm.BruteForce.FailureResetTime),
		realm.BruteForce.PermanentLockoutAfter, toMillis(realm.CreatedAt),
	)
	return mapWriteErr(err)
}

func (r *realmsRepo) GetRealmByName(ctx context.Context, name string) (domain.Realm, error) {
	return scanRealm(r.db.QueryRowContext(ctx,
		`SELECT `+realmColumns+` FROM realms WHERE name = ?`, name))
}

func (r *realmsRepo) GetRealmByID(ctx context.Context, id string) (domain.Realm, error) {
	return scanRealm(r.db.QueryRowContext(ctx,
		`SELECT `+realmColumns+` FROM realms WHERE id = ?`, id))
}

func scanRealm(row scanner) (domain.Realm, error) {
	var (
		realm                     domain.Realm
		accessTTL, refreshTTL     int64
		lockout, reset, createdAt int64
	)
	err := row.Scan(
		&realm.ID, &realm.Name, &realm.DisplayName, &realm.Enabled,
		&accessTTL, &refreshTTL,
		&realm.BruteForce.Enabled, &realm.BruteForce.MaxLoginFailures,
		&lockout, &reset, &realm.BruteForce.PermanentLockoutAfter, &createdAt,
	)
	if err != nil {
		return domain.Realm{}, mapNotFound(err)
	}
	realm.AccessTokenTTL = fromSeconds(accessTTL)
	realm.RefreshTokenTTL = fromSeconds(refreshTTL)
	realm.BruteForce.LockoutDuration = fromSeconds(lockout)
	realm.BruteForce.FailureResetTime = fromSeconds(reset)
	realm.CreatedAt = fromMillis(createdAt)
	return realm, nil
}
