package sqlite

import (
	"context"
	"time"

	"github.com/aussiebroadwan/authme/internal/auth/domain"
)

type loginFailuresRepo struct {
	db dbtx
}

func (r *loginFailuresRepo) RecordLoginFailure(ctx context.Context, f domain.LoginFailure) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO login_failures
		(id, realm_id, user_id, ip_address, failed_at) VALUES (?, ?, ?, ?, ?)`,
		f.ID, f.RealmID, f.UserID, f.IPAddress, toMillis(f.FailedAt))
	return mapWriteErr(err)
}

func (r *loginFailuresRepo) CountLoginFailuresSince(ctx context.Context, realmID, userID string, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM login_failures
		WHERE realm_id = ? AND user_id = ? AND failed_at >= ?`,
		realmID, userID, toMillis(since)).Scan(&n)
	return n, err
}

func (r *loginFailuresRepo) CountLoginFailures(ctx context.Context, realmID, userID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM login_failures WHERE realm_id = ? AND user_id = ?`,
		realmID, userID).Scan(&n)
	return n, err
}

func (r *loginFailuresRepo) DeleteUserLoginFailures(ctx context.Context, realmID, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM login_failures WHERE realm_id = ? AND user_id = ?`, realmID, userID)
	return err
}

func (r *loginFailuresRepo) DeleteLoginFailuresBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return affected(r.db.ExecContext(ctx,
		`DELETE FROM login_failures WHERE failed_at < ?`, toMillis(cutoff)))
}
