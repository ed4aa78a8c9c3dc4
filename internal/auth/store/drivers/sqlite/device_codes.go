package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/aussiebroadwan/authme/internal/auth/domain"
	"github.com/aussiebroadwan/authme/internal/auth/store"
)

type deviceCodesRepo struct {
	db dbtx
}

const deviceCodeColumns = `id, realm_id, client_id, device_code_hash, user_code, scopes,
	status, user_id, interval_seconds, last_polled_at, expires_at, created_at`

func (r *deviceCodesRepo) CreateDeviceCode(ctx context.Context, d domain.DeviceCode) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO device_codes (`+deviceCodeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.RealmID, d.ClientID, d.DeviceCodeHash, d.UserCode, joinList(d.Scopes),
		string(d.Status), toNullString(d.UserID), toSeconds(d.Interval),
		toNullMillis(d.LastPolledAt), toMillis(d.ExpiresAt), toMillis(d.CreatedAt),
	)
	return mapWriteErr(err)
}

func (r *deviceCodesRepo) GetDeviceCodeByHash(ctx context.Context, realmID, hash string) (domain.DeviceCode, error) {
	return scanDeviceCode(r.db.QueryRowContext(ctx,
		`SELECT `+deviceCodeColumns+` FROM device_codes
		WHERE realm_id = ? AND device_code_hash = ?`, realmID, hash))
}

func (r *deviceCodesRepo) GetDeviceCodeByUserCode(ctx context.Context, realmID, userCode string) (domain.DeviceCode, error) {
	return scanDeviceCode(r.db.QueryRowContext(ctx,
		`SELECT `+deviceCodeColumns+` FROM device_codes
		WHERE realm_id = ? AND user_code = ?`, realmID, userCode))
}

func (r *deviceCodesRepo) SetDeviceCodeStatus(ctx context.Context, realmID, id string, from, to domain.DeviceCodeStatus, userID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE device_codes
		SET status = ?, user_id = COALESCE(?, user_id)
		WHERE realm_id = ? AND id = ? AND status = ?`,
		string(to), toNullString(userID), realmID, id, string(from))
	return expectOne(res, err, store.ErrConflict)
}

func (r *deviceCodesRepo) MarkDeviceCodePolled(ctx context.Context, realmID, id string, now time.Time, interval time.Duration) error {
	ms := toMillis(now)
	res, err := r.db.ExecContext(ctx, `UPDATE device_codes
		SET last_polled_at = ?
		WHERE realm_id = ? AND id = ?
		AND (last_polled_at IS NULL OR last_polled_at <= ?)`,
		ms, realmID, id, ms-interval.Milliseconds())
	return expectOne(res, err, store.ErrConflict)
}

func (r *deviceCodesRepo) SetDeviceCodeInterval(ctx context.Context, realmID, id string, interval time.Duration) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE device_codes SET interval_seconds = ? WHERE realm_id = ? AND id = ?`,
		toSeconds(interval), realmID, id)
	return expectOne(res, err, store.ErrNotFound)
}

func (r *deviceCodesRepo) DeleteExpiredDeviceCodes(ctx context.Context, now time.Time) (int64, error) {
	return affected(r.db.ExecContext(ctx,
		`DELETE FROM device_codes WHERE expires_at <= ?`, toMillis(now)))
}

func scanDeviceCode(row scanner) (domain.DeviceCode, error) {
	var (
		d                    domain.DeviceCode
		scopes, status       string
		userID               sql.NullString
		interval             int64
		lastPolled           sql.NullInt64
		expiresAt, createdAt int64
	)
	err := row.Scan(
		&d.ID, &d.RealmID, &d.ClientID, &d.DeviceCodeHash, &d.UserCode, &scopes,
		&status, &userID, &interval, &lastPolled, &expiresAt, &createdAt,
	)
	if err != nil {
		return domain.DeviceCode{}, mapNotFound(err)
	}
	d.Scopes = splitAndFilter(scopes)
	d.Status = domain.DeviceCodeStatus(status)
	d.UserID = userID.String
	d.Interval = fromSeconds(interval)
	d.LastPolledAt = fromNullMillis(lastPolled)
	d.ExpiresAt = fromMillis(expiresAt)
	d.CreatedAt = fromMillis(createdAt)
	return d, nil
}
