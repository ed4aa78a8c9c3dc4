package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/aussiebroadwan/authme/internal/auth/domain"
)

type signingKeysRepo struct {
	db dbtx
}

func (r *signingKeysRepo) CreateSigningKey(ctx context.Context, k domain.SigningKey) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO signing_keys
		(id, realm_id, kid, algorithm, private_key_encrypted, created_at, retired_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.RealmID, k.Kid, k.Algorithm, k.PrivateKeyEncrypted,
		toMillis(k.CreatedAt), toNullMillis(k.RetiredAt), toNullMillis(k.ExpiresAt),
	)
	return mapWriteErr(err)
}

func (r *signingKeysRepo) ListVerifiableSigningKeys(ctx context.Context, realmID string, now time.Time) ([]domain.SigningKey, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT
		id, realm_id, kid, algorithm, private_key_encrypted, created_at, retired_at, expires_at
		FROM signing_keys
		WHERE realm_id = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at DESC, id DESC`, realmID, toMillis(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SigningKey
	for rows.Next() {
		var (
			k                  domain.SigningKey
			createdAt          int64
			retired, expiresAt sql.NullInt64
		)
		if err := rows.Scan(&k.ID, &k.RealmID, &k.Kid, &k.Algorithm, &k.PrivateKeyEncrypted,
			&createdAt, &retired, &expiresAt); err != nil {
			return nil, err
		}
		k.CreatedAt = fromMillis(createdAt)
		k.RetiredAt = fromNullMillis(retired)
		k.ExpiresAt = fromNullMillis(expiresAt)
		out = append(out, k)
	}
	return out, rows.Err()
}

func (r *signingKeysRepo) RetireActiveSigningKeys(ctx context.Context, realmID string, now, expiresAt time.Time) (int64, error) {
	return affected(r.db.ExecContext(ctx, `UPDATE signing_keys
		SET retired_at = ?, expires_at = ?
		WHERE realm_id = ? AND retired_at IS NULL`,
		toMillis(now), toMillis(expiresAt), realmID))
}

func (r *signingKeysRepo) DeleteExpiredSigningKeys(ctx context.Context, now time.Time) (int64, error) {
	return affected(r.db.ExecContext(ctx,
		`DELETE FROM signing_keys WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		toMillis(now)))
}
