package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/aussiebroadwan/authme/internal/auth/domain"
	"github.com/aussiebroadwan/authme/internal/auth/store"
)

type authorizationCodesRepo struct {
	db dbtx
}

const authorizationCodeColumns = `id, realm_id, client_id, user_id, session_id, code_hash,
	redirect_uri, scopes, nonce, code_challenge, code_challenge_method,
	auth_time, expires_at, consumed_at, created_at`

func (r *authorizationCodesRepo) CreateAuthorizationCode(ctx context.Context, c domain.AuthorizationCode) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO authorization_codes (`+authorizationCodeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.RealmID, c.ClientID, c.UserID, c.SessionID, c.CodeHash,
		c.RedirectURI, joinList(c.Scopes), c.Nonce, c.CodeChallenge, c.CodeChallengeMethod,
		toMillis(c.AuthTime), toMillis(c.ExpiresAt), toNullMillis(c.ConsumedAt), toMillis(c.CreatedAt),
	)
	return mapWriteErr(err)
}

func (r *authorizationCodesRepo) GetAuthorizationCodeByHash(ctx context.Context, realmID, hash string) (domain.AuthorizationCode, error) {
	var (
		c                              domain.AuthorizationCode
		scopes                         string
		authTime, expiresAt, createdAt int64
		consumedAt                     sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT `+authorizationCodeColumns+` FROM authorization_codes
		WHERE realm_id = ? AND code_hash = ?`, realmID, hash).Scan(
		&c.ID, &c.RealmID, &c.ClientID, &c.UserID, &c.SessionID, &c.CodeHash,
		&c.RedirectURI, &scopes, &c.Nonce, &c.CodeChallenge, &c.CodeChallengeMethod,
		&authTime, &expiresAt, &consumedAt, &createdAt,
	)
	if err != nil {
		return domain.AuthorizationCode{}, mapNotFound(err)
	}
	c.Scopes = splitAndFilter(scopes)
	c.AuthTime = fromMillis(authTime)
	c.ExpiresAt = fromMillis(expiresAt)
	c.ConsumedAt = fromNullMillis(consumedAt)
	c.CreatedAt = fromMillis(createdAt)
	return c, nil
}

func (r *authorizationCodesRepo) ConsumeAuthorizationCode(ctx context.Context, realmID, id string, now time.Time) error {
	ms := toMillis(now)
	res, err := r.db.ExecContext(ctx, `UPDATE authorization_codes
		SET consumed_at = ?
		WHERE realm_id = ? AND id = ? AND consumed_at IS NULL AND expires_at > ?`,
		ms, realmID, id, ms)
	return expectOne(res, err, store.ErrConflict)
}

func (r *authorizationCodesRepo) DeleteStaleAuthorizationCodes(ctx context.Context, now time.Time) (int64, error) {
	return affected(r.db.ExecContext(ctx,
		`DELETE FROM authorization_codes WHERE consumed_at IS NOT NULL OR expires_at <= ?`,
		toMillis(now)))
}
