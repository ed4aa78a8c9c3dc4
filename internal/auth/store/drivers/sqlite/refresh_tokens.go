package sqlite

import (
	"context"
	"time"

	"github.com/aussiebroadwan/authme/internal/auth/domain"
	"github.com/aussiebroadwan/authme/internal/auth/store"
)

type refreshTokensRepo struct {
	db dbtx
}

const refreshTokenColumns = `id, realm_id, client_id, user_id, session_id, token_hash,
	scopes, expires_at, revoked, created_at, updated_at`

func (r *refreshTokensRepo) CreateRefreshToken(ctx context.Context, t domain.RefreshToken) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO refresh_tokens (`+refreshTokenColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.RealmID, t.ClientID, t.UserID, t.SessionID, t.TokenHash,
		joinList(t.Scopes), toMillis(t.ExpiresAt), t.Revoked,
		toMillis(t.CreatedAt), toMillis(t.UpdatedAt),
	)
	return mapWriteErr(err)
}

func (r *refreshTokensRepo) GetRefreshTokenByHash(ctx context.Context, realmID, hash string) (domain.RefreshToken, error) {
	var (
		t                               domain.RefreshToken
		scopes                          string
		expiresAt, createdAt, updatedAt int64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT `+refreshTokenColumns+` FROM refresh_tokens
		WHERE realm_id = ? AND token_hash = ?`, realmID, hash).Scan(
		&t.ID, &t.RealmID, &t.ClientID, &t.UserID, &t.SessionID, &t.TokenHash,
		&scopes, &expiresAt, &t.Revoked, &createdAt, &updatedAt,
	)
	if err != nil {
		return domain.RefreshToken{}, mapNotFound(err)
	}
	t.Scopes = splitAndFilter(scopes)
	t.ExpiresAt = fromMillis(expiresAt)
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	return t, nil
}

func (r *refreshTokensRepo) RevokeRefreshToken(ctx context.Context, realmID, hash string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE refresh_tokens
		SET revoked = 1, updated_at = ?
		WHERE realm_id = ? AND token_hash = ? AND revoked = 0`,
		toMillis(now), realmID, hash)
	return expectOne(res, err, store.ErrConflict)
}

func (r *refreshTokensRepo) RevokeSessionRefreshTokens(ctx context.Context, realmID, sessionID string, now time.Time) (int64, error) {
	return affected(r.db.ExecContext(ctx, `UPDATE refresh_tokens
		SET revoked = 1, updated_at = ?
		WHERE realm_id = ? AND session_id = ? AND revoked = 0`,
		toMillis(now), realmID, sessionID))
}

func (r *refreshTokensRepo) DeleteStaleRefreshTokens(ctx context.Context, cutoff time.Time) (int64, error) {
	ms := toMillis(cutoff)
	return affected(r.db.ExecContext(ctx, `DELETE FROM refresh_tokens
		WHERE expires_at <= ? OR (revoked = 1 AND updated_at <= ?)`, ms, ms))
}
