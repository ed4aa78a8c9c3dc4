package sqlite

import (
	"context"
	"time"

	"github.com/aussiebroadwan/authme/internal/auth/domain"
	"github.com/aussiebroadwan/authme/internal/auth/store"
)

type sessionsRepo struct {
	db dbtx
}

const sessionColumns = `id, realm_id, user_id, ip_address, identity_provider,
	auth_time, created_at, last_seen_at`

func (r *sessionsRepo) CreateSession(ctx context.Context, s domain.Session) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.RealmID, s.UserID, s.IPAddress, s.IdentityProvider,
		toMillis(s.AuthTime), toMillis(s.CreatedAt), toMillis(s.LastSeenAt),
	)
	return mapWriteErr(err)
}

func (r *sessionsRepo) GetSession(ctx context.Context, realmID, id string) (domain.Session, error) {
	return scanSession(r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE realm_id = ? AND id = ?`, realmID, id))
}

func (r *sessionsRepo) ListUserSessions(ctx context.Context, realmID, userID string) ([]domain.Session, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE realm_id = ? AND user_id = ? ORDER BY created_at`, realmID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *sessionsRepo) TouchSession(ctx context.Context, realmID, id string, now time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET last_seen_at = ? WHERE realm_id = ? AND id = ?`,
		toMillis(now), realmID, id)
	return expectOne(res, err, store.ErrNotFound)
}

func (r *sessionsRepo) DeleteSession(ctx context.Context, realmID, id string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE realm_id = ? AND id = ?`, realmID, id)
	return expectOne(res, err, store.ErrNotFound)
}

func scanSession(row scanner) (domain.Session, error) {
	var (
		s                               domain.Session
		authTime, createdAt, lastSeenAt int64
	)
	err := row.Scan(&s.ID, &s.RealmID, &s.UserID, &s.IPAddress, &s.IdentityProvider,
		&authTime, &createdAt, &lastSeenAt)
	if err != nil {
		return domain.Session{}, mapNotFound(err)
	}
	s.AuthTime = fromMillis(authTime)
	s.CreatedAt = fromMillis(createdAt)
	s.LastSeenAt = fromMillis(lastSeenAt)
	return s, nil
}
