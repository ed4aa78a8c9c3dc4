package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/aussiebroadwan/authme/internal/auth/domain"
	"github.com/aussiebroadwan/authme/internal/auth/store"
)

type usersRepo struct {
	db dbtx
}

const userColumns = `id, realm_id, username, email, email_verified, first_name, last_name,
	password_hash, otp_secret, enabled, locked_until, created_at, updated_at`

func (r *usersRepo) CreateUser(ctx context.Context, u domain.User) error {
	var otp sql.NullString
	if u.OTPSecret != nil {
		otp = sql.NullString{String: *u.OTPSecret, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.RealmID, u.Username, u.Email, u.EmailVerified, u.FirstName, u.LastName,
		u.PasswordHash, otp, u.Enabled, toNullMillis(u.LockedUntil),
		toMillis(u.CreatedAt), toMillis(u.UpdatedAt),
	)
	return mapWriteErr(err)
}

func (r *usersRepo) GetUserByID(ctx context.Context, realmID, id string) (domain.User, error) {
	return scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE realm_id = ? AND id = ?`, realmID, id))
}

func (r *usersRepo) GetUserByUsername(ctx context.Context, realmID, username string) (domain.User, error) {
	return scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE realm_id = ? AND username = ?`, realmID, username))
}

func (r *usersRepo) GetUserByEmail(ctx context.Context, realmID, email string) (domain.User, error) {
	if email == "" {
		return domain.User{}, store.ErrNotFound
	}
	return scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users
		WHERE realm_id = ? AND email = ? COLLATE NOCASE
		ORDER BY created_at LIMIT 1`, realmID, email))
}

func (r *usersRepo) UpdateProfile(ctx context.Context, u domain.User) error {
	res, err := r.db.ExecContext(ctx, `UPDATE users
		SET email = ?, email_verified = ?, first_name = ?, last_name = ?, updated_at = ?
		WHERE realm_id = ? AND id = ?`,
		u.Email, u.EmailVerified, u.FirstName, u.LastName, toMillis(u.UpdatedAt),
		u.RealmID, u.ID,
	)
	return expectOne(res, err, store.ErrNotFound)
}

func (r *usersRepo) SetLockedUntil(ctx context.Context, realmID, userID string, until *time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET locked_until = ? WHERE realm_id = ? AND id = ?`,
		toNullMillis(until), realmID, userID)
	return expectOne(res, err, store.ErrNotFound)
}

func (r *usersRepo) DisableUser(ctx context.Context, realmID, userID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET enabled = 0, locked_until = ? WHERE realm_id = ? AND id = ?`,
		toMillis(domain.PermanentLockUntil), realmID, userID)
	return expectOne(res, err, store.ErrNotFound)
}

func (r *usersRepo) ListLockedUsers(ctx context.Context, realmID string, now time.Time) ([]domain.User, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users
		WHERE realm_id = ? AND locked_until IS NOT NULL AND locked_until > ?
		ORDER BY username`, realmID, toMillis(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func scanUser(row scanner) (domain.User, error) {
	var (
		u                    domain.User
		otp                  sql.NullString
		locked               sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&u.ID, &u.RealmID, &u.Username, &u.Email, &u.EmailVerified, &u.FirstName, &u.LastName,
		&u.PasswordHash, &otp, &u.Enabled, &locked, &createdAt, &updatedAt,
	)
	if err != nil {
		return domain.User{}, mapNotFound(err)
	}
	if otp.Valid {
		u.OTPSecret = &otp.String
	}
	u.LockedUntil = fromNullMillis(locked)
	u.CreatedAt = fromMillis(createdAt)
	u.UpdatedAt = fromMillis(updatedAt)
	return u, nil
}
