package domain

import (
	"strings"
	"time"
)

// PermanentLockUntil is stored in LockedUntil when brute force protection
// disables an account for good.
var PermanentLockUntil = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

type User struct {
	ID            string
	RealmID       string
	Username      string
	Email         string
	EmailVerified bool
	FirstName     string
	LastName      string
	PasswordHash  string  // argon2 encoded, empty for federated-only users
	OTPSecret     *string // TOTP secret (base32), nil when not enrolled
	Enabled       bool
	LockedUntil   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// FullName joins first and last name.
func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// IsLocked reports whether LockedUntil is still in the future at now.
func (u *User) IsLocked(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}
