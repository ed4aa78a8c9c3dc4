package domain

import "time"

// Realm is the tenant boundary. Every other entity is scoped by RealmID.
type Realm struct {
	ID          string
	Name        string // path segment in /realms/{name}
	DisplayName string
	Enabled     bool

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	BruteForce BruteForcePolicy

	CreatedAt time.Time
}

// BruteForcePolicy configures the realm's account lockout.
type BruteForcePolicy struct {
	Enabled          bool
	MaxLoginFailures int
	LockoutDuration  time.Duration
	FailureResetTime time.Duration

	// PermanentLockoutAfter is the number of lockout thresholds after which
	// the account is disabled outright. Zero turns permanent lockout off.
	PermanentLockoutAfter int
}

// PermanentThreshold is the cumulative failure count that disables an
// account, or 0 when permanent lockout is off.
func (p BruteForcePolicy) PermanentThreshold() int {
	if p.PermanentLockoutAfter <= 0 || p.MaxLoginFailures <= 0 {
		return 0
	}
	return p.MaxLoginFailures * p.PermanentLockoutAfter
}
