package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/authme/internal/auth/domain"
	"github.com/aussiebroadwan/authme/internal/auth/store"
	"github.com/aussiebroadwan/authme/pkg/idx"
	"github.com/aussiebroadwan/authme/pkg/slogx"
)

// LoginFailureRetention is how long failure rows are kept for counting.
const LoginFailureRetention = 24 * time.Hour

// LockStatus is the answer of CheckLocked.
type LockStatus struct {
	Locked      bool
	Permanent   bool
	LockedUntil *time.Time
}

// BruteForceGuard implements per-realm account lockout. Counting happens
// in the same transaction as the insert, so concurrent failures can push
// the count past the threshold but never leave it under.
type BruteForceGuard struct {
	Store   store.Store
	Now     func() time.Time
	Metrics *Metrics
}

func NewBruteForceGuard(st store.Store, now func() time.Time) *BruteForceGuard {
	if now == nil {
		now = time.Now
	}
	return &BruteForceGuard{Store: st, Now: now}
}

// CheckLocked reports whether user is locked out right now. Realms without
// brute force protection never lock. Disabled accounts that carry the
// permanent sentinel report Permanent.
func (g *BruteForceGuard) CheckLocked(ctx context.Context, realm domain.Realm, user domain.User) LockStatus {
	if !realm.BruteForce.Enabled || !user.IsLocked(g.Now()) {
		return LockStatus{}
	}
	return LockStatus{
		Locked:      true,
		Permanent:   !user.Enabled && user.LockedUntil.Equal(domain.PermanentLockUntil),
		LockedUntil: user.LockedUntil,
	}
}

// RecordFailure appends a failure and applies the realm policy.
func (g *BruteForceGuard) RecordFailure(ctx context.Context, realm domain.Realm, userID, ip string) error {
	g.Metrics.loginFailed()

	policy := realm.BruteForce
	if !policy.Enabled || policy.MaxLoginFailures <= 0 {
		return nil
	}

	now := g.Now()
	l := slogx.FromContext(ctx)

	return g.Store.WithTx(ctx, func(tx store.Tx) error {
		failures := tx.LoginFailures()
		if err := failures.RecordLoginFailure(ctx, domain.LoginFailure{
			ID:        idx.NewAt(now).String(),
			RealmID:   realm.ID,
			UserID:    userID,
			IPAddress: ip,
			FailedAt:  now,
		}); err != nil {
			return fmt.Errorf("record login failure: %w", err)
		}

		if threshold := policy.PermanentThreshold(); threshold > 0 {
			total, err := failures.CountLoginFailures(ctx, realm.ID, userID)
			if err != nil {
				return fmt.Errorf("count login failures: %w", err)
			}
			if total >= threshold {
				if err := tx.Users().DisableUser(ctx, realm.ID, userID); err != nil {
					return fmt.Errorf("disable user: %w", err)
				}
				g.Metrics.locked("permanent")
				l.Warn("user permanently locked out",
					slog.String("realm", realm.Name),
					slog.String("user_id", userID),
					slog.Int("failures", total),
				)
				return nil
			}
		}

		window := policy.FailureResetTime
		if window <= 0 {
			window = LoginFailureRetention
		}
		recent, err := failures.CountLoginFailuresSince(ctx, realm.ID, userID, now.Add(-window))
		if err != nil {
			return fmt.Errorf("count login failures: %w", err)
		}
		if recent < policy.MaxLoginFailures {
			return nil
		}

		until := now.Add(policy.LockoutDuration)
		if err := tx.Users().SetLockedUntil(ctx, realm.ID, userID, &until); err != nil {
			return fmt.Errorf("lock user: %w", err)
		}
		g.Metrics.locked("temporary")
		l.Info("user temporarily locked out",
			slog.String("realm", realm.Name),
			slog.String("user_id", userID),
			slog.Time("locked_until", until),
		)
		return nil
	})
}

// ResetFailures forgets the user's failures after a successful login.
func (g *BruteForceGuard) ResetFailures(ctx context.Context, realm domain.Realm, userID string) error {
	return g.clear(ctx, realm, userID)
}

// UnlockUser is the administrative unlock. It clears the lock and history
// but does not re-enable a permanently disabled account.
func (g *BruteForceGuard) UnlockUser(ctx context.Context, realm domain.Realm, userID string) error {
	if _, err := g.Store.Users().GetUserByID(ctx, realm.ID, userID); err != nil {
		return notFoundAs(err, ErrNotFound.WithDescription("user not found"))
	}
	return g.clear(ctx, realm, userID)
}

func (g *BruteForceGuard) clear(ctx context.Context, realm domain.Realm, userID string) error {
	return g.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.LoginFailures().DeleteUserLoginFailures(ctx, realm.ID, userID); err != nil {
			return fmt.Errorf("delete login failures: %w", err)
		}
		if err := tx.Users().SetLockedUntil(ctx, realm.ID, userID, nil); err != nil {
			return fmt.Errorf("clear lock: %w", err)
		}
		return nil
	})
}

// GetLockedUsers lists users still locked now.
func (g *BruteForceGuard) GetLockedUsers(ctx context.Context, realm domain.Realm) ([]domain.User, error) {
	return g.Store.Users().ListLockedUsers(ctx, realm.ID, g.Now())
}

// CleanupOldFailures drops failures older than LoginFailureRetention in
// every realm.
func (g *BruteForceGuard) CleanupOldFailures(ctx context.Context) (int64, error) {
	return g.Store.LoginFailures().DeleteLoginFailuresBefore(ctx, g.Now().Add(-LoginFailureRetention))
}
