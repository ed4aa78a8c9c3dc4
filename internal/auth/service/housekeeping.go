package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/authme/internal/auth/store"
)

const (
	DefaultHousekeepingInterval = time.Hour

	// refreshTokenGrace keeps expired and revoked refresh tokens around for
	// a day so a replay still gets a precise error.
	refreshTokenGrace = 24 * time.Hour
)

// HousekeepingService prunes expired rows on a ticker. Each job runs
// independently so one failing table does not starve the others.
type HousekeepingService struct {
	Store      store.Store
	BruteForce *BruteForceGuard
	Logger     *slog.Logger
	Interval   time.Duration
	Now        func() time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewHousekeepingService(st store.Store, guard *BruteForceGuard, logger *slog.Logger, interval time.Duration) *HousekeepingService {
	if interval <= 0 {
		interval = DefaultHousekeepingInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HousekeepingService{
		Store:      st,
		BruteForce: guard,
		Logger:     logger,
		Interval:   interval,
		Now:        time.Now,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start runs one pass immediately and then every Interval until Stop.
func (s *HousekeepingService) Start() {
	go s.run()
	s.Logger.Info("housekeeping started", slog.Duration("interval", s.Interval))
}

// Stop waits for an in-progress pass to finish.
func (s *HousekeepingService) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.Logger.Info("housekeeping stopped")
}

func (s *HousekeepingService) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.RunOnce(context.Background())
	for {
		select {
		case <-ticker.C:
			s.RunOnce(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// RunOnce performs a single cleanup pass and returns rows deleted per job.
func (s *HousekeepingService) RunOnce(ctx context.Context) map[string]int64 {
	now := s.Now()
	jobs := []struct {
		name string
		fn   func(context.Context) (int64, error)
	}{
		{"login_failures", s.BruteForce.CleanupOldFailures},
		{"authorization_codes", func(ctx context.Context) (int64, error) {
			return s.Store.AuthorizationCodes().DeleteStaleAuthorizationCodes(ctx, now)
		}},
		{"device_codes", func(ctx context.Context) (int64, error) {
			return s.Store.DeviceCodes().DeleteExpiredDeviceCodes(ctx, now)
		}},
		{"refresh_tokens", func(ctx context.Context) (int64, error) {
			return s.Store.RefreshTokens().DeleteStaleRefreshTokens(ctx, now.Add(-refreshTokenGrace))
		}},
		{"signing_keys", func(ctx context.Context) (int64, error) {
			return s.Store.SigningKeys().DeleteExpiredSigningKeys(ctx, now)
		}},
	}

	deleted := make(map[string]int64, len(jobs))
	for _, job := range jobs {
		n, err := job.fn(ctx)
		if err != nil {
			s.Logger.Error("housekeeping job failed", slog.String("job", job.name), slog.Any("error", err))
			continue
		}
		deleted[job.name] = n
		if n > 0 {
			s.Logger.Debug("housekeeping deleted rows", slog.String("job", job.name), slog.Int64("rows", n))
		}
	}
	return deleted
}
