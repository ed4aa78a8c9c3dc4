package service

import (
	"context"
	"errors"
	"time"

	"github.com/aussiebroadwan/authme/internal/auth/domain"
	"github.com/aussiebroadwan/authme/internal/auth/store"
	"github.com/redis/go-redis/v9"
)

// PollThrottle decides whether a device code poll arrives too early.
type PollThrottle interface {
	Allow(ctx context.Context, realm domain.Realm, dc domain.DeviceCode, now time.Time) (bool, error)
}

// StorePollThrottle keeps the last poll time on the device code row.
type StorePollThrottle struct {
	Store store.Store
}

func (t StorePollThrottle) Allow(ctx context.Context, realm domain.Realm, dc domain.DeviceCode, now time.Time) (bool, error) {
	err := t.Store.DeviceCodes().MarkDeviceCodePolled(ctx, realm.ID, dc.ID, now, dc.Interval)
	if errors.Is(err, store.ErrConflict) {
		return false, nil
	}
	return err == nil, err
}

// RedisPollThrottle shares throttle state across instances with a key that
// lives for one interval.
type RedisPollThrottle struct {
	Client redis.UniversalClient
}

func (t RedisPollThrottle) Allow(ctx context.Context, realm domain.Realm, dc domain.DeviceCode, _ time.Time) (bool, error) {
	return t.Client.SetNX(ctx, pollKey(realm.ID, dc.ID), 1, dc.Interval).Result()
}

func pollKey(realmID, deviceCodeID string) string {
	return "authme:device:poll:" + realmID + ":" + deviceCodeID
}
