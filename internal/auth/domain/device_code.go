package domain

import "time"

type DeviceCodeStatus string

const (
	DeviceCodePending  DeviceCodeStatus = "pending"
	DeviceCodeApproved DeviceCodeStatus = "approved"
	DeviceCodeDenied   DeviceCodeStatus = "denied"
	DeviceCodeConsumed DeviceCodeStatus = "consumed"
)

// DeviceCode is a pending device authorization. Expiry is derived from
// ExpiresAt rather than stored as a status.
type DeviceCode struct {
	ID             string
	RealmID        string
	ClientID       string // internal client row ID
	DeviceCodeHash string
	UserCode       string // XXXX-XXXX
	Scopes         []string
	Status         DeviceCodeStatus
	UserID         string
	Interval       time.Duration
	LastPolledAt   *time.Time
	ExpiresAt      time.Time
	CreatedAt      time.Time
}

func (d *DeviceCode) IsExpired(now time.Time) bool {
	return !now.Before(d.ExpiresAt)
}
