package domain

import "time"

// LoginFailure records one failed authentication attempt.
type LoginFailure struct {
	ID        string
	RealmID   string
	UserID    string
	IPAddress string
	FailedAt  time.Time
}
