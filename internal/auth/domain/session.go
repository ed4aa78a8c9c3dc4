package domain

import "time"

// Session groups the refresh tokens issued from one login.
type Session struct {
	ID               string
	RealmID          string
	UserID           string
	IPAddress        string
	IdentityProvider string // broker alias, empty for local logins
	AuthTime         time.Time
	CreatedAt        time.Time
	LastSeenAt       time.Time
}
