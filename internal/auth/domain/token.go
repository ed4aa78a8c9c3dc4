package domain

import "time"

// TokenPair is the result of a successful grant.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	TokenType    string
	ExpiresIn    time.Duration
	Scope        string
}

// RefreshToken is the stored refresh token record. The token itself is never
// persisted, only its fingerprint.
type RefreshToken struct {
	ID        string
	RealmID   string
	ClientID  string // internal client row ID
	UserID    string
	SessionID string
	TokenHash string
	Scopes    []string
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
