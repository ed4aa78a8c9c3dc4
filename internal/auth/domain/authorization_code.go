package domain

import "time"

// AuthorizationCode is a single-use code bound to the request that minted it.
// Only the fingerprint of the code is stored.
type AuthorizationCode struct {
	ID                  string
	RealmID             string
	ClientID            string // internal client row ID
	UserID              string
	SessionID           string
	CodeHash            string
	RedirectURI         string
	Scopes              []string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	AuthTime            time.Time
	ExpiresAt           time.Time
	ConsumedAt          *time.Time
	CreatedAt           time.Time
}
