package domain

import "time"

// SigningKey is a realm RSA keypair. The active key (RetiredAt nil) signs new
// tokens; retired keys keep verifying until ExpiresAt.
type SigningKey struct {
	ID                  string
	RealmID             string
	Kid                 string
	Algorithm           string
	PrivateKeyEncrypted []byte // AES-256-GCM sealed PEM
	CreatedAt           time.Time
	RetiredAt           *time.Time
	ExpiresAt           *time.Time
}

func (k *SigningKey) IsActive() bool { return k.RetiredAt == nil }

// IsVerifiable reports whether tokens signed by k are still accepted at now.
func (k *SigningKey) IsVerifiable(now time.Time) bool {
	return k.ExpiresAt == nil || now.Before(*k.ExpiresAt)
}
