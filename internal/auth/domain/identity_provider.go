package domain

import "time"

type SyncMode string

const (
	// SyncImport copies profile fields only when the user is first created.
	SyncImport SyncMode = "import"
	// SyncForce overwrites profile fields on every federated login.
	SyncForce SyncMode = "force"
)

// IdentityProvider is an external OIDC/OAuth2 provider a realm brokers to.
// With IssuerURL set, endpoints are discovered and ID tokens verified;
// otherwise the explicit endpoint URLs are used.
type IdentityProvider struct {
	ID                    string
	RealmID               string
	Alias                 string
	DisplayName           string
	Enabled               bool
	IssuerURL             string
	AuthorizationURL      string
	TokenURL              string
	UserInfoURL           string
	ClientID              string
	ClientSecretEncrypted []byte
	Scopes                []string
	TrustEmail            bool
	LinkOnly              bool
	SyncMode              SyncMode
	CreatedAt             time.Time
}

// FederatedIdentity links an upstream subject to exactly one local user.
type FederatedIdentity struct {
	ID                 string
	RealmID            string
	UserID             string
	IdentityProviderID string
	ProviderAlias      string
	ExternalUserID     string
	ExternalUsername   string
	CreatedAt          time.Time
}
