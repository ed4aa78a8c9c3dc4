package domain

import (
	"slices"
	"time"
)

type ClientType string

const (
	ClientConfidential ClientType = "confidential"
	ClientPublic       ClientType = "public"
)

// Grant types a client may be allowed to use.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"
	GrantPassword          = "password"
	GrantDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
)

// Client is an OAuth client registered in a realm. ClientID is the natural
// key clients present on the wire; ID is the internal row ID.
type Client struct {
	ID                     string
	RealmID                string
	ClientID               string
	Name                   string
	SecretHash             string
	Type                   ClientType
	Enabled                bool
	RedirectURIs           []string
	PostLogoutRedirectURIs []string
	GrantTypes             []string
	Scopes                 []string

	BackchannelLogoutURI             string
	BackchannelLogoutSessionRequired bool

	CreatedAt time.Time
}

func (c *Client) IsConfidential() bool { return c.Type == ClientConfidential }

func (c *Client) AllowsGrant(grant string) bool {
	return slices.Contains(c.GrantTypes, grant)
}

// HasRedirectURI is an exact string comparison against the allow-list.
func (c *Client) HasRedirectURI(uri string) bool {
	return uri != "" && slices.Contains(c.RedirectURIs, uri)
}

func (c *Client) HasPostLogoutRedirectURI(uri string) bool {
	return uri != "" && slices.Contains(c.PostLogoutRedirectURIs, uri)
}
