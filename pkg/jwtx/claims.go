package jwtx

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"time"

	"github.com/aussiebroadwan/authme/pkg/idx"
	"github.com/golang-jwt/jwt/v5"
)

// Token "typ" claim values, used to stop one kind of token being accepted
// where another is expected.
const (
	TypeBearer = "Bearer"
	TypeID     = "ID"
	TypeLogout = "Logout"
)

// BackchannelLogoutEvent is the event member of an OIDC logout token.
const BackchannelLogoutEvent = "http://schemas.openid.net/event/backchannel-logout"

// Stampable claims get their issuer and lifetime from the signer rather than
// from the caller.
type Stampable interface {
	jwt.Claims
	Stamp(issuer string, now time.Time, ttl time.Duration)
}

// Base carries the registered claims every token shares plus "typ".
type Base struct {
	jwt.RegisteredClaims

	Type string `json:"typ,omitempty"`
}

// Stamp sets iss, iat and exp, and a fresh jti unless one is already set.
func (b *Base) Stamp(issuer string, now time.Time, ttl time.Duration) {
	b.Issuer = issuer
	b.IssuedAt = jwt.NewNumericDate(now)
	b.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	if b.ID == "" {
		b.ID = NewJTI()
	}
}

// AccessClaims are the claims of an access token.
type AccessClaims struct {
	Base

	AuthorizedParty   string `json:"azp,omitempty"`
	SessionID         string `json:"sid,omitempty"`
	Scope             string `json:"scope,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
}

// Scopes splits the space delimited scope claim.
func (c *AccessClaims) Scopes() []string {
	return strings.Fields(c.Scope)
}

// HasScope reports whether scope was granted.
func (c *AccessClaims) HasScope(scope string) bool {
	for _, s := range c.Scopes() {
		if s == scope {
			return true
		}
	}
	return false
}

// IDClaims are the claims of an OIDC ID token. Profile and email members are
// only populated when the matching scope was granted.
type IDClaims struct {
	Base

	AuthorizedParty string           `json:"azp,omitempty"`
	SessionID       string           `json:"sid,omitempty"`
	Nonce           string           `json:"nonce,omitempty"`
	AtHash          string           `json:"at_hash,omitempty"`
	AuthTime        *jwt.NumericDate `json:"auth_time,omitempty"`

	PreferredUsername string `json:"preferred_username,omitempty"`
	Name              string `json:"name,omitempty"`
	GivenName         string `json:"given_name,omitempty"`
	FamilyName        string `json:"family_name,omitempty"`
	Email             string `json:"email,omitempty"`
	EmailVerified     *bool  `json:"email_verified,omitempty"`
}

// LogoutClaims are the claims of an OIDC back-channel logout token.
type LogoutClaims struct {
	Base

	SessionID string                    `json:"sid,omitempty"`
	Events    map[string]map[string]any `json:"events"`
}

// NewLogoutClaims builds the logout token body for one client. sid is
// omitted when empty.
func NewLogoutClaims(subject, audience, sid string) *LogoutClaims {
	c := &LogoutClaims{
		SessionID: sid,
		Events:    map[string]map[string]any{BackchannelLogoutEvent: {}},
	}
	c.Type = TypeLogout
	c.Subject = subject
	c.Audience = jwt.ClaimStrings{audience}
	return c
}

// NewJTI returns a unique token identifier.
func NewJTI() string {
	return idx.New().String()
}

// AtHash computes the OIDC at_hash of an RS256 access token: the left half
// of its SHA-256 digest, base64url encoded.
func AtHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}
