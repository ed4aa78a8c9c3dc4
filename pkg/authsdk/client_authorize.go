package authsdk

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/aussiebroadwan/authme/pkg/cryptox"
)

// PKCEChallenge is an RFC 7636 verifier and its S256 challenge. Only the
// challenge leaves the client before the code exchange.
type PKCEChallenge struct {
	Verifier  string
	Challenge string
	Method    string
}

// GeneratePKCEChallenge creates a verifier with 256 bits of entropy.
func GeneratePKCEChallenge() (*PKCEChallenge, error) {
	verifier, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return nil, fmt.Errorf("failed to generate PKCE verifier: %w", err)
	}
	hash := sha256.Sum256([]byte(verifier))
	return &PKCEChallenge{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(hash[:]),
		Method:    "S256",
	}, nil
}

// AuthorizeRequest holds the parameters of an authorization request.
type AuthorizeRequest struct {
	ClientID    string
	RedirectURI string
	Scopes      []string
	State       string
	Nonce       string
	PKCE        *PKCEChallenge
}

func (r AuthorizeRequest) values() url.Values {
	q := url.Values{
		"response_type": {"code"},
		"client_id":     {r.ClientID},
		"redirect_uri":  {r.RedirectURI},
	}
	if len(r.Scopes) > 0 {
		q.Set("scope", joinScopes(r.Scopes))
	}
	if r.State != "" {
		q.Set("state", r.State)
	}
	if r.Nonce != "" {
		q.Set("nonce", r.Nonce)
	}
	if r.PKCE != nil {
		q.Set("code_challenge", r.PKCE.Challenge)
		q.Set("code_challenge_method", r.PKCE.Method)
	}
	return q
}

// AuthorizeURL is where a browser is sent to start the code flow.
func (c *Client) AuthorizeURL(r AuthorizeRequest) string {
	return c.protocolURL("auth") + "?" + r.values().Encode()
}

// Credentials are a user's login inputs. TOTP is only needed when the user
// has enrolled an authenticator.
type Credentials struct {
	Username string
	Password string
	TOTP     string
}

// Authorize posts credentials to the authorization endpoint and returns the
// code from the redirect without following it.
func (c *Client) Authorize(ctx context.Context, r AuthorizeRequest, creds Credentials) (string, error) {
	form := r.values()
	form.Set("username", creds.Username)
	form.Set("password", creds.Password)
	if creds.TOTP != "" {
		form.Set("totp", creds.TOTP)
	}

	hc := *c.HTTPClient
	hc.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	noFollow := *c
	noFollow.HTTPClient = &hc

	resp, err := noFollow.postForm(ctx, c.protocolURL("auth"), form, ClientAuth{}, "")
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusFound && resp.StatusCode != http.StatusSeeOther {
		return "", decodeJSON(resp, nil, http.StatusFound)
	}
	resp.Body.Close()

	return ParseAuthorizationCallback(resp.Header.Get("Location"), r.State)
}

// AuthorizeAndExchange runs the whole code flow with PKCE for a user whose
// credentials the caller holds.
func (c *Client) AuthorizeAndExchange(ctx context.Context, auth ClientAuth, redirectURI string, creds Credentials, scopes ...string) (*Session, error) {
	pkce, err := GeneratePKCEChallenge()
	if err != nil {
		return nil, err
	}
	state := cryptox.MustGenerateToken(cryptox.TokenSize128)
	code, err := c.Authorize(ctx, AuthorizeRequest{
		ClientID:    auth.ID,
		RedirectURI: redirectURI,
		Scopes:      scopes,
		State:       state,
		PKCE:        pkce,
	}, creds)
	if err != nil {
		return nil, err
	}
	tok, err := c.ExchangeAuthorizationCode(ctx, auth, code, redirectURI, pkce.Verifier)
	if err != nil {
		return nil, err
	}
	return c.NewSession(auth, tok), nil
}

// ErrStateMismatch means the callback state differs from the one sent.
var ErrStateMismatch = errors.New("authorization callback state mismatch")

// ParseAuthorizationCallback extracts the code from a redirect URI. An
// error redirect is returned as *OAuth2Error. expectedState is checked
// when non-empty.
func ParseAuthorizationCallback(callbackURL, expectedState string) (string, error) {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return "", fmt.Errorf("invalid callback URL: %w", err)
	}
	q := u.Query()
	if expectedState != "" && q.Get("state") != expectedState {
		return "", ErrStateMismatch
	}
	if code := q.Get("error"); code != "" {
		return "", &OAuth2Error{Code: code, Description: q.Get("error_description")}
	}
	code := q.Get("code")
	if code == "" {
		return "", errors.New("callback has no authorization code")
	}
	return code, nil
}
