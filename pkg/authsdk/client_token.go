package authsdk

import (
	"context"
	"net/http"
	"net/url"
)

// PasswordGrant exchanges user credentials for tokens. otp is the current
// TOTP code and may be empty when the user has none enrolled.
func (c *Client) PasswordGrant(ctx context.Context, auth ClientAuth, username, password, otp string, scopes ...string) (*TokenResponse, error) {
	form := url.Values{
		"grant_type": {"password"},
		"username":   {username},
		"password":   {password},
	}
	if otp != "" {
		form.Set("totp", otp)
	}
	if len(scopes) > 0 {
		form.Set("scope", joinScopes(scopes))
	}
	return c.requestToken(ctx, auth, form)
}

// ClientCredentialsGrant authenticates a confidential client as itself. No
// refresh token is issued.
func (c *Client) ClientCredentialsGrant(ctx context.Context, auth ClientAuth, scopes ...string) (*TokenResponse, error) {
	form := url.Values{"grant_type": {"client_credentials"}}
	if len(scopes) > 0 {
		form.Set("scope", joinScopes(scopes))
	}
	return c.requestToken(ctx, auth, form)
}

// RefreshGrant rotates refreshToken. The old token is spent either way, so
// callers must keep the returned one.
func (c *Client) RefreshGrant(ctx context.Context, auth ClientAuth, refreshToken string, scopes ...string) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	if len(scopes) > 0 {
		form.Set("scope", joinScopes(scopes))
	}
	return c.requestToken(ctx, auth, form)
}

// ExchangeAuthorizationCode completes the code flow. codeVerifier is the
// PKCE verifier, empty when no challenge was sent.
func (c *Client) ExchangeAuthorizationCode(ctx context.Context, auth ClientAuth, code, redirectURI, codeVerifier string) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirectURI},
	}
	if codeVerifier != "" {
		form.Set("code_verifier", codeVerifier)
	}
	return c.requestToken(ctx, auth, form)
}

func (c *Client) requestToken(ctx context.Context, auth ClientAuth, form url.Values) (*TokenResponse, error) {
	resp, err := c.postForm(ctx, c.protocolURL("token"), form, auth, "")
	if err != nil {
		return nil, err
	}
	var out TokenResponse
	if err := decodeJSON(resp, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// Introspect reports on an access or refresh token. Unknown and foreign
// tokens come back inactive rather than as an error.
func (c *Client) Introspect(ctx context.Context, auth ClientAuth, token string) (*IntrospectionResponse, error) {
	resp, err := c.postForm(ctx, c.protocolURL("token/introspect"), url.Values{"token": {token}}, auth, "")
	if err != nil {
		return nil, err
	}
	var out IntrospectionResponse
	if err := decodeJSON(resp, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// Revoke revokes a refresh token (RFC 7009). Revoking an unknown token
// succeeds.
func (c *Client) Revoke(ctx context.Context, auth ClientAuth, token string) error {
	form := url.Values{"token": {token}, "token_type_hint": {"refresh_token"}}
	resp, err := c.postForm(ctx, c.protocolURL("revoke"), form, auth, "")
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil, http.StatusOK)
}

// Logout ends the session behind refreshToken and triggers back-channel
// logout of the other clients in it.
func (c *Client) Logout(ctx context.Context, auth ClientAuth, refreshToken string) error {
	resp, err := c.postForm(ctx, c.protocolURL("logout"), url.Values{"refresh_token": {refreshToken}}, auth, "")
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil, http.StatusNoContent)
}

// UserInfo returns the claims accessToken may see.
func (c *Client) UserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, c.protocolURL("userinfo"), accessToken)
	if err != nil {
		return nil, err
	}
	var out UserInfo
	if err := decodeJSON(resp, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}
