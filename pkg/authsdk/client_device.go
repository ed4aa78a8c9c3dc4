package authsdk

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"
)

// slowDownStep is the RFC 8628 interval increase after slow_down.
const slowDownStep = 5

// DeviceAuthorization starts the device flow for a client without a
// browser. Show the user code and verification URI, then poll.
func (c *Client) DeviceAuthorization(ctx context.Context, auth ClientAuth, scopes ...string) (*DeviceAuthorizationResponse, error) {
	form := url.Values{}
	if len(scopes) > 0 {
		form.Set("scope", joinScopes(scopes))
	}
	resp, err := c.postForm(ctx, c.protocolURL("auth/device"), form, auth, "")
	if err != nil {
		return nil, err
	}
	var out DeviceAuthorizationResponse
	if err := decodeJSON(resp, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// PollDeviceToken polls until the user approves or denies, the code
// expires or ctx ends. slow_down widens the interval for every later poll.
func (c *Client) PollDeviceToken(ctx context.Context, auth ClientAuth, da *DeviceAuthorizationResponse) (*TokenResponse, error) {
	interval := max(da.Interval, 1)
	form := url.Values{
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		"device_code": {da.DeviceCode},
	}
	for {
		timer := time.NewTimer(time.Duration(interval) * c.pollUnit)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		tok, err := c.requestToken(ctx, auth, form)
		switch {
		case err == nil:
			return tok, nil
		case errors.Is(err, ErrAuthorizationPending):
		case errors.Is(err, ErrSlowDown):
			interval += slowDownStep
		default:
			return nil, err
		}
	}
}

// LookupUserCode shows what a pending device request asks for.
func (c *Client) LookupUserCode(ctx context.Context, userCode string) (*DeviceVerification, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, c.IssuerURL()+"/device?"+url.Values{"user_code": {userCode}}.Encode(), "")
	if err != nil {
		return nil, err
	}
	var out DeviceVerification
	if err := decodeJSON(resp, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// ApproveDevice grants the request behind userCode as the user of creds.
func (c *Client) ApproveDevice(ctx context.Context, userCode string, creds Credentials) error {
	return c.verifyDevice(ctx, userCode, "approve", creds)
}

// DenyDevice rejects the request behind userCode. The polling client gets
// access_denied.
func (c *Client) DenyDevice(ctx context.Context, userCode string, creds Credentials) error {
	return c.verifyDevice(ctx, userCode, "deny", creds)
}

func (c *Client) verifyDevice(ctx context.Context, userCode, action string, creds Credentials) error {
	form := url.Values{
		"user_code": {userCode},
		"action":    {action},
		"username":  {creds.Username},
		"password":  {creds.Password},
	}
	if creds.TOTP != "" {
		form.Set("totp", creds.TOTP)
	}
	resp, err := c.postForm(ctx, c.IssuerURL()+"/device", form, ClientAuth{}, "")
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil, http.StatusNoContent)
}
