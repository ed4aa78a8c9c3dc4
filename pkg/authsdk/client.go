package authsdk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to one realm of an authme server.
type Client struct {
	BaseURL    string
	Realm      string
	HTTPClient *http.Client

	// CheckScopes makes Session admin calls fail locally when the token
	// lacks the scope the route needs. Tests turn it off to reach the
	// server side check.
	CheckScopes bool

	// pollUnit scales device polling intervals, which the server gives in
	// seconds.
	pollUnit time.Duration
}

// NewClient returns a Client for realm with scope checking enabled.
func NewClient(baseURL, realm string) *Client {
	return &Client{
		BaseURL:     strings.TrimSuffix(baseURL, "/"),
		Realm:       realm,
		HTTPClient:  &http.Client{Timeout: 10 * time.Second},
		CheckScopes: true,
		pollUnit:    time.Second,
	}
}

// ClientAuth identifies the OAuth client making a request. A non-empty
// Secret is sent with HTTP Basic, otherwise ID goes in the form.
type ClientAuth struct {
	ID     string
	Secret string
}

func (a ClientAuth) apply(req *http.Request, form url.Values) {
	if a.Secret != "" {
		req.SetBasicAuth(url.QueryEscape(a.ID), url.QueryEscape(a.Secret))
		return
	}
	if a.ID != "" {
		form.Set("client_id", a.ID)
	}
}

// IssuerURL is the realm issuer, which prefixes every realm route.
func (c *Client) IssuerURL() string {
	return c.BaseURL + "/realms/" + url.PathEscape(c.Realm)
}

func (c *Client) protocolURL(endpoint string) string {
	return c.IssuerURL() + "/protocol/openid-connect/" + endpoint
}

func (c *Client) adminURL(path string) string {
	return c.BaseURL + "/admin/realms/" + url.PathEscape(c.Realm) + "/" + path
}

// postForm sends an url-encoded form. auth and bearer are optional.
func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values, auth ClientAuth, bearer string) (*http.Response, error) {
	if form == nil {
		form = url.Values{}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	auth.apply(req, form)
	body := form.Encode()
	req.Body = io.NopCloser(strings.NewReader(body))
	req.ContentLength = int64(len(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return c.do(req)
}

// doRequest sends a bodiless request with an optional bearer token.
func (c *Client) doRequest(ctx context.Context, method, endpoint, bearer string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	return resp, nil
}

// decodeJSON closes resp. A status other than want is decoded as an
// *OAuth2Error. out may be nil for empty bodies.
func decodeJSON(resp *http.Response, out any, want int) error {
	defer resp.Body.Close()

	if resp.StatusCode != want {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return parseErrorResponse(resp, body)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}
