package authsdk

import (
	"context"
	"net/http"
)

// GetLiveness checks if the service is alive.
func (c *Client) GetLiveness(ctx context.Context) (*HealthResponse, error) {
	return c.health(ctx, "/livez")
}

// GetReadiness checks if the service can serve traffic.
func (c *Client) GetReadiness(ctx context.Context) (*HealthResponse, error) {
	return c.health(ctx, "/readyz")
}

func (c *Client) health(ctx context.Context, path string) (*HealthResponse, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, c.BaseURL+path, "")
	if err != nil {
		return nil, err
	}
	var health HealthResponse
	if err := decodeJSON(resp, &health, http.StatusOK); err != nil {
		return nil, err
	}
	return &health, nil
}

// Discovery fetches the realm's OpenID provider metadata.
func (c *Client) Discovery(ctx context.Context) (*Discovery, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, c.IssuerURL()+"/.well-known/openid-configuration", "")
	if err != nil {
		return nil, err
	}
	var d Discovery
	if err := decodeJSON(resp, &d, http.StatusOK); err != nil {
		return nil, err
	}
	return &d, nil
}

// JWKS fetches the realm's published verification keys.
func (c *Client) JWKS(ctx context.Context) (*JWKS, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, c.protocolURL("certs"), "")
	if err != nil {
		return nil, err
	}
	var set JWKS
	if err := decodeJSON(resp, &set, http.StatusOK); err != nil {
		return nil, err
	}
	return &set, nil
}
