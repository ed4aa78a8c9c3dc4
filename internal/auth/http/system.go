package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/aussiebroadwan/authme/internal/auth/domain"
	"github.com/aussiebroadwan/authme/internal/auth/service"
	"github.com/aussiebroadwan/authme/pkg/authsdk"
	"github.com/aussiebroadwan/authme/pkg/httpx"
)

// ReadyCheck reports whether a dependency can serve traffic.
type ReadyCheck func(ctx context.Context) error

func (rt *Router) handleLivez(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, authsdk.HealthResponse{
		Status:  "ok",
		Uptime:  time.Since(rt.startTime).Round(time.Second).String(),
		Version: rt.buildVersion,
	})
}

func (rt *Router) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := authsdk.HealthResponse{
		Status:  "ok",
		Uptime:  time.Since(rt.startTime).Round(time.Second).String(),
		Version: rt.buildVersion,
		Checks:  map[string]string{},
	}
	status := http.StatusOK

	checks := map[string]ReadyCheck{"database": rt.store.Ping}
	for name, check := range rt.ReadyChecks {
		checks[name] = check
	}
	for name, check := range checks {
		if err := check(ctx); err != nil {
			resp.Checks[name] = "error: " + err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	httpx.WriteJSON(w, status, resp)
}

func (rt *Router) handleJWKS(w http.ResponseWriter, r *http.Request) {
	realm, ok := rt.realm(w, r)
	if !ok {
		return
	}
	set, err := rt.Keys.JWKS(r.Context(), realm)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.Header().Set("Content-Type", "application/json")
	writeJSONBody(w, set)
}

func (rt *Router) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	realm, ok := rt.realm(w, r)
	if !ok {
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.Header().Set("Content-Type", "application/json")
	writeJSONBody(w, rt.discovery(realm))
}

func (rt *Router) discovery(realm domain.Realm) authsdk.Discovery {
	issuer := rt.Keys.Issuer(realm)
	oidc := issuer + "/protocol/openid-connect"
	return authsdk.Discovery{
		Issuer:                      issuer,
		AuthorizationEndpoint:       oidc + "/auth",
		TokenEndpoint:               oidc + "/token",
		IntrospectionEndpoint:       oidc + "/token/introspect",
		RevocationEndpoint:          oidc + "/revoke",
		UserInfoEndpoint:            oidc + "/userinfo",
		EndSessionEndpoint:          oidc + "/logout",
		DeviceAuthorizationEndpoint: oidc + "/auth/device",
		JWKSURI:                     oidc + "/certs",
		GrantTypesSupported: []string{
			domain.GrantAuthorizationCode, domain.GrantRefreshToken, domain.GrantClientCredentials,
			domain.GrantPassword, domain.GrantDeviceCode,
		},
		ResponseTypesSupported:            []string{"code"},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{"RS256"},
		ScopesSupported:                   []string{service.ScopeOpenID, service.ScopeProfile, service.ScopeEmail, service.ScopeRealmAdmin},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
		CodeChallengeMethodsSupported:     []string{service.PKCEMethodS256},
		ClaimsSupported: []string{
			"sub", "iss", "aud", "exp", "iat", "auth_time", "nonce", "sid",
			"preferred_username", "name", "given_name", "family_name", "email", "email_verified",
		},
		BackchannelLogoutSupported:        true,
		BackchannelLogoutSessionSupported: true,
	}
}

// writeJSONBody writes a cacheable 200 response. The headers are set by
// the caller.
func writeJSONBody(w http.ResponseWriter, v any) {
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
