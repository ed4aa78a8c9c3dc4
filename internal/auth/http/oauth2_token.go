package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/aussiebroadwan/authme/internal/auth/service"
	"github.com/aussiebroadwan/authme/pkg/authsdk"
	"github.com/aussiebroadwan/authme/pkg/httpx"
)

// handleToken serves POST .../token for every supported grant.
func (rt *Router) handleToken(w http.ResponseWriter, r *http.Request) {
	realm, ok := rt.realm(w, r)
	if !ok || !parseForm(w, r) {
		return
	}
	f := r.PostForm
	req := service.TokenRequest{
		GrantType:    strings.TrimSpace(f.Get("grant_type")),
		Code:         strings.TrimSpace(f.Get("code")),
		RedirectURI:  strings.TrimSpace(f.Get("redirect_uri")),
		CodeVerifier: strings.TrimSpace(f.Get("code_verifier")),
		RefreshToken: strings.TrimSpace(f.Get("refresh_token")),
		Scope:        httpx.ParseSpaceDelimitedFields(f.Get("scope")),
		Username:     f.Get("username"),
		Password:     f.Get("password"),
		OTP:          strings.TrimSpace(f.Get("totp")),
		DeviceCode:   strings.TrimSpace(f.Get("device_code")),
		IPAddress:    httpx.IPKeyExtractor(r),
	}

	pair, err := rt.TokenService.Token(r.Context(), realm, clientCredentials(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, authsdk.TokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    pair.TokenType,
		ExpiresIn:    int(pair.ExpiresIn.Seconds()),
		RefreshToken: pair.RefreshToken,
		IDToken:      pair.IDToken,
		Scope:        pair.Scope,
	})
}

// handleIntrospect serves RFC 7662 to authenticated clients. Every token
// problem is an inactive answer, never an error.
func (rt *Router) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	realm, ok := rt.realm(w, r)
	if !ok || !parseForm(w, r) {
		return
	}
	ctx := r.Context()
	if _, err := rt.TokenService.AuthenticateClient(ctx, realm, clientCredentials(r)); err != nil {
		writeError(w, r, err)
		return
	}
	token := r.PostForm.Get("token")
	if token == "" {
		authsdk.ErrInvalidRequest.WithDescription("token is required").WriteError(w)
		return
	}

	in := rt.TokenService.Introspect(ctx, realm, token)
	httpx.WriteJSON(w, http.StatusOK, authsdk.IntrospectionResponse{
		Active:    in.Active,
		TokenType: in.TokenType,
		Scope:     in.Scope,
		ClientID:  in.ClientID,
		Username:  in.Username,
		Sub:       in.Subject,
		SessionID: in.SessionID,
		Exp:       in.ExpiresAt,
		Iat:       in.IssuedAt,
		Iss:       in.Issuer,
	})
}

// handleRevoke serves RFC 7009. Unknown tokens succeed so the endpoint
// cannot be used to probe for valid ones.
func (rt *Router) handleRevoke(w http.ResponseWriter, r *http.Request) {
	realm, ok := rt.realm(w, r)
	if !ok || !parseForm(w, r) {
		return
	}
	ctx := r.Context()
	client, err := rt.TokenService.AuthenticateClient(ctx, realm, clientCredentials(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := rt.TokenService.Revoke(ctx, realm, client, r.PostForm.Get("token"), r.PostForm.Get("token_type_hint")); err != nil {
		writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, struct{}{})
}

// handleUserInfo serves GET and POST .../userinfo. The token comes from
// the Authorization header, or for POST from the access_token field.
func (rt *Router) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	realm, ok := rt.realm(w, r)
	if !ok {
		return
	}
	token, ok := httpx.BearerToken(r)
	if !ok && r.Method == http.MethodPost {
		if !parseForm(w, r) {
			return
		}
		token = r.PostForm.Get("access_token")
	}
	if token == "" {
		httpx.WriteBearerError(w, "missing access token")
		return
	}

	claims, err := rt.TokenService.UserInfo(r.Context(), realm, token)
	if err != nil {
		var perr *service.Error
		if errors.As(err, &perr) && perr.Code == authsdk.ErrorCodeInvalidToken {
			httpx.WriteBearerError(w, perr.Description)
			return
		}
		writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, claims)
}
