package http

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/aussiebroadwan/authme/internal/auth/domain"
)

// handleLogout serves GET and POST .../logout. A refresh_token from an
// authenticated client ends its session; otherwise id_token_hint or the
// identity cookie names the session to end (RP-initiated logout). The
// browser is sent to post_logout_redirect_uri when the client registered
// it, else the answer is 204.
func (rt *Router) handleLogout(w http.ResponseWriter, r *http.Request) {
	realm, ok := rt.realm(w, r)
	if !ok || !parseForm(w, r) {
		return
	}
	ctx := r.Context()

	if refresh := strings.TrimSpace(r.PostForm.Get("refresh_token")); refresh != "" {
		client, err := rt.TokenService.AuthenticateClient(ctx, realm, clientCredentials(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := rt.TokenService.Logout(ctx, realm, client, refresh); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var audience []string
	if hint := strings.TrimSpace(r.Form.Get("id_token_hint")); hint != "" {
		claims, err := rt.TokenService.LogoutByIDToken(ctx, realm, hint)
		if err != nil {
			writeError(w, r, err)
			return
		}
		audience = claims.Audience
	} else if _, session := rt.loginSession(r, realm); session != nil {
		if err := rt.TokenService.RevokeSession(ctx, realm, session.ID); err != nil {
			writeError(w, r, err)
			return
		}
	}
	clearIdentityCookie(w, realm)

	if target := rt.postLogoutRedirect(r, realm, audience); target != "" {
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// postLogoutRedirect returns the validated redirect, or "" when there is
// none. Only the client the ID token was issued to can be returned to.
func (rt *Router) postLogoutRedirect(r *http.Request, realm domain.Realm, audience []string) string {
	uri := strings.TrimSpace(r.Form.Get("post_logout_redirect_uri"))
	if uri == "" || len(audience) == 0 {
		return ""
	}
	client, err := rt.store.Clients().GetClientByClientID(r.Context(), realm.ID, audience[0])
	if err != nil || !client.HasPostLogoutRedirectURI(uri) {
		return ""
	}
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	if state := r.Form.Get("state"); state != "" {
		q := u.Query()
		q.Set("state", state)
		u.RawQuery = q.Encode()
	}
	return u.String()
}
