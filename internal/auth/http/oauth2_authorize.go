package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/aussiebroadwan/authme/internal/auth/domain"
	"github.com/aussiebroadwan/authme/internal/auth/service"
	"github.com/aussiebroadwan/authme/pkg/httpx"
)

// handleAuthorize serves GET .../auth. A valid identity cookie yields a
// code at once; kc_idp_hint hands the login to a broker provider;
// prompt=none without a session reports login_required to the client.
func (rt *Router) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	realm, ok := rt.realm(w, r)
	if !ok || !parseForm(w, r) {
		return
	}
	req := authRequest(r)

	if alias := strings.TrimSpace(r.Form.Get("kc_idp_hint")); alias != "" {
		target, err := rt.BrokerService.InitiateLogin(r.Context(), realm, alias, req, httpx.IPKeyExtractor(r))
		if err != nil {
			rt.writeAuthorizeError(w, r, realm, req, err)
			return
		}
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	if user, session := rt.loginSession(r, realm); user != nil {
		rt.issueCode(w, r, realm, *user, *session, req)
		return
	}

	if _, err := rt.AuthorizeService.ValidateAuthRequest(r.Context(), realm, req); err != nil {
		rt.writeAuthorizeError(w, r, realm, req, err)
		return
	}
	err := service.ErrLoginRequired.WithDescription("user authentication required")
	if r.Form.Get("prompt") == "none" {
		rt.writeAuthorizeError(w, r, realm, req, err)
		return
	}
	writeError(w, r, err)
}

// handleDirectLogin serves POST .../auth with username, password and an
// optional totp. Success opens a login session and redirects with a code.
// Without credentials an existing identity cookie is used.
func (rt *Router) handleDirectLogin(w http.ResponseWriter, r *http.Request) {
	realm, ok := rt.realm(w, r)
	if !ok || !parseForm(w, r) {
		return
	}
	req := authRequest(r)
	ctx := r.Context()

	if _, err := rt.AuthorizeService.ValidateAuthRequest(ctx, realm, req); err != nil {
		rt.writeAuthorizeError(w, r, realm, req, err)
		return
	}

	username := strings.TrimSpace(r.PostForm.Get("username"))
	if username == "" {
		if user, session := rt.loginSession(r, realm); user != nil {
			rt.issueCode(w, r, realm, *user, *session, req)
			return
		}
		writeError(w, r, service.ErrLoginRequired.WithDescription("user authentication required"))
		return
	}

	user, session, err := rt.TokenService.Login(ctx, realm, username, r.PostForm.Get("password"), r.PostForm.Get("totp"), httpx.IPKeyExtractor(r))
	if err != nil {
		// Bad credentials are answered here, not at the client.
		writeError(w, r, err)
		return
	}
	if err := rt.setIdentityCookie(w, r, realm, session); err != nil {
		writeError(w, r, err)
		return
	}
	rt.issueCode(w, r, realm, user, session, req)
}

func (rt *Router) issueCode(w http.ResponseWriter, r *http.Request, realm domain.Realm, user domain.User, session domain.Session, req service.AuthRequest) {
	res, err := rt.AuthorizeService.AuthorizeWithUser(r.Context(), realm, user, session, req)
	if err != nil {
		rt.writeAuthorizeError(w, r, realm, req, err)
		return
	}
	http.Redirect(w, r, res.RedirectURL, http.StatusFound)
}

// writeAuthorizeError redirects protocol errors to the client once its
// redirect URI is known to be registered. Otherwise the user agent gets
// the error directly so an attacker cannot use us as an open redirector.
func (rt *Router) writeAuthorizeError(w http.ResponseWriter, r *http.Request, realm domain.Realm, req service.AuthRequest, err error) {
	var perr *service.Error
	if !errors.As(err, &perr) || perr.Kind == service.KindNotFound || !rt.redirectable(r, realm, req) {
		writeError(w, r, err)
		return
	}
	target, rerr := service.ErrorRedirect(req.RedirectURI, req.State, perr)
	if rerr != nil {
		writeError(w, r, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (rt *Router) redirectable(r *http.Request, realm domain.Realm, req service.AuthRequest) bool {
	if req.ClientID == "" || req.RedirectURI == "" {
		return false
	}
	client, err := rt.store.Clients().GetClientByClientID(r.Context(), realm.ID, req.ClientID)
	if err != nil || !client.Enabled {
		return false
	}
	return client.HasRedirectURI(req.RedirectURI)
}
