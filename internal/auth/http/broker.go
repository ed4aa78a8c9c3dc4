package http

import (
	"net/http"

	"github.com/aussiebroadwan/authme/pkg/httpx"
)

// handleBrokerLogin serves GET .../broker/{alias}/login. It takes the
// same parameters as the authorization endpoint and redirects upstream.
func (rt *Router) handleBrokerLogin(w http.ResponseWriter, r *http.Request) {
	realm, ok := rt.realm(w, r)
	if !ok || !parseForm(w, r) {
		return
	}
	req := authRequest(r)
	target, err := rt.BrokerService.InitiateLogin(r.Context(), realm, r.PathValue("alias"), req, httpx.IPKeyExtractor(r))
	if err != nil {
		rt.writeAuthorizeError(w, r, realm, req, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// handleBrokerCallback serves GET .../broker/{alias}/endpoint, where the
// upstream provider returns the user.
func (rt *Router) handleBrokerCallback(w http.ResponseWriter, r *http.Request) {
	realm, ok := rt.realm(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	res, err := rt.BrokerService.HandleCallback(r.Context(), realm, r.PathValue("alias"), q.Get("code"), q.Get("state"), q.Get("error"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := rt.setIdentityCookie(w, r, realm, res.Session); err != nil {
		writeError(w, r, err)
		return
	}
	http.Redirect(w, r, res.Authorize.RedirectURL, http.StatusFound)
}
