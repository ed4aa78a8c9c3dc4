package http

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aussiebroadwan/authme/internal/auth/domain"
	"github.com/aussiebroadwan/authme/internal/auth/service"
	"github.com/aussiebroadwan/authme/internal/auth/store"
	"github.com/aussiebroadwan/authme/pkg/authsdk"
	"github.com/aussiebroadwan/authme/pkg/httpx"
)

var errRealmNotFound = service.ErrNotFound.WithDescription("realm not found")

// realm resolves the {realm} path value. Unknown and disabled realms are
// written as 404 and reported as false.
func (rt *Router) realm(w http.ResponseWriter, r *http.Request) (domain.Realm, bool) {
	name := r.PathValue("realm")
	realm, err := rt.store.Realms().GetRealmByName(r.Context(), name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, r, errRealmNotFound)
		} else {
			writeError(w, r, err)
		}
		return domain.Realm{}, false
	}
	if !realm.Enabled {
		writeError(w, r, errRealmNotFound)
		return domain.Realm{}, false
	}
	return realm, true
}

// parseForm accepts an url-encoded body, or none at all.
func parseForm(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodPost {
		if ct := r.Header.Get("Content-Type"); ct != "" &&
			!strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
			authsdk.ErrInvalidContentType.WriteError(w)
			return false
		}
	}
	if err := r.ParseForm(); err != nil {
		authsdk.ErrInvalidRequest.WithDescription("malformed form body").WriteError(w)
		return false
	}
	return true
}

// clientCredentials reads HTTP Basic (form-encoded per RFC 6749 section
// 2.3.1) or falls back to client_id and client_secret form fields.
func clientCredentials(r *http.Request) service.ClientCredentials {
	if id, secret, ok := r.BasicAuth(); ok {
		if uid, err := url.QueryUnescape(id); err == nil {
			id = uid
		}
		if usecret, err := url.QueryUnescape(secret); err == nil {
			secret = usecret
		}
		return service.ClientCredentials{ClientID: id, ClientSecret: secret}
	}
	return service.ClientCredentials{
		ClientID:     strings.TrimSpace(r.Form.Get("client_id")),
		ClientSecret: r.Form.Get("client_secret"),
	}
}

// authRequest reads the authorization parameters from the query and, for
// POST, the body.
func authRequest(r *http.Request) service.AuthRequest {
	return service.AuthRequest{
		ResponseType:        strings.TrimSpace(r.Form.Get("response_type")),
		ClientID:            strings.TrimSpace(r.Form.Get("client_id")),
		RedirectURI:         strings.TrimSpace(r.Form.Get("redirect_uri")),
		Scope:               httpx.ParseSpaceDelimitedFields(r.Form.Get("scope")),
		State:               r.Form.Get("state"),
		Nonce:               r.Form.Get("nonce"),
		CodeChallenge:       strings.TrimSpace(r.Form.Get("code_challenge")),
		CodeChallengeMethod: strings.TrimSpace(r.Form.Get("code_challenge_method")),
	}
}

func cookiePath(realm domain.Realm) string {
	return "/realms/" + realm.Name + "/"
}

// setIdentityCookie starts the browser login session.
func (rt *Router) setIdentityCookie(w http.ResponseWriter, r *http.Request, realm domain.Realm, session domain.Session) error {
	value, err := rt.Identity.Issue(r.Context(), realm, session)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     service.IdentityCookieName,
		Value:    value,
		Path:     cookiePath(realm),
		MaxAge:   int(realm.RefreshTokenTTL / time.Second),
		HttpOnly: true,
		Secure:   rt.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func clearIdentityCookie(w http.ResponseWriter, realm domain.Realm) {
	http.SetCookie(w, &http.Cookie{
		Name:     service.IdentityCookieName,
		Value:    "",
		Path:     cookiePath(realm),
		MaxAge:   -1,
		HttpOnly: true,
	})
}

// loginSession resolves the identity cookie. Any failure is nil.
func (rt *Router) loginSession(r *http.Request, realm domain.Realm) (*domain.User, *domain.Session) {
	c, err := r.Cookie(service.IdentityCookieName)
	if err != nil {
		return nil, nil
	}
	user, session, err := rt.Identity.ValidateLoginSession(r.Context(), realm, c.Value)
	if err != nil {
		return nil, nil
	}
	return user, session
}
