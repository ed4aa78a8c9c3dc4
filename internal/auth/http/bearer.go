package http

import (
	"net/http"

	"github.com/aussiebroadwan/authme/pkg/httpx"
)

// verifyBearer checks an access token against the realm in the path, so a
// token of one realm is never accepted by another.
func (rt *Router) verifyBearer(r *http.Request, token string) (httpx.Principal, error) {
	ctx := r.Context()
	realm, err := rt.store.Realms().GetRealmByName(ctx, r.PathValue("realm"))
	if err != nil {
		return httpx.Principal{}, err
	}
	if !realm.Enabled {
		return httpx.Principal{}, errRealmNotFound
	}
	claims, err := rt.TokenService.VerifyAccessToken(ctx, realm, token)
	if err != nil {
		return httpx.Principal{}, err
	}
	return httpx.Principal{
		Subject:   claims.Subject,
		ClientID:  claims.AuthorizedParty,
		SessionID: claims.SessionID,
		Scopes:    claims.Scopes(),
	}, nil
}
