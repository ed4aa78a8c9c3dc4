package http

import (
	"net/http"
	"strings"

	"github.com/aussiebroadwan/authme/internal/auth/domain"
	"github.com/aussiebroadwan/authme/internal/auth/service"
	"github.com/aussiebroadwan/authme/pkg/authsdk"
	"github.com/aussiebroadwan/authme/pkg/httpx"
)

// handleDeviceAuthorization serves POST .../auth/device (RFC 8628 3.1).
func (rt *Router) handleDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
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
	auth, err := rt.DeviceService.InitiateDeviceAuth(ctx, realm, client, httpx.ParseSpaceDelimitedFields(r.PostForm.Get("scope")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, authsdk.DeviceAuthorizationResponse{
		DeviceCode:              auth.DeviceCode,
		UserCode:                auth.UserCode,
		VerificationURI:         auth.VerificationURI,
		VerificationURIComplete: auth.VerificationURIComplete,
		ExpiresIn:               int(auth.ExpiresIn.Seconds()),
		Interval:                int(auth.Interval.Seconds()),
	})
}

// handleDeviceLookup serves GET /realms/{realm}/device?user_code=...
func (rt *Router) handleDeviceLookup(w http.ResponseWriter, r *http.Request) {
	realm, ok := rt.realm(w, r)
	if !ok {
		return
	}
	dc, err := rt.DeviceService.LookupUserCode(r.Context(), realm, r.URL.Query().Get("user_code"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	client, err := rt.store.Clients().GetClientByID(r.Context(), realm.ID, dc.ClientID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, authsdk.DeviceVerification{
		UserCode:  dc.UserCode,
		ClientID:  client.ClientID,
		Scope:     strings.Join(dc.Scopes, " "),
		ExpiresAt: dc.ExpiresAt.Unix(),
	})
}

// handleDeviceVerify serves POST /realms/{realm}/device. The approving
// user is the identity cookie's, or whoever the posted credentials name.
func (rt *Router) handleDeviceVerify(w http.ResponseWriter, r *http.Request) {
	realm, ok := rt.realm(w, r)
	if !ok || !parseForm(w, r) {
		return
	}
	ctx := r.Context()
	f := r.PostForm

	user, err := rt.deviceUser(w, r, realm)
	if err != nil {
		writeError(w, r, err)
		return
	}

	userCode := f.Get("user_code")
	switch f.Get("action") {
	case "approve", "":
		err = rt.DeviceService.ApproveDevice(ctx, realm, userCode, user.ID)
	case "deny":
		err = rt.DeviceService.DenyDevice(ctx, realm, userCode)
	default:
		err = service.ErrInvalidRequest.WithDescription("action must be approve or deny")
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) deviceUser(w http.ResponseWriter, r *http.Request, realm domain.Realm) (domain.User, error) {
	if user, _ := rt.loginSession(r, realm); user != nil {
		return *user, nil
	}
	username := strings.TrimSpace(r.PostForm.Get("username"))
	if username == "" {
		return domain.User{}, service.ErrLoginRequired.WithDescription("user authentication required")
	}
	user, session, err := rt.TokenService.Login(r.Context(), realm, username, r.PostForm.Get("password"), r.PostForm.Get("totp"), httpx.IPKeyExtractor(r))
	if err != nil {
		return domain.User{}, err
	}
	if err := rt.setIdentityCookie(w, r, realm, session); err != nil {
		return domain.User{}, err
	}
	return user, nil
}
