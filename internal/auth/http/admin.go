package http

import (
	"log/slog"
	"net/http"

	"github.com/aussiebroadwan/authme/internal/auth/domain"
	"github.com/aussiebroadwan/authme/pkg/authsdk"
	"github.com/aussiebroadwan/authme/pkg/httpx"
	"github.com/aussiebroadwan/authme/pkg/slogx"
)

// handleLockedUsers lists users currently locked by brute force detection.
func (rt *Router) handleLockedUsers(w http.ResponseWriter, r *http.Request) {
	realm, ok := rt.realm(w, r)
	if !ok {
		return
	}
	users, err := rt.BruteForce.GetLockedUsers(r.Context(), realm)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := authsdk.LockedUsersResponse{Users: make([]authsdk.LockedUser, 0, len(users))}
	for _, u := range users {
		lu := authsdk.LockedUser{
			UserID:   u.ID,
			Username: u.Username,
			Disabled: !u.Enabled,
		}
		if u.LockedUntil != nil {
			lu.LockedUntil = u.LockedUntil.Unix()
			lu.Permanent = !u.Enabled && u.LockedUntil.Equal(domain.PermanentLockUntil)
		}
		out.Users = append(out.Users, lu)
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

// handleUnlockUser clears a user's failures and lock. Permanently disabled
// accounts stay disabled.
func (rt *Router) handleUnlockUser(w http.ResponseWriter, r *http.Request) {
	realm, ok := rt.realm(w, r)
	if !ok {
		return
	}
	userID := r.PathValue("userID")
	if err := rt.BruteForce.UnlockUser(r.Context(), realm, userID); err != nil {
		writeError(w, r, err)
		return
	}
	p, _ := httpx.PrincipalFromContext(r.Context())
	slogx.FromContext(r.Context()).Info("user unlocked",
		slog.String("realm", realm.Name),
		slog.String("user_id", userID),
		slog.String("admin", p.Subject),
	)
	w.WriteHeader(http.StatusNoContent)
}

// handleRevokeSession ends a session and its refresh tokens.
func (rt *Router) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	realm, ok := rt.realm(w, r)
	if !ok {
		return
	}
	if err := rt.TokenService.RevokeSession(r.Context(), realm, r.PathValue("sessionID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRotateKeys activates a fresh signing key. Earlier keys keep
// verifying until the overlap passes.
func (rt *Router) handleRotateKeys(w http.ResponseWriter, r *http.Request) {
	realm, ok := rt.realm(w, r)
	if !ok {
		return
	}
	kid, err := rt.Keys.Rotate(r.Context(), realm)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, authsdk.RotateKeyResponse{Kid: kid})
}
