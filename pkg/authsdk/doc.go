// Package authsdk is the Go client and wire vocabulary of authme.
//
// The server uses the same types to render responses, so a field added here
// shows up on both sides. A Client is bound to one realm:
//
//	c := authsdk.NewClient("https://auth.example", "acme")
//	tok, err := c.PasswordGrant(ctx, authsdk.ClientAuth{ID: "cli", Secret: s}, "alice", pw, "", "openid")
//
// Errors returned by the server decode to *OAuth2Error, so callers can
// branch on the RFC 6749 code:
//
//	var oe *authsdk.OAuth2Error
//	if errors.As(err, &oe) && oe.Code == authsdk.ErrorCodeAuthorizationPending {
//		// keep polling
//	}
//
// Session wraps a token response for admin calls and refreshes the access
// token shortly before it expires.
package authsdk
