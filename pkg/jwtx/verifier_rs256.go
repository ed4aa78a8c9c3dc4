package jwtx

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMalformed  = errors.New("jwtx: malformed token")
	ErrUnknownKID = errors.New("jwtx: unknown kid")
	ErrInvalidSig = errors.New("jwtx: invalid signature")
	ErrIssuer     = errors.New("jwtx: issuer mismatch")
	ErrAudience   = errors.New("jwtx: audience mismatch")
	ErrExpired    = errors.New("jwtx: token expired")
	ErrInvalid    = errors.New("jwtx: invalid token")
)

// VerifyOptions describes what a token must satisfy.
type VerifyOptions struct {
	// Issuer the token must carry. Empty skips the check.
	Issuer string

	// Audience the token must contain. Empty skips the check.
	Audience string

	// Now is the clock used for exp/nbf/iat. Defaults to time.Now.
	Now func() time.Time

	Leeway time.Duration

	// AllowExpired skips time based validation, used for id_token_hint.
	AllowExpired bool
}

// RS256Verifier validates RS256 JWTs against a KeySet.
type RS256Verifier struct {
	keys *KeySet
	opts VerifyOptions
}

func NewVerifierRS256(keys *KeySet, opts VerifyOptions) *RS256Verifier {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &RS256Verifier{keys: keys, opts: opts}
}

// Verify checks signature and registered claims, decoding into claims.
// Errors wrap one of the package sentinels.
func (v *RS256Verifier) Verify(token string, claims jwt.Claims) error {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(v.opts.Now),
		jwt.WithLeeway(v.opts.Leeway),
	}
	if v.opts.AllowExpired {
		parserOpts = append(parserOpts, jwt.WithoutClaimsValidation())
	} else {
		parserOpts = append(parserOpts, jwt.WithExpirationRequired(), jwt.WithIssuedAt())
		if v.opts.Issuer != "" {
			parserOpts = append(parserOpts, jwt.WithIssuer(v.opts.Issuer))
		}
		if v.opts.Audience != "" {
			parserOpts = append(parserOpts, jwt.WithAudience(v.opts.Audience))
		}
	}

	_, err := jwt.NewParser(parserOpts...).ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: missing kid", ErrUnknownKID)
		}
		pub, err := v.keys.Get(kid)
		if err != nil {
			return nil, fmt.Errorf("%w %q", ErrUnknownKID, kid)
		}
		return pub, nil
	})
	if err != nil {
		return classify(err)
	}

	// Claims validation is off when expired tokens are allowed, but the
	// issuer still has to match.
	if v.opts.AllowExpired && v.opts.Issuer != "" {
		iss, err := claims.GetIssuer()
		if err != nil || iss != v.opts.Issuer {
			return ErrIssuer
		}
	}
	return nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, ErrUnknownKID):
		return err
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", ErrInvalidSig, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return fmt.Errorf("%w: %v", ErrIssuer, err)
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return fmt.Errorf("%w: %v", ErrAudience, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
}
