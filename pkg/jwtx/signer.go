package jwtx

import (
	"crypto/rsa"
	"errors"

	"github.com/aussiebroadwan/authme/pkg/cryptox"
	"github.com/golang-jwt/jwt/v5"
)

// Signer is anything that can sign JWTs and publish its verification key.
type Signer interface {
	Alg() string
	KID() string
	Sign(claims jwt.Claims) (string, error)
	PublicJWK() JWK
}

// RS256Signer signs with an RSA private key and stamps "kid" into the header.
type RS256Signer struct {
	kid string
	key *rsa.PrivateKey
}

// NewSignerRS256 wraps an already parsed key.
func NewSignerRS256(kid string, key *rsa.PrivateKey) (*RS256Signer, error) {
	if kid == "" {
		return nil, errors.New("jwtx: signer kid is empty")
	}
	if key == nil {
		return nil, errors.New("jwtx: nil RSA key")
	}
	return &RS256Signer{kid: kid, key: key}, nil
}

// NewSignerRS256FromPEM parses a PKCS#1 or PKCS#8 PEM key.
func NewSignerRS256FromPEM(kid string, pemKey []byte) (*RS256Signer, error) {
	key, err := cryptox.ParseRSAPrivateKeyPEM(pemKey)
	if err != nil {
		return nil, err
	}
	return NewSignerRS256(kid, key)
}

func (s *RS256Signer) Alg() string { return jwt.SigningMethodRS256.Alg() }
func (s *RS256Signer) KID() string { return s.kid }

// Sign serialises claims as a compact JWS.
func (s *RS256Signer) Sign(claims jwt.Claims) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	t.Header["kid"] = s.kid
	return t.SignedString(s.key)
}

// PublicJWK returns the verification key for publication in a JWKS.
func (s *RS256Signer) PublicJWK() JWK {
	return NewRSAJWK(s.kid, s.Alg(), &s.key.PublicKey)
}
