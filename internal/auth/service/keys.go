package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aussiebroadwan/authme/internal/auth/domain"
	"github.com/aussiebroadwan/authme/internal/auth/store"
	"github.com/aussiebroadwan/authme/pkg/cachex"
	"github.com/aussiebroadwan/authme/pkg/cryptox"
	"github.com/aussiebroadwan/authme/pkg/idx"
	"github.com/aussiebroadwan/authme/pkg/jwtx"
	"github.com/aussiebroadwan/authme/pkg/slogx"
	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultKeyCacheTTL = 5 * time.Minute
	DefaultKeyOverlap  = 24 * time.Hour

	// unknownKidMinAge keeps a flood of tokens with a bogus kid from
	// reloading the ring on every request.
	unknownKidMinAge = 10 * time.Second
)

// keyRing is the cached signing state of one realm.
type keyRing struct {
	signer *jwtx.RS256Signer
	keys   *jwtx.KeySet
}

// KeyService owns the per-realm RSA signing keys. Private keys are stored
// sealed; decrypted rings are cached per {realm ID, issuer}.
type KeyService struct {
	Store     store.Store
	Sealer    *cryptox.Sealer
	PublicURL string
	RSABits   int
	Overlap   time.Duration
	Now       func() time.Time
	Metrics   *Metrics
	Logger    *slog.Logger

	cache *cachex.Cache[*keyRing]
}

// NewKeyService wires the key ring cache. A nil now uses time.Now.
func NewKeyService(st store.Store, sealer *cryptox.Sealer, publicURL string, cacheTTL time.Duration, now func() time.Time) *KeyService {
	if now == nil {
		now = time.Now
	}
	if cacheTTL <= 0 {
		cacheTTL = DefaultKeyCacheTTL
	}
	s := &KeyService{
		Store:     st,
		Sealer:    sealer,
		PublicURL: strings.TrimRight(publicURL, "/"),
		RSABits:   cryptox.MinRSABits,
		Overlap:   DefaultKeyOverlap,
		Now:       now,
		Logger:    slog.Default(),
	}
	s.cache = cachex.New(cacheTTL, now, s.loadRing)
	s.cache.OnStaleError = func(key cachex.Key, err error) {
		s.Logger.Warn("serving stale signing keys",
			slog.String("realm_id", key.Tenant),
			slog.Any("error", err),
		)
	}
	return s
}

// Issuer is the iss of every token minted for realm.
func (s *KeyService) Issuer(realm domain.Realm) string {
	return s.PublicURL + "/realms/" + realm.Name
}

func (s *KeyService) cacheKey(realm domain.Realm) cachex.Key {
	return cachex.Key{Tenant: realm.ID, Issuer: s.Issuer(realm)}
}

// Sign stamps claims with the realm issuer and lifetime and signs them with
// the newest active key.
func (s *KeyService) Sign(ctx context.Context, realm domain.Realm, claims jwtx.Stampable, ttl time.Duration) (string, error) {
	ring, err := s.cache.Get(ctx, s.cacheKey(realm))
	if err != nil {
		return "", fmt.Errorf("load signing keys: %w", err)
	}
	claims.Stamp(s.Issuer(realm), s.Now(), ttl)
	return ring.signer.Sign(claims)
}

// VerifyOptions narrows Verify beyond signature, issuer and expiry.
type VerifyOptions struct {
	Audience     string
	AllowExpired bool
}

// Verify checks token against the realm's verifiable keys and decodes it into
// claims. Every failure is ErrInvalidToken wrapping the jwtx reason.
func (s *KeyService) Verify(ctx context.Context, realm domain.Realm, token string, claims jwt.Claims, opts VerifyOptions) error {
	key := s.cacheKey(realm)
	ring, err := s.cache.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("load signing keys: %w", err)
	}

	verify := func(r *keyRing) error {
		return jwtx.NewVerifierRS256(r.keys, jwtx.VerifyOptions{
			Issuer:       key.Issuer,
			Audience:     opts.Audience,
			Now:          s.Now,
			AllowExpired: opts.AllowExpired,
		}).Verify(token, claims)
	}

	err = verify(ring)
	if errors.Is(err, jwtx.ErrUnknownKID) {
		// Possibly rotated by another instance.
		if ring, rerr := s.cache.Refresh(ctx, key, unknownKidMinAge); rerr == nil {
			err = verify(ring)
		}
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return nil
}

// JWKS returns the public half of every verifiable key, newest first.
func (s *KeyService) JWKS(ctx context.Context, realm domain.Realm) (jwtx.JWKS, error) {
	ring, err := s.cache.Get(ctx, s.cacheKey(realm))
	if err != nil {
		return jwtx.JWKS{}, fmt.Errorf("load signing keys: %w", err)
	}
	return ring.keys.JWKS(), nil
}

// PublicJWK returns the JWK for kid.
func (s *KeyService) PublicJWK(ctx context.Context, realm domain.Realm, kid string) (jwtx.JWK, error) {
	set, err := s.JWKS(ctx, realm)
	if err != nil {
		return jwtx.JWK{}, err
	}
	for _, k := range set.Keys {
		if k.Kid == kid {
			return k, nil
		}
	}
	return jwtx.JWK{}, ErrNotFound.Withf("no key %q in realm %s", kid, realm.Name)
}

// Rotate creates a new active key and retires the previous ones, which keep
// verifying for Overlap. Returns the new kid.
func (s *KeyService) Rotate(ctx context.Context, realm domain.Realm) (string, error) {
	now := s.Now()

	var kid string
	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.SigningKeys().RetireActiveSigningKeys(ctx, realm.ID, now, now.Add(s.Overlap)); err != nil {
			return fmt.Errorf("retire signing keys: %w", err)
		}
		key, err := s.newKey(realm.ID, now)
		if err != nil {
			return err
		}
		if err := tx.SigningKeys().CreateSigningKey(ctx, key); err != nil {
			return fmt.Errorf("create signing key: %w", err)
		}
		kid = key.Kid
		return nil
	})
	if err != nil {
		return "", err
	}

	s.cache.Invalidate(s.cacheKey(realm))
	s.Metrics.keyRotated()
	slogx.FromContext(ctx).Info("signing key rotated",
		slog.String("realm", realm.Name),
		slog.String("kid", kid),
	)
	return kid, nil
}

func (s *KeyService) newKey(realmID string, now time.Time) (domain.SigningKey, error) {
	bits := s.RSABits
	if bits < cryptox.MinRSABits {
		bits = cryptox.MinRSABits
	}
	pemKey, err := cryptox.GenerateRSAKey(bits)
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("generate rsa key: %w", err)
	}
	sealed, err := s.Sealer.Seal(pemKey)
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("seal rsa key: %w", err)
	}
	return domain.SigningKey{
		ID:                  idx.NewAt(now).String(),
		RealmID:             realmID,
		Kid:                 idx.NewAt(now).String(),
		Algorithm:           jwt.SigningMethodRS256.Alg(),
		PrivateKeyEncrypted: sealed,
		CreatedAt:           now,
	}, nil
}

// loadRing builds the ring from the store, generating the first key of a
// realm on demand.
func (s *KeyService) loadRing(ctx context.Context, key cachex.Key) (*keyRing, error) {
	now := s.Now()
	keys, err := s.Store.SigningKeys().ListVerifiableSigningKeys(ctx, key.Tenant, now)
	if err != nil {
		return nil, fmt.Errorf("list signing keys: %w", err)
	}

	if !hasActive(keys) {
		k, err := s.newKey(key.Tenant, now)
		if err != nil {
			return nil, err
		}
		if err := s.Store.SigningKeys().CreateSigningKey(ctx, k); err != nil {
			return nil, fmt.Errorf("create signing key: %w", err)
		}
		s.Metrics.keyRotated()
		keys = append([]domain.SigningKey{k}, keys...)
	}

	ring := &keyRing{keys: jwtx.NewKeySet()}
	for _, k := range keys {
		pemKey, err := s.Sealer.Open(k.PrivateKeyEncrypted)
		if err != nil {
			return nil, fmt.Errorf("open signing key %s: %w", k.Kid, err)
		}
		signer, err := jwtx.NewSignerRS256FromPEM(k.Kid, pemKey)
		if err != nil {
			return nil, fmt.Errorf("parse signing key %s: %w", k.Kid, err)
		}
		if err := ring.keys.AddSigner(signer); err != nil {
			return nil, err
		}
		// Newest first, so the first active key signs.
		if ring.signer == nil && k.IsActive() {
			ring.signer = signer
		}
	}
	return ring, nil
}

func hasActive(keys []domain.SigningKey) bool {
	for i := range keys {
		if keys[i].IsActive() {
			return true
		}
	}
	return false
}
