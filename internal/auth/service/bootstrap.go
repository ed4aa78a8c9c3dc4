package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/authme/internal/auth/domain"
	"github.com/aussiebroadwan/authme/internal/auth/store"
	"github.com/aussiebroadwan/authme/pkg/idx"
	"github.com/aussiebroadwan/authme/pkg/slogx"
)

// ScopeRealmAdmin grants access to the admin API of the token's realm.
const ScopeRealmAdmin = "realm-admin"

// BootstrapConfig describes the objects created on first start. Client and
// admin are optional and skipped when their credentials are empty.
type BootstrapConfig struct {
	Realm           string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	ClientID     string
	ClientSecret string
	RedirectURIs []string

	AdminUsername string
	AdminPassword string
}

// BootstrapService seeds the default realm. Every step checks for an
// existing row first, so running it on every start is safe.
type BootstrapService struct {
	Store       store.Store
	Credentials CredentialVerifier
	Now         func() time.Time
}

// Bootstrap returns the default realm, creating what is missing.
func (s *BootstrapService) Bootstrap(ctx context.Context, cfg BootstrapConfig) (domain.Realm, error) {
	l := slogx.FromContext(ctx)
	now := s.Now()

	realm, err := s.Store.Realms().GetRealmByName(ctx, cfg.Realm)
	switch {
	case errors.Is(err, store.ErrNotFound):
		realm = DefaultRealm(cfg.Realm, now)
		if cfg.AccessTokenTTL > 0 {
			realm.AccessTokenTTL = cfg.AccessTokenTTL
		}
		if cfg.RefreshTokenTTL > 0 {
			realm.RefreshTokenTTL = cfg.RefreshTokenTTL
		}
		if err := s.Store.Realms().CreateRealm(ctx, realm); err != nil {
			return domain.Realm{}, fmt.Errorf("create realm: %w", err)
		}
		l.Info("realm created", slog.String("realm", realm.Name))
	case err != nil:
		return domain.Realm{}, fmt.Errorf("load realm: %w", err)
	}

	if cfg.ClientID != "" && cfg.ClientSecret != "" {
		if err := s.ensureClient(ctx, realm, cfg, now); err != nil {
			return domain.Realm{}, err
		}
	}
	if cfg.AdminUsername != "" && cfg.AdminPassword != "" {
		if err := s.ensureAdmin(ctx, realm, cfg, now); err != nil {
			return domain.Realm{}, err
		}
	}
	return realm, nil
}

// DefaultRealm returns a realm with brute force protection on.
func DefaultRealm(name string, now time.Time) domain.Realm {
	return domain.Realm{
		ID:              idx.NewAt(now).String(),
		Name:            name,
		DisplayName:     name,
		Enabled:         true,
		AccessTokenTTL:  DefaultAccessTokenTTL,
		RefreshTokenTTL: DefaultRefreshTokenTTL,
		BruteForce: domain.BruteForcePolicy{
			Enabled:          true,
			MaxLoginFailures: 5,
			LockoutDuration:  15 * time.Minute,
			FailureResetTime: 12 * time.Hour,
		},
		CreatedAt: now,
	}
}

func (s *BootstrapService) ensureClient(ctx context.Context, realm domain.Realm, cfg BootstrapConfig, now time.Time) error {
	_, err := s.Store.Clients().GetClientByClientID(ctx, realm.ID, cfg.ClientID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load bootstrap client: %w", err)
	}

	hash, err := s.Credentials.HashPassword(cfg.ClientSecret)
	if err != nil {
		return fmt.Errorf("hash client secret: %w", err)
	}
	err = s.Store.Clients().CreateClient(ctx, domain.Client{
		ID:                     idx.NewAt(now).String(),
		RealmID:                realm.ID,
		ClientID:               cfg.ClientID,
		Name:                   cfg.ClientID,
		SecretHash:             hash,
		Type:                   domain.ClientConfidential,
		Enabled:                true,
		RedirectURIs:           cfg.RedirectURIs,
		PostLogoutRedirectURIs: cfg.RedirectURIs,
		GrantTypes: []string{
			domain.GrantAuthorizationCode,
			domain.GrantRefreshToken,
			domain.GrantClientCredentials,
			domain.GrantPassword,
			domain.GrantDeviceCode,
		},
		Scopes:    []string{ScopeOpenID, ScopeProfile, ScopeEmail, ScopeRealmAdmin},
		CreatedAt: now,
	})
	if err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		return fmt.Errorf("create bootstrap client: %w", err)
	}
	slogx.FromContext(ctx).Info("bootstrap client created",
		slog.String("realm", realm.Name),
		slog.String("client_id", cfg.ClientID),
	)
	return nil
}

func (s *BootstrapService) ensureAdmin(ctx context.Context, realm domain.Realm, cfg BootstrapConfig, now time.Time) error {
	_, err := s.Store.Users().GetUserByUsername(ctx, realm.ID, cfg.AdminUsername)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load bootstrap admin: %w", err)
	}

	hash, err := s.Credentials.HashPassword(cfg.AdminPassword)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	id := idx.NewAt(now).String()
	err = s.Store.Users().CreateUser(ctx, domain.User{
		ID:           id,
		RealmID:      realm.ID,
		Username:     cfg.AdminUsername,
		PasswordHash: hash,
		Enabled:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		return fmt.Errorf("create bootstrap admin: %w", err)
	}
	slogx.FromContext(ctx).Info("bootstrap admin created",
		slog.String("realm", realm.Name),
		slog.String("user_id", id),
	)
	return nil
}
