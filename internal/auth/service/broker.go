package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aussiebroadwan/authme/internal/auth/domain"
	"github.com/aussiebroadwan/authme/internal/auth/store"
	"github.com/aussiebroadwan/authme/pkg/cachex"
	"github.com/aussiebroadwan/authme/pkg/cryptox"
	"github.com/aussiebroadwan/authme/pkg/idx"
	"github.com/aussiebroadwan/authme/pkg/jwtx"
	"github.com/aussiebroadwan/authme/pkg/slogx"
	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

const (
	brokerStateTTL      = 10 * time.Minute
	brokerStateAudience = "authme-broker"
	brokerStateType     = "BrokerState"

	DefaultProviderCacheTTL = time.Hour
)

// brokerState travels through the upstream provider as the OAuth2 state
// parameter. Its jti doubles as the upstream nonce.
type brokerState struct {
	jwtx.Base

	Realm               string   `json:"realm"`
	Alias               string   `json:"alias"`
	ClientID            string   `json:"client_id"`
	RedirectURI         string   `json:"redirect_uri"`
	Scope               []string `json:"scope,omitempty"`
	State               string   `json:"state,omitempty"`
	Nonce               string   `json:"nonce,omitempty"`
	CodeChallenge       string   `json:"code_challenge,omitempty"`
	CodeChallengeMethod string   `json:"code_challenge_method,omitempty"`
	SessionIP           string   `json:"session_ip,omitempty"`
}

func (s *brokerState) authRequest() AuthRequest {
	return AuthRequest{
		ResponseType:        "code",
		ClientID:            s.ClientID,
		RedirectURI:         s.RedirectURI,
		Scope:               s.Scope,
		State:               s.State,
		Nonce:               s.Nonce,
		CodeChallenge:       s.CodeChallenge,
		CodeChallengeMethod: s.CodeChallengeMethod,
	}
}

// externalProfile is what the upstream provider told us about the user.
type externalProfile struct {
	Subject       string `json:"sub"`
	Username      string `json:"preferred_username"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
}

// merge fills empty fields of p from o.
func (p *externalProfile) merge(o externalProfile) {
	if p.Username == "" {
		p.Username = o.Username
	}
	if p.Email == "" {
		p.Email = o.Email
		p.EmailVerified = o.EmailVerified
	}
	if p.GivenName == "" {
		p.GivenName = o.GivenName
	}
	if p.FamilyName == "" {
		p.FamilyName = o.FamilyName
	}
}

// BrokerResult is a completed federated login.
type BrokerResult struct {
	Authorize *AuthorizeResult
	User      domain.User
	Session   domain.Session
}

// BrokerService logs users in through external OIDC or plain OAuth2
// providers and links them to local accounts.
type BrokerService struct {
	Store      store.Store
	Keys       *KeyService
	Authorize  *AuthorizeService
	Sealer     *cryptox.Sealer
	HTTPClient *http.Client
	Now        func() time.Time
	Metrics    *Metrics

	providers *cachex.Cache[*oidc.Provider]
}

func NewBrokerService(st store.Store, keys *KeyService, authz *AuthorizeService, sealer *cryptox.Sealer, now func() time.Time) *BrokerService {
	if now == nil {
		now = time.Now
	}
	s := &BrokerService{
		Store:      st,
		Keys:       keys,
		Authorize:  authz,
		Sealer:     sealer,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		Now:        now,
	}
	s.providers = cachex.New(DefaultProviderCacheTTL, now, s.discover)
	return s
}

func (s *BrokerService) clientContext(ctx context.Context) context.Context {
	return oidc.ClientContext(ctx, s.HTTPClient)
}

func (s *BrokerService) discover(ctx context.Context, key cachex.Key) (*oidc.Provider, error) {
	p, err := oidc.NewProvider(s.clientContext(ctx), key.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", key.Issuer, err)
	}
	return p, nil
}

// CallbackURL is the redirect_uri registered at the upstream provider.
func (s *BrokerService) CallbackURL(realm domain.Realm, alias string) string {
	return s.Keys.PublicURL + "/realms/" + realm.Name + "/broker/" + alias + "/endpoint"
}

func (s *BrokerService) provider(ctx context.Context, realm domain.Realm, alias string) (domain.IdentityProvider, error) {
	idp, err := s.Store.IdentityProviders().GetIdentityProviderByAlias(ctx, realm.ID, alias)
	if err != nil {
		return domain.IdentityProvider{}, notFoundAs(err, ErrNotFound.Withf("identity provider %q not found", alias))
	}
	if !idp.Enabled {
		return domain.IdentityProvider{}, ErrNotFound.Withf("identity provider %q not found", alias)
	}
	return idp, nil
}

// oauthConfig builds the upstream client config. Discovered providers are
// returned too so the caller can verify ID tokens.
func (s *BrokerService) oauthConfig(ctx context.Context, realm domain.Realm, idp domain.IdentityProvider) (*oauth2.Config, *oidc.Provider, error) {
	secret := ""
	if len(idp.ClientSecretEncrypted) > 0 {
		plain, err := s.Sealer.Open(idp.ClientSecretEncrypted)
		if err != nil {
			return nil, nil, fmt.Errorf("open client secret of %s: %w", idp.Alias, err)
		}
		secret = string(plain)
	}

	cfg := &oauth2.Config{
		ClientID:     idp.ClientID,
		ClientSecret: secret,
		RedirectURL:  s.CallbackURL(realm, idp.Alias),
		Scopes:       idp.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   idp.AuthorizationURL,
			TokenURL:  idp.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	if idp.IssuerURL == "" {
		return cfg, nil, nil
	}
	p, err := s.providers.Get(ctx, cachex.Key{Tenant: realm.ID, Issuer: idp.IssuerURL})
	if err != nil {
		return nil, nil, err
	}
	ep := p.Endpoint()
	if cfg.Endpoint.AuthURL == "" {
		cfg.Endpoint.AuthURL = ep.AuthURL
	}
	if cfg.Endpoint.TokenURL == "" {
		cfg.Endpoint.TokenURL = ep.TokenURL
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{oidc.ScopeOpenID, ScopeProfile, ScopeEmail}
	}
	return cfg, p, nil
}

// InitiateLogin validates the client request and returns the upstream
// authorization URL.
func (s *BrokerService) InitiateLogin(ctx context.Context, realm domain.Realm, alias string, req AuthRequest, ip string) (string, error) {
	idp, err := s.provider(ctx, realm, alias)
	if err != nil {
		return "", err
	}
	if _, err := s.Authorize.ValidateAuthRequest(ctx, realm, req); err != nil {
		return "", err
	}

	cfg, _, err := s.oauthConfig(ctx, realm, idp)
	if err != nil {
		return "", err
	}

	state := &brokerState{
		Realm:               realm.Name,
		Alias:               idp.Alias,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		State:               req.State,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		SessionIP:           ip,
	}
	state.Type = brokerStateType
	state.Audience = []string{brokerStateAudience}
	state.ID = jwtx.NewJTI()

	token, err := s.Keys.Sign(ctx, realm, state, brokerStateTTL)
	if err != nil {
		return "", fmt.Errorf("sign broker state: %w", err)
	}
	return cfg.AuthCodeURL(token, oidc.Nonce(state.ID)), nil
}

// HandleCallback completes the upstream login. The state is checked against
// realm and alias before anything is sent upstream.
func (s *BrokerService) HandleCallback(ctx context.Context, realm domain.Realm, alias, code, stateToken, upstreamError string) (*BrokerResult, error) {
	l := slogx.FromContext(ctx)

	var state brokerState
	if err := s.Keys.Verify(ctx, realm, stateToken, &state, VerifyOptions{Audience: brokerStateAudience}); err != nil {
		return nil, ErrInvalidRequest.WithDescription("invalid broker state")
	}
	if state.Type != brokerStateType || state.Realm != realm.Name || state.Alias != alias {
		return nil, ErrInvalidRequest.WithDescription("broker state does not match this provider")
	}

	if upstreamError != "" {
		s.Metrics.brokerLogin(alias, "upstream_error")
		return nil, ErrAccessDenied.Withf("identity provider returned %s", upstreamError)
	}
	if code == "" {
		return nil, ErrInvalidRequest.WithDescription("code is required")
	}

	idp, err := s.provider(ctx, realm, alias)
	if err != nil {
		return nil, err
	}
	profile, err := s.exchange(ctx, realm, idp, code, state.ID)
	if err != nil {
		s.Metrics.brokerLogin(alias, "exchange_failed")
		l.Warn("broker exchange failed",
			slog.String("realm", realm.Name),
			slog.String("alias", alias),
			slog.Any("error", err),
		)
		return nil, ErrAccessDenied.WithDescription("identity provider login failed")
	}

	now := s.Now()
	var result BrokerResult
	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		user, err := s.resolveUser(ctx, tx, realm, idp, *profile, now)
		if err != nil {
			return err
		}
		if !user.Enabled {
			return ErrAccessDenied.WithDescription("user is disabled")
		}
		session := newSession(realm, user.ID, state.SessionIP, idp.Alias, now)
		if err := createSession(ctx, tx, session); err != nil {
			return err
		}
		authz, err := s.Authorize.authorizeWithUser(ctx, tx, realm, user, session, state.authRequest())
		if err != nil {
			return err
		}
		result = BrokerResult{Authorize: authz, User: user, Session: session}
		return nil
	})
	if err != nil {
		s.Metrics.brokerLogin(alias, "rejected")
		return nil, err
	}

	s.Metrics.brokerLogin(alias, "success")
	l.Info("federated login",
		slog.String("realm", realm.Name),
		slog.String("alias", alias),
		slog.String("user_id", result.User.ID),
	)
	return &result, nil
}

// exchange trades the code for tokens and collects the upstream profile.
func (s *BrokerService) exchange(ctx context.Context, realm domain.Realm, idp domain.IdentityProvider, code, nonce string) (*externalProfile, error) {
	cfg, provider, err := s.oauthConfig(ctx, realm, idp)
	if err != nil {
		return nil, err
	}
	ctx = context.WithValue(s.clientContext(ctx), oauth2.HTTPClient, s.HTTPClient)

	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	var profile externalProfile
	if provider != nil {
		rawID, _ := tok.Extra("id_token").(string)
		if rawID == "" {
			return nil, errors.New("upstream returned no id_token")
		}
		idt, err := provider.Verifier(&oidc.Config{ClientID: idp.ClientID, Now: s.Now}).Verify(ctx, rawID)
		if err != nil {
			return nil, fmt.Errorf("verify id_token: %w", err)
		}
		if idt.Nonce != nonce {
			return nil, errors.New("upstream nonce mismatch")
		}
		if err := idt.Claims(&profile); err != nil {
			return nil, fmt.Errorf("decode id_token: %w", err)
		}
		profile.Subject = idt.Subject
	}

	userInfoURL := idp.UserInfoURL
	if userInfoURL == "" && provider != nil {
		userInfoURL = provider.UserInfoEndpoint()
	}
	if userInfoURL != "" {
		info, err := s.fetchUserInfo(ctx, cfg, tok, userInfoURL)
		if err != nil {
			return nil, err
		}
		if profile.Subject != "" && info.Subject != "" && info.Subject != profile.Subject {
			return nil, errors.New("userinfo subject does not match id_token")
		}
		if profile.Subject == "" {
			profile.Subject = info.Subject
		}
		profile.merge(*info)
	}

	if profile.Subject == "" {
		return nil, errors.New("upstream returned no subject")
	}
	return &profile, nil
}

func (s *BrokerService) fetchUserInfo(ctx context.Context, cfg *oauth2.Config, tok *oauth2.Token, endpoint string) (*externalProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := cfg.Client(ctx, tok).Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch userinfo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch userinfo: status %d", resp.StatusCode)
	}
	var info externalProfile
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}
	return &info, nil
}

// resolveUser finds or creates the local account for the upstream subject:
// an existing link first, then a trusted verified email, then a new user
// unless the provider is link only.
func (s *BrokerService) resolveUser(ctx context.Context, tx store.Tx, realm domain.Realm, idp domain.IdentityProvider, p externalProfile, now time.Time) (domain.User, error) {
	link, err := tx.FederatedIdentities().GetFederatedIdentity(ctx, realm.ID, idp.ID, p.Subject)
	switch {
	case err == nil:
		user, err := tx.Users().GetUserByID(ctx, realm.ID, link.UserID)
		if err != nil {
			return domain.User{}, fmt.Errorf("load linked user: %w", err)
		}
		if idp.SyncMode == domain.SyncForce {
			applyProfile(&user, p)
			user.UpdatedAt = now
			if err := tx.Users().UpdateProfile(ctx, user); err != nil {
				return domain.User{}, fmt.Errorf("sync profile: %w", err)
			}
		}
		return user, nil
	case !errors.Is(err, store.ErrNotFound):
		return domain.User{}, fmt.Errorf("load federated identity: %w", err)
	}

	if idp.TrustEmail && p.EmailVerified && p.Email != "" {
		user, err := tx.Users().GetUserByEmail(ctx, realm.ID, p.Email)
		if err == nil {
			return user, s.link(ctx, tx, realm, idp, user, p, now)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return domain.User{}, fmt.Errorf("lookup user by email: %w", err)
		}
	}

	if idp.LinkOnly {
		return domain.User{}, ErrAccessDenied.WithDescription("no linked account for this identity")
	}

	user := domain.User{
		ID:            idx.NewAt(now).String(),
		RealmID:       realm.ID,
		Username:      federatedUsername(idp.Alias, p),
		EmailVerified: p.EmailVerified && idp.TrustEmail,
		Enabled:       true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	applyProfile(&user, p)
	err = tx.Users().CreateUser(ctx, user)
	if errors.Is(err, store.ErrAlreadyExists) {
		// Username or email taken by an unlinked local account.
		user.Username = idp.Alias + "." + p.Subject
		user.Email = ""
		user.EmailVerified = false
		err = tx.Users().CreateUser(ctx, user)
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("create federated user: %w", err)
	}
	return user, s.link(ctx, tx, realm, idp, user, p, now)
}

func (s *BrokerService) link(ctx context.Context, tx store.Tx, realm domain.Realm, idp domain.IdentityProvider, user domain.User, p externalProfile, now time.Time) error {
	err := tx.FederatedIdentities().CreateFederatedIdentity(ctx, domain.FederatedIdentity{
		ID:                 idx.NewAt(now).String(),
		RealmID:            realm.ID,
		UserID:             user.ID,
		IdentityProviderID: idp.ID,
		ProviderAlias:      idp.Alias,
		ExternalUserID:     p.Subject,
		ExternalUsername:   p.Username,
		CreatedAt:          now,
	})
	if errors.Is(err, store.ErrAlreadyExists) {
		return ErrAccessDenied.WithDescription("account is already linked to another identity")
	}
	if err != nil {
		return fmt.Errorf("link federated identity: %w", err)
	}
	return nil
}

func applyProfile(u *domain.User, p externalProfile) {
	if p.Email != "" {
		u.Email = p.Email
	}
	if p.GivenName != "" {
		u.FirstName = p.GivenName
	}
	if p.FamilyName != "" {
		u.LastName = p.FamilyName
	}
}

func federatedUsername(alias string, p externalProfile) string {
	switch {
	case p.Username != "":
		return strings.ToLower(p.Username)
	case p.Email != "":
		return strings.ToLower(p.Email)
	default:
		return alias + "." + p.Subject
	}
}
