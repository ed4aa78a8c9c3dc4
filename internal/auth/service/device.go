package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/aussiebroadwan/authme/internal/auth/domain"
	"github.com/aussiebroadwan/authme/internal/auth/store"
	"github.com/aussiebroadwan/authme/pkg/cryptox"
	"github.com/aussiebroadwan/authme/pkg/idx"
	"github.com/aussiebroadwan/authme/pkg/slogx"
)

const (
	DefaultDeviceCodeTTL      = 600 * time.Second
	DefaultDevicePollInterval = 5 * time.Second

	// SlowDownIncrement is added to the polling interval on every slow_down.
	SlowDownIncrement = 5 * time.Second

	// UserCodeAlphabet has no vowels and no look-alike characters.
	UserCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ"

	userCodeLength  = 8
	userCodeRetries = 5
)

// ErrDeviceDenied is the token endpoint answer for a denied device grant.
var ErrDeviceDenied = &Error{Kind: KindBadRequest, Code: "access_denied", Description: "the user denied the request"}

// DeviceAuthorization is the RFC 8628 device authorization response.
type DeviceAuthorization struct {
	DeviceCode              string
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
	ExpiresIn               time.Duration
	Interval                time.Duration
}

// DeviceService runs the user facing half of the device flow. Redemption
// lives on TokenService.ExchangeDeviceCode.
type DeviceService struct {
	Store     store.Store
	PublicURL string
	CodeTTL   time.Duration
	Interval  time.Duration
	Now       func() time.Time
}

func NewDeviceService(st store.Store, publicURL string, codeTTL, interval time.Duration, now func() time.Time) *DeviceService {
	if codeTTL <= 0 {
		codeTTL = DefaultDeviceCodeTTL
	}
	if interval <= 0 {
		interval = DefaultDevicePollInterval
	}
	if now == nil {
		now = time.Now
	}
	return &DeviceService{
		Store:     st,
		PublicURL: strings.TrimRight(publicURL, "/"),
		CodeTTL:   codeTTL,
		Interval:  interval,
		Now:       now,
	}
}

// VerificationURI is where users enter their code.
func (s *DeviceService) VerificationURI(realm domain.Realm) string {
	return s.PublicURL + "/realms/" + realm.Name + "/device"
}

// InitiateDeviceAuth starts a device authorization for an authenticated
// client.
func (s *DeviceService) InitiateDeviceAuth(ctx context.Context, realm domain.Realm, client domain.Client, requested []string) (*DeviceAuthorization, error) {
	if !client.Enabled || !client.AllowsGrant(domain.GrantDeviceCode) {
		return nil, ErrUnauthorizedClient.WithDescription("client may not use the device flow")
	}
	scopes, err := grantScopes(requested, client.Scopes)
	if err != nil {
		return nil, err
	}

	deviceCode, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return nil, fmt.Errorf("generate device code: %w", err)
	}

	now := s.Now()
	record := domain.DeviceCode{
		ID:             idx.NewAt(now).String(),
		RealmID:        realm.ID,
		ClientID:       client.ID,
		DeviceCodeHash: cryptox.FingerprintToken(deviceCode),
		Scopes:         scopes,
		Status:         domain.DeviceCodePending,
		Interval:       s.Interval,
		ExpiresAt:      now.Add(s.CodeTTL),
		CreatedAt:      now,
	}

	for attempt := 0; ; attempt++ {
		raw, err := cryptox.RandomString(UserCodeAlphabet, userCodeLength)
		if err != nil {
			return nil, fmt.Errorf("generate user code: %w", err)
		}
		record.UserCode = formatUserCode(raw)
		err = s.Store.DeviceCodes().CreateDeviceCode(ctx, record)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrAlreadyExists) || attempt >= userCodeRetries {
			return nil, fmt.Errorf("store device code: %w", err)
		}
	}

	verification := s.VerificationURI(realm)
	return &DeviceAuthorization{
		DeviceCode:              deviceCode,
		UserCode:                record.UserCode,
		VerificationURI:         verification,
		VerificationURIComplete: verification + "?" + url.Values{"user_code": {record.UserCode}}.Encode(),
		ExpiresIn:               s.CodeTTL,
		Interval:                s.Interval,
	}, nil
}

// LookupUserCode loads a pending device code for the verification page.
func (s *DeviceService) LookupUserCode(ctx context.Context, realm domain.Realm, userCode string) (domain.DeviceCode, error) {
	dc, err := s.lookup(ctx, realm, userCode)
	if err != nil {
		return domain.DeviceCode{}, err
	}
	if dc.Status != domain.DeviceCodePending {
		return domain.DeviceCode{}, ErrInvalidRequest.WithDescription("code was already used")
	}
	return dc, nil
}

// ApproveDevice binds the device code to userID.
func (s *DeviceService) ApproveDevice(ctx context.Context, realm domain.Realm, userCode, userID string) error {
	user, err := s.Store.Users().GetUserByID(ctx, realm.ID, userID)
	if err != nil {
		return notFoundAs(err, ErrNotFound.WithDescription("user not found"))
	}
	if !user.Enabled {
		return ErrAccessDenied.WithDescription("user is disabled")
	}
	return s.transition(ctx, realm, userCode, domain.DeviceCodeApproved, user.ID)
}

// DenyDevice rejects the device code; the next poll gets access_denied.
func (s *DeviceService) DenyDevice(ctx context.Context, realm domain.Realm, userCode string) error {
	return s.transition(ctx, realm, userCode, domain.DeviceCodeDenied, "")
}

func (s *DeviceService) transition(ctx context.Context, realm domain.Realm, userCode string, to domain.DeviceCodeStatus, userID string) error {
	dc, err := s.lookup(ctx, realm, userCode)
	if err != nil {
		return err
	}
	err = s.Store.DeviceCodes().SetDeviceCodeStatus(ctx, realm.ID, dc.ID, domain.DeviceCodePending, to, userID)
	if errors.Is(err, store.ErrConflict) {
		return ErrInvalidRequest.WithDescription("code was already used")
	}
	if err != nil {
		return fmt.Errorf("update device code: %w", err)
	}
	slogx.FromContext(ctx).Info("device code "+string(to),
		slog.String("realm", realm.Name),
		slog.String("device_code_id", dc.ID),
	)
	return nil
}

func (s *DeviceService) lookup(ctx context.Context, realm domain.Realm, userCode string) (domain.DeviceCode, error) {
	code, ok := NormalizeUserCode(userCode)
	if !ok {
		return domain.DeviceCode{}, ErrNotFound.WithDescription("unknown user code")
	}
	dc, err := s.Store.DeviceCodes().GetDeviceCodeByUserCode(ctx, realm.ID, code)
	if err != nil {
		return domain.DeviceCode{}, notFoundAs(err, ErrNotFound.WithDescription("unknown user code"))
	}
	if dc.IsExpired(s.Now()) {
		return domain.DeviceCode{}, ErrExpiredToken.WithDescription("code expired")
	}
	return dc, nil
}

// NormalizeUserCode accepts any case, with or without the dash and
// surrounding spaces, and returns the stored XXXX-XXXX form.
func NormalizeUserCode(in string) (string, bool) {
	var b strings.Builder
	for _, r := range strings.ToUpper(in) {
		switch {
		case r == '-' || r == ' ':
			continue
		case strings.ContainsRune(UserCodeAlphabet, r):
			b.WriteRune(r)
		default:
			return "", false
		}
	}
	if b.Len() != userCodeLength {
		return "", false
	}
	return formatUserCode(b.String()), true
}

func formatUserCode(raw string) string {
	return raw[:userCodeLength/2] + "-" + raw[userCodeLength/2:]
}

// ExchangeDeviceCode is the device_code grant. Expiry wins over every status
// and throttling comes before the status answer, so a fast poller sees
// slow_down even once the user has approved.
func (s *TokenService) ExchangeDeviceCode(ctx context.Context, realm domain.Realm, client domain.Client, deviceCode string) (*domain.TokenPair, error) {
	if !client.AllowsGrant(domain.GrantDeviceCode) {
		return nil, ErrUnauthorizedClient
	}
	if deviceCode == "" {
		return nil, ErrInvalidRequest.WithDescription("device_code is required")
	}

	now := s.now()
	dc, err := s.Store.DeviceCodes().GetDeviceCodeByHash(ctx, realm.ID, cryptox.FingerprintToken(deviceCode))
	if err != nil {
		return nil, notFoundAs(err, ErrInvalidGrant.WithDescription("invalid device code"))
	}
	if dc.ClientID != client.ID {
		return nil, ErrInvalidGrant.WithDescription("device code was issued to another client")
	}
	if dc.IsExpired(now) {
		return nil, ErrExpiredToken
	}

	if s.Throttle != nil {
		ok, err := s.Throttle.Allow(ctx, realm, dc, now)
		if err != nil {
			return nil, fmt.Errorf("device poll throttle: %w", err)
		}
		if !ok {
			if err := s.Store.DeviceCodes().SetDeviceCodeInterval(ctx, realm.ID, dc.ID, dc.Interval+SlowDownIncrement); err != nil {
				return nil, fmt.Errorf("slow down device code: %w", err)
			}
			return nil, ErrSlowDown
		}
	}

	switch dc.Status {
	case domain.DeviceCodePending:
		return nil, ErrAuthorizationPending
	case domain.DeviceCodeDenied:
		return nil, ErrDeviceDenied
	case domain.DeviceCodeConsumed:
		return nil, ErrInvalidGrant.WithDescription("device code already used")
	}

	user, err := s.activeUser(ctx, realm, dc.UserID)
	if err != nil {
		return nil, err
	}
	session := newSession(realm, user.ID, "", "", now)
	pair, refresh, err := s.mint(ctx, mintRequest{
		realm:   realm,
		client:  client,
		user:    &user,
		scopes:  dc.Scopes,
		session: session,
		refresh: true,
		now:     now,
	})
	if err != nil {
		return nil, err
	}

	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		err := tx.DeviceCodes().SetDeviceCodeStatus(ctx, realm.ID, dc.ID, domain.DeviceCodeApproved, domain.DeviceCodeConsumed, "")
		if errors.Is(err, store.ErrConflict) {
			return ErrInvalidGrant.WithDescription("device code already used")
		}
		if err != nil {
			return err
		}
		if err := createSession(ctx, tx, session); err != nil {
			return err
		}
		return createRefreshToken(ctx, tx, refresh)
	})
	if err != nil {
		return nil, err
	}
	return pair, nil
}
