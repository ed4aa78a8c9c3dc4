package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aussiebroadwan/authme/internal/auth/domain"
	"github.com/aussiebroadwan/authme/internal/auth/store"
	"github.com/aussiebroadwan/authme/pkg/jwtx"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultBackchannelTimeout = 10 * time.Second

	logoutTokenTTL        = 120 * time.Second
	maxConcurrentDelivery = 16
)

// DeliveryResult is the outcome of one logout token delivery.
type DeliveryResult struct {
	ClientID   string
	StatusCode int
	Err        error
}

// BackchannelNotifier posts OIDC logout tokens to every client of a realm
// that registered a backchannel logout URI. Delivery is best effort: no
// retries, and failures never reach the caller of a logout.
type BackchannelNotifier struct {
	Store      store.Store
	Keys       *KeyService
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *slog.Logger
	Metrics    *Metrics

	inflight sync.WaitGroup
}

func NewBackchannelNotifier(st store.Store, keys *KeyService, logger *slog.Logger, timeout time.Duration) *BackchannelNotifier {
	if timeout <= 0 {
		timeout = DefaultBackchannelTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BackchannelNotifier{
		Store:      st,
		Keys:       keys,
		HTTPClient: &http.Client{},
		Timeout:    timeout,
		Logger:     logger,
	}
}

// NotifyAll delivers to every eligible client concurrently and waits for all
// of them. One failure never cancels the others.
func (n *BackchannelNotifier) NotifyAll(ctx context.Context, realm domain.Realm, session domain.Session) []DeliveryResult {
	clients, err := n.Store.Clients().ListBackchannelClients(ctx, realm.ID)
	if err != nil {
		n.Logger.Error("list backchannel clients",
			slog.String("realm", realm.Name),
			slog.Any("error", err),
		)
		return nil
	}

	results := make([]DeliveryResult, len(clients))
	var g errgroup.Group
	g.SetLimit(maxConcurrentDelivery)
	for i, c := range clients {
		g.Go(func() error {
			results[i] = n.deliver(ctx, realm, session, c)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r.Err != nil {
			n.Metrics.backchannel("failure")
			n.Logger.Warn("backchannel logout delivery failed",
				slog.String("realm", realm.Name),
				slog.String("client_id", r.ClientID),
				slog.Int("status", r.StatusCode),
				slog.Any("error", r.Err),
			)
			continue
		}
		n.Metrics.backchannel("success")
	}
	return results
}

// Dispatch runs NotifyAll in the background, detached from ctx's
// cancellation so a finished request does not abort delivery.
func (n *BackchannelNotifier) Dispatch(ctx context.Context, realm domain.Realm, session domain.Session) {
	detached := context.WithoutCancel(ctx)
	n.inflight.Add(1)
	go func() {
		defer n.inflight.Done()
		n.NotifyAll(detached, realm, session)
	}()
}

// Wait blocks until every dispatched delivery has settled.
func (n *BackchannelNotifier) Wait() {
	n.inflight.Wait()
}

func (n *BackchannelNotifier) deliver(ctx context.Context, realm domain.Realm, session domain.Session, c domain.Client) DeliveryResult {
	res := DeliveryResult{ClientID: c.ClientID}

	sid := ""
	if c.BackchannelLogoutSessionRequired {
		sid = session.ID
	}
	token, err := n.Keys.Sign(ctx, realm, jwtx.NewLogoutClaims(session.UserID, c.ClientID, sid), logoutTokenTTL)
	if err != nil {
		res.Err = fmt.Errorf("sign logout token: %w", err)
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, n.Timeout)
	defer cancel()

	body := url.Values{"logout_token": {token}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BackchannelLogoutURI, strings.NewReader(body))
	if err != nil {
		res.Err = fmt.Errorf("build request: %w", err)
		return res
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.HTTPClient.Do(req)
	if err != nil {
		res.Err = err
		return res
	}
	defer resp.Body.Close()

	res.StatusCode = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		res.Err = fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return res
}
