package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpapi "github.com/aussiebroadwan/authme/internal/auth/http"
	"github.com/aussiebroadwan/authme/internal/auth/service"
	"github.com/aussiebroadwan/authme/internal/auth/store"
	"github.com/aussiebroadwan/authme/internal/auth/store/drivers/sqlite"
	"github.com/aussiebroadwan/authme/pkg/httpx"
	"github.com/aussiebroadwan/authme/pkg/slogx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// BuildVersion is overridden at build time via -ldflags.
var BuildVersion = "v0.1.0"

// Application encapsulates the auth service application with all its dependencies
type Application struct {
	cfg    Config
	logger *slog.Logger

	// Core dependencies
	db       store.Store
	secrets  *secrets
	redis    *redis.Client // nil without REDIS_URL
	registry *prometheus.Registry
	metrics  *service.Metrics

	// Services
	keyService          *service.KeyService
	bruteForce          *service.BruteForceGuard
	authorizeService    *service.AuthorizeService
	tokenService        *service.TokenService
	deviceService       *service.DeviceService
	brokerService       *service.BrokerService
	backchannel         *service.BackchannelNotifier
	bootstrapService    *service.BootstrapService
	housekeepingService *service.HousekeepingService

	// HTTP server
	server *http.Server
	router *httpapi.Router
}

// New creates a new Application instance with all dependencies initialized
func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "authme",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}

	httpx.LoadRateLimitsFromEnv(os.Getenv)

	secrets, err := loadSecrets(cfg, app.logger)
	if err != nil {
		return nil, err
	}
	app.secrets = secrets

	if err := app.initDatabase(); err != nil {
		return nil, err
	}
	if err := app.initRedis(); err != nil {
		_ = app.db.Close()
		return nil, err
	}

	app.initMetrics()
	app.initServices()

	ctx := slogx.WithContext(context.Background(), app.logger)
	if err := app.bootstrap(ctx); err != nil {
		app.closeStores()
		return nil, err
	}

	app.initHTTP()
	return app, nil
}

// Run starts the application and blocks until shutdown is requested
func (app *Application) Run() error {
	app.housekeepingService.Start()

	app.logger.Info("authme starting",
		"port", app.cfg.Port,
		"public_url", app.cfg.PublicURL,
		"default_realm", app.cfg.DefaultRealm,
	)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.housekeepingService.Stop()
			app.closeStores()
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-shutdown:
		app.logger.Info("shutdown signal received", "signal", sig)
		if err := app.Shutdown(); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}
	return nil
}

// Shutdown drains HTTP requests and pending backchannel deliveries, then
// closes the stores.
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down authme...")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGrace)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("graceful server shutdown failed", "error", err)
		if err := app.server.Close(); err != nil {
			app.logger.Error("error closing server", "error", err)
		}
	}

	drained := make(chan struct{})
	go func() {
		app.backchannel.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		app.logger.Warn("backchannel deliveries still pending at shutdown")
	}

	app.housekeepingService.Stop()

	if err := app.closeStores(); err != nil {
		return err
	}
	app.logger.Info("authme stopped")
	return nil
}

func (app *Application) closeStores() error {
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Error("error closing redis", "error", err)
		}
	}
	if err := app.db.Close(); err != nil {
		app.logger.Error("error closing database", "error", err)
		return err
	}
	return nil
}

// initDatabase initializes the database and applies migrations
func (app *Application) initDatabase() error {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", app.cfg.DBPath)
	db, err := sqlite.NewStore(dsn)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	if err := db.ApplyMigrations(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}

	app.logger.Info("database migrations applied", "path", app.cfg.DBPath)
	return nil
}

// initRedis connects the optional shared throttle store.
func (app *Application) initRedis() error {
	if app.cfg.RedisURL == "" {
		return nil
	}
	opts, err := redis.ParseURL(app.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	app.redis = redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.redis.Ping(ctx).Err(); err != nil {
		_ = app.redis.Close()
		return fmt.Errorf("connect redis: %w", err)
	}
	app.logger.Info("redis connected, device poll throttle is shared", "addr", opts.Addr)
	return nil
}

func (app *Application) initMetrics() {
	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.metrics = service.NewMetrics(app.registry)
}

// initServices initializes all business logic services
func (app *Application) initServices() {
	cfg := app.cfg

	app.keyService = service.NewKeyService(app.db, app.secrets.sealer, cfg.PublicURL, cfg.KeyCacheTTL, nil)
	app.keyService.Overlap = cfg.KeyRotationOverlap
	app.keyService.Metrics = app.metrics
	app.keyService.Logger = app.logger

	app.bruteForce = service.NewBruteForceGuard(app.db, nil)
	app.bruteForce.Metrics = app.metrics

	app.authorizeService = service.NewAuthorizeService(app.db, cfg.CodeTTL, nil)

	app.backchannel = service.NewBackchannelNotifier(app.db, app.keyService, app.logger, cfg.BackchannelTimeout)
	app.backchannel.Metrics = app.metrics

	var throttle service.PollThrottle = service.StorePollThrottle{Store: app.db}
	if app.redis != nil {
		throttle = service.RedisPollThrottle{Client: app.redis}
	}

	app.tokenService = &service.TokenService{
		Store:       app.db,
		Keys:        app.keyService,
		BruteForce:  app.bruteForce,
		Credentials: app.secrets.hasher,
		Backchannel: app.backchannel,
		Throttle:    throttle,
		Now:         time.Now,
		Metrics:     app.metrics,
	}

	app.deviceService = service.NewDeviceService(app.db, cfg.PublicURL, cfg.DeviceCodeTTL, cfg.DevicePollInterval, nil)

	app.brokerService = service.NewBrokerService(app.db, app.keyService, app.authorizeService, app.secrets.sealer, nil)
	app.brokerService.Metrics = app.metrics

	app.bootstrapService = &service.BootstrapService{
		Store:       app.db,
		Credentials: app.secrets.hasher,
		Now:         time.Now,
	}

	app.housekeepingService = service.NewHousekeepingService(
		app.db,
		app.bruteForce,
		app.logger,
		cfg.HousekeepingInterval,
	)
}

func (app *Application) bootstrap(ctx context.Context) error {
	realm, err := app.bootstrapService.Bootstrap(ctx, service.BootstrapConfig{
		Realm:           app.cfg.DefaultRealm,
		AccessTokenTTL:  app.cfg.AccessTokenTTL,
		RefreshTokenTTL: app.cfg.RefreshTokenTTL,
		ClientID:        app.cfg.BootstrapClientID,
		ClientSecret:    app.cfg.BootstrapClientSecret,
		RedirectURIs:    app.cfg.BootstrapRedirectURIs,
		AdminUsername:   app.cfg.BootstrapAdminUsername,
		AdminPassword:   app.cfg.BootstrapAdminPassword,
	})
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	// Create the first signing key now rather than on the first request.
	if _, err := app.keyService.JWKS(ctx, realm); err != nil {
		return fmt.Errorf("load signing keys for realm %s: %w", realm.Name, err)
	}
	app.logger.Info("default realm ready", "realm", realm.Name, "issuer", app.keyService.Issuer(realm))
	return nil
}

// initHTTP initializes the HTTP router and server
func (app *Application) initHTTP() {
	router := httpapi.NewRouter(BuildVersion, app.db, app.logger)

	router.Keys = app.keyService
	router.TokenService = app.tokenService
	router.AuthorizeService = app.authorizeService
	router.DeviceService = app.deviceService
	router.BrokerService = app.brokerService
	router.BruteForce = app.bruteForce
	router.Identity = &service.IdentityCookieValidator{Store: app.db, Keys: app.keyService}
	router.Gatherer = app.registry
	router.SecureCookies = app.cfg.SecureCookies()
	if app.redis != nil {
		router.ReadyChecks = map[string]httpapi.ReadyCheck{
			"redis": func(ctx context.Context) error { return app.redis.Ping(ctx).Err() },
		}
	}
	router.ApplyRoutes()

	app.router = router

	app.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 3 * time.Second,
	}
}
