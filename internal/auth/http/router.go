package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/aussiebroadwan/authme/internal/auth/service"
	"github.com/aussiebroadwan/authme/internal/auth/store"
	"github.com/aussiebroadwan/authme/pkg/httpx"
	"github.com/aussiebroadwan/authme/pkg/slogx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router holds shared dependencies for HTTP handlers.
type Router struct {
	Mux         *http.ServeMux
	middlewares []httpx.Middleware

	buildVersion string
	startTime    time.Time
	logger       *slog.Logger
	store        store.Store

	Keys             *service.KeyService
	TokenService     *service.TokenService
	AuthorizeService *service.AuthorizeService
	DeviceService    *service.DeviceService
	BrokerService    *service.BrokerService
	BruteForce       *service.BruteForceGuard
	Identity         *service.IdentityCookieValidator

	// Gatherer backs /metrics. Nil leaves the route out.
	Gatherer prometheus.Gatherer
	// ReadyChecks run on /readyz next to the database ping.
	ReadyChecks map[string]ReadyCheck
	// SecureCookies marks the identity cookie Secure. Off only for plain
	// HTTP development.
	SecureCookies bool
}

func NewRouter(buildVersion string, st store.Store, logger *slog.Logger) *Router {
	r := &Router{
		Mux:          http.NewServeMux(),
		buildVersion: buildVersion,
		startTime:    time.Now(),
		logger:       logger,
		store:        st,
	}
	r.middlewares = []httpx.Middleware{
		slogx.HTTPMiddleware(r.logger),
	}
	return r
}

func (r *Router) ApplyRoutes() {
	r.registerOIDC()
	r.registerDevice()
	r.registerBroker()
	r.registerAdmin()
	r.registerSystem()
}

// ServeHTTP implements http.Handler for Router and applies the global middleware chain.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	httpx.Chain(r.Mux, r.middlewares...).ServeHTTP(w, req)
}

const oidcPrefix = "/realms/{realm}/protocol/openid-connect"

func (r *Router) registerOIDC() {
	public := httpx.RateLimitByIP(httpx.PublicLimit)
	lenient := httpx.RateLimitByIP(httpx.LenientLimit)

	r.Mux.Handle("GET /realms/{realm}/.well-known/openid-configuration",
		httpx.Chain(http.HandlerFunc(r.handleDiscovery), public))
	r.Mux.Handle("GET "+oidcPrefix+"/certs",
		httpx.Chain(http.HandlerFunc(r.handleJWKS), public))

	// GET /auth mostly redirects; POST /auth checks passwords, limited per
	// address and, tighter, per address and username. Form fields are caller
	// chosen, so the per-address budget is the one that bounds a client.
	r.Mux.Handle("GET "+oidcPrefix+"/auth",
		httpx.Chain(http.HandlerFunc(r.handleAuthorize), lenient))
	r.Mux.Handle("POST "+oidcPrefix+"/auth",
		httpx.Chain(http.HandlerFunc(r.handleDirectLogin),
			httpx.RateLimitByIP(httpx.ModerateLimit),
			httpx.RateLimitByIPAndFormField(httpx.StrictLimit, "username"),
		))

	// Per account protection on the token endpoint is the brute force guard.
	r.Mux.Handle("POST "+oidcPrefix+"/token",
		httpx.Chain(http.HandlerFunc(r.handleToken),
			httpx.RateLimitByIP(httpx.ModerateLimit),
		))
	r.Mux.Handle("POST "+oidcPrefix+"/token/introspect",
		httpx.Chain(http.HandlerFunc(r.handleIntrospect), lenient))
	r.Mux.Handle("POST "+oidcPrefix+"/revoke",
		httpx.Chain(http.HandlerFunc(r.handleRevoke), lenient))

	logout := httpx.Chain(http.HandlerFunc(r.handleLogout), lenient)
	r.Mux.Handle("GET "+oidcPrefix+"/logout", logout)
	r.Mux.Handle("POST "+oidcPrefix+"/logout", logout)

	userinfo := httpx.Chain(http.HandlerFunc(r.handleUserInfo), lenient)
	r.Mux.Handle("GET "+oidcPrefix+"/userinfo", userinfo)
	r.Mux.Handle("POST "+oidcPrefix+"/userinfo", userinfo)
}

func (r *Router) registerDevice() {
	r.Mux.Handle("POST "+oidcPrefix+"/auth/device",
		httpx.Chain(http.HandlerFunc(r.handleDeviceAuthorization),
			httpx.RateLimitByIP(httpx.StrictLimit),
		))

	// User codes are short, so lookups and approvals are limited hard.
	r.Mux.Handle("GET /realms/{realm}/device",
		httpx.Chain(http.HandlerFunc(r.handleDeviceLookup),
			httpx.RateLimitByIP(httpx.StrictLimit),
		))
	r.Mux.Handle("POST /realms/{realm}/device",
		httpx.Chain(http.HandlerFunc(r.handleDeviceVerify),
			httpx.RateLimitByIP(httpx.ModerateLimit),
			httpx.RateLimitByIPAndFormField(httpx.StrictLimit, "username"),
		))
}

func (r *Router) registerBroker() {
	limit := httpx.RateLimitByIP(httpx.ModerateLimit)
	r.Mux.Handle("GET /realms/{realm}/broker/{alias}/login",
		httpx.Chain(http.HandlerFunc(r.handleBrokerLogin), limit))
	r.Mux.Handle("GET /realms/{realm}/broker/{alias}/endpoint",
		httpx.Chain(http.HandlerFunc(r.handleBrokerCallback), limit))
}

func (r *Router) registerAdmin() {
	admin := func(h http.HandlerFunc) http.Handler {
		return httpx.Chain(h,
			httpx.BearerAuth(httpx.BearerVerifierFunc(r.verifyBearer)),
			httpx.RequireAnyScope(service.ScopeRealmAdmin),
			httpx.RateLimitByUser(httpx.ModerateLimit),
		)
	}

	r.Mux.Handle("GET /admin/realms/{realm}/attack-detection/brute-force/users", admin(r.handleLockedUsers))
	r.Mux.Handle("DELETE /admin/realms/{realm}/attack-detection/brute-force/users/{userID}", admin(r.handleUnlockUser))
	r.Mux.Handle("DELETE /admin/realms/{realm}/sessions/{sessionID}", admin(r.handleRevokeSession))
	r.Mux.Handle("POST /admin/realms/{realm}/keys/rotate", admin(r.handleRotateKeys))
}

func (r *Router) registerSystem() {
	// Monitoring polls these, so they get the lenient budget.
	r.Mux.Handle("GET /livez",
		httpx.Chain(http.HandlerFunc(r.handleLivez), httpx.RateLimitByIP(httpx.LenientLimit)))
	r.Mux.Handle("GET /readyz",
		httpx.Chain(http.HandlerFunc(r.handleReadyz), httpx.RateLimitByIP(httpx.LenientLimit)))

	if r.Gatherer != nil {
		r.Mux.Handle("GET /metrics", promhttp.HandlerFor(r.Gatherer, promhttp.HandlerOpts{}))
	}
}
