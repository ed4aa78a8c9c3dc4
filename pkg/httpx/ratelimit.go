package httpx

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aussiebroadwan/authme/pkg/slogx"
	"golang.org/x/time/rate"
)

// RateLimitConfig is a token bucket: RequestsPerWindow refill over Window,
// up to Burst at once.
type RateLimitConfig struct {
	RequestsPerWindow int
	Window            time.Duration
	Burst             int
}

func (c RateLimitConfig) limit() rate.Limit {
	return rate.Limit(float64(c.RequestsPerWindow) / c.Window.Seconds())
}

// Profiles used by the router. Override them with WithEnv.
var (
	// StrictLimit guards credential endpoints: login, token, device.
	StrictLimit = RateLimitConfig{RequestsPerWindow: 5, Window: time.Minute, Burst: 5}
	// ModerateLimit guards admin and bearer authenticated routes.
	ModerateLimit = RateLimitConfig{RequestsPerWindow: 20, Window: time.Minute, Burst: 20}
	// LenientLimit guards introspection, revocation and userinfo.
	LenientLimit = RateLimitConfig{RequestsPerWindow: 100, Window: time.Minute, Burst: 100}
	// PublicLimit guards discovery and JWKS.
	PublicLimit = RateLimitConfig{RequestsPerWindow: 1000, Window: time.Minute, Burst: 1000}
)

// WithEnv returns c overridden by RATELIMIT_{prefix}_REQUESTS,
// RATELIMIT_{prefix}_WINDOW_SEC and RATELIMIT_{prefix}_BURST. Missing,
// malformed and non-positive values keep the current setting.
func (c RateLimitConfig) WithEnv(prefix string, getenv func(string) string) RateLimitConfig {
	positive := func(field string) (int, bool) {
		n, err := strconv.Atoi(getenv("RATELIMIT_" + prefix + "_" + field))
		return n, err == nil && n > 0
	}
	if n, ok := positive("REQUESTS"); ok {
		c.RequestsPerWindow = n
	}
	if n, ok := positive("WINDOW_SEC"); ok {
		c.Window = time.Duration(n) * time.Second
	}
	if n, ok := positive("BURST"); ok {
		c.Burst = n
	}
	return c
}

// LoadRateLimitsFromEnv applies WithEnv to every profile.
func LoadRateLimitsFromEnv(getenv func(string) string) {
	StrictLimit = StrictLimit.WithEnv("STRICT", getenv)
	ModerateLimit = ModerateLimit.WithEnv("MODERATE", getenv)
	LenientLimit = LenientLimit.WithEnv("LENIENT", getenv)
	PublicLimit = PublicLimit.WithEnv("PUBLIC", getenv)
}

// KeyExtractor names the bucket a request is charged to. An empty key is
// not limited.
type KeyExtractor func(*http.Request) string

// IPKeyExtractor uses the first X-Forwarded-For hop, then X-Real-IP, then
// the peer address.
func IPKeyExtractor(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// PrincipalKeyExtractor uses the subject of the verified bearer token.
func PrincipalKeyExtractor(r *http.Request) string {
	p, _ := PrincipalFromContext(r.Context())
	return p.Subject
}

// PathValueKeyExtractor uses a ServeMux wildcard, such as the realm.
func PathValueKeyExtractor(name string) KeyExtractor {
	return func(r *http.Request) string { return r.PathValue(name) }
}

// FormFieldKeyExtractor reads a query or form parameter.
func FormFieldKeyExtractor(field string) KeyExtractor {
	return func(r *http.Request) string {
		if err := r.ParseForm(); err != nil {
			return ""
		}
		return r.FormValue(field)
	}
}

// CompositeKeyExtractor joins the non-empty keys of extractors with sep.
func CompositeKeyExtractor(sep string, extractors ...KeyExtractor) KeyExtractor {
	return func(r *http.Request) string {
		parts := make([]string, 0, len(extractors))
		for _, ex := range extractors {
			if k := ex(r); k != "" {
				parts = append(parts, k)
			}
		}
		return strings.Join(parts, sep)
	}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per key. Buckets idle for longer than
// the refill time of a full burst are swept.
type RateLimiter struct {
	Config RateLimitConfig
	Key    KeyExtractor
	Now    func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

func NewRateLimiter(cfg RateLimitConfig, key KeyExtractor) *RateLimiter {
	return &RateLimiter{
		Config:  cfg,
		Key:     key,
		Now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow charges one request to key. When refused it also returns how long
// until the next token.
func (l *RateLimiter) Allow(key string) (bool, time.Duration) {
	now := l.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweep(now)
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.Config.limit(), l.Config.Burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now

	if b.limiter.AllowN(now, 1) {
		return true, 0
	}
	r := b.limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return false, delay
}

// Len is the number of live buckets.
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *RateLimiter) idleAfter() time.Duration {
	refill := time.Duration(float64(l.Config.Burst) / float64(l.Config.limit()) * float64(time.Second))
	return max(refill, time.Minute)
}

func (l *RateLimiter) sweep(now time.Time) {
	idle := l.idleAfter()
	if now.Sub(l.lastSweep) < idle {
		return
	}
	l.lastSweep = now
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) >= idle {
			delete(l.buckets, k)
		}
	}
}

// Middleware refuses requests over the limit with 429 and an OAuth2
// temporarily_unavailable body.
func (l *RateLimiter) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := l.Key(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			ok, delay := l.Allow(key)
			if ok {
				next.ServeHTTP(w, r)
				return
			}

			retryAfter := max(int((delay+time.Second-1)/time.Second), 1)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.Config.RequestsPerWindow))
			w.Header().Set("X-RateLimit-Window", l.Config.Window.String())

			slogx.FromContext(r.Context()).Warn("rate limit exceeded",
				slog.String("key", key),
				slog.Int("retry_after", retryAfter),
			)
			WriteJSON(w, http.StatusTooManyRequests, map[string]string{
				"error":             "temporarily_unavailable",
				"error_description": "too many requests, retry later",
			})
		})
	}
}

// RateLimitMiddleware is NewRateLimiter(cfg, key).Middleware().
func RateLimitMiddleware(cfg RateLimitConfig, key KeyExtractor) Middleware {
	return NewRateLimiter(cfg, key).Middleware()
}

// RateLimitByIP limits per client address.
func RateLimitByIP(cfg RateLimitConfig) Middleware {
	return RateLimitMiddleware(cfg, IPKeyExtractor)
}

// RateLimitByUser limits per bearer subject and address. Must run after
// BearerAuth.
func RateLimitByUser(cfg RateLimitConfig) Middleware {
	return RateLimitMiddleware(cfg, CompositeKeyExtractor(":", PrincipalKeyExtractor, IPKeyExtractor))
}

// RateLimitByIPAndFormField limits per address and parameter, e.g. the
// username of a login form.
func RateLimitByIPAndFormField(cfg RateLimitConfig, field string) Middleware {
	return RateLimitMiddleware(cfg, CompositeKeyExtractor(":", IPKeyExtractor, FormFieldKeyExtractor(field)))
}
