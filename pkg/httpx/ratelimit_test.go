package httpx_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aussiebroadwan/authme/pkg/httpx"
	"github.com/stretchr/testify/require"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func requestFrom(ip string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = ip + ":40000"
	return r
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestIPKeyExtractor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"peer address", nil, "192.0.2.1:1234", "192.0.2.1"},
		{"first forwarded hop", map[string]string{"X-Forwarded-For": "203.0.113.1, 192.0.2.1"}, "192.0.2.1:1234", "203.0.113.1"},
		{"real ip", map[string]string{"X-Real-IP": " 203.0.113.2 "}, "192.0.2.1:1234", "203.0.113.2"},
		{"no port", nil, "192.0.2.9", "192.0.2.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			require.Equal(t, tt.want, httpx.IPKeyExtractor(r))
		})
	}
}

func TestKeyExtractors(t *testing.T) {
	t.Parallel()

	t.Run("form field from query and body", func(t *testing.T) {
		ex := httpx.FormFieldKeyExtractor("username")
		require.Equal(t, "alice", ex(httptest.NewRequest(http.MethodGet, "/?username=alice", nil)))

		body := url.Values{"username": {"bob"}}.Encode()
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		require.Equal(t, "bob", ex(r))
		require.Equal(t, "bob", r.PostForm.Get("username"), "body stays readable by the handler")

		require.Empty(t, ex(httptest.NewRequest(http.MethodGet, "/", nil)))
	})

	t.Run("composite skips empty parts", func(t *testing.T) {
		ex := httpx.CompositeKeyExtractor(":", httpx.IPKeyExtractor, httpx.FormFieldKeyExtractor("username"))
		r := httptest.NewRequest(http.MethodGet, "/?username=alice", nil)
		r.RemoteAddr = "192.0.2.1:1234"
		require.Equal(t, "192.0.2.1:alice", ex(r))

		r = httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "192.0.2.1:1234"
		require.Equal(t, "192.0.2.1", ex(r))
	})

	t.Run("principal", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		require.Empty(t, httpx.PrincipalKeyExtractor(r))
		r = r.WithContext(httpx.WithPrincipal(r.Context(), httpx.Principal{Subject: "user-1"}))
		require.Equal(t, "user-1", httpx.PrincipalKeyExtractor(r))
	})

	t.Run("path value", func(t *testing.T) {
		mux := http.NewServeMux()
		var got string
		mux.HandleFunc("GET /realms/{realm}/x", func(w http.ResponseWriter, r *http.Request) {
			got = httpx.PathValueKeyExtractor("realm")(r)
		})
		serve(mux, httptest.NewRequest(http.MethodGet, "/realms/acme/x", nil))
		require.Equal(t, "acme", got)
	})
}

func TestRateLimiter(t *testing.T) {
	t.Parallel()

	newLimiter := func(cfg httpx.RateLimitConfig) (*httpx.RateLimiter, *fakeClock) {
		clock := &fakeClock{now: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)}
		l := httpx.NewRateLimiter(cfg, httpx.IPKeyExtractor)
		l.Now = clock.Now
		return l, clock
	}

	t.Run("burst then refusal", func(t *testing.T) {
		l, _ := newLimiter(httpx.RateLimitConfig{RequestsPerWindow: 3, Window: time.Minute, Burst: 3})
		h := l.Middleware()(okHandler)

		for i := range 3 {
			require.Equal(t, http.StatusOK, serve(h, requestFrom("192.0.2.1")).Code, "request %d", i+1)
		}
		rec := serve(h, requestFrom("192.0.2.1"))
		require.Equal(t, http.StatusTooManyRequests, rec.Code)
		require.NotEmpty(t, rec.Header().Get("Retry-After"))
		require.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
		require.Equal(t, "1m0s", rec.Header().Get("X-RateLimit-Window"))
		require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		require.Equal(t, "temporarily_unavailable", body["error"])
	})

	t.Run("keys are independent", func(t *testing.T) {
		l, _ := newLimiter(httpx.RateLimitConfig{RequestsPerWindow: 1, Window: time.Minute, Burst: 1})
		h := l.Middleware()(okHandler)

		require.Equal(t, http.StatusOK, serve(h, requestFrom("192.0.2.1")).Code)
		require.Equal(t, http.StatusTooManyRequests, serve(h, requestFrom("192.0.2.1")).Code)
		require.Equal(t, http.StatusOK, serve(h, requestFrom("192.0.2.2")).Code)
	})

	t.Run("refills over time", func(t *testing.T) {
		l, clock := newLimiter(httpx.RateLimitConfig{RequestsPerWindow: 2, Window: time.Minute, Burst: 1})

		ok, _ := l.Allow("k")
		require.True(t, ok)
		ok, delay := l.Allow("k")
		require.False(t, ok)
		require.InDelta(t, 30, delay.Seconds(), 0.01)

		clock.Advance(31 * time.Second)
		ok, _ = l.Allow("k")
		require.True(t, ok)
	})

	t.Run("refusals do not consume tokens", func(t *testing.T) {
		l, clock := newLimiter(httpx.RateLimitConfig{RequestsPerWindow: 1, Window: time.Second, Burst: 1})
		l.Allow("k")
		for range 5 {
			ok, _ := l.Allow("k")
			require.False(t, ok)
		}
		clock.Advance(1100 * time.Millisecond)
		ok, _ := l.Allow("k")
		require.True(t, ok)
	})

	t.Run("idle buckets are swept", func(t *testing.T) {
		l, clock := newLimiter(httpx.RateLimitConfig{RequestsPerWindow: 10, Window: time.Minute, Burst: 10})
		for i := range 50 {
			l.Allow(fmt.Sprintf("192.0.2.%d", i))
		}
		require.Equal(t, 50, l.Len())

		clock.Advance(2 * time.Minute)
		l.Allow("fresh")
		require.Equal(t, 1, l.Len())
	})

	t.Run("empty key passes", func(t *testing.T) {
		l := httpx.NewRateLimiter(httpx.RateLimitConfig{RequestsPerWindow: 1, Window: time.Minute, Burst: 1},
			func(*http.Request) string { return "" })
		h := l.Middleware()(okHandler)
		for range 3 {
			require.Equal(t, http.StatusOK, serve(h, requestFrom("192.0.2.1")).Code)
		}
		require.Zero(t, l.Len())
	})
}

func TestRateLimitByIPAndFormField(t *testing.T) {
	t.Parallel()
	h := httpx.RateLimitByIPAndFormField(httpx.RateLimitConfig{RequestsPerWindow: 2, Window: time.Minute, Burst: 2}, "username")(okHandler)

	login := func(user string) int {
		body := url.Values{"username": {user}, "password": {"x"}}.Encode()
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		r.RemoteAddr = "192.0.2.1:1234"
		return serve(h, r).Code
	}

	require.Equal(t, http.StatusOK, login("alice"))
	require.Equal(t, http.StatusOK, login("alice"))
	require.Equal(t, http.StatusTooManyRequests, login("alice"))
	require.Equal(t, http.StatusOK, login("bob"))
}

func TestRateLimitProfiles(t *testing.T) {
	t.Parallel()

	ordered := []httpx.RateLimitConfig{httpx.StrictLimit, httpx.ModerateLimit, httpx.LenientLimit, httpx.PublicLimit}
	for i, cfg := range ordered {
		require.Positive(t, cfg.RequestsPerWindow)
		require.Positive(t, cfg.Window)
		require.Positive(t, cfg.Burst)
		if i > 0 {
			require.Less(t, ordered[i-1].RequestsPerWindow, cfg.RequestsPerWindow)
		}
	}
}

func TestRateLimitConfigWithEnv(t *testing.T) {
	t.Parallel()

	base := httpx.RateLimitConfig{RequestsPerWindow: 10, Window: time.Minute, Burst: 10}
	env := func(vars map[string]string) func(string) string {
		return func(k string) string { return vars[k] }
	}

	tests := []struct {
		name string
		vars map[string]string
		want httpx.RateLimitConfig
	}{
		{"nothing set", nil, base},
		{"requests", map[string]string{"RATELIMIT_TEST_REQUESTS": "50"},
			httpx.RateLimitConfig{RequestsPerWindow: 50, Window: time.Minute, Burst: 10}},
		{"window", map[string]string{"RATELIMIT_TEST_WINDOW_SEC": "120"},
			httpx.RateLimitConfig{RequestsPerWindow: 10, Window: 2 * time.Minute, Burst: 10}},
		{"all", map[string]string{"RATELIMIT_TEST_REQUESTS": "200", "RATELIMIT_TEST_WINDOW_SEC": "30", "RATELIMIT_TEST_BURST": "250"},
			httpx.RateLimitConfig{RequestsPerWindow: 200, Window: 30 * time.Second, Burst: 250}},
		{"garbage and zero ignored", map[string]string{"RATELIMIT_TEST_REQUESTS": "many", "RATELIMIT_TEST_WINDOW_SEC": "-10", "RATELIMIT_TEST_BURST": "0"}, base},
		{"other prefix ignored", map[string]string{"RATELIMIT_STRICT_REQUESTS": "1"}, base},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, base.WithEnv("TEST", env(tt.vars)))
		})
	}
}

func BenchmarkRateLimiterManyKeys(b *testing.B) {
	l := httpx.NewRateLimiter(httpx.RateLimitConfig{RequestsPerWindow: 1_000_000, Window: time.Minute, Burst: 1000}, httpx.IPKeyExtractor)
	h := l.Middleware()(okHandler)
	for i := 0; b.Loop(); i++ {
		serve(h, requestFrom(fmt.Sprintf("10.0.%d.%d", i%255, (i/255)%255)))
	}
}
