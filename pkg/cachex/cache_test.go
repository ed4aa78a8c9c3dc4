package cachex_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aussiebroadwan/authme/pkg/cachex"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestCache_TTL(t *testing.T) {
	t.Parallel()

	clk := &clock{now: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)}
	var loads atomic.Int32
	c := cachex.New(time.Minute, clk.Now, func(_ context.Context, k cachex.Key) (string, error) {
		n := loads.Add(1)
		return k.Tenant + "-" + string(rune('0'+n)), nil
	})

	key := cachex.Key{Tenant: "t1", Issuer: "https://a"}

	v, err := c.Get(t.Context(), key)
	require.NoError(t, err)
	require.Equal(t, "t1-1", v)

	clk.Advance(59 * time.Second)
	v, err = c.Get(t.Context(), key)
	require.NoError(t, err)
	require.Equal(t, "t1-1", v, "entry still fresh")

	clk.Advance(2 * time.Second)
	v, err = c.Get(t.Context(), key)
	require.NoError(t, err)
	require.Equal(t, "t1-2", v, "entry reloaded after TTL")
}

func TestCache_KeyedByTenantAndIssuer(t *testing.T) {
	t.Parallel()

	c := cachex.New(time.Hour, nil, func(_ context.Context, k cachex.Key) (string, error) {
		return k.Tenant + "|" + k.Issuer, nil
	})

	a, err := c.Get(t.Context(), cachex.Key{Tenant: "t1", Issuer: "https://a"})
	require.NoError(t, err)
	b, err := c.Get(t.Context(), cachex.Key{Tenant: "t2", Issuer: "https://a"})
	require.NoError(t, err)
	d, err := c.Get(t.Context(), cachex.Key{Tenant: "t1", Issuer: "https://b"})
	require.NoError(t, err)

	require.Equal(t, "t1|https://a", a)
	require.Equal(t, "t2|https://a", b)
	require.Equal(t, "t1|https://b", d)
	require.Equal(t, 3, c.Len())
}

func TestCache_InvalidateAndRefresh(t *testing.T) {
	t.Parallel()

	clk := &clock{now: time.Unix(0, 0)}
	var loads atomic.Int32
	c := cachex.New(time.Hour, clk.Now, func(context.Context, cachex.Key) (int32, error) {
		return loads.Add(1), nil
	})
	key := cachex.Key{Tenant: "t"}

	v, _ := c.Get(t.Context(), key)
	require.EqualValues(t, 1, v)

	c.Invalidate(key)
	v, _ = c.Get(t.Context(), key)
	require.EqualValues(t, 2, v)

	// Too young to refresh.
	v, _ = c.Refresh(t.Context(), key, 10*time.Second)
	require.EqualValues(t, 2, v)

	clk.Advance(11 * time.Second)
	v, _ = c.Refresh(t.Context(), key, 10*time.Second)
	require.EqualValues(t, 3, v)
}

func TestCache_StaleOnError(t *testing.T) {
	t.Parallel()

	clk := &clock{now: time.Unix(0, 0)}
	fail := atomic.Bool{}
	c := cachex.New(time.Minute, clk.Now, func(context.Context, cachex.Key) (string, error) {
		if fail.Load() {
			return "", errors.New("store down")
		}
		return "v1", nil
	})
	var reported atomic.Int32
	c.OnStaleError = func(cachex.Key, error) { reported.Add(1) }

	key := cachex.Key{Tenant: "t"}
	_, err := c.Get(t.Context(), key)
	require.NoError(t, err)

	fail.Store(true)
	clk.Advance(2 * time.Minute)
	v, err := c.Get(t.Context(), key)
	require.NoError(t, err)
	require.Equal(t, "v1", v)
	require.EqualValues(t, 1, reported.Load())

	_, err = c.Get(t.Context(), cachex.Key{Tenant: "other"})
	require.Error(t, err, "no stale value to fall back on")
}

func TestCache_CoalescesConcurrentLoads(t *testing.T) {
	t.Parallel()

	var loads atomic.Int32
	release := make(chan struct{})
	c := cachex.New(time.Hour, nil, func(context.Context, cachex.Key) (string, error) {
		loads.Add(1)
		<-release
		return "v", nil
	})

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.Get(context.Background(), cachex.Key{Tenant: "t"})
			require.NoError(t, err)
			require.Equal(t, "v", v)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.EqualValues(t, 1, loads.Load())
}
