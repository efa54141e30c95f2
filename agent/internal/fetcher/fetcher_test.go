package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/agent/internal/fetchcache"
)

// countingServer answers with handler and counts requests.
type countingServer struct {
	*httptest.Server
	calls atomic.Int32
}

func newCountingServer(t *testing.T, handler func(n int, w http.ResponseWriter, r *http.Request)) *countingServer {
	t.Helper()
	cs := &countingServer{}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(cs.calls.Add(1))
		handler(n, w, r)
	}))
	t.Cleanup(cs.Close)
	return cs
}

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

type harness struct {
	f      *Fetcher
	cache  *fetchcache.Cache
	clock  *fakeClock
	sleeps []time.Duration
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	cache, err := fetchcache.Open(fetchcache.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	}
	h := &harness{
		cache: cache,
		clock: &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)},
	}
	h.f = New(cache, opts)
	h.f.now = h.clock.Now
	h.f.sleep = func(_ context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	return h
}

func TestFetch_FreshHitSkipsNetwork(t *testing.T) {
	srv := newCountingServer(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"ok":true}`)) //nolint:errcheck
	})
	h := newHarness(t, Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		body, err := h.f.Fetch(ctx, srv.URL+"/repos/acme/alpha", time.Hour)
		require.NoError(t, err)
		assert.JSONEq(t, `{"ok":true}`, string(body))
		h.clock.Advance(10 * time.Minute)
	}
	assert.Equal(t, int32(1), srv.calls.Load(), "fetches inside the ttl must reuse the cached entry")
}

func TestFetch_StaleEntryRefetches(t *testing.T) {
	srv := newCountingServer(t, func(n int, w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(strconv.Itoa(n))) //nolint:errcheck
	})
	h := newHarness(t, Options{})
	ctx := context.Background()
	target := srv.URL + "/repos/acme/alpha"

	body, err := h.f.Fetch(ctx, target, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "1", string(body))
	firstAt := h.clock.Now()

	h.clock.Advance(time.Hour)
	body, err = h.f.Fetch(ctx, target, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "2", string(body))
	assert.Equal(t, int32(2), srv.calls.Load())

	e, ok := h.cache.Get(fetchcache.Key(target, h.f.headers))
	require.True(t, ok)
	assert.True(t, e.FetchedAt.After(firstAt), "refetch must overwrite the cached timestamp")
	assert.Equal(t, "2", string(e.Payload))
}

func TestFetch_SameEntryServesDifferentTTLs(t *testing.T) {
	srv := newCountingServer(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("x")) //nolint:errcheck
	})
	h := newHarness(t, Options{})
	ctx := context.Background()
	target := srv.URL + "/readme"

	_, err := h.f.Fetch(ctx, target, 24*time.Hour)
	require.NoError(t, err)
	h.clock.Advance(2 * time.Hour)

	_, err = h.f.Fetch(ctx, target, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int32(1), srv.calls.Load())

	_, err = h.f.Fetch(ctx, target, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int32(2), srv.calls.Load(), "a stricter ttl must refetch the same entry")
}

func TestFetch_RetriesTransientThenSucceeds(t *testing.T) {
	srv := newCountingServer(t, func(n int, w http.ResponseWriter, _ *http.Request) {
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("done")) //nolint:errcheck
	})
	h := newHarness(t, Options{})

	body, err := h.f.Fetch(context.Background(), srv.URL, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "done", string(body))
	assert.Equal(t, int32(3), srv.calls.Load())
	require.Len(t, h.sleeps, 2)
	for _, d := range h.sleeps {
		assert.LessOrEqual(t, d, 50*time.Millisecond)
	}
}

func TestFetch_TransientExhaustsBudget(t *testing.T) {
	srv := newCountingServer(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	h := newHarness(t, Options{})

	_, err := h.f.Fetch(context.Background(), srv.URL, time.Hour)
	require.Error(t, err)
	assert.Equal(t, KindTransient, KindOf(err))
	assert.Equal(t, int32(3), srv.calls.Load())

	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, http.StatusBadGateway, fe.Status)
}

func TestFetch_TerminalErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantKind Kind
	}{
		{"not found", http.StatusNotFound, KindNotFound},
		{"gone", http.StatusGone, KindNotFound},
		{"bad request", http.StatusBadRequest, KindTerminal},
		{"plain forbidden", http.StatusForbidden, KindTerminal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := newCountingServer(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			})
			h := newHarness(t, Options{})

			_, err := h.f.Fetch(context.Background(), srv.URL, time.Hour)
			require.Error(t, err)
			assert.Equal(t, tc.wantKind, KindOf(err))
			assert.Equal(t, int32(1), srv.calls.Load())
			assert.Empty(t, h.sleeps)
		})
	}
}

func TestFetch_NotFoundMatchesSentinel(t *testing.T) {
	srv := newCountingServer(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	h := newHarness(t, Options{})

	_, err := h.f.Fetch(context.Background(), srv.URL, time.Hour)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrRateLimitExhausted)
}

func TestFetch_SearchQuotaDoesNotStop(t *testing.T) {
	srv := newCountingServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/search") {
			w.Header().Set("X-RateLimit-Resource", "search")
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Limit", "30")
			if r.URL.Path == "/search/denied" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
		}
		w.Write([]byte("ok")) //nolint:errcheck
	})
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, err := h.f.Fetch(ctx, srv.URL+"/search/issues", time.Hour)
	require.NoError(t, err)
	_, err = h.f.Fetch(ctx, srv.URL+"/search/denied", time.Hour)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRateLimitExhausted)

	_, err = h.f.Fetch(ctx, srv.URL+"/repos/x", time.Hour)
	require.NoError(t, err, "the search quota must not stop primary fetches")
	assert.False(t, h.f.RateLimit().Stopped)
}

func TestFetch_PrimaryRateLimitHardStops(t *testing.T) {
	srv := newCountingServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/cached" {
			w.Header().Set("X-RateLimit-Remaining", "100")
			w.Write([]byte("cached")) //nolint:errcheck
			return
		}
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Limit", "5000")
		w.WriteHeader(http.StatusForbidden)
	})
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, err := h.f.Fetch(ctx, srv.URL+"/cached", time.Hour)
	require.NoError(t, err)

	_, err = h.f.Fetch(ctx, srv.URL+"/limited", time.Hour)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimitExhausted)
	assert.Equal(t, KindRateLimited, KindOf(err))
	assert.Equal(t, int32(2), srv.calls.Load(), "rate limit must not be retried")

	_, err = h.f.Fetch(ctx, srv.URL+"/other", time.Hour)
	assert.ErrorIs(t, err, ErrRateLimitExhausted)
	assert.Equal(t, int32(2), srv.calls.Load(), "a stopped fetcher must not reach the network")

	body, err := h.f.Fetch(ctx, srv.URL+"/cached", time.Hour)
	require.NoError(t, err, "fresh cache entries still serve while stopped")
	assert.Equal(t, "cached", string(body))

	st := h.f.RateLimit()
	assert.True(t, st.Known)
	assert.True(t, st.Stopped)
	assert.Equal(t, 0, st.Remaining)
}

func TestFetch_StopClearsAfterReset(t *testing.T) {
	h := newHarness(t, Options{})
	resetAt := h.clock.Now().Add(time.Minute)
	srv := newCountingServer(t, func(n int, w http.ResponseWriter, _ *http.Request) {
		if n == 1 {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok")) //nolint:errcheck
	})
	ctx := context.Background()

	_, err := h.f.Fetch(ctx, srv.URL+"/a", time.Hour)
	require.ErrorIs(t, err, ErrRateLimitExhausted)

	h.clock.Advance(2 * time.Minute)
	body, err := h.f.Fetch(ctx, srv.URL+"/b", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
}

func TestFetch_SecondaryRateLimitIsRetried(t *testing.T) {
	srv := newCountingServer(t, func(n int, w http.ResponseWriter, _ *http.Request) {
		if n == 1 {
			w.Header().Set("Retry-After", "1")
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write([]byte("ok")) //nolint:errcheck
	})
	h := newHarness(t, Options{})

	body, err := h.f.Fetch(context.Background(), srv.URL, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, int32(2), srv.calls.Load())
	require.Len(t, h.sleeps, 1)
	assert.Equal(t, 50*time.Millisecond, h.sleeps[0], "retry-after is honoured up to the max delay")
}

func TestFetch_SecondaryRateLimitFromBody(t *testing.T) {
	srv := newCountingServer(t, func(n int, w http.ResponseWriter, _ *http.Request) {
		if n == 1 {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"message":"You have exceeded a secondary rate limit"}`)) //nolint:errcheck
			return
		}
		w.Write([]byte("ok")) //nolint:errcheck
	})
	h := newHarness(t, Options{})

	_, err := h.f.Fetch(context.Background(), srv.URL, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int32(2), srv.calls.Load())
}

func TestFetch_SendsHeadersAndToken(t *testing.T) {
	var gotAuth, gotAccept, gotUA string
	srv := newCountingServer(t, func(_ int, w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		gotUA = r.Header.Get("User-Agent")
		w.Write([]byte("{}")) //nolint:errcheck
	})
	headers := http.Header{}
	headers.Set("Accept", "application/vnd.github+json")
	h := newHarness(t, Options{Token: "tok", UserAgent: "extwatch-test", Headers: headers})

	_, err := h.f.Fetch(context.Background(), srv.URL, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "application/vnd.github+json", gotAccept)
	assert.Equal(t, "extwatch-test", gotUA)
}

func TestFetchJSON_MalformedIsTerminal(t *testing.T) {
	srv := newCountingServer(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("<html>")) //nolint:errcheck
	})
	h := newHarness(t, Options{})

	var v map[string]interface{}
	err := h.f.FetchJSON(context.Background(), srv.URL, time.Hour, &v)
	require.Error(t, err)
	assert.Equal(t, KindTerminal, KindOf(err))
}

func TestFetch_CustomRetryable(t *testing.T) {
	srv := newCountingServer(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	h := newHarness(t, Options{Retry: RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		Retryable:   func(*FetchError) bool { return false },
	}})

	_, err := h.f.Fetch(context.Background(), srv.URL, time.Hour)
	require.Error(t, err)
	assert.Equal(t, int32(1), srv.calls.Load())
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	bo := newBackoff(RetryPolicy{BaseDelay: time.Second, MaxDelay: 10 * time.Second})
	var prevCeiling time.Duration
	for i := 0; i < 8; i++ {
		d := bo.next()
		assert.LessOrEqual(t, d, 10*time.Second)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.GreaterOrEqual(t, bo.current, prevCeiling)
		prevCeiling = bo.current
	}
	assert.Equal(t, 10*time.Second, bo.current)
}

func TestRetryPolicy_AttemptsFloor(t *testing.T) {
	assert.Equal(t, 1, RetryPolicy{}.attempts())
	assert.Equal(t, 3, DefaultRetryPolicy().attempts())
}

func TestFetch_TimeoutIsRetried(t *testing.T) {
	srv := newCountingServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" && n == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		w.Write([]byte("ok")) //nolint:errcheck
	})
	h := newHarness(t, Options{Timeout: 50 * time.Millisecond})
	ctx := context.Background()

	body, err := h.f.Fetch(ctx, srv.URL+"/slow", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, int32(2), srv.calls.Load())
	assert.Len(t, h.sleeps, 1, "the timed-out attempt is retried once")
}

func TestFetch_TimeoutAffectsOnlyThatTarget(t *testing.T) {
	srv := newCountingServer(t, func(_ int, w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/hangs" {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		w.Write([]byte("ok")) //nolint:errcheck
	})
	h := newHarness(t, Options{
		Timeout: 50 * time.Millisecond,
		Retry:   RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	ctx := context.Background()

	_, err := h.f.Fetch(ctx, srv.URL+"/hangs", time.Hour)
	require.Error(t, err)
	assert.Equal(t, KindTransient, KindOf(err))
	assert.False(t, h.f.RateLimit().Stopped)

	body, err := h.f.Fetch(ctx, srv.URL+"/fine", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
}

func TestFetch_ConcurrentIdenticalRequestsShareOneCall(t *testing.T) {
	release := make(chan struct{})
	srv := newCountingServer(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		<-release
		w.Write([]byte(`{"shared":true}`)) //nolint:errcheck
	})
	h := newHarness(t, Options{})
	target := srv.URL + "/repos/acme/alpha"

	const n = 16
	var wg sync.WaitGroup
	bodies := make([][]byte, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bodies[i], errs[i] = h.f.Fetch(context.Background(), target, time.Hour)
		}(i)
	}

	require.Eventually(t, func() bool { return srv.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.JSONEq(t, `{"shared":true}`, string(bodies[i]))
	}
	assert.Equal(t, int32(1), srv.calls.Load())
}

func TestFetch_ConcurrentDistinctTargetsAreCached(t *testing.T) {
	srv := newCountingServer(t, func(_ int, w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.URL.Path)) //nolint:errcheck
	})
	h := newHarness(t, Options{})

	const n = 12
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := "/repos/acme/e" + strconv.Itoa(i)
			body, err := h.f.Fetch(context.Background(), srv.URL+path, time.Hour)
			assert.NoError(t, err)
			assert.Equal(t, path, string(body))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(n), srv.calls.Load())

	for i := 0; i < n; i++ {
		path := "/repos/acme/e" + strconv.Itoa(i)
		e, ok := h.cache.Get(fetchcache.Key(srv.URL+path, h.f.headers))
		require.True(t, ok, path)
		assert.Equal(t, path, string(e.Payload))
	}
	assert.Equal(t, int32(n), srv.calls.Load())
}
