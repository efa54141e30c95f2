package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/agent/internal/fetchcache"
)

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 16 << 20

// Cache is the storage the fetcher consults before going to the network.
type Cache interface {
	Get(key string) (fetchcache.Entry, bool)
	Set(key string, payload []byte, fetchedAt time.Time)
}

// Options configures a Fetcher. Zero values fall back to defaults.
type Options struct {
	// Client performs requests. Nil uses NewHTTPClient with Token/UserAgent.
	Client    Doer
	Token     string
	UserAgent string

	// Headers are sent with every request and are part of the cache key.
	Headers http.Header

	// Timeout bounds a single attempt.
	Timeout time.Duration

	Retry RetryPolicy

	// RequestsPerSecond paces attempts. Zero disables pacing.
	RequestsPerSecond float64
	Burst             int

	// RateLimitFloor is the remaining quota at or below which the primary
	// rate limit counts as exhausted.
	RateLimitFloor int

	Logger *slog.Logger
}

// RateLimitState is the last quota information seen in response headers.
type RateLimitState struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	Known     bool      `json:"known"`
	Stopped   bool      `json:"stopped"`
}

// Fetcher is a cache-coherent, retrying HTTP GET client.
type Fetcher struct {
	client  Doer
	cache   Cache
	headers http.Header
	timeout time.Duration
	retry   RetryPolicy
	limiter *rate.Limiter
	floor   int
	log     *slog.Logger
	group   singleflight.Group

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	quota    RateLimitState
	stopped  bool
	stopTill time.Time
}

// New returns a Fetcher backed by cache.
func New(cache Cache, opts Options) *Fetcher {
	client := opts.Client
	if client == nil {
		client = NewHTTPClient(opts.Token, opts.UserAgent, opts.Timeout)
	}
	if opts.Retry.MaxAttempts == 0 && opts.Retry.BaseDelay == 0 && opts.Retry.MaxDelay == 0 {
		retryable := opts.Retry.Retryable
		opts.Retry = DefaultRetryPolicy()
		opts.Retry.Retryable = retryable
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	f := &Fetcher{
		client:  client,
		cache:   cache,
		headers: opts.Headers.Clone(),
		timeout: timeout,
		retry:   opts.Retry,
		floor:   opts.RateLimitFloor,
		log:     logger,
		now:     time.Now,
		sleep:   sleepCtx,
	}
	if f.headers == nil {
		f.headers = http.Header{}
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return f
}

// Fetch returns the payload at target, from cache when an entry younger than
// ttl exists, otherwise from the network.
func (f *Fetcher) Fetch(ctx context.Context, target string, ttl time.Duration) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "Fetcher.Fetch",
		trace.WithAttributes(attribute.String("fetch.target", target)))
	defer span.End()

	key := fetchcache.Key(target, f.headers)
	if e, ok := f.cache.Get(key); ok && e.Fresh(ttl, f.now()) {
		fetchTotal.WithLabelValues("hit").Inc()
		span.SetAttributes(attribute.Bool("fetch.cache_hit", true))
		return e.Payload, nil
	}

	if f.hardStopped() {
		fetchTotal.WithLabelValues(KindRateLimited.String()).Inc()
		return nil, &FetchError{Kind: KindRateLimited, Target: target, Err: ErrRateLimitExhausted}
	}

	v, err, _ := f.group.Do(key, func() (interface{}, error) {
		return f.fetchWithRetry(ctx, target, key)
	})
	if err != nil {
		fetchTotal.WithLabelValues(KindOf(err).String()).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	fetchTotal.WithLabelValues("fetched").Inc()
	return v.([]byte), nil
}

// FetchJSON fetches target and decodes it into v. A payload that does not
// decode is a terminal error.
func (f *Fetcher) FetchJSON(ctx context.Context, target string, ttl time.Duration, v interface{}) error {
	body, err := f.Fetch(ctx, target, ttl)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &FetchError{Kind: KindTerminal, Target: target, Err: fmt.Errorf("decode json: %w", err)}
	}
	return nil
}

// RateLimit returns the last observed quota state.
func (f *Fetcher) RateLimit() RateLimitState {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.quota
	q.Stopped = f.stoppedLocked()
	return q
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, target, key string) ([]byte, error) {
	bo := newBackoff(f.retry)
	attempts := f.retry.attempts()

	var last *FetchError
	for attempt := 1; attempt <= attempts; attempt++ {
		body, fe := f.attempt(ctx, target)
		if fe == nil {
			f.cache.Set(key, body, f.now())
			return body, nil
		}
		last = fe

		if fe.Kind == KindRateLimited {
			f.log.Warn("fetcher: primary rate limit exhausted",
				"target", target, "status", fe.Status)
			return nil, fe
		}
		if attempt == attempts || !f.retry.retryable(fe) {
			break
		}

		wait := bo.next()
		if fe.RetryAfter > wait {
			wait = min(fe.RetryAfter, f.retry.MaxDelay)
		}
		retryTotal.Inc()
		f.log.Debug("fetcher: retrying",
			"target", target, "attempt", attempt, "status", fe.Status,
			"retry_in", wait, "err", fe.Err)
		if err := f.sleep(ctx, wait); err != nil {
			return nil, &FetchError{Kind: KindTransient, Target: target, Status: fe.Status, Err: err}
		}
	}
	return nil, last
}

// attempt performs one request and classifies its outcome.
func (f *Fetcher) attempt(ctx context.Context, target string) ([]byte, *FetchError) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, &FetchError{Kind: KindTransient, Target: target, Err: err}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &FetchError{Kind: KindTerminal, Target: target, Err: fmt.Errorf("build request: %w", err)}
	}
	for name, vals := range f.headers {
		req.Header[name] = append([]string(nil), vals...)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	requestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		requestTotal.WithLabelValues(statusClass(0)).Inc()
		return nil, &FetchError{Kind: KindTransient, Target: target, Err: err}
	}
	defer resp.Body.Close()
	requestTotal.WithLabelValues(statusClass(resp.StatusCode)).Inc()

	f.observeQuota(resp.Header)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &FetchError{Kind: KindTransient, Target: target, Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	if fe := f.classify(target, resp, body); fe != nil {
		return nil, fe
	}
	return body, nil
}

// classify maps a non-2xx response onto a FetchError. Secondary limits are
// recognised first: they carry Retry-After or say so in the body and are
// worth waiting out. A rejection while the remaining quota is at the floor
// is the primary limit.
func (f *Fetcher) classify(target string, resp *http.Response, body []byte) *FetchError {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}
	fe := &FetchError{Target: target, Status: code, Err: errors.New(http.StatusText(code))}

	switch {
	case code == http.StatusNotFound || code == http.StatusGone:
		fe.Kind = KindNotFound

	case code == http.StatusForbidden || code == http.StatusTooManyRequests:
		if ra, ok := retryAfter(resp.Header, f.now()); ok || bytes.Contains(bytes.ToLower(body), []byte("secondary rate limit")) {
			fe.Kind = KindTransient
			fe.RetryAfter = ra
			fe.Err = errors.New("secondary rate limit")
			break
		}
		if remaining, ok := headerInt(resp.Header, "X-RateLimit-Remaining"); ok && remaining <= f.floor && primaryQuota(resp.Header) {
			fe.Kind = KindRateLimited
			fe.Err = ErrRateLimitExhausted
			f.latchStop()
			break
		}
		if code == http.StatusTooManyRequests {
			fe.Kind = KindTransient
		} else {
			fe.Kind = KindTerminal
		}

	case code == http.StatusRequestTimeout || code >= 500:
		fe.Kind = KindTransient

	default:
		fe.Kind = KindTerminal
	}
	return fe
}

// observeQuota records rate-limit headers. Reaching the floor latches the
// stop even on a successful response so the next uncached fetch fails fast.
func (f *Fetcher) observeQuota(h http.Header) {
	remaining, ok := headerInt(h, "X-RateLimit-Remaining")
	if !ok || !primaryQuota(h) {
		return
	}
	limit, _ := headerInt(h, "X-RateLimit-Limit")
	var resetAt time.Time
	if reset, ok := headerInt(h, "X-RateLimit-Reset"); ok {
		resetAt = time.Unix(int64(reset), 0)
	}

	quotaRemaining.Set(float64(remaining))

	f.mu.Lock()
	defer f.mu.Unlock()
	f.quota = RateLimitState{Limit: limit, Remaining: remaining, ResetAt: resetAt, Known: true}
	if remaining <= f.floor {
		f.stopped = true
		f.stopTill = resetAt
	}
}

// primaryQuota reports whether h describes the primary request quota. Search
// and other resources have small separate quotas that must not stop a run.
func primaryQuota(h http.Header) bool {
	r := h.Get("X-RateLimit-Resource")
	return r == "" || r == "core"
}

func (f *Fetcher) latchStop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	if f.stopTill.IsZero() {
		f.stopTill = f.quota.ResetAt
	}
}

func (f *Fetcher) hardStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stoppedLocked()
}

// stoppedLocked clears an expired stop. Callers hold f.mu.
func (f *Fetcher) stoppedLocked() bool {
	if !f.stopped {
		return false
	}
	if !f.stopTill.IsZero() && !f.now().Before(f.stopTill) {
		f.stopped = false
		f.stopTill = time.Time{}
		return false
	}
	return true
}

func headerInt(h http.Header, name string) (int, bool) {
	v := h.Get(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// retryAfter parses Retry-After as seconds or an HTTP date.
func retryAfter(h http.Header, now time.Time) (time.Duration, bool) {
	v := h.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
