// Package fetcher mediates every outbound request the agent makes.
//
// Fetch(ctx, target, ttl) consults the fetch cache first and returns a fresh
// entry without touching the network. On a miss or a stale entry it issues a
// GET through a paced HTTP client, retries transient failures under an
// explicit RetryPolicy, and writes successful payloads back to the cache with
// the time they were fetched. Concurrent fetches of the same key share one
// request.
//
// Failures are returned as *FetchError values tagged with a Kind:
//   - KindTransient: network errors, timeouts, 5xx, secondary rate limits.
//     Retried with jittered exponential backoff until the attempt budget
//     is spent.
//   - KindNotFound: 404 and 410. Never retried.
//   - KindTerminal: other 4xx and malformed payloads. Never retried.
//   - KindRateLimited: the primary quota is at or below the configured
//     floor. Never retried; the fetcher latches into a stopped state until
//     the quota resets so callers can abort a batch instead of digging a
//     deeper penalty.
//
// errors.Is(err, ErrNotFound) and errors.Is(err, ErrRateLimitExhausted) match
// the corresponding kinds.
package fetcher
