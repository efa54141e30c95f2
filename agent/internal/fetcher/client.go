package fetcher

import (
	"net/http"
	"time"
)

const defaultTimeout = 30 * time.Second

// Doer is the subset of *http.Client the fetcher needs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// authRoundTripper injects credentials and identification into every
// outgoing request. Credentials are applied here rather than per request so
// they never become part of a cache key.
type authRoundTripper struct {
	base      http.RoundTripper
	token     string
	userAgent string
}

func (t *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.token == "" && t.userAgent == "" {
		return t.base.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	return t.base.RoundTrip(req)
}

// NewHTTPClient builds a client that authenticates with token (if any) and
// identifies itself with userAgent.
func NewHTTPClient(token, userAgent string, timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{
		Transport: &authRoundTripper{
			base:      http.DefaultTransport,
			token:     token,
			userAgent: userAgent,
		},
		Timeout: timeout,
	}
}
