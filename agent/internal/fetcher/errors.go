package fetcher

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a fetch failure.
type Kind int

const (
	KindTransient Kind = iota
	KindNotFound
	KindTerminal
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	case KindTerminal:
		return "terminal"
	case KindRateLimited:
		return "rate_limited"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

var (
	// ErrNotFound matches failures of KindNotFound.
	ErrNotFound = errors.New("not found")

	// ErrRateLimitExhausted matches failures of KindRateLimited.
	ErrRateLimitExhausted = errors.New("rate limit exhausted")
)

// FetchError describes one failed fetch after retries.
type FetchError struct {
	Kind   Kind
	Target string

	// Status is the HTTP status of the last response, or 0 if none arrived.
	Status int

	// RetryAfter is the server-requested wait, when one was given.
	RetryAfter time.Duration

	Err error
}

func (e *FetchError) Error() string {
	msg := e.Kind.String()
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.Target, msg, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.Target, msg)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is lets errors.Is match the package sentinels by kind.
func (e *FetchError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrRateLimitExhausted:
		return e.Kind == KindRateLimited
	}
	return false
}

// KindOf returns the Kind of err, or KindTransient if err is not a FetchError.
func KindOf(err error) Kind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransient
}
