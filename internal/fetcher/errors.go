package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrNoRate means the upstream answered but nothing usable could be selected.
var ErrNoRate = errors.New("no rate available")

// Kind classifies an upstream failure.
type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindNetwork     Kind = "network"
	KindStatus      Kind = "status"
	KindMalformed   Kind = "malformed"
	KindEmpty       Kind = "empty"
	KindRateLimited Kind = "rate_limited"
)

// FetchError normalises every expected upstream failure.
type FetchError struct {
	Source     string
	Kind       Kind
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s (%d): %v", e.Source, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Source, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsRateLimited reports whether err carries a rate-limit signal, and the
// upstream's suggested wait when it sent one.
func IsRateLimited(err error) (time.Duration, bool) {
	var fe *FetchError
	if errors.As(err, &fe) && fe.Kind == KindRateLimited {
		return fe.RetryAfter, true
	}
	return 0, false
}

// KindOf returns the failure kind, or "" for nil and unknown errors.
func KindOf(err error) Kind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

func transportError(source string, err error) error {
	kind := KindNetwork
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = KindTimeout
	}
	return &FetchError{Source: source, Kind: kind, Err: err}
}

func malformed(source string, err error) error {
	return &FetchError{Source: source, Kind: KindMalformed, Err: err}
}

func empty(source, msg string) error {
	return &FetchError{Source: source, Kind: KindEmpty, Err: errors.New(msg)}
}
