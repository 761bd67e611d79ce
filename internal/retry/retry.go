package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// State is the controller's position in a retry cycle.
type State int

const (
	Idle State = iota
	Attempting
	Backoff
	Failed
	Succeeded
)

func (s State) String() string {
	switch s {
	case Attempting:
		return "attempting"
	case Backoff:
		return "backoff"
	case Failed:
		return "failed"
	case Succeeded:
		return "succeeded"
	default:
		return "idle"
	}
}

// ErrNonPositive is recorded when an attempt returns without error but with no usable rate.
var ErrNonPositive = errors.New("attempt returned a non-positive rate")

// Params tune one call site.
type Params struct {
	MaxRetries       int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	MaxJitter        time.Duration
	MaxBackoffFactor int
}

func (p Params) withDefaults() Params {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 2 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 15 * time.Second
	}
	if p.MaxJitter < 0 {
		p.MaxJitter = 0
	}
	if p.MaxBackoffFactor <= 0 {
		p.MaxBackoffFactor = 5
	}
	return p
}

// AttemptFunc performs one upstream call.
type AttemptFunc func(ctx context.Context) (decimal.Decimal, error)

// Outcome is the result of a full retry cycle. Err is set only when OK is false.
type Outcome struct {
	Rate     decimal.Decimal
	OK       bool
	Err      error
	Attempts int
	Waited   time.Duration
}

// Status is a point-in-time view of the controller.
type Status struct {
	State               State
	Attempt             int
	BackoffUntil        time.Time
	ConsecutiveFailures int
}

// Controller retries a flaky fetch with exponential backoff. Its failure
// counter spans calls, so repeated exhaustion makes later cycles wait longer.
type Controller struct {
	mu           sync.Mutex
	failures     int
	state        State
	attempt      int
	backoffUntil time.Time

	maxFactor int
	sleep     func(ctx context.Context, d time.Duration) error
	jitter    func(limit time.Duration) time.Duration
	now       func() time.Time
	onAttempt func(ok bool)
	logger    zerolog.Logger
}

// Option customises a Controller.
type Option func(*Controller)

// WithSleep replaces the wait between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) { c.sleep = fn }
}

// WithJitter replaces the random jitter source.
func WithJitter(fn func(limit time.Duration) time.Duration) Option {
	return func(c *Controller) { c.jitter = fn }
}

// WithAttemptHook is called after every attempt.
func WithAttemptHook(fn func(ok bool)) Option {
	return func(c *Controller) { c.onAttempt = fn }
}

// New builds a Controller. maxBackoffFactor caps the cross-call escalation.
func New(maxBackoffFactor int, logger zerolog.Logger, opts ...Option) *Controller {
	if maxBackoffFactor <= 0 {
		maxBackoffFactor = 5
	}
	c := &Controller{
		maxFactor: maxBackoffFactor,
		sleep:     sleepContext,
		jitter:    uniformJitter,
		now:       time.Now,
		logger:    logger.With().Str("component", "retry").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Delay computes the wait before the next attempt:
// min(base × 1.5^(attempt-1) × min(failures+1, maxFactor) + jitter, maxDelay).
func Delay(p Params, attempt, failures int, jitter time.Duration) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	factor := failures + 1
	if factor > p.MaxBackoffFactor {
		factor = p.MaxBackoffFactor
	}
	if factor < 1 {
		factor = 1
	}
	raw := float64(p.BaseDelay)*math.Pow(1.5, float64(attempt-1))*float64(factor) + float64(jitter)
	if raw >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(raw)
}

// Do runs fn until it yields a positive rate or MaxRetries attempts are
// spent. It never sleeps after the last attempt and never returns a panic
// or a partial value; failure is reported in the Outcome.
func (c *Controller) Do(ctx context.Context, p Params, fn AttemptFunc) Outcome {
	p = p.withDefaults()
	p.MaxBackoffFactor = c.maxFactor

	var (
		lastErr  error
		waited   time.Duration
		attempts int
	)
	for attempt := 1; attempt <= p.MaxRetries; attempt++ {
		attempts = attempt
		c.transition(Attempting, attempt, time.Time{})

		v, err := fn(ctx)
		if err == nil && !v.IsPositive() {
			err = ErrNonPositive
		}
		if c.onAttempt != nil {
			c.onAttempt(err == nil)
		}
		if err == nil {
			c.mu.Lock()
			c.failures = 0
			c.state = Succeeded
			c.mu.Unlock()
			return Outcome{Rate: v, OK: true, Attempts: attempt, Waited: waited}
		}

		lastErr = err
		c.logger.Warn().Err(err).Int("attempt", attempt).Int("max", p.MaxRetries).Msg("attempt failed")

		if attempt == p.MaxRetries {
			break
		}

		delay := Delay(p, attempt, c.ConsecutiveFailures(), c.jitter(p.MaxJitter))
		c.transition(Backoff, attempt, c.now().Add(delay))
		if err := c.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
		waited += delay
	}

	c.mu.Lock()
	if c.failures < c.maxFactor {
		c.failures++
	}
	c.state = Failed
	failures := c.failures
	c.mu.Unlock()

	c.logger.Error().Err(lastErr).Int("consecutive_failures", failures).Msg("retries exhausted")
	return Outcome{Err: lastErr, Attempts: attempts, Waited: waited}
}

// ConsecutiveFailures returns how many full cycles in a row have failed.
func (c *Controller) ConsecutiveFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

// Status reports the current state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{State: c.state, Attempt: c.attempt, BackoffUntil: c.backoffUntil, ConsecutiveFailures: c.failures}
}

func (c *Controller) transition(s State, attempt int, until time.Time) {
	c.mu.Lock()
	c.state = s
	c.attempt = attempt
	c.backoffUntil = until
	c.mu.Unlock()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func uniformJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(limit)))
}
