package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FireFunc runs when a countdown reaches zero. It returns the delay until
// the next fire; zero or negative means the timer's nominal period.
type FireFunc func(ctx context.Context) time.Duration

// Countdown is one independent refresh timer. While its FireFunc is
// running the countdown holds at zero and does not fire again.
type Countdown struct {
	name   string
	period time.Duration
	fire   FireFunc

	mu        sync.Mutex
	remaining time.Duration
	inFlight  bool
	wg        sync.WaitGroup
	logger    zerolog.Logger
}

// NewCountdown builds a timer that starts a full period away from firing.
func NewCountdown(name string, period time.Duration, fire FireFunc, logger zerolog.Logger) *Countdown {
	if period <= 0 {
		panic("countdown period must be positive")
	}
	return &Countdown{
		name:      name,
		period:    period,
		fire:      fire,
		remaining: period,
		logger:    logger.With().Str("component", "countdown").Str("timer", name).Logger(),
	}
}

// Name identifies the timer.
func (c *Countdown) Name() string { return c.name }

// Period is the nominal interval.
func (c *Countdown) Period() time.Duration { return c.period }

// Remaining reports the time until the next allowed fire.
func (c *Countdown) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// InFlight reports whether the FireFunc is currently running.
func (c *Countdown) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Reset restarts the countdown at the nominal period.
func (c *Countdown) Reset() {
	c.Set(c.period)
}

// Set forces the remaining time, e.g. to an upstream cooldown.
func (c *Countdown) Set(remaining time.Duration) {
	if remaining < 0 {
		remaining = 0
	}
	c.mu.Lock()
	c.remaining = remaining
	c.mu.Unlock()
}

// Step advances the countdown by elapsed and starts the FireFunc when it
// reaches zero. It reports whether a fire was started.
func (c *Countdown) Step(ctx context.Context, elapsed time.Duration) bool {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return false
	}
	c.remaining -= elapsed
	if c.remaining > 0 {
		c.mu.Unlock()
		return false
	}
	c.remaining = 0
	c.inFlight = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(ctx)
	return true
}

// Wait blocks until any running FireFunc returns.
func (c *Countdown) Wait() {
	c.wg.Wait()
}

func (c *Countdown) run(ctx context.Context) {
	defer c.wg.Done()

	next := c.period
	func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error().Str("panic", fmt.Sprint(r)).Msg("refresh panicked")
			}
		}()
		c.logger.Debug().Msg("countdown reached zero")
		if d := c.fire(ctx); d > 0 {
			next = d
		}
	}()

	c.mu.Lock()
	c.remaining = next
	c.inFlight = false
	c.mu.Unlock()
	c.logger.Debug().Dur("next_in", next).Msg("countdown rearmed")
}

// Options tune scheduler behaviour.
type Options struct {
	Tick         time.Duration
	StartupDelay time.Duration
	// OnTick, when set, observes every timer after each tick.
	OnTick func(name string, remaining time.Duration)
}

// Scheduler drives a set of independent countdowns from one ticker.
type Scheduler struct {
	opts   Options
	timers []*Countdown
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger, timers ...*Countdown) *Scheduler {
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	return &Scheduler{opts: opts, timers: timers, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Timers returns the managed countdowns.
func (s *Scheduler) Timers() []*Countdown { return s.timers }

// Run blocks, stepping every countdown once per tick until ctx is cancelled.
// It waits for in-flight refreshes before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.wait()

	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			elapsed := now.Sub(last)
			last = now
			s.Step(ctx, elapsed)
		}
	}
}

// Step advances every countdown by elapsed.
func (s *Scheduler) Step(ctx context.Context, elapsed time.Duration) {
	for _, t := range s.timers {
		if t.Step(ctx, elapsed) {
			s.logger.Info().Str("timer", t.Name()).Msg("executing scheduled refresh")
		}
		if s.opts.OnTick != nil {
			s.opts.OnTick(t.Name(), t.Remaining())
		}
	}
}

func (s *Scheduler) wait() {
	for _, t := range s.timers {
		t.Wait()
	}
}
