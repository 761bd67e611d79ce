package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"fx-cost-desk/internal/metrics"
	"fx-cost-desk/internal/notify"
	"fx-cost-desk/internal/realtime"
	"fx-cost-desk/internal/reconcile"
	"fx-cost-desk/internal/scheduler"
	"fx-cost-desk/internal/storage"
)

// ErrRefreshInFlight is returned when a manual refresh overlaps another one.
var ErrRefreshInFlight = errors.New("a rate refresh is already running")

const (
	timerPrimary    = "primary"
	timerCompetitor = "competitor"
)

// Options tune the refresh cadence.
type Options struct {
	PrimaryInterval    time.Duration
	CompetitorInterval time.Duration
	Tick               time.Duration
	StartupDelay       time.Duration
	AdvisoryLockKey    int64
}

// Hub pushes frames to dashboards.
type Hub interface {
	Run(ctx context.Context) error
	Broadcast(topic string, v any) error
}

// EventSource delivers changes written by other sessions.
type EventSource interface {
	Run(ctx context.Context, handle realtime.Handler) error
}

// Dependencies are the pieces the service wires together. Locker, Events
// and Hub may be nil.
type Dependencies struct {
	Engine        *reconcile.Engine
	Notifications *notify.Center
	Locker        storage.AdvisoryLocker
	Events        EventSource
	Hub           Hub
}

// Service runs the two refresh timers against the reconciliation engine
// and keeps dashboards and other sessions in sync.
type Service struct {
	opts Options
	deps Dependencies

	scheduler  *scheduler.Scheduler
	primary    *scheduler.Countdown
	competitor *scheduler.Countdown

	refreshing atomic.Bool
	logger     zerolog.Logger
}

// New constructs the service.
func New(opts Options, deps Dependencies, logger zerolog.Logger) *Service {
	if opts.PrimaryInterval <= 0 {
		opts.PrimaryInterval = 60 * time.Second
	}
	if opts.CompetitorInterval <= 0 {
		opts.CompetitorInterval = 600 * time.Second
	}
	s := &Service{
		opts:   opts,
		deps:   deps,
		logger: logger.With().Str("component", "service").Logger(),
	}
	s.primary = scheduler.NewCountdown(timerPrimary, opts.PrimaryInterval, s.firePrimary, logger)
	s.competitor = scheduler.NewCountdown(timerCompetitor, opts.CompetitorInterval, s.fireCompetitor, logger)
	s.scheduler = scheduler.New(scheduler.Options{
		Tick:         opts.Tick,
		StartupDelay: opts.StartupDelay,
		OnTick: func(name string, remaining time.Duration) {
			metrics.Countdown.WithLabelValues(name).Set(remaining.Seconds())
		},
	}, logger, s.primary, s.competitor)

	if deps.Hub != nil && deps.Notifications != nil {
		deps.Notifications.OnPublish(func(n notify.Notification) {
			if err := deps.Hub.Broadcast("notification", n); err != nil {
				s.logger.Warn().Err(err).Msg("broadcast notification failed")
			}
		})
	}
	return s
}

// Engine exposes the reconciliation engine.
func (s *Service) Engine() *reconcile.Engine { return s.deps.Engine }

// Notifications exposes the notification center.
func (s *Service) Notifications() *notify.Center { return s.deps.Notifications }

// Run starts the engine, loads persisted state, and drives the timers
// until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Engine == nil {
		return fmt.Errorf("reconciliation engine not configured")
	}
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.deps.Engine.Run(ctx) })

	if _, err := s.deps.Engine.Load(ctx); err != nil {
		s.logger.Error().Err(err).Msg("load persisted state failed")
	}
	// Both timers fire on the first tick; the competitor waits out any
	// cooldown that survived the restart.
	s.primary.Set(0)
	s.competitor.Set(s.deps.Engine.CompetitorCooldown(ctx))

	if s.deps.Hub != nil {
		g.Go(func() error { return s.deps.Hub.Run(ctx) })
		g.Go(func() error { return s.pushStates(ctx) })
	}
	if s.deps.Events != nil {
		g.Go(func() error { return s.deps.Events.Run(ctx, s.HandleEvent) })
	}
	g.Go(func() error { return s.scheduler.Run(ctx) })

	s.logger.Info().
		Dur("primary_interval", s.opts.PrimaryInterval).
		Dur("competitor_interval", s.opts.CompetitorInterval).
		Msg("refresh timers started")

	err := g.Wait()
	s.deps.Engine.Drain()
	if s.deps.Notifications != nil {
		s.deps.Notifications.Wait()
	}
	return err
}

// RefreshNow runs a manual primary refresh. A successful fetch restarts
// the primary countdown.
func (s *Service) RefreshNow(ctx context.Context) (reconcile.PrimaryOutcome, error) {
	if !s.refreshing.CompareAndSwap(false, true) {
		return reconcile.PrimaryOutcome{}, ErrRefreshInFlight
	}
	defer s.refreshing.Store(false)

	out, err := s.deps.Engine.RefreshPrimary(ctx, reconcile.TriggerManual)
	if err != nil {
		return out, err
	}
	if out.RateTier == reconcile.TierFresh {
		s.primary.Reset()
	}
	return out, nil
}

// RefreshCompetitor runs a competitor refresh outside the timer and moves
// the countdown to the next allowed attempt.
func (s *Service) RefreshCompetitor(ctx context.Context) (reconcile.CompetitorOutcome, error) {
	out, err := s.deps.Engine.RefreshCompetitor(ctx)
	if err != nil {
		return out, err
	}
	if out.Cooldown > 0 {
		s.competitor.Set(out.Cooldown)
	} else if !out.Skipped {
		s.competitor.Reset()
	}
	return out, nil
}

// Refreshing reports whether a primary refresh is running.
func (s *Service) Refreshing() bool {
	return s.refreshing.Load()
}

// Countdowns reports the time left on each timer.
func (s *Service) Countdowns() map[string]time.Duration {
	return map[string]time.Duration{
		timerPrimary:    s.primary.Remaining(),
		timerCompetitor: s.competitor.Remaining(),
	}
}

// HandleEvent folds a change made by another session.
func (s *Service) HandleEvent(ctx context.Context, ev realtime.Event) {
	var err error
	switch ev.Type {
	case realtime.RateChanged:
		var changed bool
		r, derr := ev.DecodeRate()
		if derr != nil {
			err = derr
			break
		}
		changed, err = s.deps.Engine.ApplyRemoteRate(ctx, r)
		if changed {
			s.primary.Reset()
		}
	case realtime.MarginChanged:
		m, derr := ev.DecodeMargins()
		if derr != nil {
			err = derr
			break
		}
		_, err = s.deps.Engine.ApplyRemoteMargins(ctx, m)
	case realtime.NotificationCreated:
		if s.deps.Notifications == nil {
			return
		}
		n, derr := ev.DecodeNotification()
		if derr != nil {
			err = derr
			break
		}
		s.deps.Notifications.Fold(n)
	default:
		s.logger.Debug().Str("type", string(ev.Type)).Msg("ignoring event")
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn().Err(err).Str("type", string(ev.Type)).Msg("realtime event not applied")
	}
}

func (s *Service) firePrimary(ctx context.Context) time.Duration {
	if !s.refreshing.CompareAndSwap(false, true) {
		s.logger.Debug().Msg("skip auto refresh; manual refresh running")
		return 0
	}
	defer s.refreshing.Store(false)

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("advisory lock failed")
		return 0
	}
	if !proceed {
		s.logger.Debug().Msg("skip auto refresh because advisory lock held elsewhere")
		return 0
	}
	if unlock != nil {
		defer unlock()
	}

	if _, err := s.deps.Engine.RefreshPrimary(ctx, reconcile.TriggerAuto); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error().Err(err).Msg("auto refresh failed")
	}
	return 0
}

func (s *Service) fireCompetitor(ctx context.Context) time.Duration {
	out, err := s.deps.Engine.RefreshCompetitor(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("competitor refresh failed")
		}
		return 0
	}
	return out.Cooldown
}

func (s *Service) pushStates(ctx context.Context) error {
	states, cancel := s.deps.Engine.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st, ok := <-states:
			if !ok {
				return nil
			}
			if err := s.deps.Hub.Broadcast("state", st); err != nil {
				s.logger.Warn().Err(err).Msg("broadcast state failed")
			}
		}
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.AdvisoryLockKey == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.opts.AdvisoryLockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

// State returns the current reconciled state.
func (s *Service) State() reconcile.State {
	return s.deps.Engine.State()
}

// SetManualRate accepts an operator rate and restarts the primary countdown.
func (s *Service) SetManualRate(ctx context.Context, value decimal.Decimal) (reconcile.State, error) {
	st, err := s.deps.Engine.SetManualRate(ctx, value)
	if err != nil {
		return st, err
	}
	s.primary.Reset()
	return st, nil
}

// SetMargins applies operator margins.
func (s *Service) SetMargins(ctx context.Context, usd, other decimal.Decimal) (reconcile.State, error) {
	return s.deps.Engine.SetMargins(ctx, usd, other)
}
