package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Handler consumes one event. It runs on the listener goroutine.
type Handler func(ctx context.Context, ev Event)

// ListenerOptions tune the reconnect loop.
type ListenerOptions struct {
	Channels    []string
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	OnReconnect func(ctx context.Context)
}

// Listener subscribes to Postgres NOTIFY channels on a dedicated
// connection and reconnects when it drops.
type Listener struct {
	pool   *pgxpool.Pool
	opts   ListenerOptions
	logger zerolog.Logger
}

// NewListener builds a listener on top of pool.
func NewListener(pool *pgxpool.Pool, opts ListenerOptions, logger zerolog.Logger) *Listener {
	if len(opts.Channels) == 0 {
		opts.Channels = Channels
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = 30 * time.Second
	}
	return &Listener{
		pool:   pool,
		opts:   opts,
		logger: logger.With().Str("component", "realtime").Logger(),
	}
}

// Run listens until ctx is cancelled.
func (l *Listener) Run(ctx context.Context, handle Handler) error {
	if l.pool == nil {
		return errors.New("realtime: database pool not configured")
	}
	backoff := l.opts.MinBackoff
	first := true
	for {
		connected, err := l.listenOnce(ctx, handle, func() {
			if !first && l.opts.OnReconnect != nil {
				l.opts.OnReconnect(ctx)
			}
			first = false
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = l.opts.MinBackoff
		}
		l.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("listener disconnected")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, l.opts.MaxBackoff)
	}
}

func (l *Listener) listenOnce(ctx context.Context, handle Handler, onListening func()) (bool, error) {
	pooled, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire listener conn: %w", err)
	}
	// LISTEN state must not leak back into the pool.
	conn := pooled.Hijack()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	for _, ch := range l.opts.Channels {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			return false, fmt.Errorf("listen %s: %w", ch, err)
		}
	}
	l.logger.Info().Strs("channels", l.opts.Channels).Msg("listening for changes")
	onListening()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return true, fmt.Errorf("wait for notification: %w", err)
		}
		typ, ok := EventFor(n.Channel)
		if !ok {
			l.logger.Debug().Str("channel", n.Channel).Msg("ignoring notification")
			continue
		}
		handle(ctx, Event{Type: typ, Payload: []byte(n.Payload)})
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}
