package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fx-cost-desk/internal/alerting"
	"fx-cost-desk/internal/cache"
	"fx-cost-desk/internal/fetcher"
	"fx-cost-desk/internal/metrics"
	"fx-cost-desk/internal/notify"
	"fx-cost-desk/internal/pricing"
	"fx-cost-desk/internal/rates"
	"fx-cost-desk/internal/retry"
	"fx-cost-desk/internal/storage"
)

var (
	// ErrStopped is returned when the engine loop is not running.
	ErrStopped = errors.New("reconcile: engine stopped")
	// ErrInvalidRate rejects a manual rate that is not a positive number.
	ErrInvalidRate = errors.New("rate must be a positive number")
	// ErrInvalidMargin rejects a negative margin.
	ErrInvalidMargin = errors.New("margin must be zero or greater")
)

// Notifier receives user-visible messages about reconciliation outcomes.
type Notifier interface {
	Notify(typ notify.Type, title, description string)
}

// Options tune the engine.
type Options struct {
	Currencies         []string
	DefaultUSDTNGN     decimal.Decimal
	DefaultMargins     rates.MarginSettings
	AutoRetry          retry.Params
	ManualRetry        retry.Params
	CompetitorCooldown time.Duration
	CompetitorTTL      time.Duration
}

// Dependencies are the collaborators the engine drives. Any of the
// fetchers, Persist, Cache, Notifier and Alerts may be nil.
type Dependencies struct {
	P2P        fetcher.P2PFetcher
	Reference  fetcher.ReferenceFetcher
	Competitor fetcher.CompetitorFetcher
	Retry      *retry.Controller
	Persist    *storage.Adapter
	Cache      *cache.Cache
	Notifier   Notifier
	Alerts     *alerting.SpreadAlerter
}

// loopState is owned by the Run goroutine.
type loopState struct {
	State
	lastGoodRate       rates.Rate
	lastGoodRef        rates.ReferenceRates
	lastGoodCompetitor rates.CompetitorRates
}

type proposal struct {
	apply func(*loopState) bool
	reply chan State
}

// Engine owns the reconciled rate state. Every mutation is a proposal
// applied by a single goroutine; readers get copies.
type Engine struct {
	opts Options
	deps Dependencies

	proposals chan proposal
	done      chan struct{}
	ls        loopState

	mu      sync.RWMutex
	current State

	subMu   sync.Mutex
	subs    map[int]chan State
	nextSub int

	writes sync.WaitGroup
	now    func() time.Time
	logger zerolog.Logger
}

// New builds an engine seeded with the defaults. Call Run to start it.
func New(opts Options, deps Dependencies, logger zerolog.Logger) *Engine {
	if len(opts.Currencies) == 0 {
		opts.Currencies = []string{"USD", "EUR", "GBP", "CAD"}
	}
	if !opts.DefaultUSDTNGN.IsPositive() {
		opts.DefaultUSDTNGN = rates.DefaultUSDTNGN
	}
	if opts.CompetitorCooldown <= 0 {
		opts.CompetitorCooldown = 15 * time.Minute
	}
	if opts.CompetitorTTL <= 0 {
		opts.CompetitorTTL = 24 * time.Hour
	}
	if deps.Retry == nil {
		deps.Retry = retry.New(5, logger)
	}

	e := &Engine{
		opts:      opts,
		deps:      deps,
		proposals: make(chan proposal),
		done:      make(chan struct{}),
		subs:      make(map[int]chan State),
		now:       time.Now,
		logger:    logger.With().Str("component", "reconcile").Logger(),
	}

	now := e.now().UTC()
	e.ls.State = State{
		USDTNGN:        rates.Rate{Value: opts.DefaultUSDTNGN, Source: rates.SourceDefault, Timestamp: now},
		PrimaryTier:    TierDefault,
		Margins:        opts.DefaultMargins,
		Reference:      rates.DefaultReferenceRates(),
		ReferenceTier:  TierDefault,
		Competitor:     rates.DefaultCompetitorRates(),
		CompetitorTier: TierDefault,
		LastUpdated:    now,
	}
	e.recompute()
	e.current = e.ls.State.Clone()
	return e
}

// Currencies lists the tracked currency codes.
func (e *Engine) Currencies() []string {
	return append([]string(nil), e.opts.Currencies...)
}

// Run consumes proposals until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)
	e.logger.Info().Strs("currencies", e.opts.Currencies).Msg("reconciliation engine started")
	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("reconciliation engine stopped")
			return ctx.Err()
		case p := <-e.proposals:
			p.reply <- e.apply(p)
		}
	}
}

// State returns a copy of the current state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current.Clone()
}

// Subscribe returns a channel that always holds the newest state. Stale
// states are dropped when the reader falls behind.
func (e *Engine) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.subMu.Unlock()

	return ch, func() {
		e.subMu.Lock()
		if _, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(ch)
		}
		e.subMu.Unlock()
	}
}

// Drain waits for outstanding write-through calls.
func (e *Engine) Drain() {
	e.writes.Wait()
}

func (e *Engine) submit(ctx context.Context, fn func(*loopState) bool) (State, error) {
	p := proposal{apply: fn, reply: make(chan State, 1)}
	select {
	case e.proposals <- p:
	case <-ctx.Done():
		return State{}, ctx.Err()
	case <-e.done:
		return State{}, ErrStopped
	}
	// once the loop has taken the proposal it always replies
	return <-p.reply, nil
}

func (e *Engine) apply(p proposal) (st State) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Str("panic", fmt.Sprint(r)).Msg("proposal panicked")
			e.notify(notify.Error, "Unexpected error", "the last update was discarded")
			st = e.ls.State.Clone()
		}
	}()

	if !p.apply(&e.ls) {
		return e.ls.State.Clone()
	}
	e.ls.Version++
	e.ls.LastUpdated = e.now().UTC()
	e.recompute()

	st = e.ls.State.Clone()
	e.publish(st)
	return st
}

// recompute derives cost prices and comparisons. When the inputs are not
// usable the previous cost prices are kept.
func (e *Engine) recompute() {
	s := &e.ls.State
	if set, ok := pricing.ComputeSet(s.USDTNGN, s.Reference, s.Margins, e.opts.Currencies); ok {
		s.CostPrices = set
	} else {
		e.logger.Warn().Str("rate", s.USDTNGN.Value.String()).Int("reference", len(s.Reference)).Msg("cost prices not recomputed")
	}
	s.Comparisons = pricing.Compare(s.CostPrices, s.Competitor)

	metrics.USDTNGNRate.Set(s.USDTNGN.Value.InexactFloat64())
	for code, p := range s.CostPrices {
		metrics.CostPrice.WithLabelValues(code).Set(p.Buy.InexactFloat64())
	}
}

func (e *Engine) publish(st State) {
	e.mu.Lock()
	e.current = st
	e.mu.Unlock()

	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- st.Clone():
		default:
			select {
			case <-ch:
			default:
			}
			ch <- st.Clone()
		}
	}
}

// writeThrough runs fn in the background; a failure does not touch the
// accepted in-memory state.
func (e *Engine) writeThrough(op string, fn func(ctx context.Context, p *storage.Adapter) bool) {
	p := e.deps.Persist
	if !p.Enabled() {
		return
	}
	e.writes.Add(1)
	go func() {
		defer e.writes.Done()
		if !fn(context.Background(), p) {
			e.notify(notify.Warning, "Could not save to database", fmt.Sprintf("%s failed; the value is kept in memory", op))
		}
	}()
}

func (e *Engine) notify(typ notify.Type, title, desc string) {
	if e.deps.Notifier != nil {
		e.deps.Notifier.Notify(typ, title, desc)
	}
}

func (e *Engine) snapshotOf(s State, source rates.SnapshotSource) rates.HistoricalSnapshot {
	ref := make(map[string]decimal.Decimal, len(s.Reference))
	for k, v := range s.Reference {
		ref[k] = v
	}
	return rates.HistoricalSnapshot{
		USDTNGNRate:           s.USDTNGN.Value,
		USDMargin:             s.Margins.USDMargin,
		OtherCurrenciesMargin: s.Margins.OtherCurrenciesMargin,
		ReferenceRates:        ref,
		CostPrices:            s.CostPrices.Buys(),
		Source:                source,
		Timestamp:             s.LastUpdated,
	}
}
