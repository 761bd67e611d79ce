package app

import (
	"context"
	"encoding/json"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"fx-cost-desk/internal/alerting"
	"fx-cost-desk/internal/api"
	"fx-cost-desk/internal/cache"
	"fx-cost-desk/internal/config"
	"fx-cost-desk/internal/fetcher"
	"fx-cost-desk/internal/metrics"
	"fx-cost-desk/internal/notify"
	"fx-cost-desk/internal/rates"
	"fx-cost-desk/internal/realtime"
	"fx-cost-desk/internal/reconcile"
	"fx-cost-desk/internal/retry"
	"fx-cost-desk/internal/service"
	"fx-cost-desk/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// desk holds the pieces every command that reconciles rates needs.
type desk struct {
	store   *storage.Store
	cache   *cache.Cache
	notes   *notify.Center
	engine  *reconcile.Engine
	closers []func()
}

func (d *desk) Close() {
	if d.notes != nil {
		d.notes.Wait()
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	store.SetLogger(a.Logger)
	return store, store.Close, nil
}

// openCache returns a cache backed by Redis when configured. A Redis that
// cannot be reached degrades to the in-memory tier.
func (a *App) openCache(ctx context.Context) (*cache.Cache, func()) {
	if a.Config.Redis.Addr == "" {
		return cache.New(nil, a.Logger), func() {}
	}
	rdb, err := cache.NewRedis(ctx, cache.RedisOptions{
		Addr:      a.Config.Redis.Addr,
		Password:  a.Config.Redis.Password,
		DB:        a.Config.Redis.DB,
		KeyPrefix: a.Config.Redis.KeyPrefix,
	})
	if err != nil {
		a.Logger.Warn().Err(err).Msg("redis unavailable; cache kept in memory")
		return cache.New(nil, a.Logger), func() {}
	}
	return cache.New(rdb, a.Logger), func() { _ = rdb.Close() }
}

func (a *App) newFetchers(c *cache.Cache) (*fetcher.P2P, *fetcher.FXAPI, *fetcher.Competitor) {
	p2p := fetcher.NewP2P(fetcher.P2POptions{
		ProxyURL:     a.Config.P2P.ProxyURL,
		CurrencyID:   a.Config.P2P.CurrencyID,
		TokenID:      a.Config.P2P.TokenID,
		VerifiedOnly: a.Config.P2P.VerifiedOnly,
		Timeout:      a.Config.P2P.Timeout,
		UserAgent:    a.Config.P2P.UserAgent,
	}, a.Logger)

	fx := fetcher.NewFXAPI(fetcher.FXAPIOptions{
		BaseURL:  a.Config.FXAPI.BaseURL,
		APIKey:   a.Config.FXAPI.APIKey,
		Timeout:  a.Config.FXAPI.Timeout,
		CacheTTL: a.Config.FXAPI.CacheTTL,
	}, c, a.Logger)

	competitor := fetcher.NewCompetitor(fetcher.CompetitorOptions{
		BaseURL:           a.Config.Competitor.BaseURL,
		Timeout:           a.Config.Competitor.Timeout,
		RequestsPerMinute: a.Config.Competitor.RequestsPerMinute,
		Concurrency:       a.Config.Competitor.Concurrency,
	}, a.Logger)

	return p2p, fx, competitor
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	return nil
}

func (a *App) newAlerter(notifier alerting.Notifier) *alerting.SpreadAlerter {
	return alerting.NewSpreadAlerter(notifier, alerting.SpreadOptions{
		ThresholdPct: decimal.NewFromFloat(a.Config.Alerting.ThresholdPct),
		Cooldown:     a.Config.Alerting.Cooldown,
	}, a.Logger)
}

func (a *App) retryParams(p config.RetryPolicy) retry.Params {
	return retry.Params{
		MaxRetries:       p.MaxRetries,
		BaseDelay:        p.BaseDelay,
		MaxDelay:         a.Config.Retry.MaxDelay,
		MaxJitter:        a.Config.Retry.MaxJitter,
		MaxBackoffFactor: a.Config.Retry.MaxBackoffFactor,
	}
}

func (a *App) engineOptions() reconcile.Options {
	codes := make([]string, 0, len(a.Config.Pricing.Currencies))
	for _, c := range a.Config.Pricing.Currencies {
		codes = append(codes, rates.NormalizeCode(c))
	}
	return reconcile.Options{
		Currencies:     codes,
		DefaultUSDTNGN: a.Config.Pricing.DefaultUSDTNGN,
		DefaultMargins: rates.MarginSettings{
			USDMargin:             a.Config.Pricing.DefaultUSDMargin,
			OtherCurrenciesMargin: a.Config.Pricing.DefaultOtherMargin,
		},
		AutoRetry:          a.retryParams(a.Config.Retry.Auto),
		ManualRetry:        a.retryParams(a.Config.Retry.Manual),
		CompetitorCooldown: a.Config.Competitor.DefaultCooldown,
		CompetitorTTL:      a.Config.Competitor.SnapshotTTL,
	}
}

// buildDesk opens storage and the cache and assembles the engine. The
// engine is not running yet.
func (a *App) buildDesk(ctx context.Context, notifier alerting.Notifier) (*desk, error) {
	d := &desk{}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	var (
		repo      storage.Repository
		noteStore storage.NotificationStore
	)
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	} else {
		d.store = store
		d.closers = append(d.closers, closeStore)
		repo, noteStore = store, store
	}

	c, closeCache := a.openCache(ctx)
	d.cache = c
	d.closers = append(d.closers, closeCache)

	d.notes = notify.NewCenter(notify.Options{
		DefaultOwner: a.Config.Notifications.Owner,
		VisibleLimit: a.Config.Notifications.VisibleLimit,
	}, noteStore, a.Logger)

	persist := storage.NewAdapter(repo, a.Logger, storage.WithFailureHook(func(op string) {
		metrics.PersistFailures.WithLabelValues(op).Inc()
	}))

	controller := retry.New(a.Config.Retry.MaxBackoffFactor, a.Logger, retry.WithAttemptHook(func(ok bool) {
		result := "error"
		if ok {
			result = "ok"
		}
		metrics.RetryAttempts.WithLabelValues(result).Inc()
	}))

	p2p, fx, competitor := a.newFetchers(c)
	d.engine = reconcile.New(a.engineOptions(), reconcile.Dependencies{
		P2P:        p2p,
		Reference:  fx,
		Competitor: competitor,
		Retry:      controller,
		Persist:    persist,
		Cache:      c,
		Notifier:   d.notes,
		Alerts:     a.newAlerter(notifier),
	}, a.Logger)

	return d, nil
}

// startEngine runs the engine loop until the returned stop is called.
func startEngine(ctx context.Context, eng *reconcile.Engine) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
		eng.Drain()
	}
}

// Run executes the long-running desk service and its HTTP surface.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d, err := a.buildDesk(ctx, a.newNotifier())
	if err != nil {
		return err
	}
	defer d.Close()

	if d.store != nil {
		if _, err := d.store.Migrate(ctx, a.Config.Database.MigrationsPath, a.Logger); err != nil {
			return err
		}
	}

	hub := realtime.NewHub(realtime.HubOptions{
		AllowedOrigins: a.Config.HTTP.CORSOrigins,
		Greeting: func() []realtime.Message {
			data, err := json.Marshal(d.engine.State())
			if err != nil {
				return nil
			}
			return []realtime.Message{{Topic: "state", Data: data}}
		},
	}, a.Logger)

	deps := service.Dependencies{
		Engine:        d.engine,
		Notifications: d.notes,
		Hub:           hub,
	}
	if d.store != nil {
		deps.Locker = d.store
		deps.Events = realtime.NewListener(d.store.Pool(), realtime.ListenerOptions{
			Channels: realtime.Channels,
		}, a.Logger)
	}

	svc := service.New(service.Options{
		PrimaryInterval:    a.Config.Scheduler.PrimaryInterval,
		CompetitorInterval: a.Config.Scheduler.CompetitorInterval,
		Tick:               a.Config.Scheduler.Tick,
		StartupDelay:       a.Config.Scheduler.StartupDelay,
		AdvisoryLockKey:    a.Config.Scheduler.AdvisoryLockKey,
	}, deps, a.Logger)

	server := api.New(api.Options{
		Addr:          a.Config.HTTP.Addr,
		CORSOrigins:   a.Config.HTTP.CORSOrigins,
		HideSellPrice: a.Config.Pricing.HideSellPrice,
	}, svc, d.notes, hub, a.Logger)

	a.Logger.Info().Strs("currencies", d.engine.Currencies()).Msg("starting fx cost desk")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("fx cost desk stopped")
	return nil
}

// Migrate applies pending schema migrations.
func (a *App) Migrate(ctx context.Context) (int, error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return 0, err
	}
	if store == nil {
		return 0, errors.New("database not configured; cannot migrate")
	}
	defer closeStore()
	return store.Migrate(ctx, a.Config.Database.MigrationsPath, a.Logger)
}

// ExportOptions hold parameters for exporting historical snapshots.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// RefreshOptions configure a one-off reconciliation run.
type RefreshOptions struct {
	Competitor bool
}
