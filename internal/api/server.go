package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fx-cost-desk/internal/metrics"
	"fx-cost-desk/internal/notify"
	"fx-cost-desk/internal/reconcile"
	"fx-cost-desk/internal/version"
)

// Desk is the reconciliation surface the API drives.
type Desk interface {
	State() reconcile.State
	Countdowns() map[string]time.Duration
	Refreshing() bool
	RefreshNow(ctx context.Context) (reconcile.PrimaryOutcome, error)
	RefreshCompetitor(ctx context.Context) (reconcile.CompetitorOutcome, error)
	SetManualRate(ctx context.Context, value decimal.Decimal) (reconcile.State, error)
	SetMargins(ctx context.Context, usd, other decimal.Decimal) (reconcile.State, error)
}

// Notifications is the per-owner notification surface.
type Notifications interface {
	DefaultOwner() string
	Notify(typ notify.Type, title, description string)
	List(ctx context.Context, owner string) []notify.Notification
	UnreadCount(ctx context.Context, owner string) int
	MarkRead(ctx context.Context, owner string, id uuid.UUID) error
	Clear(ctx context.Context, owner string) error
}

// Options configure the HTTP surface.
type Options struct {
	Addr          string
	CORSOrigins   []string
	HideSellPrice bool
}

// Server exposes the desk over HTTP.
type Server struct {
	opts   Options
	desk   Desk
	notes  Notifications
	ws     http.Handler
	router *gin.Engine
	logger zerolog.Logger
}

// New builds the router. ws may be nil to disable the push stream.
func New(opts Options, desk Desk, notes Notifications, ws http.Handler, logger zerolog.Logger) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		opts:   opts,
		desk:   desk,
		notes:  notes,
		ws:     ws,
		router: gin.New(),
		logger: logger.With().Str("component", "api").Logger(),
	}

	s.router.Use(s.requestLogger(), gin.CustomRecovery(s.recoverPanic))
	s.router.Use(cors.New(corsConfig(opts.CORSOrigins)))
	s.registerRoutes()
	return s
}

// Handler returns the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info().Msg("http server stopped")
	return ctx.Err()
}

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	r.GET("/rates", s.getRates)
	r.GET("/state", s.getState)
	r.POST("/refresh", s.postRefresh)
	r.POST("/rates/manual", s.postManualRate)
	r.PUT("/margins", s.putMargins)
	r.POST("/competitor/refresh", s.postCompetitorRefresh)

	notes := r.Group("/notifications")
	{
		notes.GET("", s.listNotifications)
		notes.POST("/:id/read", s.markNotificationRead)
		notes.DELETE("", s.clearNotifications)
	}

	if s.ws != nil {
		r.GET("/ws", gin.WrapH(s.ws))
	}
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "X-User-ID"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowOrigins = origins
	return cfg
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		ev := s.logger.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = s.logger.Error()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request served")
	}
}

func (s *Server) recoverPanic(c *gin.Context, recovered any) {
	s.logger.Error().Str("panic", fmt.Sprint(recovered)).Str("path", c.Request.URL.Path).Msg("handler panicked")
	if s.notes != nil {
		s.notes.Notify(notify.Error, "Unexpected error", "the request could not be completed")
	}
	c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody("internal", "unexpected error"))
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "build": version.Get()})
}

func (s *Server) owner(c *gin.Context) string {
	if id := c.GetHeader("X-User-ID"); id != "" {
		return id
	}
	return s.notes.DefaultOwner()
}

func errorBody(code, message string) gin.H {
	return gin.H{"error": code, "message": message}
}
