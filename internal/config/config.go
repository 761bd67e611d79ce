package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"fx-cost-desk/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Logging       logging.Config      `mapstructure:"logging"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	P2P           P2PConfig           `mapstructure:"p2p"`
	Retry         RetryConfig         `mapstructure:"retry"`
	FXAPI         FXAPIConfig         `mapstructure:"fxapi"`
	Competitor    CompetitorConfig    `mapstructure:"competitor"`
	Pricing       PricingConfig       `mapstructure:"pricing"`
	Alerting      AlertingConfig      `mapstructure:"alerting"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Export        ExportConfig        `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN runs
// the service without persistence or realtime updates.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// RedisConfig is the durable cache tier. Empty Addr keeps the cache in memory.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// HTTPConfig drives the API listener.
type HTTPConfig struct {
	Addr        string   `mapstructure:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// SchedulerConfig governs the two refresh countdowns.
type SchedulerConfig struct {
	PrimaryInterval    time.Duration `mapstructure:"primary_interval"`
	CompetitorInterval time.Duration `mapstructure:"competitor_interval"`
	Tick               time.Duration `mapstructure:"tick"`
	AdvisoryLockKey    int64         `mapstructure:"advisory_lock_key"`
	StartupDelay       time.Duration `mapstructure:"startup_delay"`
}

// P2PConfig points at the order book proxy.
type P2PConfig struct {
	ProxyURL     string        `mapstructure:"proxy_url"`
	CurrencyID   string        `mapstructure:"currency_id"`
	TokenID      string        `mapstructure:"token_id"`
	VerifiedOnly bool          `mapstructure:"verified_only"`
	Timeout      time.Duration `mapstructure:"timeout"`
	UserAgent    string        `mapstructure:"user_agent"`
}

// RetryPolicy is the per call site part of the backoff settings.
type RetryPolicy struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
}

// RetryConfig configures the USDT/NGN retry controller.
type RetryConfig struct {
	Auto             RetryPolicy   `mapstructure:"auto"`
	Manual           RetryPolicy   `mapstructure:"manual"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	MaxJitter        time.Duration `mapstructure:"max_jitter"`
	MaxBackoffFactor int           `mapstructure:"max_backoff_factor"`
}

// FXAPIConfig captures the currency conversion API.
type FXAPIConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	APIKey   string        `mapstructure:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// CompetitorConfig captures the competitor rate API.
type CompetitorConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	Concurrency       int           `mapstructure:"concurrency"`
	DefaultCooldown   time.Duration `mapstructure:"default_cooldown"`
	SnapshotTTL       time.Duration `mapstructure:"snapshot_ttl"`
}

// PricingConfig holds the tracked currencies and the last-resort values.
type PricingConfig struct {
	Currencies         []string        `mapstructure:"currencies"`
	DefaultUSDTNGN     decimal.Decimal `mapstructure:"default_usdt_ngn"`
	DefaultUSDMargin   decimal.Decimal `mapstructure:"default_usd_margin"`
	DefaultOtherMargin decimal.Decimal `mapstructure:"default_other_margin"`
	HideSellPrice      bool            `mapstructure:"hide_sell_price"`
}

// AlertingConfig defines spread alert thresholds and routing.
type AlertingConfig struct {
	Enabled      bool           `mapstructure:"enabled"`
	ThresholdPct float64        `mapstructure:"threshold_pct"`
	Cooldown     time.Duration  `mapstructure:"cooldown"`
	Telegram     TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// NotificationsConfig tunes the notification center.
type NotificationsConfig struct {
	Owner        string `mapstructure:"owner"`
	VisibleLimit int    `mapstructure:"visible_limit"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FXDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "fxdesk")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "fxdesk:")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.cors_origins", []string{"*"})

	v.SetDefault("scheduler.primary_interval", "60s")
	v.SetDefault("scheduler.competitor_interval", "600s")
	v.SetDefault("scheduler.tick", "1s")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x66786473))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("p2p.currency_id", "NGN")
	v.SetDefault("p2p.token_id", "USDT")
	v.SetDefault("p2p.verified_only", true)
	v.SetDefault("p2p.timeout", "25s")
	v.SetDefault("p2p.user_agent", "fxdesk/1.0")

	v.SetDefault("retry.auto.max_retries", 3)
	v.SetDefault("retry.auto.base_delay", "2s")
	v.SetDefault("retry.manual.max_retries", 5)
	v.SetDefault("retry.manual.base_delay", "3s")
	v.SetDefault("retry.max_delay", "15s")
	v.SetDefault("retry.max_jitter", "500ms")
	v.SetDefault("retry.max_backoff_factor", 5)

	v.SetDefault("fxapi.base_url", "https://api.currencyapi.com/v3")
	v.SetDefault("fxapi.timeout", "10s")
	v.SetDefault("fxapi.cache_ttl", "30m")

	v.SetDefault("competitor.timeout", "8s")
	v.SetDefault("competitor.requests_per_minute", 30)
	v.SetDefault("competitor.concurrency", 4)
	v.SetDefault("competitor.default_cooldown", "15m")
	v.SetDefault("competitor.snapshot_ttl", "24h")

	v.SetDefault("pricing.currencies", []string{"USD", "EUR", "GBP", "CAD"})
	v.SetDefault("pricing.default_usdt_ngn", "1580")
	v.SetDefault("pricing.default_usd_margin", "2.5")
	v.SetDefault("pricing.default_other_margin", "3.0")
	v.SetDefault("pricing.hide_sell_price", true)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.threshold_pct", 1.5)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("notifications.owner", "system")
	v.SetDefault("notifications.visible_limit", 20)

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			decimalHook(),
		)
	}
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// decimalHook decodes strings and numbers into decimal.Decimal so money
// values never pass through float parsing of the YAML text.
func decimalHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return decimal.NewFromString(strings.TrimSpace(v))
		case float64:
			return decimal.NewFromFloat(v), nil
		case float32:
			return decimal.NewFromFloat32(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		case decimal.Decimal:
			return v, nil
		default:
			return nil, fmt.Errorf("cannot decode %s into decimal", from)
		}
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.PrimaryInterval <= 0 || c.Scheduler.CompetitorInterval <= 0 {
		return fmt.Errorf("scheduler intervals must be greater than zero")
	}
	if c.Scheduler.Tick <= 0 {
		return fmt.Errorf("scheduler.tick must be greater than zero")
	}
	if c.Retry.Auto.MaxRetries < 1 || c.Retry.Manual.MaxRetries < 1 {
		return fmt.Errorf("retry max_retries must be at least 1")
	}
	if !c.Pricing.DefaultUSDTNGN.IsPositive() {
		return fmt.Errorf("pricing.default_usdt_ngn must be greater than zero")
	}
	if c.Pricing.DefaultUSDMargin.IsNegative() || c.Pricing.DefaultOtherMargin.IsNegative() {
		return fmt.Errorf("pricing margins cannot be negative")
	}
	if !containsCode(c.Pricing.Currencies, "USD") {
		return fmt.Errorf("pricing.currencies must contain USD")
	}
	if c.Alerting.ThresholdPct < 0 {
		return fmt.Errorf("alerting.threshold_pct cannot be negative")
	}
	if c.Alerting.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Notifications.VisibleLimit <= 0 {
		return fmt.Errorf("notifications.visible_limit must be greater than zero")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

func containsCode(codes []string, want string) bool {
	for _, c := range codes {
		if strings.EqualFold(strings.TrimSpace(c), want) {
			return true
		}
	}
	return false
}
