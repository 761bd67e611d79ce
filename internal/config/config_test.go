package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 60*time.Second, cfg.Scheduler.PrimaryInterval)
	assert.Equal(t, 600*time.Second, cfg.Scheduler.CompetitorInterval)
	assert.Equal(t, []string{"USD", "EUR", "GBP", "CAD"}, cfg.Pricing.Currencies)
	assert.True(t, cfg.Pricing.DefaultUSDTNGN.Equal(decimal.NewFromInt(1580)))
	assert.True(t, cfg.Pricing.DefaultUSDMargin.Equal(decimal.RequireFromString("2.5")))
	assert.True(t, cfg.Pricing.HideSellPrice)
	assert.Equal(t, 3, cfg.Retry.Auto.MaxRetries)
	assert.Equal(t, 5, cfg.Retry.Manual.MaxRetries)
	assert.Equal(t, 15*time.Minute, cfg.Competitor.DefaultCooldown)
	assert.Equal(t, "system", cfg.Notifications.Owner)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fxdesk.yaml")
	body := `
pricing:
  currencies: [USD, EUR]
  default_usdt_ngn: 1612.5
  default_other_margin: "1.25"
  hide_sell_price: false
scheduler:
  competitor_interval: 5m
redis:
  addr: localhost:6379
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("FXDESK_SCHEDULER_PRIMARY_INTERVAL", "30s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"USD", "EUR"}, cfg.Pricing.Currencies)
	assert.True(t, cfg.Pricing.DefaultUSDTNGN.Equal(decimal.RequireFromString("1612.5")))
	assert.True(t, cfg.Pricing.DefaultOtherMargin.Equal(decimal.RequireFromString("1.25")))
	assert.False(t, cfg.Pricing.HideSellPrice)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.CompetitorInterval)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.PrimaryInterval)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestValidateRejects(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Pricing.Currencies = []string{"EUR"}
	assert.ErrorContains(t, cfg.Validate(), "must contain USD")

	cfg = base()
	cfg.Pricing.DefaultUSDMargin = decimal.NewFromInt(-1)
	assert.ErrorContains(t, cfg.Validate(), "cannot be negative")

	cfg = base()
	cfg.Pricing.DefaultUSDMargin = decimal.Zero
	assert.NoError(t, cfg.Validate(), "zero margin is allowed")

	cfg = base()
	cfg.Alerting.Enabled = true
	assert.ErrorContains(t, cfg.Validate(), "bot_token")

	cfg = base()
	cfg.Retry.Manual.MaxRetries = 0
	assert.Error(t, cfg.Validate())
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 500}}
	assert.Equal(t, 500, cfg.ResolveMaxPoints(0))
	assert.Equal(t, 20, cfg.ResolveMaxPoints(20))
}
