package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"fx-cost-desk/internal/pricing"
	"fx-cost-desk/internal/rates"
)

// SimulateAlert 用给定的成本价与竞品买入价模拟一次价差告警。
func (a *App) SimulateAlert(ctx context.Context, currency string, cost, competitorBuy decimal.Decimal) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	code := rates.NormalizeCode(currency)
	comparisons := pricing.Compare(
		pricing.CostPriceSet{code: {Buy: cost}},
		rates.CompetitorRates{code: {Buy: competitorBuy}},
	)
	if len(comparisons) == 0 {
		return fmt.Errorf("no comparison for %s", code)
	}

	sent := a.newAlerter(notifier).Evaluate(ctx, a.Config.Pricing.DefaultUSDTNGN, comparisons)
	if len(sent) == 0 {
		return fmt.Errorf("spread %s%% 未超过阈值 %.2f%%，未发送告警", comparisons[0].SpreadPct.StringFixed(2), a.Config.Alerting.ThresholdPct)
	}
	a.Logger.Info().Str("currency", code).Str("spread_pct", sent[0].SpreadPct.StringFixed(2)).Msg("simulated alert sent")
	return nil
}
