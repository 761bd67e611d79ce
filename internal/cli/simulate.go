package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	simulateCurrency   string
	simulateCost       string
	simulateCompetitor string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次成本价与竞品报价的价差并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		cost, err := decimal.NewFromString(simulateCost)
		if err != nil || !cost.IsPositive() {
			return errors.New("--cost 必须是大于 0 的数字")
		}
		competitor, err := decimal.NewFromString(simulateCompetitor)
		if err != nil || !competitor.IsPositive() {
			return errors.New("--competitor 必须是大于 0 的数字")
		}
		return getApp().SimulateAlert(cmd.Context(), simulateCurrency, cost, competitor)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateCurrency, "currency", "USD", "币种代码")
	simulateCmd.Flags().StringVar(&simulateCost, "cost", "", "我方成本价 (NGN)")
	simulateCmd.Flags().StringVar(&simulateCompetitor, "competitor", "", "竞品买入价 (NGN)")
}
