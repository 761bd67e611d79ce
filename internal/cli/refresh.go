package cli

import (
	"github.com/spf13/cobra"

	"fx-cost-desk/internal/app"
)

var refreshCompetitor bool

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Run one reconciliation cycle and print the cost prices",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Refresh(cmd.Context(), app.RefreshOptions{Competitor: refreshCompetitor}, cmd.OutOrStdout())
	},
}

func init() {
	refreshCmd.Flags().BoolVar(&refreshCompetitor, "competitor", true, "Also refresh competitor quotes")
}
