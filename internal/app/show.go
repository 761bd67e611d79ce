package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"fx-cost-desk/internal/pricing"
	"fx-cost-desk/internal/reconcile"
)

// Show prints recent historical snapshots.
func (a *App) Show(ctx context.Context, opts ShowOptions, out io.Writer) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show snapshots")
	}
	defer closeStore()

	snapshots, err := store.ListRecentSnapshots(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		fmt.Fprintln(out, "no snapshots found")
		return nil
	}

	codes := snapshotCodes(snapshots)
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	header := []string{"Time (UTC)", "Source", "USDT/NGN", "USD%", "Other%"}
	for _, code := range codes {
		header = append(header, code)
	}
	fmt.Fprintln(writer, strings.Join(header, "\t"))

	for _, s := range snapshots {
		row := []string{
			s.Timestamp.UTC().Format(time.RFC3339),
			string(s.Source),
			formatDecimal(s.USDTNGNRate, 2),
			formatDecimal(s.USDMargin, 2),
			formatDecimal(s.OtherCurrenciesMargin, 2),
		}
		for _, code := range codes {
			row = append(row, decimalCell(s.CostPrices, code, 2))
		}
		fmt.Fprintln(writer, strings.Join(row, "\t"))
	}

	return writer.Flush()
}

// printCostPrices renders one reconciled state as a table.
func printCostPrices(out io.Writer, st reconcile.State, hideSell bool) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "USDT/NGN\t%s\t(%s, %s)\n", formatDecimal(st.USDTNGN.Value, 2), st.USDTNGN.Source, st.PrimaryTier)
	fmt.Fprintf(writer, "Margins\tUSD %s%%\tothers %s%%\n", st.Margins.USDMargin.String(), st.Margins.OtherCurrenciesMargin.String())
	fmt.Fprintln(writer)
	fmt.Fprintln(writer, "Currency\tFX vs USD\tBuy\tSell\tCompetitor buy\tSpread%")

	comparisons := make(map[string]pricing.Comparison, len(st.Comparisons))
	for _, c := range st.Comparisons {
		comparisons[c.Currency] = c
	}
	for _, code := range sortedKeys(st.CostPrices) {
		p := st.CostPrices[code]
		sell := "-"
		if !hideSell {
			sell = formatDecimal(p.Sell, 2)
		}
		competitor, spread := "-", "-"
		if c, ok := comparisons[code]; ok {
			competitor = formatDecimal(c.CompetitorBuy, 2)
			spread = formatDecimal(c.SpreadPct, 2)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
			code,
			formatDecimal(st.Reference[code], 4),
			formatDecimal(p.Buy, 2),
			sell,
			competitor,
			spread,
		)
	}
	return writer.Flush()
}

func sortedKeys(set pricing.CostPriceSet) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func decimalCell(m map[string]decimal.Decimal, code string, places int32) string {
	v, ok := m[code]
	if !ok {
		return ""
	}
	return formatDecimal(v, places)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
