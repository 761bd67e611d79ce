package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"fx-cost-desk/internal/rates"
)

// Export renders historical snapshots as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.PrimaryInterval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	snapshots, err := store.ListSnapshotsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		a.Logger.Info().Msg("no snapshots found for export window")
		return nil
	}

	downsampled := downsampleSnapshots(snapshots, opts.MaxPoints)
	a.Logger.Info().Int("total", len(snapshots)).Int("exported", len(downsampled)).Msg("exporting snapshots")

	if opts.CSVPath != "" {
		if err := writeSnapshotsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSnapshotsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleSnapshots(snapshots []rates.HistoricalSnapshot, max int) []rates.HistoricalSnapshot {
	if max <= 0 || len(snapshots) <= max {
		return snapshots
	}
	if max == 1 {
		return snapshots[len(snapshots)-1:]
	}

	result := make([]rates.HistoricalSnapshot, 0, max)
	step := float64(len(snapshots)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(snapshots) {
			idx = len(snapshots) - 1
		}
		result = append(result, snapshots[idx])
	}
	return result
}

// snapshotCodes lists every currency that appears in any snapshot.
func snapshotCodes(snapshots []rates.HistoricalSnapshot) []string {
	seen := make(map[string]struct{})
	for _, s := range snapshots {
		for code := range s.CostPrices {
			seen[code] = struct{}{}
		}
		for code := range s.ReferenceRates {
			seen[code] = struct{}{}
		}
	}
	codes := make([]string, 0, len(seen))
	for code := range seen {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

func writeSnapshotsCSV(path string, snapshots []rates.HistoricalSnapshot) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	codes := snapshotCodes(snapshots)
	header := []string{"timestamp", "source", "usdt_ngn", "usd_margin", "other_margin"}
	for _, code := range codes {
		header = append(header, "fx_"+code, "cost_"+code)
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, s := range snapshots {
		record := []string{
			s.Timestamp.UTC().Format(time.RFC3339),
			string(s.Source),
			s.USDTNGNRate.String(),
			s.USDMargin.String(),
			s.OtherCurrenciesMargin.String(),
		}
		for _, code := range codes {
			record = append(record, decimalCell(s.ReferenceRates, code, 6), decimalCell(s.CostPrices, code, 2))
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeSnapshotsPNG(path string, snapshots []rates.HistoricalSnapshot) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(snapshots))
	base := make([]float64, len(snapshots))
	margin := make([]float64, len(snapshots))
	for i, s := range snapshots {
		x[i] = s.Timestamp
		base[i] = s.USDTNGNRate.InexactFloat64()
		margin[i] = s.OtherCurrenciesMargin.InexactFloat64()
	}

	series := []chart.Series{
		chart.TimeSeries{Name: "USDT/NGN", XValues: x, YValues: base},
	}
	for _, code := range snapshotCodes(snapshots) {
		if code == rates.Base {
			continue
		}
		ys := make([]float64, len(snapshots))
		for i, s := range snapshots {
			ys[i] = s.CostPrices[code].InexactFloat64()
		}
		series = append(series, chart.TimeSeries{Name: "Cost " + code, XValues: x, YValues: ys})
	}
	series = append(series, chart.TimeSeries{
		Name:    "Other margin %",
		XValues: x,
		YValues: margin,
		YAxis:   chart.YAxisSecondary,
	})

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "NGN",
			ValueFormatter: priceFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Margin (%)",
			ValueFormatter: priceFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
