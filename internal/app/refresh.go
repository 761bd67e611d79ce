package app

import (
	"context"
	"io"

	"fx-cost-desk/internal/reconcile"
)

// Refresh runs one reconciliation cycle against the live sources and
// prints the resulting cost prices.
func (a *App) Refresh(ctx context.Context, opts RefreshOptions, out io.Writer) error {
	d, err := a.buildDesk(ctx, a.newNotifier())
	if err != nil {
		return err
	}
	defer d.Close()

	stop := startEngine(ctx, d.engine)
	defer stop()

	if _, err := d.engine.Load(ctx); err != nil {
		return err
	}

	primary, err := d.engine.RefreshPrimary(ctx, reconcile.TriggerManual)
	if err != nil {
		return err
	}
	a.Logger.Info().
		Str("rate_tier", string(primary.RateTier)).
		Str("reference_tier", string(primary.ReferenceTier)).
		Int("attempts", primary.Attempts).
		Msg("primary refresh finished")

	st := primary.State
	if opts.Competitor {
		comp, err := d.engine.RefreshCompetitor(ctx)
		if err != nil {
			return err
		}
		st = comp.State
		a.Logger.Info().
			Bool("skipped", comp.Skipped).
			Dur("cooldown", comp.Cooldown).
			Str("tier", string(comp.Tier)).
			Int("alerts", len(comp.Alerts)).
			Msg("competitor refresh finished")
	}

	return printCostPrices(out, st, a.Config.Pricing.HideSellPrice)
}
