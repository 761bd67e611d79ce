package fetcher

import (
	"context"

	"fx-cost-desk/internal/rates"
)

// P2PFetcher retrieves the order book summary from the P2P proxy.
type P2PFetcher interface {
	FetchP2P(ctx context.Context) (P2PQuote, error)
}

// ReferenceFetcher retrieves each currency's value against USD.
type ReferenceFetcher interface {
	FetchReference(ctx context.Context, codes []string) (rates.ReferenceRates, error)
}

// CompetitorFetcher retrieves the competitor's quotes for every pair it can.
// Pairs that fail are omitted from the result.
type CompetitorFetcher interface {
	FetchAll(ctx context.Context, codes []string) (PairRates, error)
}
