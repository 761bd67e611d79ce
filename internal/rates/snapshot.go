package rates

import (
	"time"

	"github.com/shopspring/decimal"
)

// SnapshotSource tells what triggered a historical snapshot.
type SnapshotSource string

const (
	SnapshotManual  SnapshotSource = "manual"
	SnapshotAuto    SnapshotSource = "auto"
	SnapshotRefresh SnapshotSource = "refresh"
)

// HistoricalSnapshot is an append-only record of an accepted rate change.
type HistoricalSnapshot struct {
	USDTNGNRate           decimal.Decimal            `json:"usdtNgnRate"`
	USDMargin             decimal.Decimal            `json:"usdMargin"`
	OtherCurrenciesMargin decimal.Decimal            `json:"otherCurrenciesMargin"`
	ReferenceRates        map[string]decimal.Decimal `json:"referenceRates"`
	CostPrices            map[string]decimal.Decimal `json:"costPrices"`
	Source                SnapshotSource             `json:"source"`
	Timestamp             time.Time                  `json:"timestamp"`
}
