package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// RateRecord is one persisted USDT/NGN observation.
type RateRecord struct {
	ID        int64
	Rate      decimal.Decimal
	Source    string
	CreatedAt time.Time
}

// MarginRecord is one row of margin_settings; the newest row is current.
type MarginRecord struct {
	ID                    int64
	USDMargin             decimal.Decimal
	OtherCurrenciesMargin decimal.Decimal
	CreatedAt             time.Time
}

// CurrencyRateRecord is the last good reference rate for one currency.
type CurrencyRateRecord struct {
	CurrencyCode string
	Rate         decimal.Decimal
	IsActive     bool
	Source       string
	UpdatedAt    time.Time
}

// NotificationRecord 对应 notifications 表的一行。
type NotificationRecord struct {
	ID          string
	UserID      string
	Title       string
	Description *string
	Type        string
	Read        bool
	CreatedAt   time.Time
}
