package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fx-cost-desk/internal/notify"
	"fx-cost-desk/internal/rates"
	"fx-cost-desk/internal/storage"
)

// EventType names a change another session made.
type EventType string

const (
	RateChanged         EventType = "rate_changed"
	MarginChanged       EventType = "margin_changed"
	NotificationCreated EventType = "notification_created"
)

// Channel names the triggers in migrations/001_init.sql notify on.
const (
	ChannelRates         = "fxdesk_rates"
	ChannelMargins       = "fxdesk_margins"
	ChannelNotifications = "fxdesk_notifications"
)

// Channels is every channel the listener subscribes to.
var Channels = []string{ChannelRates, ChannelMargins, ChannelNotifications}

// Event is one decoded database change.
type Event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// EventFor maps a notify channel to its event type.
func EventFor(channel string) (EventType, bool) {
	switch channel {
	case ChannelRates:
		return RateChanged, true
	case ChannelMargins:
		return MarginChanged, true
	case ChannelNotifications:
		return NotificationCreated, true
	default:
		return "", false
	}
}

type rateRow struct {
	Rate      decimal.Decimal `json:"rate"`
	Source    string          `json:"source"`
	CreatedAt time.Time       `json:"created_at"`
}

type marginRow struct {
	USDMargin             decimal.Decimal `json:"usd_margin"`
	OtherCurrenciesMargin decimal.Decimal `json:"other_currencies_margin"`
	CreatedAt             time.Time       `json:"created_at"`
}

type notificationRow struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Title       string    `json:"title"`
	Description *string   `json:"description"`
	Type        string    `json:"type"`
	Read        bool      `json:"read"`
	CreatedAt   time.Time `json:"created_at"`
}

// DecodeRate parses a usdt_ngn_rates row.
func (e Event) DecodeRate() (rates.Rate, error) {
	if e.Type != RateChanged {
		return rates.Rate{}, fmt.Errorf("decode rate: unexpected event %s", e.Type)
	}
	var row rateRow
	if err := json.Unmarshal(e.Payload, &row); err != nil {
		return rates.Rate{}, fmt.Errorf("decode rate: %w", err)
	}
	r := rates.Rate{Value: row.Rate, Source: rates.Source(row.Source), Timestamp: row.CreatedAt}
	if !r.Valid() {
		return rates.Rate{}, fmt.Errorf("decode rate: non-positive value %s", row.Rate)
	}
	return r, nil
}

// DecodeMargins parses a margin_settings row.
func (e Event) DecodeMargins() (rates.MarginSettings, error) {
	if e.Type != MarginChanged {
		return rates.MarginSettings{}, fmt.Errorf("decode margins: unexpected event %s", e.Type)
	}
	var row marginRow
	if err := json.Unmarshal(e.Payload, &row); err != nil {
		return rates.MarginSettings{}, fmt.Errorf("decode margins: %w", err)
	}
	return rates.MarginSettings{
		USDMargin:             row.USDMargin,
		OtherCurrenciesMargin: row.OtherCurrenciesMargin,
		UpdatedAt:             row.CreatedAt,
	}, nil
}

// DecodeNotification parses a notifications row.
func (e Event) DecodeNotification() (notify.Notification, error) {
	if e.Type != NotificationCreated {
		return notify.Notification{}, fmt.Errorf("decode notification: unexpected event %s", e.Type)
	}
	var row notificationRow
	if err := json.Unmarshal(e.Payload, &row); err != nil {
		return notify.Notification{}, fmt.Errorf("decode notification: %w", err)
	}
	n, ok := notify.FromRecord(storage.NotificationRecord{
		ID:          row.ID,
		UserID:      row.UserID,
		Title:       row.Title,
		Description: row.Description,
		Type:        row.Type,
		Read:        row.Read,
		CreatedAt:   row.CreatedAt,
	})
	if !ok {
		return notify.Notification{}, fmt.Errorf("decode notification: bad id %q", row.ID)
	}
	return n, nil
}
