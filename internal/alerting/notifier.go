package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Notification 封装价差告警上下文。
type Notification struct {
	Timestamp      time.Time
	Currency       string
	CostPrice      decimal.Decimal
	CompetitorBuy  decimal.Decimal
	CompetitorSell decimal.Decimal
	SpreadPct      decimal.Decimal
	ThresholdPct   decimal.Decimal
	Direction      string
	USDTNGNRate    decimal.Decimal
	AdditionalMsg  string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// APIError 是 Telegram 返回 ok=false 或非 2xx 时的错误。
type APIError struct {
	Status      int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("telegram 响应码异常: %d", e.Status)
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	return msg
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	body, err := json.Marshal(sendMessageRequest{
		ChatID:                n.chatID,
		Text:                  renderMessage(note),
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	var result apiResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&result)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || (decodeErr == nil && !result.OK) {
		apiErr := &APIError{Status: resp.StatusCode, Description: result.Description}
		if result.ErrorCode != 0 {
			apiErr.Status = result.ErrorCode
		}
		if result.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(result.Parameters.RetryAfter) * time.Second
		}
		return apiErr
	}

	n.logger.Info().Str("currency", note.Currency).
		Str("direction", note.Direction).
		Str("spread_pct", note.SpreadPct.StringFixed(2)).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[FX Spread Alert] %s/NGN\n", note.Currency))
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", note.Timestamp.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Cost price: %s NGN\n", note.CostPrice.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Competitor buy: %s NGN\n", note.CompetitorBuy.StringFixed(2)))
	if note.CompetitorSell.IsPositive() {
		builder.WriteString(fmt.Sprintf("Competitor sell: %s NGN\n", note.CompetitorSell.StringFixed(2)))
	}
	builder.WriteString(fmt.Sprintf("Spread: %s%% (threshold %s%%)\n", note.SpreadPct.StringFixed(3), note.ThresholdPct.StringFixed(3)))
	builder.WriteString(fmt.Sprintf("Direction: %s\n", note.Direction))
	if note.USDTNGNRate.IsPositive() {
		builder.WriteString(fmt.Sprintf("USDT/NGN: %s\n", note.USDTNGNRate.StringFixed(2)))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
