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

	"spread-alerts/internal/market"
)

// PriceLevel 是某个场所的一侧报价。
type PriceLevel struct {
	Venue    string
	Price    decimal.Decimal
	TradeURL string
}

// TriggerEvent 封装一次告警触发的上下文。
type TriggerEvent struct {
	ID             string
	SubscriptionID string
	Owner          string
	Asset          string
	Threshold      decimal.Decimal
	Spread         decimal.Decimal
	Crossed        bool
	Venues         int
	BestBid        PriceLevel
	BestAsk        PriceLevel
	TriggeredAt    time.Time
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, event TriggerEvent) error
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

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, ev TriggerEvent) error {
	payload := map[string]any{
		"chat_id":                  n.chatID,
		"text":                     renderText(ev),
		"disable_web_page_preview": true,
	}

	body, err := json.Marshal(payload)
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

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("event_id", ev.ID).
		Str("asset", ev.Asset).
		Str("subscription_id", ev.SubscriptionID).
		Msg("告警已发送 (Telegram)")
	return nil
}

func subject(ev TriggerEvent) string {
	return fmt.Sprintf("%s spread %s%% below %s%%", ev.Asset, ev.Spread.StringFixed(market.SpreadPlaces), ev.Threshold.String())
}

func renderText(ev TriggerEvent) string {
	b := strings.Builder{}
	fmt.Fprintf(&b, "[Spread Alert] %s\n", ev.Asset)
	fmt.Fprintf(&b, "Time: %s UTC\n", ev.TriggeredAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Effective spread: %s%% (threshold %s%%)\n", ev.Spread.StringFixed(market.SpreadPlaces), ev.Threshold.String())
	fmt.Fprintf(&b, "Best bid: %s @ %s\n", ev.BestBid.Price.String(), ev.BestBid.Venue)
	fmt.Fprintf(&b, "Best ask: %s @ %s\n", ev.BestAsk.Price.String(), ev.BestAsk.Venue)
	fmt.Fprintf(&b, "Venues: %d\n", ev.Venues)
	if ev.Crossed {
		b.WriteString("Book is crossed across venues.\n")
	}
	if ev.BestAsk.TradeURL != "" {
		fmt.Fprintf(&b, "Buy: %s\n", ev.BestAsk.TradeURL)
	}
	if ev.BestBid.TradeURL != "" {
		fmt.Fprintf(&b, "Sell: %s\n", ev.BestBid.TradeURL)
	}
	return b.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
