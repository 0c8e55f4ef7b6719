package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"spread-alerts/internal/market"
)

// EmailOptions configure the Postmark notifier.
type EmailOptions struct {
	ServerToken string
	From        string
	BaseURL     string
	Stream      string
	Timeout     time.Duration
}

// EmailNotifier sends alerts to the subscription owner through Postmark.
// Without a server token it only logs the rendered message.
type EmailNotifier struct {
	opts   EmailOptions
	client *http.Client
	logger zerolog.Logger
}

// NewEmailNotifier 构造邮件告警器。
func NewEmailNotifier(opts EmailOptions, logger zerolog.Logger) *EmailNotifier {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.postmarkapp.com"
	}
	if opts.Stream == "" {
		opts.Stream = "outbound"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &EmailNotifier{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		logger: logger.With().Str("component", "alert_email").Logger(),
	}
}

type postmarkMessage struct {
	From          string `json:"From"`
	To            string `json:"To"`
	Subject       string `json:"Subject"`
	HTMLBody      string `json:"HtmlBody"`
	TextBody      string `json:"TextBody"`
	MessageStream string `json:"MessageStream"`
}

type postmarkResponse struct {
	ErrorCode int    `json:"ErrorCode"`
	Message   string `json:"Message"`
	MessageID string `json:"MessageID"`
}

// Notify 发送邮件。
func (n *EmailNotifier) Notify(ctx context.Context, ev TriggerEvent) error {
	if ev.Owner == "" {
		return fmt.Errorf("email alert %s: no recipient", ev.ID)
	}

	msg := postmarkMessage{
		From:          n.opts.From,
		To:            ev.Owner,
		Subject:       subject(ev),
		HTMLBody:      renderHTML(ev),
		TextBody:      renderText(ev),
		MessageStream: n.opts.Stream,
	}

	if n.opts.ServerToken == "" {
		n.logger.Info().
			Str("to", msg.To).
			Str("subject", msg.Subject).
			Str("body", msg.TextBody).
			Msg("email delivery disabled, logging message instead")
		return nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal postmark payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.opts.BaseURL+"/email", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create postmark request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Postmark-Server-Token", n.opts.ServerToken)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send postmark request: %w", err)
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(resp.Body)
	var res postmarkResponse
	_ = json.Unmarshal(payload, &res)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || res.ErrorCode != 0 {
		return fmt.Errorf("postmark 响应异常 (%d, code %d): %s", resp.StatusCode, res.ErrorCode, res.Message)
	}

	n.logger.Info().Str("event_id", ev.ID).
		Str("message_id", res.MessageID).
		Str("asset", ev.Asset).
		Msg("告警已发送 (Email)")
	return nil
}

func renderHTML(ev TriggerEvent) string {
	esc := html.EscapeString
	b := strings.Builder{}
	fmt.Fprintf(&b, "<h2>%s spread alert</h2>", esc(ev.Asset))
	fmt.Fprintf(&b, "<p>The effective spread dropped to <strong>%s%%</strong>, below your %s%% threshold.</p>",
		esc(ev.Spread.StringFixed(market.SpreadPlaces)), esc(ev.Threshold.String()))
	b.WriteString("<table>")
	fmt.Fprintf(&b, "<tr><td>Best bid</td><td>%s</td><td>%s</td></tr>", esc(ev.BestBid.Price.String()), esc(ev.BestBid.Venue))
	fmt.Fprintf(&b, "<tr><td>Best ask</td><td>%s</td><td>%s</td></tr>", esc(ev.BestAsk.Price.String()), esc(ev.BestAsk.Venue))
	b.WriteString("</table>")
	if ev.BestAsk.TradeURL != "" {
		fmt.Fprintf(&b, `<p><a href="%s">Buy on %s</a></p>`, esc(ev.BestAsk.TradeURL), esc(ev.BestAsk.Venue))
	}
	if ev.BestBid.TradeURL != "" {
		fmt.Fprintf(&b, `<p><a href="%s">Sell on %s</a></p>`, esc(ev.BestBid.TradeURL), esc(ev.BestBid.Venue))
	}
	fmt.Fprintf(&b, "<p><small>%s UTC</small></p>", ev.TriggeredAt.UTC().Format(time.RFC3339))
	return b.String()
}

var _ Notifier = (*EmailNotifier)(nil)
