package alerting

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// LogNotifier writes alerts to the log only.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, ev TriggerEvent) error {
	n.logger.Warn().
		Str("event_id", ev.ID).
		Str("subscription_id", ev.SubscriptionID).
		Str("asset", ev.Asset).
		Str("spread_pct", ev.Spread.String()).
		Str("threshold_pct", ev.Threshold.String()).
		Str("best_bid_venue", ev.BestBid.Venue).
		Str("best_bid", ev.BestBid.Price.String()).
		Str("best_ask_venue", ev.BestAsk.Venue).
		Str("best_ask", ev.BestAsk.Price.String()).
		Msg("spread alert")
	return nil
}

// Channel is a named notifier.
type Channel struct {
	Name     string
	Notifier Notifier
}

// MultiNotifier 向所有渠道分发, 单个渠道失败不影响其它渠道。
type MultiNotifier struct {
	channels []Channel
	logger   zerolog.Logger
}

func NewMultiNotifier(logger zerolog.Logger, channels ...Channel) *MultiNotifier {
	return &MultiNotifier{channels: channels, logger: logger.With().Str("component", "alert_multi").Logger()}
}

// Len returns the number of channels.
func (m *MultiNotifier) Len() int { return len(m.channels) }

// Names lists channel names in dispatch order.
func (m *MultiNotifier) Names() []string {
	out := make([]string, 0, len(m.channels))
	for _, c := range m.channels {
		out = append(out, c.Name)
	}
	return out
}

// Notify returns the joined channel errors.
func (m *MultiNotifier) Notify(ctx context.Context, ev TriggerEvent) error {
	var errs []error
	for _, c := range m.channels {
		if err := c.Notifier.Notify(ctx, ev); err != nil {
			m.logger.Error().Err(err).Str("channel", c.Name).Str("event_id", ev.ID).Msg("failed to dispatch alert")
			errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
		}
	}
	return errors.Join(errs...)
}

var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (*MultiNotifier)(nil)
)
