package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"spread-alerts/internal/alerting"
	"spread-alerts/internal/market"
)

// QuoteRecord is one venue quote kept for history.
type QuoteRecord struct {
	CycleAt    time.Time
	Venue      string
	Asset      string
	Bid        decimal.Decimal
	Ask        decimal.Decimal
	SpreadPct  decimal.Decimal
	Volume24h  *decimal.Decimal
	ObservedAt time.Time
}

// BestPriceRecord is the latest cross-venue result for an asset.
type BestPriceRecord struct {
	Asset        string
	BestBidVenue string
	BestBid      decimal.Decimal
	BestAskVenue string
	BestAsk      decimal.Decimal
	SpreadPct    decimal.Decimal
	Crossed      bool
	Venues       int
	ComputedAt   time.Time
}

// EvaluationState is the remembered spread for one subscription.
type EvaluationState struct {
	SubscriptionID string
	PreviousSpread decimal.Decimal
	EvaluatedAt    time.Time
}

// AlertEvent audits one trigger and its delivery outcome.
type AlertEvent struct {
	ID             string
	SubscriptionID string
	Asset          string
	SpreadPct      decimal.Decimal
	ThresholdPct   decimal.Decimal
	BestBidVenue   string
	BestBid        decimal.Decimal
	BestAskVenue   string
	BestAsk        decimal.Decimal
	Channels       []string
	Delivered      bool
	Error          *string
	CreatedAt      time.Time
}

// QuoteRecords converts a fan-out result into history rows.
func QuoteRecords(cycleAt time.Time, quotes market.QuoteSet) []QuoteRecord {
	out := make([]QuoteRecord, 0, len(quotes))
	for _, q := range quotes {
		rec := QuoteRecord{
			CycleAt:    cycleAt.UTC(),
			Venue:      q.Venue,
			Asset:      q.Asset,
			Bid:        q.Bid,
			Ask:        q.Ask,
			Volume24h:  q.Volume24h,
			ObservedAt: q.ObservedAt,
		}
		if s, err := q.Spread(); err == nil {
			rec.SpreadPct = s.Percentage()
		}
		out = append(out, rec)
	}
	return out
}

// NewBestPriceRecord flattens a result. ok is false for the empty sentinel.
func NewBestPriceRecord(best market.BestPrice, at time.Time) (BestPriceRecord, bool) {
	if best.Empty() {
		return BestPriceRecord{}, false
	}
	return BestPriceRecord{
		Asset:        best.Asset,
		BestBidVenue: best.BestBid.Venue,
		BestBid:      best.BestBid.Bid,
		BestAskVenue: best.BestAsk.Venue,
		BestAsk:      best.BestAsk.Ask,
		SpreadPct:    best.Spread.Percentage(),
		Crossed:      best.Crossed,
		Venues:       best.Venues,
		ComputedAt:   at.UTC(),
	}, true
}

// NewAlertEvent builds the audit row for a trigger.
func NewAlertEvent(ev alerting.TriggerEvent, channels []string, deliveryErr error) AlertEvent {
	rec := AlertEvent{
		ID:             ev.ID,
		SubscriptionID: ev.SubscriptionID,
		Asset:          ev.Asset,
		SpreadPct:      ev.Spread,
		ThresholdPct:   ev.Threshold,
		BestBidVenue:   ev.BestBid.Venue,
		BestBid:        ev.BestBid.Price,
		BestAskVenue:   ev.BestAsk.Venue,
		BestAsk:        ev.BestAsk.Price,
		Channels:       append([]string(nil), channels...),
		Delivered:      deliveryErr == nil,
		CreatedAt:      ev.TriggeredAt,
	}
	if deliveryErr != nil {
		msg := deliveryErr.Error()
		rec.Error = &msg
	}
	return rec
}
