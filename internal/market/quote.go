package market

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidQuote is returned when a venue response cannot form a usable quote.
var ErrInvalidQuote = errors.New("market: invalid quote")

// Quote is one venue's top of book for one asset at one instant.
// Construct it through NewQuote so the bid/ask invariants hold.
type Quote struct {
	Venue      string
	Asset      string
	Bid        decimal.Decimal
	Ask        decimal.Decimal
	Volume24h  *decimal.Decimal
	ObservedAt time.Time
}

// NewQuote normalises identifiers and validates prices.
func NewQuote(venue, asset string, bid, ask decimal.Decimal, volume *decimal.Decimal, observedAt time.Time) (Quote, error) {
	q := Quote{
		Venue:      strings.TrimSpace(venue),
		Asset:      NormalizeAsset(asset),
		Bid:        bid,
		Ask:        ask,
		ObservedAt: observedAt.UTC(),
	}
	if volume != nil {
		v := *volume
		q.Volume24h = &v
	}
	if err := q.Validate(); err != nil {
		return Quote{}, err
	}
	return q, nil
}

// Validate reports whether the quote may enter a QuoteSet.
func (q Quote) Validate() error {
	if q.Venue == "" {
		return fmt.Errorf("%w: venue is empty", ErrInvalidQuote)
	}
	if q.Asset == "" {
		return fmt.Errorf("%w: asset is empty", ErrInvalidQuote)
	}
	if !q.Bid.IsPositive() {
		return fmt.Errorf("%w: bid %s must be positive", ErrInvalidQuote, q.Bid)
	}
	if !q.Ask.IsPositive() {
		return fmt.Errorf("%w: ask %s must be positive", ErrInvalidQuote, q.Ask)
	}
	if q.Bid.GreaterThan(q.Ask) {
		return fmt.Errorf("%w: bid %s above ask %s", ErrInvalidQuote, q.Bid, q.Ask)
	}
	if q.Volume24h != nil && q.Volume24h.IsNegative() {
		return fmt.Errorf("%w: negative volume %s", ErrInvalidQuote, q.Volume24h)
	}
	if q.ObservedAt.IsZero() {
		return fmt.Errorf("%w: missing observation time", ErrInvalidQuote)
	}
	return nil
}

// Mid returns (bid + ask) / 2.
func (q Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(two)
}

// Spread returns the venue's own bid/ask spread.
func (q Quote) Spread() (Spread, error) {
	return NewSpread(q.Bid, q.Ask)
}

// Age is the time elapsed since the quote was observed.
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.ObservedAt)
}

// NormalizeAsset upper-cases and trims an asset symbol.
func NormalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}
