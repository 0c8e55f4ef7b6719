package market

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// SpreadPlaces is the precision spreads are rounded to before comparison.
const SpreadPlaces = 4

// ErrInvalidSpread is returned for prices that cannot form a spread.
var ErrInvalidSpread = errors.New("market: invalid spread")

var (
	two     = decimal.NewFromInt(2)
	hundred = decimal.NewFromInt(100)
)

// Spread is (ask - bid) / mid * 100, rounded to SpreadPlaces.
type Spread struct {
	pct decimal.Decimal
}

// NewSpread computes the spread for an uncrossed bid/ask pair.
func NewSpread(bid, ask decimal.Decimal) (Spread, error) {
	if !bid.IsPositive() || !ask.IsPositive() {
		return Spread{}, fmt.Errorf("%w: bid %s and ask %s must be positive", ErrInvalidSpread, bid, ask)
	}
	if bid.GreaterThan(ask) {
		return Spread{}, fmt.Errorf("%w: bid %s above ask %s", ErrInvalidSpread, bid, ask)
	}
	return Spread{pct: spreadPct(bid, ask)}, nil
}

// SpreadFromPercentage rebuilds a spread from a stored percentage.
func SpreadFromPercentage(pct decimal.Decimal) Spread {
	return Spread{pct: pct.RoundBank(SpreadPlaces)}
}

// crossedSpread allows bid > ask; only the cross-venue calculator uses it.
func crossedSpread(bid, ask decimal.Decimal) Spread {
	return Spread{pct: spreadPct(bid, ask)}
}

func spreadPct(bid, ask decimal.Decimal) decimal.Decimal {
	mid := bid.Add(ask).Div(two)
	// banker's rounding to 4dp, same as the NUMERIC(10,4) column
	return ask.Sub(bid).Div(mid).Mul(hundred).RoundBank(SpreadPlaces)
}

// Percentage returns the rounded spread percentage.
func (s Spread) Percentage() decimal.Decimal {
	return s.pct
}

// Below reports whether the spread is strictly below threshold.
func (s Spread) Below(threshold decimal.Decimal) bool {
	return s.pct.LessThan(threshold)
}

func (s Spread) String() string {
	return s.pct.StringFixed(SpreadPlaces) + "%"
}
