package market

// BestPrice is the cross-venue best bid/ask for one asset.
// The zero value is the "no data" sentinel; check it with Empty, never by spread value.
type BestPrice struct {
	Asset   string
	BestBid *Quote
	BestAsk *Quote
	Spread  Spread
	// Crossed is set when the best bid sits above the best ask across venues.
	Crossed bool
	Venues  int
}

// Empty reports whether no fresh quote contributed.
func (b BestPrice) Empty() bool {
	return b.Venues == 0 || b.BestBid == nil || b.BestAsk == nil
}

// ComputeBest derives the best bid, best ask and effective spread from an already
// filtered set. Ties on price go to the earlier observation, then to arrival order.
func ComputeBest(set QuoteSet) BestPrice {
	if len(set) == 0 {
		return BestPrice{}
	}

	bidIdx, askIdx := 0, 0
	for i := 1; i < len(set); i++ {
		q := set[i]

		bb := set[bidIdx]
		if c := q.Bid.Cmp(bb.Bid); c > 0 || (c == 0 && q.ObservedAt.Before(bb.ObservedAt)) {
			bidIdx = i
		}

		ba := set[askIdx]
		if c := q.Ask.Cmp(ba.Ask); c < 0 || (c == 0 && q.ObservedAt.Before(ba.ObservedAt)) {
			askIdx = i
		}
	}

	bid := set[bidIdx]
	ask := set[askIdx]

	result := BestPrice{
		Asset:   bid.Asset,
		BestBid: &bid,
		BestAsk: &ask,
		Venues:  len(set),
	}
	if bid.Bid.GreaterThan(ask.Ask) {
		result.Crossed = true
		result.Spread = crossedSpread(bid.Bid, ask.Ask)
		return result
	}

	// both quotes passed Validate, so prices are positive
	spread, err := NewSpread(bid.Bid, ask.Ask)
	if err != nil {
		return BestPrice{}
	}
	result.Spread = spread
	return result
}
