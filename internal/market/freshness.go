package market

import "time"

// QuoteSet holds one cycle's quotes for one asset in arrival order.
type QuoteSet []Quote

// Venues lists the venue names in set order.
func (s QuoteSet) Venues() []string {
	names := make([]string, 0, len(s))
	for _, q := range s {
		names = append(names, q.Venue)
	}
	return names
}

// Clone returns a copy that shares no backing array with s.
func (s QuoteSet) Clone() QuoteSet {
	if s == nil {
		return nil
	}
	out := make(QuoteSet, len(s))
	copy(out, s)
	return out
}

// IsFresh reports whether now - observedAt <= maxAge.
func IsFresh(q Quote, maxAge time.Duration, now time.Time) bool {
	return now.Sub(q.ObservedAt) <= maxAge
}

// FilterFresh drops quotes older than maxAge relative to now.
// The input is never modified and arrival order is preserved.
func FilterFresh(set QuoteSet, maxAge time.Duration, now time.Time) QuoteSet {
	fresh := make(QuoteSet, 0, len(set))
	for _, q := range set {
		if IsFresh(q, maxAge, now) {
			fresh = append(fresh, q)
		}
	}
	return fresh
}
