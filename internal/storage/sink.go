package storage

import (
	"context"
	"errors"

	"spread-alerts/internal/market"
)

// MultiSink forwards snapshots to every sink. All sinks are attempted.
type MultiSink struct {
	sinks []SnapshotSink
}

// NewMultiSink drops nil sinks.
func NewMultiSink(sinks ...SnapshotSink) *MultiSink {
	out := make([]SnapshotSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &MultiSink{sinks: out}
}

func (m *MultiSink) StoreSnapshot(ctx context.Context, asset string, best market.BestPrice, quotes market.QuoteSet) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.StoreSnapshot(ctx, asset, best, quotes); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ SnapshotSink = (*MultiSink)(nil)
