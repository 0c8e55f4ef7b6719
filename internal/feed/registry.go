package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spread-alerts/internal/market"
	"spread-alerts/internal/venue"
)

const (
	defaultTimeout          = 10 * time.Second
	defaultFailureThreshold = 3
)

// Exclusion reasons.
const (
	ReasonTimeout      = "timeout"
	ReasonError        = "error"
	ReasonInvalidQuote = "invalid_quote"
)

// Options configure fan-out behaviour.
type Options struct {
	Timeout          time.Duration
	FailureThreshold int
}

// Exclusion records a venue left out of one cycle.
type Exclusion struct {
	Venue  string
	Reason string
	Err    error
}

// Result is the outcome of one fan-out for one asset.
type Result struct {
	Asset     string
	Quotes    market.QuoteSet
	Excluded  []Exclusion
	Attempted int
}

// Registry holds the configured adapters and fans fetches out across them.
type Registry struct {
	adapters []venue.Adapter
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time

	mu     sync.Mutex
	health map[healthKey]*Health
}

// NewRegistry builds a registry over adapters. Order is preserved for listing only.
func NewRegistry(adapters []venue.Adapter, opts Options, logger zerolog.Logger) *Registry {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = defaultFailureThreshold
	}
	return &Registry{
		adapters: append([]venue.Adapter(nil), adapters...),
		opts:     opts,
		logger:   logger.With().Str("component", "feed_registry").Logger(),
		now:      time.Now,
		health:   make(map[healthKey]*Health),
	}
}

// Adapters returns every configured adapter.
func (r *Registry) Adapters() []venue.Adapter {
	return append([]venue.Adapter(nil), r.adapters...)
}

// For returns the adapters that declare support for asset.
func (r *Registry) For(asset string) []venue.Adapter {
	var out []venue.Adapter
	for _, a := range r.adapters {
		if a.Supports(asset) {
			out = append(out, a)
		}
	}
	return out
}

type outcome struct {
	venue string
	quote market.Quote
	err   error
}

// FetchAll queries every supporting adapter concurrently, each bounded by the
// per-venue timeout. Failures are excluded from the result and never returned.
// Quotes are ordered by arrival.
func (r *Registry) FetchAll(ctx context.Context, asset string) Result {
	asset = market.NormalizeAsset(asset)
	adapters := r.For(asset)
	res := Result{Asset: asset, Attempted: len(adapters)}
	if len(adapters) == 0 {
		return res
	}

	results := make(chan outcome, len(adapters))
	for _, a := range adapters {
		go func(a venue.Adapter) {
			q, err := r.fetchOne(ctx, a, asset)
			results <- outcome{venue: a.Name(), quote: q, err: err}
		}(a)
	}

	for range adapters {
		o := <-results
		if o.err == nil {
			o.err = checkQuote(o.quote, o.venue, asset)
		}
		if o.err != nil {
			ex := Exclusion{Venue: o.venue, Reason: classify(o.err), Err: o.err}
			res.Excluded = append(res.Excluded, ex)
			r.recordFailure(o.venue, asset, ex)
			continue
		}
		res.Quotes = append(res.Quotes, o.quote)
		r.recordSuccess(o.venue, asset)
	}

	return res
}

// fetchOne runs a single adapter call and gives up at the deadline even if the
// adapter ignores its context.
func (r *Registry) fetchOne(ctx context.Context, a venue.Adapter, asset string) (market.Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		q, err := a.FetchQuote(ctx, asset)
		done <- outcome{quote: q, err: err}
	}()

	select {
	case o := <-done:
		return o.quote, o.err
	case <-ctx.Done():
		return market.Quote{}, fmt.Errorf("fetch %s quote: %w", a.Name(), ctx.Err())
	}
}

// checkQuote re-validates at the boundary; adapters are external code.
func checkQuote(q market.Quote, venueName, asset string) error {
	if err := q.Validate(); err != nil {
		return err
	}
	if q.Asset != asset {
		return fmt.Errorf("%w: %s returned asset %q for %q", market.ErrInvalidQuote, venueName, q.Asset, asset)
	}
	return nil
}

func classify(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, market.ErrInvalidQuote):
		return ReasonInvalidQuote
	default:
		return ReasonError
	}
}
