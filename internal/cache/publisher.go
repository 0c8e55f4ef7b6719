package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"spread-alerts/internal/market"
	"spread-alerts/internal/storage"
)

// Options configure key layout and expiry.
type Options struct {
	Prefix  string
	TTL     time.Duration
	Channel string
}

// Snapshot is the JSON document kept per asset and published on every cycle.
type Snapshot struct {
	Asset        string        `json:"asset"`
	Empty        bool          `json:"empty"`
	BestBidVenue string        `json:"best_bid_venue,omitempty"`
	BestBid      string        `json:"best_bid,omitempty"`
	BestAskVenue string        `json:"best_ask_venue,omitempty"`
	BestAsk      string        `json:"best_ask,omitempty"`
	SpreadPct    string        `json:"spread_pct,omitempty"`
	Crossed      bool          `json:"crossed,omitempty"`
	Venues       int           `json:"venues"`
	Quotes       []QuoteRecord `json:"quotes"`
	TsMs         int64         `json:"ts_ms"`
}

// QuoteRecord is one contributing venue.
type QuoteRecord struct {
	Venue      string `json:"venue"`
	Bid        string `json:"bid"`
	Ask        string `json:"ask"`
	ObservedMs int64  `json:"observed_ms"`
}

// Publisher keeps the latest best price per asset in Redis and fans it out on a channel.
type Publisher struct {
	rdb    redis.Cmdable
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New builds a publisher over any redis client.
func New(rdb redis.Cmdable, opts Options, logger zerolog.Logger) *Publisher {
	if strings.TrimSpace(opts.Prefix) == "" {
		opts.Prefix = "spreadwatch"
	}
	if strings.TrimSpace(opts.Channel) == "" {
		opts.Channel = opts.Prefix + ":best:pub"
	}
	return &Publisher{
		rdb:    rdb,
		opts:   opts,
		logger: logger.With().Str("component", "cache_redis").Logger(),
		now:    time.Now,
	}
}

// NewClient dials nothing; go-redis connects lazily.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
}

func (p *Publisher) key(asset string) string {
	return fmt.Sprintf("%s:best:%s", p.opts.Prefix, market.NormalizeAsset(asset))
}

// StoreSnapshot implements storage.SnapshotSink.
func (p *Publisher) StoreSnapshot(ctx context.Context, asset string, best market.BestPrice, quotes market.QuoteSet) error {
	snap := buildSnapshot(asset, best, quotes, p.now())
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	pipe := p.rdb.TxPipeline()
	pipe.Set(ctx, p.key(asset), payload, p.opts.TTL)
	pipe.Publish(ctx, p.opts.Channel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}

	p.logger.Debug().Str("asset", snap.Asset).Bool("empty", snap.Empty).Msg("snapshot published")
	return nil
}

// Latest reads the cached snapshot for asset.
func (p *Publisher) Latest(ctx context.Context, asset string) (Snapshot, error) {
	raw, err := p.rdb.Get(ctx, p.key(asset)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, storage.ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func buildSnapshot(asset string, best market.BestPrice, quotes market.QuoteSet, now time.Time) Snapshot {
	snap := Snapshot{
		Asset:  market.NormalizeAsset(asset),
		Empty:  best.Empty(),
		Quotes: make([]QuoteRecord, 0, len(quotes)),
		TsMs:   now.UnixMilli(),
	}
	for _, q := range quotes {
		snap.Quotes = append(snap.Quotes, QuoteRecord{
			Venue:      q.Venue,
			Bid:        q.Bid.String(),
			Ask:        q.Ask.String(),
			ObservedMs: q.ObservedAt.UnixMilli(),
		})
	}
	if snap.Empty {
		return snap
	}
	snap.BestBidVenue = best.BestBid.Venue
	snap.BestBid = best.BestBid.Bid.String()
	snap.BestAskVenue = best.BestAsk.Venue
	snap.BestAsk = best.BestAsk.Ask.String()
	snap.SpreadPct = best.Spread.Percentage().StringFixed(market.SpreadPlaces)
	snap.Crossed = best.Crossed
	snap.Venues = best.Venues
	return snap
}

var _ storage.SnapshotSink = (*Publisher)(nil)
