package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"spread-alerts/internal/alerting"
	"spread-alerts/internal/market"
	"spread-alerts/internal/storage"
)

// Repo is the single-node SQLite backend. Decimals are stored as TEXT and
// timestamps as unix milliseconds.
type Repo struct {
	db  *sql.DB
	now func() time.Time
}

// New opens (and migrates) the database at path. Use ":memory:" for tests.
func New(path string) (*Repo, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			_ = os.MkdirAll(dir, 0o755)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	r := &Repo{db: db, now: time.Now}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS price_snapshots (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  cycle_ms INTEGER NOT NULL,
  venue TEXT NOT NULL,
  asset TEXT NOT NULL,
  bid TEXT NOT NULL,
  ask TEXT NOT NULL,
  spread_pct TEXT NOT NULL,
  volume_24h TEXT,
  observed_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_price_snapshots_asset ON price_snapshots(asset, cycle_ms);

CREATE TABLE IF NOT EXISTS best_prices (
  asset TEXT PRIMARY KEY,
  best_bid_venue TEXT NOT NULL,
  best_bid TEXT NOT NULL,
  best_ask_venue TEXT NOT NULL,
  best_ask TEXT NOT NULL,
  spread_pct TEXT NOT NULL,
  crossed INTEGER NOT NULL,
  venues INTEGER NOT NULL,
  computed_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS alert_subscriptions (
  id TEXT PRIMARY KEY,
  owner TEXT NOT NULL,
  asset TEXT NOT NULL,
  threshold_pct TEXT NOT NULL,
  status TEXT NOT NULL,
  cooldown_seconds INTEGER NOT NULL,
  last_triggered_ms INTEGER,
  created_ms INTEGER NOT NULL,
  updated_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alert_subscriptions_status ON alert_subscriptions(status);

CREATE TABLE IF NOT EXISTS alert_states (
  subscription_id TEXT PRIMARY KEY,
  previous_spread_pct TEXT NOT NULL,
  evaluated_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS alert_events (
  id TEXT PRIMARY KEY,
  subscription_id TEXT NOT NULL,
  asset TEXT NOT NULL,
  spread_pct TEXT NOT NULL,
  threshold_pct TEXT NOT NULL,
  best_bid_venue TEXT NOT NULL,
  best_bid TEXT NOT NULL,
  best_ask_venue TEXT NOT NULL,
  best_ask TEXT NOT NULL,
  channels TEXT NOT NULL,
  delivered INTEGER NOT NULL,
  error TEXT,
  created_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alert_events_created ON alert_events(created_ms);
`)
	if err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}
	return nil
}

func (r *Repo) StoreSnapshot(ctx context.Context, asset string, best market.BestPrice, quotes market.QuoteSet) error {
	now := r.now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range storage.QuoteRecords(now, quotes) {
		var volume any
		if rec.Volume24h != nil {
			volume = rec.Volume24h.String()
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO price_snapshots(cycle_ms, venue, asset, bid, ask, spread_pct, volume_24h, observed_ms)
VALUES(?,?,?,?,?,?,?,?)`,
			rec.CycleAt.UnixMilli(), rec.Venue, rec.Asset, rec.Bid.String(), rec.Ask.String(),
			rec.SpreadPct.String(), volume, rec.ObservedAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("insert quote: %w", err)
		}
	}

	if rec, ok := storage.NewBestPriceRecord(best, now); ok {
		_, err = tx.ExecContext(ctx, `
INSERT INTO best_prices(asset, best_bid_venue, best_bid, best_ask_venue, best_ask, spread_pct, crossed, venues, computed_ms)
VALUES(?,?,?,?,?,?,?,?,?)
ON CONFLICT(asset) DO UPDATE SET
  best_bid_venue=excluded.best_bid_venue,
  best_bid=excluded.best_bid,
  best_ask_venue=excluded.best_ask_venue,
  best_ask=excluded.best_ask,
  spread_pct=excluded.spread_pct,
  crossed=excluded.crossed,
  venues=excluded.venues,
  computed_ms=excluded.computed_ms`,
			rec.Asset, rec.BestBidVenue, rec.BestBid.String(), rec.BestAskVenue, rec.BestAsk.String(),
			rec.SpreadPct.String(), boolInt(rec.Crossed), rec.Venues, rec.ComputedAt.UnixMilli(),
		)
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM best_prices WHERE asset = ?`, market.NormalizeAsset(asset))
	}
	if err != nil {
		return fmt.Errorf("upsert best price: %w", err)
	}

	return tx.Commit()
}

// LatestBestPrice reads the stored best price for asset.
func (r *Repo) LatestBestPrice(ctx context.Context, asset string) (storage.BestPriceRecord, error) {
	var (
		rec              storage.BestPriceRecord
		bid, ask, spread string
		crossed          int
		computedMs       int64
	)
	err := r.db.QueryRowContext(ctx, `
SELECT asset, best_bid_venue, best_bid, best_ask_venue, best_ask, spread_pct, crossed, venues, computed_ms
FROM best_prices WHERE asset = ?`, market.NormalizeAsset(asset)).Scan(
		&rec.Asset, &rec.BestBidVenue, &bid, &rec.BestAskVenue, &ask, &spread, &crossed, &rec.Venues, &computedMs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.BestPriceRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.BestPriceRecord{}, fmt.Errorf("get best price: %w", err)
	}
	if rec.BestBid, err = decimal.NewFromString(bid); err != nil {
		return storage.BestPriceRecord{}, err
	}
	if rec.BestAsk, err = decimal.NewFromString(ask); err != nil {
		return storage.BestPriceRecord{}, err
	}
	if rec.SpreadPct, err = decimal.NewFromString(spread); err != nil {
		return storage.BestPriceRecord{}, err
	}
	rec.Crossed = crossed != 0
	rec.ComputedAt = time.UnixMilli(computedMs).UTC()
	return rec, nil
}

// CountQuotes returns the number of stored quote rows for asset.
func (r *Repo) CountQuotes(ctx context.Context, asset string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM price_snapshots WHERE asset = ?`, market.NormalizeAsset(asset)).Scan(&n)
	return n, err
}

const subscriptionColumns = `id, owner, asset, threshold_pct, status, cooldown_seconds, last_triggered_ms, created_ms, updated_ms`

func (r *Repo) ListActive(ctx context.Context) ([]alerting.Subscription, error) {
	return r.querySubscriptions(ctx, `SELECT `+subscriptionColumns+` FROM alert_subscriptions WHERE status = 'active' ORDER BY created_ms, id`)
}

func (r *Repo) ListSubscriptions(ctx context.Context, f storage.SubscriptionFilter) ([]alerting.Subscription, error) {
	asset := ""
	if f.Asset != "" {
		asset = market.NormalizeAsset(f.Asset)
	}
	return r.querySubscriptions(ctx, `SELECT `+subscriptionColumns+` FROM alert_subscriptions
WHERE (? = '' OR owner = ?) AND (? = '' OR asset = ?) AND (? OR status <> 'deleted')
ORDER BY created_ms, id`, f.Owner, f.Owner, asset, asset, f.IncludeDeleted)
}

func (r *Repo) GetSubscription(ctx context.Context, id string) (alerting.Subscription, error) {
	subs, err := r.querySubscriptions(ctx, `SELECT `+subscriptionColumns+` FROM alert_subscriptions WHERE id = ?`, id)
	if err != nil {
		return alerting.Subscription{}, err
	}
	if len(subs) == 0 {
		return alerting.Subscription{}, storage.ErrNotFound
	}
	return subs[0], nil
}

func (r *Repo) SaveSubscription(ctx context.Context, sub alerting.Subscription) error {
	var last any
	if sub.LastTriggeredAt != nil {
		last = sub.LastTriggeredAt.UnixMilli()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO alert_subscriptions(id, owner, asset, threshold_pct, status, cooldown_seconds, last_triggered_ms, created_ms, updated_ms)
VALUES(?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  threshold_pct=excluded.threshold_pct,
  status=excluded.status,
  cooldown_seconds=excluded.cooldown_seconds,
  last_triggered_ms=excluded.last_triggered_ms,
  updated_ms=excluded.updated_ms`,
		sub.ID, sub.Owner, sub.Asset, sub.Threshold.String(), string(sub.Status),
		int64(sub.Cooldown/time.Second), last, sub.CreatedAt.UnixMilli(), sub.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	return nil
}

func (r *Repo) MarkTriggered(ctx context.Context, id string, at time.Time) (bool, error) {
	ms := at.UTC().UnixMilli()
	res, err := r.db.ExecContext(ctx,
		`UPDATE alert_subscriptions SET last_triggered_ms = ?, updated_ms = ? WHERE id = ? AND status = 'active'`,
		ms, ms, id)
	if err != nil {
		return false, fmt.Errorf("mark triggered: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark triggered: %w", err)
	}
	return n == 1, nil
}

func (r *Repo) querySubscriptions(ctx context.Context, query string, args ...any) ([]alerting.Subscription, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	out := make([]alerting.Subscription, 0)
	for rows.Next() {
		var (
			sub                  alerting.Subscription
			threshold, status    string
			cooldown             int64
			last                 sql.NullInt64
			createdMs, updatedMs int64
		)
		if err := rows.Scan(&sub.ID, &sub.Owner, &sub.Asset, &threshold, &status, &cooldown, &last, &createdMs, &updatedMs); err != nil {
			return nil, err
		}
		if sub.Threshold, err = decimal.NewFromString(threshold); err != nil {
			return nil, fmt.Errorf("parse threshold pct: %w", err)
		}
		if sub.Status, err = alerting.ParseStatus(status); err != nil {
			return nil, err
		}
		sub.Cooldown = time.Duration(cooldown) * time.Second
		if last.Valid {
			t := time.UnixMilli(last.Int64).UTC()
			sub.LastTriggeredAt = &t
		}
		sub.CreatedAt = time.UnixMilli(createdMs).UTC()
		sub.UpdatedAt = time.UnixMilli(updatedMs).UTC()
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (r *Repo) LoadEvaluationStates(ctx context.Context) ([]storage.EvaluationState, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT s.subscription_id, s.previous_spread_pct, s.evaluated_ms
FROM alert_states s JOIN alert_subscriptions a ON a.id = s.subscription_id
WHERE a.status <> 'deleted'`)
	if err != nil {
		return nil, fmt.Errorf("list evaluation states: %w", err)
	}
	defer rows.Close()

	out := make([]storage.EvaluationState, 0)
	for rows.Next() {
		var (
			st     storage.EvaluationState
			spread string
			ms     int64
		)
		if err := rows.Scan(&st.SubscriptionID, &spread, &ms); err != nil {
			return nil, err
		}
		if st.PreviousSpread, err = decimal.NewFromString(spread); err != nil {
			return nil, fmt.Errorf("parse previous spread: %w", err)
		}
		st.EvaluatedAt = time.UnixMilli(ms).UTC()
		out = append(out, st)
	}
	return out, rows.Err()
}

func (r *Repo) SaveEvaluationState(ctx context.Context, st storage.EvaluationState) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO alert_states(subscription_id, previous_spread_pct, evaluated_ms) VALUES(?,?,?)
ON CONFLICT(subscription_id) DO UPDATE SET
  previous_spread_pct=excluded.previous_spread_pct,
  evaluated_ms=excluded.evaluated_ms`,
		st.SubscriptionID, st.PreviousSpread.String(), st.EvaluatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save evaluation state: %w", err)
	}
	return nil
}

func (r *Repo) InsertAlertEvent(ctx context.Context, ev storage.AlertEvent) error {
	var errMsg any
	if ev.Error != nil {
		errMsg = *ev.Error
	}
	_, err := r.db.ExecContext(ctx, `
INSERT OR IGNORE INTO alert_events(id, subscription_id, asset, spread_pct, threshold_pct, best_bid_venue, best_bid, best_ask_venue, best_ask, channels, delivered, error, created_ms)
VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		ev.ID, ev.SubscriptionID, ev.Asset, ev.SpreadPct.String(), ev.ThresholdPct.String(),
		ev.BestBidVenue, ev.BestBid.String(), ev.BestAskVenue, ev.BestAsk.String(),
		strings.Join(ev.Channels, ","), boolInt(ev.Delivered), errMsg, ev.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert alert event: %w", err)
	}
	return nil
}

func (r *Repo) ListRecentAlertEvents(ctx context.Context, limit int) ([]storage.AlertEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, subscription_id, asset, spread_pct, threshold_pct, best_bid_venue, best_bid, best_ask_venue, best_ask, channels, delivered, error, created_ms
FROM alert_events ORDER BY created_ms DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent alert events: %w", err)
	}
	defer rows.Close()

	out := make([]storage.AlertEvent, 0, limit)
	for rows.Next() {
		var (
			ev                                 storage.AlertEvent
			spread, threshold, bid, ask, chans string
			delivered                          int
			errMsg                             sql.NullString
			createdMs                          int64
		)
		if err := rows.Scan(&ev.ID, &ev.SubscriptionID, &ev.Asset, &spread, &threshold, &ev.BestBidVenue, &bid,
			&ev.BestAskVenue, &ask, &chans, &delivered, &errMsg, &createdMs); err != nil {
			return nil, err
		}
		for _, p := range []struct {
			dst *decimal.Decimal
			src string
		}{{&ev.SpreadPct, spread}, {&ev.ThresholdPct, threshold}, {&ev.BestBid, bid}, {&ev.BestAsk, ask}} {
			d, err := decimal.NewFromString(p.src)
			if err != nil {
				return nil, fmt.Errorf("parse decimal %q: %w", p.src, err)
			}
			*p.dst = d
		}
		if chans != "" {
			ev.Channels = strings.Split(chans, ",")
		}
		ev.Delivered = delivered != 0
		if errMsg.Valid {
			msg := errMsg.String
			ev.Error = &msg
		}
		ev.CreatedAt = time.UnixMilli(createdMs).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (r *Repo) DeleteAlertEventsBefore(ctx context.Context, olderThan time.Time) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM alert_events WHERE created_ms < ?`, olderThan.UnixMilli()); err != nil {
		return fmt.Errorf("delete alert events before: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ storage.Backend = (*Repo)(nil)
