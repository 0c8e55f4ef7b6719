package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"spread-alerts/internal/alerting"
	"spread-alerts/internal/market"
)

const (
	insertQuoteSQL = `INSERT INTO price_snapshots (
        cycle_ts,
        venue,
        asset,
        bid,
        ask,
        spread_pct,
        volume_24h,
        observed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    );`

	upsertBestPriceSQL = `INSERT INTO best_prices (
        asset,
        best_bid_venue,
        best_bid,
        best_ask_venue,
        best_ask,
        spread_pct,
        crossed,
        venues,
        computed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (asset) DO UPDATE
    SET
        best_bid_venue = EXCLUDED.best_bid_venue,
        best_bid       = EXCLUDED.best_bid,
        best_ask_venue = EXCLUDED.best_ask_venue,
        best_ask       = EXCLUDED.best_ask,
        spread_pct     = EXCLUDED.spread_pct,
        crossed        = EXCLUDED.crossed,
        venues         = EXCLUDED.venues,
        computed_at    = EXCLUDED.computed_at;`

	deleteBestPriceSQL = `DELETE FROM best_prices WHERE asset = $1;`

	subscriptionColumns = `id::text,
        owner,
        asset,
        threshold_pct::text,
        status,
        cooldown_seconds,
        last_triggered_at,
        created_at,
        updated_at`

	upsertSubscriptionSQL = `INSERT INTO alert_subscriptions (
        id,
        owner,
        asset,
        threshold_pct,
        status,
        cooldown_seconds,
        last_triggered_at,
        created_at,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (id) DO UPDATE
    SET
        threshold_pct     = EXCLUDED.threshold_pct,
        status            = EXCLUDED.status,
        cooldown_seconds  = EXCLUDED.cooldown_seconds,
        last_triggered_at = EXCLUDED.last_triggered_at,
        updated_at        = EXCLUDED.updated_at;`

	markTriggeredSQL = `UPDATE alert_subscriptions
    SET last_triggered_at = $2,
        updated_at        = $2
    WHERE id = $1 AND status = 'active';`

	listActiveSubscriptionsSQL = `SELECT ` + subscriptionColumns + `
    FROM alert_subscriptions
    WHERE status = 'active'
    ORDER BY created_at;`

	getSubscriptionSQL = `SELECT ` + subscriptionColumns + `
    FROM alert_subscriptions
    WHERE id = $1;`

	listSubscriptionsSQL = `SELECT ` + subscriptionColumns + `
    FROM alert_subscriptions
    WHERE ($1 = '' OR owner = $1)
      AND ($2 = '' OR asset = $2)
      AND ($3 OR status <> 'deleted')
    ORDER BY created_at;`

	upsertEvaluationStateSQL = `INSERT INTO alert_states (
        subscription_id,
        previous_spread_pct,
        evaluated_at
    ) VALUES ($1,$2,$3)
    ON CONFLICT (subscription_id) DO UPDATE
    SET previous_spread_pct = EXCLUDED.previous_spread_pct,
        evaluated_at        = EXCLUDED.evaluated_at;`

	listEvaluationStatesSQL = `SELECT s.subscription_id::text, s.previous_spread_pct::text, s.evaluated_at
    FROM alert_states s
    JOIN alert_subscriptions a ON a.id = s.subscription_id
    WHERE a.status <> 'deleted';`

	insertAlertEventSQL = `INSERT INTO alert_events (
        id,
        subscription_id,
        asset,
        spread_pct,
        threshold_pct,
        best_bid_venue,
        best_bid,
        best_ask_venue,
        best_ask,
        channels,
        delivered,
        error,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
    )
    ON CONFLICT (id) DO NOTHING;`

	listRecentAlertEventsSQL = `SELECT
        id::text,
        subscription_id::text,
        asset,
        spread_pct::text,
        threshold_pct::text,
        best_bid_venue,
        best_bid::text,
        best_ask_venue,
        best_ask::text,
        channels,
        delivered,
        error,
        created_at
    FROM alert_events
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteAlertEventsBeforeSQL = `DELETE FROM alert_events WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store is the PostgreSQL backend.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// session locks die with the connection if this fails
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// StoreSnapshot writes the quotes and the best-price row in one transaction.
// An empty result removes the asset's best-price row.
func (s *Store) StoreSnapshot(ctx context.Context, asset string, best market.BestPrice, quotes market.QuoteSet) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	now := s.now().UTC()
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, rec := range QuoteRecords(now, quotes) {
			var volume any
			if rec.Volume24h != nil {
				volume = rec.Volume24h.String()
			}
			batch.Queue(insertQuoteSQL,
				rec.CycleAt,
				rec.Venue,
				rec.Asset,
				rec.Bid.String(),
				rec.Ask.String(),
				rec.SpreadPct.String(),
				volume,
				rec.ObservedAt,
			)
		}

		if rec, ok := NewBestPriceRecord(best, now); ok {
			batch.Queue(upsertBestPriceSQL,
				rec.Asset,
				rec.BestBidVenue,
				rec.BestBid.String(),
				rec.BestAskVenue,
				rec.BestAsk.String(),
				rec.SpreadPct.String(),
				rec.Crossed,
				rec.Venues,
				rec.ComputedAt,
			)
		} else {
			batch.Queue(deleteBestPriceSQL, market.NormalizeAsset(asset))
		}

		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	return nil
}

// ListActive returns subscriptions with status active.
func (s *Store) ListActive(ctx context.Context) ([]alerting.Subscription, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listActiveSubscriptionsSQL)
	if err != nil {
		return nil, fmt.Errorf("list active subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

// ListSubscriptions returns subscriptions matching filter.
func (s *Store) ListSubscriptions(ctx context.Context, filter SubscriptionFilter) ([]alerting.Subscription, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	asset := ""
	if filter.Asset != "" {
		asset = market.NormalizeAsset(filter.Asset)
	}
	rows, err := pool.Query(ctx, listSubscriptionsSQL, filter.Owner, asset, filter.IncludeDeleted)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

// GetSubscription loads one subscription by id.
func (s *Store) GetSubscription(ctx context.Context, id string) (alerting.Subscription, error) {
	pool, err := s.getPool()
	if err != nil {
		return alerting.Subscription{}, err
	}
	rows, err := pool.Query(ctx, getSubscriptionSQL, id)
	if err != nil {
		return alerting.Subscription{}, fmt.Errorf("get subscription: %w", err)
	}
	subs, err := collectSubscriptions(rows)
	if err != nil {
		return alerting.Subscription{}, err
	}
	if len(subs) == 0 {
		return alerting.Subscription{}, ErrNotFound
	}
	return subs[0], nil
}

// SaveSubscription inserts or updates a subscription. Owner and asset are immutable.
func (s *Store) SaveSubscription(ctx context.Context, sub alerting.Subscription) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	var last any
	if sub.LastTriggeredAt != nil {
		last = *sub.LastTriggeredAt
	}
	_, err = pool.Exec(ctx, upsertSubscriptionSQL,
		sub.ID,
		sub.Owner,
		sub.Asset,
		sub.Threshold.String(),
		string(sub.Status),
		int64(sub.Cooldown/time.Second),
		last,
		sub.CreatedAt,
		sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	return nil
}

// MarkTriggered stamps last_triggered_at unless the row was paused or deleted since it was listed.
func (s *Store) MarkTriggered(ctx context.Context, id string, at time.Time) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	tag, err := pool.Exec(ctx, markTriggeredSQL, id, at.UTC())
	if err != nil {
		return false, fmt.Errorf("mark triggered: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// LoadEvaluationStates returns memory for every non-deleted subscription.
func (s *Store) LoadEvaluationStates(ctx context.Context) ([]EvaluationState, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listEvaluationStatesSQL)
	if err != nil {
		return nil, fmt.Errorf("list evaluation states: %w", err)
	}
	defer rows.Close()

	states := make([]EvaluationState, 0)
	for rows.Next() {
		var (
			st        EvaluationState
			spreadStr string
		)
		if err := rows.Scan(&st.SubscriptionID, &spreadStr, &st.EvaluatedAt); err != nil {
			return nil, err
		}
		if st.PreviousSpread, err = decimal.NewFromString(spreadStr); err != nil {
			return nil, fmt.Errorf("parse previous spread: %w", err)
		}
		states = append(states, st)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return states, nil
}

// SaveEvaluationState upserts a subscription's remembered spread.
func (s *Store) SaveEvaluationState(ctx context.Context, st EvaluationState) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, upsertEvaluationStateSQL, st.SubscriptionID, st.PreviousSpread.String(), st.EvaluatedAt); err != nil {
		return fmt.Errorf("save evaluation state: %w", err)
	}
	return nil
}

// InsertAlertEvent persists an alert emission.
func (s *Store) InsertAlertEvent(ctx context.Context, ev AlertEvent) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var errMsg any
	if ev.Error != nil {
		errMsg = *ev.Error
	}

	_, execErr := pool.Exec(ctx, insertAlertEventSQL,
		ev.ID,
		ev.SubscriptionID,
		ev.Asset,
		ev.SpreadPct.String(),
		ev.ThresholdPct.String(),
		ev.BestBidVenue,
		ev.BestBid.String(),
		ev.BestAskVenue,
		ev.BestAsk.String(),
		ev.Channels,
		ev.Delivered,
		errMsg,
		ev.CreatedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert alert event: %w", execErr)
	}
	return nil
}

// ListRecentAlertEvents lists most recent alert events.
func (s *Store) ListRecentAlertEvents(ctx context.Context, limit int) ([]AlertEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertEventsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alert events: %w", queryErr)
	}
	defer rows.Close()

	events := make([]AlertEvent, 0, limit)
	for rows.Next() {
		ev, err := scanAlertEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

// DeleteAlertEventsBefore deletes historical alert events.
func (s *Store) DeleteAlertEventsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertEventsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alert events before: %w", execErr)
	}
	return nil
}

func collectSubscriptions(rows pgx.Rows) ([]alerting.Subscription, error) {
	defer rows.Close()
	subs := make([]alerting.Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return subs, nil
}

func scanSubscription(rows pgx.Rows) (alerting.Subscription, error) {
	var (
		sub             alerting.Subscription
		thresholdStr    string
		status          string
		cooldownSeconds int64
		lastTriggered   sql.NullTime
	)
	if err := rows.Scan(
		&sub.ID,
		&sub.Owner,
		&sub.Asset,
		&thresholdStr,
		&status,
		&cooldownSeconds,
		&lastTriggered,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	); err != nil {
		return alerting.Subscription{}, err
	}

	threshold, err := decimal.NewFromString(thresholdStr)
	if err != nil {
		return alerting.Subscription{}, fmt.Errorf("parse threshold pct: %w", err)
	}
	sub.Threshold = threshold
	if sub.Status, err = alerting.ParseStatus(status); err != nil {
		return alerting.Subscription{}, err
	}
	sub.Cooldown = time.Duration(cooldownSeconds) * time.Second
	if lastTriggered.Valid {
		t := lastTriggered.Time.UTC()
		sub.LastTriggeredAt = &t
	}
	return sub, nil
}

func scanAlertEvent(rows pgx.Rows) (AlertEvent, error) {
	var (
		ev                                   AlertEvent
		spreadStr, thresholdStr, bidStr, ask string
		errMsg                               sql.NullString
	)
	if err := rows.Scan(
		&ev.ID,
		&ev.SubscriptionID,
		&ev.Asset,
		&spreadStr,
		&thresholdStr,
		&ev.BestBidVenue,
		&bidStr,
		&ev.BestAskVenue,
		&ask,
		&ev.Channels,
		&ev.Delivered,
		&errMsg,
		&ev.CreatedAt,
	); err != nil {
		return AlertEvent{}, err
	}

	parsed, err := parseDecimals(spreadStr, thresholdStr, bidStr, ask)
	if err != nil {
		return AlertEvent{}, err
	}
	ev.SpreadPct, ev.ThresholdPct, ev.BestBid, ev.BestAsk = parsed[0], parsed[1], parsed[2], parsed[3]
	if errMsg.Valid {
		msg := errMsg.String
		ev.Error = &msg
	}
	return ev, nil
}

func parseDecimals(values ...string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(values))
	for i, v := range values {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("parse decimal %q: %w", v, err)
		}
		out[i] = d
	}
	return out, nil
}

// IsNotFound reports whether err means the row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}

var (
	_ Backend        = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
