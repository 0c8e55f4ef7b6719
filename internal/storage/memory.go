package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"spread-alerts/internal/alerting"
	"spread-alerts/internal/market"
)

const memoryHistoryLimit = 1000

// MemoryStore keeps everything in process. Used when no database is configured and in tests.
type MemoryStore struct {
	mu       sync.RWMutex
	now      func() time.Time
	quotes   map[string][]QuoteRecord
	best     map[string]BestPriceRecord
	subs     map[string]alerting.Subscription
	states   map[string]EvaluationState
	events   []AlertEvent
	snapshot int
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:    time.Now,
		quotes: make(map[string][]QuoteRecord),
		best:   make(map[string]BestPriceRecord),
		subs:   make(map[string]alerting.Subscription),
		states: make(map[string]EvaluationState),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) StoreSnapshot(_ context.Context, asset string, best market.BestPrice, quotes market.QuoteSet) error {
	now := m.now().UTC()
	asset = market.NormalizeAsset(asset)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot++

	hist := append(m.quotes[asset], QuoteRecords(now, quotes)...)
	if len(hist) > memoryHistoryLimit {
		hist = hist[len(hist)-memoryHistoryLimit:]
	}
	m.quotes[asset] = hist

	if rec, ok := NewBestPriceRecord(best, now); ok {
		m.best[asset] = rec
	} else {
		delete(m.best, asset)
	}
	return nil
}

// LatestBestPrice returns the last stored result for asset.
func (m *MemoryStore) LatestBestPrice(asset string) (BestPriceRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.best[market.NormalizeAsset(asset)]
	return rec, ok
}

// QuoteHistory returns stored quotes for asset, oldest first.
func (m *MemoryStore) QuoteHistory(asset string) []QuoteRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]QuoteRecord(nil), m.quotes[market.NormalizeAsset(asset)]...)
}

// SnapshotCount is the number of StoreSnapshot calls.
func (m *MemoryStore) SnapshotCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

func (m *MemoryStore) ListActive(ctx context.Context) ([]alerting.Subscription, error) {
	all, err := m.ListSubscriptions(ctx, SubscriptionFilter{})
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, sub := range all {
		if sub.IsActive() {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListSubscriptions(_ context.Context, filter SubscriptionFilter) ([]alerting.Subscription, error) {
	m.mu.RLock()
	out := make([]alerting.Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		if matchesFilter(sub, filter) {
			out = append(out, sub)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) GetSubscription(_ context.Context, id string) (alerting.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return alerting.Subscription{}, ErrNotFound
	}
	return sub, nil
}

func (m *MemoryStore) SaveSubscription(_ context.Context, sub alerting.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.subs[sub.ID]; ok {
		sub.Owner, sub.Asset, sub.CreatedAt = prev.Owner, prev.Asset, prev.CreatedAt
	}
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) MarkTriggered(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok || !sub.IsActive() {
		return false, nil
	}
	m.subs[id] = sub.MarkTriggered(at)
	return true, nil
}

func (m *MemoryStore) LoadEvaluationStates(context.Context) ([]EvaluationState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]EvaluationState, 0, len(m.states))
	for id, st := range m.states {
		if sub, ok := m.subs[id]; ok && sub.Status == alerting.StatusDeleted {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

func (m *MemoryStore) SaveEvaluationState(_ context.Context, st EvaluationState) error {
	m.mu.Lock()
	m.states[st.SubscriptionID] = st
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) InsertAlertEvent(_ context.Context, ev AlertEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.events {
		if existing.ID == ev.ID {
			return nil
		}
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *MemoryStore) ListRecentAlertEvents(_ context.Context, limit int) ([]AlertEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AlertEvent, 0, limit)
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.events[i])
	}
	return out, nil
}

func (m *MemoryStore) DeleteAlertEventsBefore(_ context.Context, olderThan time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.events[:0]
	for _, ev := range m.events {
		if !ev.CreatedAt.Before(olderThan) {
			kept = append(kept, ev)
		}
	}
	m.events = kept
	return nil
}

var _ Backend = (*MemoryStore)(nil)
