package storage

import (
	"context"
	"errors"
	"time"

	"spread-alerts/internal/alerting"
	"spread-alerts/internal/market"
)

var (
	// ErrNotConfigured indicates the storage backend was not initialised.
	ErrNotConfigured = errors.New("storage: backend not configured")
	// ErrNotFound is returned when a subscription id is unknown.
	ErrNotFound = errors.New("storage: not found")
)

// SnapshotSink receives every fetch-cycle result together with the quotes it was built from.
type SnapshotSink interface {
	StoreSnapshot(ctx context.Context, asset string, best market.BestPrice, quotes market.QuoteSet) error
}

// SubscriptionSource is what the alert loop consults each cycle.
// MarkTriggered stamps last-triggered only while the subscription is still
// active and reports whether it did.
type SubscriptionSource interface {
	ListActive(ctx context.Context) ([]alerting.Subscription, error)
	MarkTriggered(ctx context.Context, id string, at time.Time) (bool, error)
}

// SubscriptionFilter narrows ListSubscriptions.
type SubscriptionFilter struct {
	Owner          string
	Asset          string
	IncludeDeleted bool
}

// SubscriptionRepository adds the management reads used by the CLI.
type SubscriptionRepository interface {
	SubscriptionSource
	SaveSubscription(ctx context.Context, sub alerting.Subscription) error
	GetSubscription(ctx context.Context, id string) (alerting.Subscription, error)
	ListSubscriptions(ctx context.Context, filter SubscriptionFilter) ([]alerting.Subscription, error)
}

// EvaluationStateStore persists the evaluator's previous-spread memory.
type EvaluationStateStore interface {
	LoadEvaluationStates(ctx context.Context) ([]EvaluationState, error)
	SaveEvaluationState(ctx context.Context, state EvaluationState) error
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlertEvent(ctx context.Context, event AlertEvent) error
	ListRecentAlertEvents(ctx context.Context, limit int) ([]AlertEvent, error)
	DeleteAlertEventsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Backend is a complete persistence implementation.
type Backend interface {
	SnapshotSink
	SubscriptionRepository
	EvaluationStateStore
	AlertStore
	Close() error
}

func matchesFilter(sub alerting.Subscription, f SubscriptionFilter) bool {
	if !f.IncludeDeleted && sub.Status == alerting.StatusDeleted {
		return false
	}
	if f.Owner != "" && sub.Owner != f.Owner {
		return false
	}
	if f.Asset != "" && sub.Asset != market.NormalizeAsset(f.Asset) {
		return false
	}
	return true
}
