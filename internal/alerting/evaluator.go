package alerting

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spread-alerts/internal/market"
)

// Outcome reasons reported on a Decision.
const (
	ReasonInactive     = "inactive"
	ReasonNoData       = "no_data"
	ReasonCooldown     = "cooldown"
	ReasonFirstBelow   = "first_below"
	ReasonFirstAbove   = "first_above"
	ReasonCrossedBelow = "crossed_below"
	ReasonStillBelow   = "still_below"
	ReasonAbove        = "above"
)

// Decision is the result of one evaluation.
type Decision struct {
	Trigger bool
	Reason  string
	// MemoryUpdated is false when the cycle was skipped and nothing changed.
	MemoryUpdated bool
	Previous      *decimal.Decimal
	Current       decimal.Decimal
	Subscription  Subscription
	Event         *TriggerEvent
}

type memory struct {
	mu       sync.Mutex
	previous *decimal.Decimal
}

// Evaluator holds the per-subscription previous-spread memory. Each
// subscription is evaluated under its own lock.
type Evaluator struct {
	mu     sync.Mutex
	states map[string]*memory
	now    func() time.Time
	logger zerolog.Logger
}

// NewEvaluator constructs an evaluator with empty memory.
func NewEvaluator(logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		states: make(map[string]*memory),
		now:    time.Now,
		logger: logger.With().Str("component", "alert_evaluator").Logger(),
	}
}

// SetClock overrides the time source.
func (e *Evaluator) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

func (e *Evaluator) state(id string) *memory {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.states[id]
	if !ok {
		m = &memory{}
		e.states[id] = m
	}
	return m
}

// Seed restores remembered spread for a subscription, e.g. after restart.
func (e *Evaluator) Seed(id string, previous decimal.Decimal) {
	m := e.state(id)
	m.mu.Lock()
	p := previous
	m.previous = &p
	m.mu.Unlock()
}

// Previous returns the remembered spread, if any.
func (e *Evaluator) Previous(id string) (decimal.Decimal, bool) {
	e.mu.Lock()
	m, ok := e.states[id]
	e.mu.Unlock()
	if !ok {
		return decimal.Decimal{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.previous == nil {
		return decimal.Decimal{}, false
	}
	return *m.previous, true
}

// Tracked lists the subscription ids that currently hold memory.
func (e *Evaluator) Tracked() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.states))
	for id := range e.states {
		ids = append(ids, id)
	}
	return ids
}

// Forget drops memory for a subscription that left evaluation.
func (e *Evaluator) Forget(id string) {
	e.mu.Lock()
	delete(e.states, id)
	e.mu.Unlock()
}

// Evaluate applies the crossing rule to one subscription against the current
// best price. On trigger the returned Subscription carries the new
// last-triggered time and must be saved by the caller.
func (e *Evaluator) Evaluate(sub Subscription, best market.BestPrice) Decision {
	d := Decision{Subscription: sub}

	if !sub.IsActive() {
		d.Reason = ReasonInactive
		return d
	}
	if best.Empty() {
		d.Reason = ReasonNoData
		return d
	}

	now := e.now()
	current := best.Spread.Percentage()
	d.Current = current

	m := e.state(sub.ID)
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.previous != nil {
		p := *m.previous
		d.Previous = &p
	}
	// memory moves forward on every evaluated cycle, cooldown included
	m.previous = &current
	d.MemoryUpdated = true

	if sub.InCooldown(now) {
		d.Reason = ReasonCooldown
		return d
	}

	belowNow := best.Spread.Below(sub.Threshold)
	switch {
	case d.Previous == nil && belowNow:
		d.Trigger, d.Reason = true, ReasonFirstBelow
	case d.Previous == nil:
		d.Reason = ReasonFirstAbove
	case !belowNow:
		d.Reason = ReasonAbove
	case d.Previous.LessThan(sub.Threshold):
		d.Reason = ReasonStillBelow
	default:
		d.Trigger, d.Reason = true, ReasonCrossedBelow
	}

	if !d.Trigger {
		return d
	}

	d.Subscription = sub.MarkTriggered(now)
	d.Event = newTriggerEvent(d.Subscription, best, now)

	e.logger.Info().
		Str("subscription_id", sub.ID).
		Str("asset", sub.Asset).
		Str("spread_pct", current.StringFixed(market.SpreadPlaces)).
		Str("threshold_pct", sub.Threshold.String()).
		Str("reason", d.Reason).
		Msg("alert triggered")
	return d
}

func newTriggerEvent(sub Subscription, best market.BestPrice, at time.Time) *TriggerEvent {
	return &TriggerEvent{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		Owner:          sub.Owner,
		Asset:          sub.Asset,
		Threshold:      sub.Threshold,
		Spread:         best.Spread.Percentage(),
		Crossed:        best.Crossed,
		Venues:         best.Venues,
		BestBid:        PriceLevel{Venue: best.BestBid.Venue, Price: best.BestBid.Bid},
		BestAsk:        PriceLevel{Venue: best.BestAsk.Venue, Price: best.BestAsk.Ask},
		TriggeredAt:    at.UTC(),
	}
}
