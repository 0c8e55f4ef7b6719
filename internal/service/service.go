package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"spread-alerts/internal/alerting"
	"spread-alerts/internal/config"
	"spread-alerts/internal/feed"
	"spread-alerts/internal/market"
	"spread-alerts/internal/scheduler"
	"spread-alerts/internal/storage"
	"spread-alerts/internal/venue"
)

// Options tune the two loops.
type Options struct {
	Assets         []string
	Staleness      time.Duration
	Workers        int
	FetchLockKey   int64
	AlertLockKey   int64
	AlertsEnabled  bool
	Channels       []string
	EventRetention time.Duration
}

// OptionsFromConfig maps validated configuration onto service options.
func OptionsFromConfig(cfg *config.Config, channels []string) Options {
	return Options{
		Assets:         cfg.TrackedAssets(),
		Staleness:      cfg.Pricing.Staleness,
		Workers:        cfg.Scheduler.Workers,
		FetchLockKey:   cfg.Scheduler.FetchLockKey,
		AlertLockKey:   cfg.Scheduler.AlertLockKey,
		AlertsEnabled:  cfg.Alerting.Enabled,
		Channels:       channels,
		EventRetention: cfg.Alerting.EventRetention,
	}
}

// Deps are the collaborators a Service drives. Only Registry and Evaluator
// are required. States and Locker are discovered on Subscriptions when unset.
type Deps struct {
	Registry      *feed.Registry
	Evaluator     *alerting.Evaluator
	Sink          storage.SnapshotSink
	Subscriptions storage.SubscriptionSource
	States        storage.EvaluationStateStore
	Notifier      alerting.Notifier
	Alerts        storage.AlertStore
	Locker        storage.AdvisoryLocker
}

// Service orchestrates fetching, aggregation, persistence, and alerting.
type Service struct {
	opts Options
	deps Deps

	mu     sync.RWMutex
	latest map[string]market.QuoteSet

	logger zerolog.Logger
	now    func() time.Time
}

// AssetCycle is the outcome of one fan-out for one asset.
type AssetCycle struct {
	Asset  string
	Result feed.Result
	Fresh  market.QuoteSet
	Best   market.BestPrice
}

// FetchSummary aggregates one fetch tick.
type FetchSummary struct {
	Assets   int
	Quotes   int
	Excluded int
	Empty    int
	Errors   int
}

// AlertSummary aggregates one alert tick.
type AlertSummary struct {
	Checked   int
	Skipped   int
	Triggered int
	Notified  int
	Errors    int
}

// New constructs the monitoring service.
func New(opts Options, deps Deps, logger zerolog.Logger) (*Service, error) {
	if deps.Registry == nil {
		return nil, fmt.Errorf("feed registry not configured")
	}
	if deps.Evaluator == nil {
		return nil, fmt.Errorf("alert evaluator not configured")
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if deps.States == nil {
		if st, ok := deps.Subscriptions.(storage.EvaluationStateStore); ok {
			deps.States = st
		}
	}
	if deps.Locker == nil {
		if l, ok := deps.Subscriptions.(storage.AdvisoryLocker); ok {
			deps.Locker = l
		}
	}

	return &Service{
		opts:   opts,
		deps:   deps,
		latest: make(map[string]market.QuoteSet),
		logger: logger.With().Str("component", "service").Logger(),
		now:    time.Now,
	}, nil
}

// LoadState seeds the evaluator from persisted previous-spread memory.
func (s *Service) LoadState(ctx context.Context) error {
	if s.deps.States == nil {
		return nil
	}
	states, err := s.deps.States.LoadEvaluationStates(ctx)
	if err != nil {
		return fmt.Errorf("load evaluation states: %w", err)
	}
	for _, st := range states {
		s.deps.Evaluator.Seed(st.SubscriptionID, st.PreviousSpread)
	}
	s.logger.Info().Int("states", len(states)).Msg("evaluation state restored")
	return nil
}

// Run drives the fetch and alert loops until ctx is cancelled.
func (s *Service) Run(ctx context.Context, fetch, alert *scheduler.Scheduler) error {
	if fetch == nil || alert == nil {
		return fmt.Errorf("scheduler not configured")
	}
	if err := s.LoadState(ctx); err != nil {
		s.logger.Error().Err(err).Msg("continuing with empty evaluation state")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return fetch.Run(gctx, s.FetchTick) })
	g.Go(func() error { return alert.Run(gctx, s.AlertTick) })
	return g.Wait()
}

// FetchTick 执行单个抓取周期, 多实例部署时由 advisory lock 保证只有一个实例工作。
func (s *Service) FetchTick(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx, s.opts.FetchLockKey)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip fetch tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	sum := s.FetchCycle(ctx)
	s.logger.Info().Time("bucket", bucket).
		Int("assets", sum.Assets).
		Int("quotes", sum.Quotes).
		Int("excluded", sum.Excluded).
		Int("empty", sum.Empty).
		Int("errors", sum.Errors).
		Msg("fetch cycle complete")
	return nil
}

// FetchCycle aggregates every tracked asset with bounded parallelism.
func (s *Service) FetchCycle(ctx context.Context) FetchSummary {
	var (
		quotes, excluded, empty, errs atomic.Int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for _, asset := range s.opts.Assets {
		asset := asset
		g.Go(func() error {
			cycle := s.Aggregate(gctx, asset)
			s.setLatest(cycle.Asset, cycle.Result.Quotes)

			quotes.Add(int64(len(cycle.Fresh)))
			excluded.Add(int64(len(cycle.Result.Excluded)))
			if cycle.Best.Empty() {
				empty.Add(1)
				s.logger.Warn().Str("asset", cycle.Asset).Int("attempted", cycle.Result.Attempted).Msg("no fresh quotes")
			}

			if s.deps.Sink != nil {
				if err := s.deps.Sink.StoreSnapshot(gctx, cycle.Asset, cycle.Best, cycle.Fresh); err != nil {
					errs.Add(1)
					s.logger.Error().Err(err).Str("asset", cycle.Asset).Msg("failed to store snapshot")
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, h := range s.deps.Registry.Health() {
		if h.Degraded {
			s.logger.Warn().Str("venue", h.Venue).Str("asset", h.Asset).Int("failures", h.ConsecutiveFailures).Msg("venue degraded")
		}
	}

	return FetchSummary{
		Assets:   len(s.opts.Assets),
		Quotes:   int(quotes.Load()),
		Excluded: int(excluded.Load()),
		Empty:    int(empty.Load()),
		Errors:   int(errs.Load()),
	}
}

// Aggregate runs registry fan-out, freshness filter, and best-price calculation for one asset.
// It does not persist anything.
func (s *Service) Aggregate(ctx context.Context, asset string) AssetCycle {
	asset = market.NormalizeAsset(asset)
	res := s.deps.Registry.FetchAll(ctx, asset)
	fresh := market.FilterFresh(res.Quotes, s.opts.Staleness, s.now())
	return AssetCycle{
		Asset:  asset,
		Result: res,
		Fresh:  fresh,
		Best:   market.ComputeBest(fresh),
	}
}

func (s *Service) setLatest(asset string, quotes market.QuoteSet) {
	s.mu.Lock()
	s.latest[asset] = quotes.Clone()
	s.mu.Unlock()
}

// LatestBest re-applies the freshness window to the most recent fetch output.
func (s *Service) LatestBest(asset string, now time.Time) market.BestPrice {
	s.mu.RLock()
	quotes := s.latest[market.NormalizeAsset(asset)]
	s.mu.RUnlock()
	return market.ComputeBest(market.FilterFresh(quotes, s.opts.Staleness, now))
}

// AlertTick evaluates every active subscription against the latest fetch output.
func (s *Service) AlertTick(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx, s.opts.AlertLockKey)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip alert tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	sum, err := s.AlertCycle(ctx)
	if err != nil {
		return err
	}
	s.logger.Info().Time("bucket", bucket).
		Int("checked", sum.Checked).
		Int("skipped", sum.Skipped).
		Int("triggered", sum.Triggered).
		Int("notified", sum.Notified).
		Int("errors", sum.Errors).
		Msg("alert cycle complete")

	s.purgeEvents(ctx)
	return nil
}

// AlertCycle runs the evaluator for every active subscription. No venue I/O happens here.
func (s *Service) AlertCycle(ctx context.Context) (AlertSummary, error) {
	if s.deps.Subscriptions == nil {
		return AlertSummary{}, storage.ErrNotConfigured
	}
	subs, err := s.deps.Subscriptions.ListActive(ctx)
	if err != nil {
		return AlertSummary{}, fmt.Errorf("list active subscriptions: %w", err)
	}

	s.pruneMemory(ctx, subs)

	now := s.now()
	bests := make(map[string]market.BestPrice)
	for _, sub := range subs {
		asset := market.NormalizeAsset(sub.Asset)
		if _, ok := bests[asset]; !ok {
			bests[asset] = s.LatestBest(asset, now)
		}
	}

	var skipped, triggered, notified, errs atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for _, sub := range subs {
		sub := sub
		best := bests[market.NormalizeAsset(sub.Asset)]
		g.Go(func() error {
			out := s.evaluate(gctx, sub, best)
			if out.skipped {
				skipped.Add(1)
			}
			if out.triggered {
				triggered.Add(1)
			}
			if out.notified {
				notified.Add(1)
			}
			errs.Add(int64(out.errors))
			return nil
		})
	}
	_ = g.Wait()

	return AlertSummary{
		Checked:   len(subs),
		Skipped:   int(skipped.Load()),
		Triggered: int(triggered.Load()),
		Notified:  int(notified.Load()),
		Errors:    int(errs.Load()),
	}, nil
}

type outcome struct {
	skipped   bool
	triggered bool
	notified  bool
	errors    int
}

func (s *Service) evaluate(ctx context.Context, sub alerting.Subscription, best market.BestPrice) outcome {
	var out outcome
	d := s.deps.Evaluator.Evaluate(sub, best)
	log := s.logger.With().Str("subscription_id", sub.ID).Str("asset", sub.Asset).Logger()

	if !d.MemoryUpdated {
		out.skipped = true
		log.Debug().Str("reason", d.Reason).Msg("evaluation skipped")
		return out
	}

	if s.deps.States != nil {
		st := storage.EvaluationState{SubscriptionID: sub.ID, PreviousSpread: d.Current, EvaluatedAt: s.now()}
		if err := s.deps.States.SaveEvaluationState(ctx, st); err != nil {
			out.errors++
			log.Error().Err(err).Msg("failed to persist evaluation state")
		}
	}

	if !d.Trigger || d.Event == nil {
		return out
	}

	// mark-triggered is persisted before dispatch; a channel failure never rolls it back
	marked, err := s.deps.Subscriptions.MarkTriggered(ctx, sub.ID, *d.Subscription.LastTriggeredAt)
	if err != nil {
		out.errors++
		log.Error().Err(err).Msg("failed to persist triggered subscription")
		return out
	}
	if !marked {
		log.Info().Str("reason", d.Reason).Msg("subscription no longer active, alert dropped")
		return out
	}
	out.triggered = true

	ev := *d.Event
	ev.BestBid.TradeURL = s.tradeURL(ev.BestBid.Venue, ev.Asset)
	ev.BestAsk.TradeURL = s.tradeURL(ev.BestAsk.Venue, ev.Asset)

	var deliveryErr error
	if s.opts.AlertsEnabled && s.deps.Notifier != nil {
		deliveryErr = s.deps.Notifier.Notify(ctx, ev)
		if deliveryErr != nil {
			out.errors++
			log.Error().Err(deliveryErr).Str("event_id", ev.ID).Msg("failed to dispatch alert")
		} else {
			out.notified = true
		}
	} else {
		deliveryErr = errors.New("alerting disabled")
	}

	log.Info().Str("event_id", ev.ID).
		Str("spread_pct", ev.Spread.String()).
		Str("threshold_pct", ev.Threshold.String()).
		Msg("spread alert triggered")

	if s.deps.Alerts != nil {
		if err := s.deps.Alerts.InsertAlertEvent(ctx, storage.NewAlertEvent(ev, s.opts.Channels, deliveryErr)); err != nil {
			out.errors++
			log.Error().Err(err).Str("event_id", ev.ID).Msg("failed to persist alert event")
		}
	}
	return out
}

// pruneMemory drops evaluator memory for subscriptions that were deleted.
// Paused subscriptions keep theirs so a later activate compares against it.
func (s *Service) pruneMemory(ctx context.Context, active []alerting.Subscription) {
	repo, ok := s.deps.Subscriptions.(storage.SubscriptionRepository)
	if !ok {
		return
	}
	listed := make(map[string]struct{}, len(active))
	for _, sub := range active {
		listed[sub.ID] = struct{}{}
	}
	for _, id := range s.deps.Evaluator.Tracked() {
		if _, ok := listed[id]; ok {
			continue
		}
		sub, err := repo.GetSubscription(ctx, id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			s.logger.Warn().Err(err).Str("subscription_id", id).Msg("failed to look up inactive subscription")
			continue
		case sub.Status != alerting.StatusDeleted:
			continue
		}
		s.deps.Evaluator.Forget(id)
		s.logger.Debug().Str("subscription_id", id).Msg("evaluation memory released")
	}
}

func (s *Service) tradeURL(venueName, asset string) string {
	for _, a := range s.deps.Registry.Adapters() {
		if a.Name() != venueName {
			continue
		}
		if l, ok := a.(venue.TradeLinker); ok {
			return l.TradeURL(asset)
		}
	}
	return ""
}

func (s *Service) purgeEvents(ctx context.Context) {
	if s.deps.Alerts == nil || s.opts.EventRetention <= 0 {
		return
	}
	if err := s.deps.Alerts.DeleteAlertEventsBefore(ctx, s.now().Add(-s.opts.EventRetention)); err != nil {
		s.logger.Warn().Err(err).Msg("failed to purge old alert events")
	}
}

func (s *Service) acquireLock(ctx context.Context, key int64) (func(), bool, error) {
	if key == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
