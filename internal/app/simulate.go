package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"

	"spread-alerts/internal/alerting"
	"spread-alerts/internal/feed"
	"spread-alerts/internal/service"
	"spread-alerts/internal/storage"
	"spread-alerts/internal/venue"
)

// SimulateOptions drive one alert evaluation against fixed venue levels.
type SimulateOptions struct {
	Asset     string
	Owner     string
	Threshold decimal.Decimal
	// Previous seeds the evaluator memory; nil simulates a first observation.
	Previous *decimal.Decimal
	Levels   map[string]venue.Level
}

// SimulateAlert 使用静态报价跑一遍抓取与告警流程, 通过已配置的渠道发送。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions, w io.Writer) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}
	if len(opts.Levels) == 0 {
		return errors.New("至少需要一个 --quote")
	}

	notifier := a.newNotifier()
	if notifier.Len() == 0 {
		return errors.New("未配置任何告警通道")
	}

	adapters := make([]venue.Adapter, 0, len(opts.Levels))
	for name, l := range opts.Levels {
		adapters = append(adapters, venue.NewStatic(name, map[string]venue.Level{opts.Asset: l}))
	}

	sub, err := alerting.NewSubscription(opts.Owner, opts.Asset, opts.Threshold, 0, a.Config.Bounds(), time.Now())
	if err != nil {
		return err
	}
	mem := storage.NewMemoryStore()
	if err := mem.SaveSubscription(ctx, sub); err != nil {
		return err
	}

	evaluator := alerting.NewEvaluator(a.Logger)
	if opts.Previous != nil {
		evaluator.Seed(sub.ID, *opts.Previous)
	}

	svc, err := service.New(service.Options{
		Assets:        []string{sub.Asset},
		Staleness:     a.Config.Pricing.Staleness,
		Workers:       1,
		AlertsEnabled: true,
		Channels:      notifier.Names(),
	}, service.Deps{
		Registry:      feed.NewRegistry(adapters, feed.Options{Timeout: time.Second}, a.Logger),
		Evaluator:     evaluator,
		Sink:          mem,
		Subscriptions: mem,
		Notifier:      notifier,
		Alerts:        mem,
	}, a.Logger)
	if err != nil {
		return err
	}

	svc.FetchCycle(ctx)
	best := svc.LatestBest(sub.Asset, time.Now())
	if best.Empty() {
		return errors.New("no valid quotes; check --quote values")
	}
	fmt.Fprintf(w, "%s spread %s (bid %s @ %s, ask %s @ %s), threshold %s%%\n",
		sub.Asset, best.Spread.String(),
		best.BestBid.Bid, best.BestBid.Venue,
		best.BestAsk.Ask, best.BestAsk.Venue,
		sub.Threshold,
	)

	sum, err := svc.AlertCycle(ctx)
	if err != nil {
		return err
	}
	if sum.Triggered == 0 {
		fmt.Fprintln(w, "no alert: spread did not cross below threshold")
		return nil
	}
	fmt.Fprintf(w, "alert triggered via %v (errors: %d)\n", notifier.Names(), sum.Errors)
	if sum.Errors > 0 {
		return errors.New("one or more channels failed")
	}
	return nil
}
