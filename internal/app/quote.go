package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"spread-alerts/internal/alerting"
	"spread-alerts/internal/cache"
	"spread-alerts/internal/market"
	"spread-alerts/internal/service"
	"spread-alerts/internal/storage"
)

// Quote runs one fetch cycle for asset and prints the contributing quotes.
// Nothing is persisted.
func (a *App) Quote(ctx context.Context, asset string, w io.Writer) error {
	asset = market.NormalizeAsset(asset)
	if asset == "" {
		return errors.New("asset is required")
	}

	adapters := a.newAdapters()
	if len(adapters) == 0 {
		return errors.New("no venue adapters enabled")
	}
	svc, err := service.New(service.Options{Staleness: a.Config.Pricing.Staleness}, service.Deps{
		Registry:  a.newRegistry(adapters),
		Evaluator: alerting.NewEvaluator(a.Logger),
	}, a.Logger)
	if err != nil {
		return err
	}

	cycle := svc.Aggregate(ctx, asset)
	printCycle(w, cycle, time.Now())
	return nil
}

// CachedQuote prints the best price last published to redis by a running service.
func (a *App) CachedQuote(ctx context.Context, asset string, w io.Writer) error {
	asset = market.NormalizeAsset(asset)
	if asset == "" {
		return errors.New("asset is required")
	}
	pub, closePublisher, err := a.newPublisher(ctx)
	if err != nil {
		return err
	}
	if pub == nil {
		return errors.New("redis is not enabled")
	}
	defer closePublisher()

	snap, err := pub.Latest(ctx, asset)
	if errors.Is(err, storage.ErrNotFound) {
		fmt.Fprintf(w, "%s: nothing cached\n", asset)
		return nil
	}
	if err != nil {
		return err
	}
	printSnapshot(w, snap)
	return nil
}

func printSnapshot(w io.Writer, snap cache.Snapshot) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Venue\tBid\tAsk\tObserved (UTC)")
	for _, q := range snap.Quotes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", q.Venue, q.Bid, q.Ask, time.UnixMilli(q.ObservedMs).UTC().Format(time.RFC3339))
	}
	tw.Flush()

	at := time.UnixMilli(snap.TsMs).UTC().Format(time.RFC3339)
	if snap.Empty {
		fmt.Fprintf(w, "%s: no fresh quotes at %s\n", snap.Asset, at)
		return
	}
	crossed := ""
	if snap.Crossed {
		crossed = " CROSSED"
	}
	fmt.Fprintf(w, "%s best bid %s @ %s, best ask %s @ %s, spread %s%% across %d venues at %s%s\n",
		snap.Asset,
		snap.BestBid, snap.BestBidVenue,
		snap.BestAsk, snap.BestAskVenue,
		snap.SpreadPct, snap.Venues, at, crossed,
	)
}

func printCycle(w io.Writer, cycle service.AssetCycle, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Venue\tBid\tAsk\tSpread%\tAge\tFresh")
	fresh := make(map[string]bool, len(cycle.Fresh))
	for _, q := range cycle.Fresh {
		fresh[q.Venue] = true
	}
	for _, q := range cycle.Result.Quotes {
		spread := "-"
		if sp, err := q.Spread(); err == nil {
			spread = formatDecimal(sp.Percentage(), market.SpreadPlaces)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\n",
			q.Venue,
			q.Bid.String(),
			q.Ask.String(),
			spread,
			q.Age(now).Truncate(time.Millisecond),
			fresh[q.Venue],
		)
	}
	tw.Flush()

	for _, ex := range cycle.Result.Excluded {
		fmt.Fprintf(w, "excluded %s (%s): %s\n", ex.Venue, ex.Reason, sanitizeInline(errString(ex.Err)))
	}

	best := cycle.Best
	if best.Empty() {
		fmt.Fprintf(w, "%s: no fresh quotes (%d venues attempted)\n", cycle.Asset, cycle.Result.Attempted)
		return
	}
	crossed := ""
	if best.Crossed {
		crossed = " CROSSED"
	}
	fmt.Fprintf(w, "%s best bid %s @ %s, best ask %s @ %s, spread %s across %d venues%s\n",
		cycle.Asset,
		best.BestBid.Bid.String(), best.BestBid.Venue,
		best.BestAsk.Ask.String(), best.BestAsk.Venue,
		best.Spread.String(), best.Venues, crossed,
	)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
