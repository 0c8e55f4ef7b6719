package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"spread-alerts/internal/market"
)

// ShowEvents prints the most recent alert audit records.
func (a *App) ShowEvents(ctx context.Context, limit int, w io.Writer) error {
	store, err := a.openPersistentStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	events, err := store.ListRecentAlertEvents(ctx, limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(w, "no alert events found")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Time (UTC)\tAsset\tSpread%\tThreshold%\tBest Bid\tBest Ask\tChannels\tDelivered\tError")
	for _, ev := range events {
		errMsg := ""
		if ev.Error != nil {
			errMsg = sanitizeInline(*ev.Error)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s@%s\t%s@%s\t%s\t%t\t%s\n",
			ev.CreatedAt.UTC().Format(time.RFC3339),
			ev.Asset,
			formatDecimal(ev.SpreadPct, market.SpreadPlaces),
			ev.ThresholdPct.String(),
			ev.BestBid.String(), ev.BestBidVenue,
			ev.BestAsk.String(), ev.BestAskVenue,
			strings.Join(ev.Channels, ","),
			ev.Delivered,
			errMsg,
		)
	}
	tw.Flush()
	return nil
}
