package app

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"spread-alerts/internal/venue"
)

// Venues lists the enabled adapters and the assets each one serves.
func (a *App) Venues(w io.Writer) error {
	adapters := a.newAdapters()
	if len(adapters) == 0 {
		fmt.Fprintln(w, "no venues enabled")
		return nil
	}

	tracked := make(map[string]bool)
	for _, asset := range a.Config.TrackedAssets() {
		tracked[asset] = true
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Venue\tKind\tAssets\tTrade URL")
	for _, ad := range adapters {
		kind, assets := "-", "-"
		if d, ok := ad.(venue.Describer); ok {
			kind = string(d.Kind())
			names := d.Assets()
			for i, n := range names {
				if tracked[n] {
					names[i] = n + "*"
				}
			}
			if len(names) > 0 {
				assets = strings.Join(names, ",")
			}
		}
		link := "-"
		if l, ok := ad.(venue.TradeLinker); ok {
			if u := l.TradeURL("{symbol}"); u != "" {
				link = u
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ad.Name(), kind, assets, link)
	}
	tw.Flush()
	return nil
}
