package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"spread-alerts/internal/app"
	"spread-alerts/internal/venue"
)

var (
	simulateAsset     string
	simulateOwner     string
	simulateThreshold string
	simulatePrevious  string
	simulateQuotes    []string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "用静态报价模拟一次价差告警",
	Example: `  spreadwatch simulate-alert --asset USDY --threshold 2 --previous 2.5 \
    --quote Kraken=1.0000:1.0100 --quote Bybit=0.9990:1.0120`,
	RunE: func(cmd *cobra.Command, args []string) error {
		threshold, err := decimal.NewFromString(simulateThreshold)
		if err != nil {
			return fmt.Errorf("invalid --threshold value: %w", err)
		}
		levels, err := parseQuotes(simulateQuotes)
		if err != nil {
			return err
		}

		opts := app.SimulateOptions{
			Asset:     simulateAsset,
			Owner:     simulateOwner,
			Threshold: threshold,
			Levels:    levels,
		}
		if simulatePrevious != "" {
			prev, err := decimal.NewFromString(simulatePrevious)
			if err != nil {
				return fmt.Errorf("invalid --previous value: %w", err)
			}
			opts.Previous = &prev
		}
		return getApp().SimulateAlert(cmd.Context(), opts, cmd.OutOrStdout())
	},
}

// parseQuotes reads VENUE=BID:ASK pairs.
func parseQuotes(raw []string) (map[string]venue.Level, error) {
	if len(raw) == 0 {
		return nil, errors.New("--quote 至少提供一个")
	}
	out := make(map[string]venue.Level, len(raw))
	for _, item := range raw {
		name, prices, ok := strings.Cut(item, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --quote %q, want VENUE=BID:ASK", item)
		}
		bidRaw, askRaw, ok := strings.Cut(prices, ":")
		if !ok {
			return nil, fmt.Errorf("invalid --quote %q, want VENUE=BID:ASK", item)
		}
		bid, err := decimal.NewFromString(strings.TrimSpace(bidRaw))
		if err != nil {
			return nil, fmt.Errorf("invalid bid in %q: %w", item, err)
		}
		ask, err := decimal.NewFromString(strings.TrimSpace(askRaw))
		if err != nil {
			return nil, fmt.Errorf("invalid ask in %q: %w", item, err)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("duplicate venue %q", name)
		}
		out[name] = venue.Level{Bid: bid, Ask: ask}
	}
	return out, nil
}

func init() {
	simulateCmd.Flags().StringVar(&simulateAsset, "asset", "USDY", "Asset symbol")
	simulateCmd.Flags().StringVar(&simulateOwner, "owner", "simulate@example.com", "Owner email used for the email channel")
	simulateCmd.Flags().StringVar(&simulateThreshold, "threshold", "2", "Threshold percentage")
	simulateCmd.Flags().StringVar(&simulatePrevious, "previous", "", "Previous spread percentage; empty simulates a first observation")
	simulateCmd.Flags().StringArrayVar(&simulateQuotes, "quote", nil, "Venue level as VENUE=BID:ASK (repeatable)")
}
