package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"spread-alerts/internal/alerting"
	"spread-alerts/internal/app"
	"spread-alerts/internal/storage"
)

var (
	alertOwner         string
	alertAsset         string
	alertThreshold     string
	alertCooldownHours int
	alertIncludeDelete bool
	alertEventsLimit   int
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Manage spread alert subscriptions",
}

var alertsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a subscription",
	RunE: func(cmd *cobra.Command, args []string) error {
		if alertOwner == "" || alertAsset == "" || alertThreshold == "" {
			return errors.New("--owner, --asset 与 --threshold 必须提供")
		}
		threshold, err := decimal.NewFromString(alertThreshold)
		if err != nil {
			return fmt.Errorf("invalid --threshold value: %w", err)
		}

		opts := app.AddAlertOptions{
			Owner:     alertOwner,
			Asset:     alertAsset,
			Threshold: threshold,
		}
		if cmd.Flags().Changed("cooldown-hours") {
			cooldown := time.Duration(alertCooldownHours) * time.Hour
			opts.Cooldown = &cooldown
		}
		return getApp().AddAlert(cmd.Context(), opts, cmd.OutOrStdout())
	},
}

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List subscriptions",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := storage.SubscriptionFilter{
			Owner:          alertOwner,
			Asset:          alertAsset,
			IncludeDeleted: alertIncludeDelete,
		}
		return getApp().ListAlerts(cmd.Context(), filter, cmd.OutOrStdout())
	},
}

var alertsEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Display recent alert deliveries",
	RunE: func(cmd *cobra.Command, args []string) error {
		if alertEventsLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().ShowEvents(cmd.Context(), alertEventsLimit, cmd.OutOrStdout())
	},
}

var alertsThresholdCmd = &cobra.Command{
	Use:   "threshold <ID> <PERCENT>",
	Short: "Change a subscription's threshold",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		threshold, err := decimal.NewFromString(args[1])
		if err != nil {
			return fmt.Errorf("invalid threshold value: %w", err)
		}
		return getApp().SetAlertThreshold(cmd.Context(), args[0], threshold, cmd.OutOrStdout())
	},
}

func statusCmd(use, short string, status alerting.Status) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <ID>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getApp().SetAlertStatus(cmd.Context(), args[0], status, cmd.OutOrStdout())
		},
	}
}

func init() {
	alertsAddCmd.Flags().StringVar(&alertOwner, "owner", "", "Owner email address")
	alertsAddCmd.Flags().StringVar(&alertAsset, "asset", "", "Asset symbol, e.g. USDY")
	alertsAddCmd.Flags().StringVar(&alertThreshold, "threshold", "", "Alert when the spread drops below this percentage")
	alertsAddCmd.Flags().IntVar(&alertCooldownHours, "cooldown-hours", 0, "Hours between alerts (defaults to config)")

	alertsListCmd.Flags().StringVar(&alertOwner, "owner", "", "Filter by owner")
	alertsListCmd.Flags().StringVar(&alertAsset, "asset", "", "Filter by asset")
	alertsListCmd.Flags().BoolVar(&alertIncludeDelete, "all", false, "Include deleted subscriptions")

	alertsEventsCmd.Flags().IntVar(&alertEventsLimit, "limit", 20, "Number of events to display")

	alertsCmd.AddCommand(alertsAddCmd)
	alertsCmd.AddCommand(alertsListCmd)
	alertsCmd.AddCommand(alertsEventsCmd)
	alertsCmd.AddCommand(alertsThresholdCmd)
	alertsCmd.AddCommand(statusCmd("pause", "Pause a subscription", alerting.StatusPaused))
	alertsCmd.AddCommand(statusCmd("activate", "Resume a paused subscription", alerting.StatusActive))
	alertsCmd.AddCommand(statusCmd("delete", "Logically delete a subscription", alerting.StatusDeleted))
}
