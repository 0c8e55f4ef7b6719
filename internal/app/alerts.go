package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"spread-alerts/internal/alerting"
	"spread-alerts/internal/storage"
)

// AddAlertOptions describe a new subscription. A nil Cooldown uses the configured default.
type AddAlertOptions struct {
	Owner     string
	Asset     string
	Threshold decimal.Decimal
	Cooldown  *time.Duration
}

// AddAlert validates and stores a subscription.
func (a *App) AddAlert(ctx context.Context, opts AddAlertOptions, w io.Writer) error {
	cooldown := a.Config.Alerting.DefaultCooldown
	if opts.Cooldown != nil {
		cooldown = *opts.Cooldown
	}
	sub, err := alerting.NewSubscription(opts.Owner, opts.Asset, opts.Threshold, cooldown, a.Config.Bounds(), time.Now())
	if err != nil {
		return err
	}

	store, err := a.openPersistentStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.SaveSubscription(ctx, sub); err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	a.Logger.Info().Str("subscription_id", sub.ID).Str("asset", sub.Asset).Msg("subscription created")
	fmt.Fprintf(w, "created %s: %s below %s%% (cooldown %s)\n", sub.ID, sub.Asset, sub.Threshold, sub.Cooldown)
	return nil
}

// ListAlerts prints subscriptions matching filter.
func (a *App) ListAlerts(ctx context.Context, filter storage.SubscriptionFilter, w io.Writer) error {
	store, err := a.openPersistentStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	subs, err := store.ListSubscriptions(ctx, filter)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		fmt.Fprintln(w, "no subscriptions found")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	now := time.Now()
	fmt.Fprintln(tw, "ID\tOwner\tAsset\tThreshold%\tCooldown\tStatus\tLast Triggered (UTC)\tQuiet Until (UTC)")
	for _, s := range subs {
		last, quiet := "-", "-"
		if s.LastTriggeredAt != nil {
			last = s.LastTriggeredAt.UTC().Format(time.RFC3339)
		}
		if s.InCooldown(now) {
			quiet = s.CooldownEnds().UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", s.ID, s.Owner, s.Asset, s.Threshold.String(), s.Cooldown, s.Status, last, quiet)
	}
	tw.Flush()
	return nil
}

// SetAlertStatus pauses, activates, or logically deletes a subscription.
func (a *App) SetAlertStatus(ctx context.Context, id string, status alerting.Status, w io.Writer) error {
	store, err := a.openPersistentStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	sub, err := store.GetSubscription(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("subscription %s not found", id)
	}
	if err != nil {
		return err
	}

	now := time.Now()
	var next alerting.Subscription
	switch status {
	case alerting.StatusPaused:
		next, err = sub.Pause(now)
	case alerting.StatusActive:
		next, err = sub.Activate(now)
	case alerting.StatusDeleted:
		next = sub.Delete(now)
	default:
		return fmt.Errorf("unsupported status %q", status)
	}
	if err != nil {
		return err
	}

	if err := store.SaveSubscription(ctx, next); err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	fmt.Fprintf(w, "%s is now %s\n", next.ID, next.Status)
	return nil
}

// SetAlertThreshold changes the threshold of a non-deleted subscription.
func (a *App) SetAlertThreshold(ctx context.Context, id string, threshold decimal.Decimal, w io.Writer) error {
	store, err := a.openPersistentStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	sub, err := store.GetSubscription(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("subscription %s not found", id)
	}
	if err != nil {
		return err
	}
	if sub.Status == alerting.StatusDeleted {
		return alerting.ErrDeleted
	}

	next, err := sub.WithThreshold(threshold, a.Config.Bounds(), time.Now())
	if err != nil {
		return err
	}
	if err := store.SaveSubscription(ctx, next); err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	fmt.Fprintf(w, "%s now alerts below %s%%\n", next.ID, next.Threshold)
	return nil
}
