package alerting

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"spread-alerts/internal/market"
)

var (
	ErrThresholdOutOfRange = errors.New("alerting: threshold out of range")
	ErrInvalidCooldown     = errors.New("alerting: invalid cooldown")
	ErrInvalidOwner        = errors.New("alerting: invalid owner contact")
	ErrDeleted             = errors.New("alerting: subscription deleted")
)

// Status 订阅状态。
type Status string

const (
	StatusActive  Status = "active"
	StatusPaused  Status = "paused"
	StatusDeleted Status = "deleted"
)

// ParseStatus accepts the stored status names.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusActive:
		return StatusActive, nil
	case StatusPaused:
		return StatusPaused, nil
	case StatusDeleted:
		return StatusDeleted, nil
	}
	return "", fmt.Errorf("unknown subscription status %q", s)
}

// Bounds 限定阈值与冷却时间的合法范围。
type Bounds struct {
	ThresholdMin decimal.Decimal
	ThresholdMax decimal.Decimal
	MaxCooldown  time.Duration
}

// DefaultBounds mirrors the shipped configuration defaults.
func DefaultBounds() Bounds {
	return Bounds{
		ThresholdMin: decimal.RequireFromString("0.5"),
		ThresholdMax: decimal.NewFromInt(10),
		MaxCooldown:  168 * time.Hour,
	}
}

// ValidateThreshold checks min <= threshold <= max.
func (b Bounds) ValidateThreshold(threshold decimal.Decimal) error {
	if threshold.LessThan(b.ThresholdMin) || threshold.GreaterThan(b.ThresholdMax) {
		return fmt.Errorf("%w: %s not in [%s, %s]", ErrThresholdOutOfRange, threshold, b.ThresholdMin, b.ThresholdMax)
	}
	return nil
}

// ValidateCooldown checks 0 <= cooldown <= MaxCooldown.
func (b Bounds) ValidateCooldown(cooldown time.Duration) error {
	if cooldown < 0 || (b.MaxCooldown > 0 && cooldown > b.MaxCooldown) {
		return fmt.Errorf("%w: %s not in [0, %s]", ErrInvalidCooldown, cooldown, b.MaxCooldown)
	}
	return nil
}

// Subscription is one owner's spread alert on one asset. Transitions return
// new values; callers persist them through the subscription source.
type Subscription struct {
	ID              string
	Owner           string
	Asset           string
	Threshold       decimal.Decimal
	Status          Status
	Cooldown        time.Duration
	LastTriggeredAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewSubscription validates input and returns an active subscription.
func NewSubscription(owner, asset string, threshold decimal.Decimal, cooldown time.Duration, bounds Bounds, now time.Time) (Subscription, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(owner))
	if err != nil {
		return Subscription{}, fmt.Errorf("%w: %v", ErrInvalidOwner, err)
	}
	asset = market.NormalizeAsset(asset)
	if asset == "" {
		return Subscription{}, errors.New("alerting: asset is required")
	}
	if err := bounds.ValidateThreshold(threshold); err != nil {
		return Subscription{}, err
	}
	if err := bounds.ValidateCooldown(cooldown); err != nil {
		return Subscription{}, err
	}

	now = now.UTC()
	return Subscription{
		ID:        uuid.NewString(),
		Owner:     strings.ToLower(addr.Address),
		Asset:     asset,
		Threshold: threshold,
		Status:    StatusActive,
		Cooldown:  cooldown,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// IsActive reports whether the subscription takes part in evaluation.
func (s Subscription) IsActive() bool { return s.Status == StatusActive }

// InCooldown reports last-triggered + cooldown > now.
func (s Subscription) InCooldown(now time.Time) bool {
	if s.LastTriggeredAt == nil {
		return false
	}
	return s.LastTriggeredAt.Add(s.Cooldown).After(now)
}

// CooldownEnds returns when the current cooldown expires, or zero.
func (s Subscription) CooldownEnds() time.Time {
	if s.LastTriggeredAt == nil {
		return time.Time{}
	}
	return s.LastTriggeredAt.Add(s.Cooldown)
}

// MarkTriggered stamps the trigger time.
func (s Subscription) MarkTriggered(at time.Time) Subscription {
	at = at.UTC()
	s.LastTriggeredAt = &at
	s.UpdatedAt = at
	return s
}

// Pause stops evaluation without losing state.
func (s Subscription) Pause(now time.Time) (Subscription, error) {
	if s.Status == StatusDeleted {
		return s, ErrDeleted
	}
	s.Status = StatusPaused
	s.UpdatedAt = now.UTC()
	return s, nil
}

// Activate resumes evaluation.
func (s Subscription) Activate(now time.Time) (Subscription, error) {
	if s.Status == StatusDeleted {
		return s, ErrDeleted
	}
	s.Status = StatusActive
	s.UpdatedAt = now.UTC()
	return s, nil
}

// Delete is logical; the row stays for audit.
func (s Subscription) Delete(now time.Time) Subscription {
	s.Status = StatusDeleted
	s.UpdatedAt = now.UTC()
	return s
}

// WithThreshold returns a copy with a new validated threshold.
func (s Subscription) WithThreshold(threshold decimal.Decimal, bounds Bounds, now time.Time) (Subscription, error) {
	if err := bounds.ValidateThreshold(threshold); err != nil {
		return s, err
	}
	s.Threshold = threshold
	s.UpdatedAt = now.UTC()
	return s, nil
}
