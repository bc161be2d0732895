// Package model holds the domain records shared by the polling and
// notification pipelines.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultLowStockThreshold applies when an item does not set its own.
const DefaultLowStockThreshold = 3

// FlagKind selects the price condition configured on an item.
type FlagKind string

const (
	FlagAbsoluteThreshold FlagKind = "absolute_threshold"
	FlagPercentOff        FlagKind = "percent_off"
	FlagNewLow            FlagKind = "new_low"
)

// ParseFlagKind validates a textual flag kind.
func ParseFlagKind(v string) (FlagKind, error) {
	switch k := FlagKind(v); k {
	case FlagAbsoluteThreshold, FlagPercentOff, FlagNewLow:
		return k, nil
	default:
		return "", fmt.Errorf("unknown flag kind %q", v)
	}
}

// Priority marks how eagerly a user wants to be interrupted about an item.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ParsePriority validates a textual priority.
func ParsePriority(v string) (Priority, error) {
	switch p := Priority(v); p {
	case PriorityNormal, PriorityHigh:
		return p, nil
	default:
		return "", fmt.Errorf("unknown priority %q", v)
	}
}

// EventKind enumerates notification-worthy conditions.
type EventKind string

const (
	EventThresholdHit EventKind = "threshold_hit"
	EventPercentOff   EventKind = "percent_off"
	EventNewLowPrice  EventKind = "new_low_price"
	EventRestock      EventKind = "restock"
	EventLowStock     EventKind = "low_stock"
)

// DeliveryMode controls when a user's pending events are sent.
type DeliveryMode string

const (
	DeliveryImmediate   DeliveryMode = "immediate"
	DeliveryDailyDigest DeliveryMode = "daily_digest"
)

// ParseDeliveryMode validates a textual delivery mode.
func ParseDeliveryMode(v string) (DeliveryMode, error) {
	switch m := DeliveryMode(v); m {
	case DeliveryImmediate, DeliveryDailyDigest:
		return m, nil
	default:
		return "", fmt.Errorf("unknown delivery mode %q", v)
	}
}

// TrackedItem is a marketplace listing watched on behalf of one user.
type TrackedItem struct {
	ID                   int64
	UserID               int64
	Name                 string
	LookupKey            string
	ShopName             string
	ImageURL             string
	RegularPrice         *decimal.Decimal
	InitialPrice         *decimal.Decimal
	LatestPrice          *decimal.Decimal
	ThresholdPrice       *decimal.Decimal
	FlagKind             FlagKind
	FlagValue            *decimal.Decimal
	InStock              bool
	LatestStockCount     *int
	Priority             Priority
	FlagReached          bool
	RestockNotifyEnabled bool
	LowStockThreshold    int
	Active               bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// EffectiveLowStockThreshold falls back to the default for unset thresholds.
func (i TrackedItem) EffectiveLowStockThreshold() int {
	if i.LowStockThreshold <= 0 {
		return DefaultLowStockThreshold
	}
	return i.LowStockThreshold
}

// ItemState is the subset of an item rewritten by every polling cycle.
type ItemState struct {
	LatestPrice      decimal.Decimal
	InStock          bool
	LatestStockCount *int
	FlagReached      bool
	UpdatedAt        time.Time
}

// Observation is one timestamped price/stock reading.
type Observation struct {
	ID         int64
	ItemID     int64
	Price      decimal.Decimal
	StockCount *int
	InStock    bool
	CapturedAt time.Time
}

// HistorySummary aggregates every observation recorded for an item.
type HistorySummary struct {
	Count int
	Low   decimal.Decimal
}

// NotificationEvent is a journal entry awaiting or past delivery.
type NotificationEvent struct {
	ID         int64
	UserID     int64
	ItemID     int64
	Kind       EventKind
	Message    string
	Price      decimal.Decimal
	DedupKey   string
	OccurredAt time.Time
	Sent       bool
	SentAt     *time.Time
}

// Preference holds a user's delivery settings.
type Preference struct {
	UserID       int64
	Enabled      bool
	Mode         DeliveryMode
	Hour         int
	Minute       int
	Destination  string
	LastDigestAt *time.Time
	UpdatedAt    time.Time
}

// DefaultPreference is created lazily the first time a user is looked up.
func DefaultPreference(userID int64) Preference {
	return Preference{
		UserID:  userID,
		Enabled: true,
		Mode:    DeliveryDailyDigest,
		Hour:    9,
		Minute:  0,
	}
}

// Clock returns the current time; components take one instead of calling time.Now.
type Clock func() time.Time

// SystemClock reports wall-clock time in UTC.
func SystemClock() time.Time {
	return time.Now().UTC()
}
