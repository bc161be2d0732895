// Package evaluate derives notification candidates from an item's latest
// observation. Everything here is pure; admission and dedup happen in the
// journal.
package evaluate

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"pricewatch/internal/model"
)

// Candidate is an event that may be admitted into the journal.
type Candidate struct {
	UserID     int64
	ItemID     int64
	Kind       model.EventKind
	Price      decimal.Decimal
	Message    string
	OccurredAt time.Time
}

// ConfigError flags an item whose price rule cannot be evaluated.
type ConfigError struct {
	ItemID int64
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("item %d: invalid notification config: %s", e.ItemID, e.Reason)
}

func newCandidate(item model.TrackedItem, latest model.Observation, kind model.EventKind, msg string) Candidate {
	return Candidate{
		UserID:     item.UserID,
		ItemID:     item.ID,
		Kind:       kind,
		Price:      latest.Price,
		Message:    msg,
		OccurredAt: latest.CapturedAt,
	}
}

func displayName(item model.TrackedItem) string {
	if item.Name != "" {
		return item.Name
	}
	return fmt.Sprintf("item #%d", item.ID)
}

func yen(d decimal.Decimal) string {
	return "¥" + d.StringFixedBank(0)
}
