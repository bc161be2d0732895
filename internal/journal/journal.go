// Package journal admits notification candidates exactly once per
// occurrence and serves the unsent backlog to the dispatcher.
package journal

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/evaluate"
	"pricewatch/internal/model"
	"pricewatch/internal/storage"
)

// DefaultDedupWindow suppresses repeats of the same kind for a day.
const DefaultDedupWindow = 24 * time.Hour

// Options configure the journal.
type Options struct {
	DedupWindow time.Duration
}

// Journal wraps the event store with deduplication rules.
type Journal struct {
	store  storage.EventStore
	window time.Duration
	logger zerolog.Logger
}

// New constructs a journal over the given store.
func New(store storage.EventStore, opts Options, logger zerolog.Logger) *Journal {
	window := opts.DedupWindow
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &Journal{
		store:  store,
		window: window,
		logger: logger.With().Str("component", "journal").Logger(),
	}
}

// TryAdmit records the candidate unless an equivalent event already exists.
// It reports whether a new event was written.
func (j *Journal) TryAdmit(ctx context.Context, c evaluate.Candidate) (bool, error) {
	key, since := j.dedupRule(c.Kind, c.OccurredAt, c.Price)

	ev := model.NotificationEvent{
		UserID:     c.UserID,
		ItemID:     c.ItemID,
		Kind:       c.Kind,
		Message:    c.Message,
		Price:      c.Price,
		DedupKey:   key,
		OccurredAt: c.OccurredAt,
	}
	admitted, err := j.store.InsertEventIfAbsent(ctx, ev, since)
	if err != nil {
		return false, fmt.Errorf("admit %s for item %d: %w", c.Kind, c.ItemID, err)
	}

	j.logger.Debug().
		Int64("user_id", c.UserID).
		Int64("item_id", c.ItemID).
		Str("kind", string(c.Kind)).
		Str("dedup_key", key).
		Bool("admitted", admitted).
		Msg("candidate evaluated")
	return admitted, nil
}

// dedupRule returns the dedup key and, for windowed kinds, the start of the
// rolling window. A new low is keyed by its price alone: the same low never
// repeats, a strictly lower one always may.
func (j *Journal) dedupRule(kind model.EventKind, occurred time.Time, price decimal.Decimal) (string, *time.Time) {
	if kind == model.EventNewLowPrice {
		return "low:" + price.String(), nil
	}
	since := occurred.Add(-j.window)
	bucket := occurred.UTC().Truncate(j.window)
	return strconv.FormatInt(bucket.Unix(), 10), &since
}

// UsersWithUnsent lists users that have pending events.
func (j *Journal) UsersWithUnsent(ctx context.Context) ([]int64, error) {
	return j.store.ListUsersWithUnsentEvents(ctx)
}

// UnsentFor returns a user's pending events, oldest first.
func (j *Journal) UnsentFor(ctx context.Context, userID int64) ([]model.NotificationEvent, error) {
	return j.store.ListUnsentEvents(ctx, userID)
}

// MarkSent flags the given events as delivered at the given time.
func (j *Journal) MarkSent(ctx context.Context, ids []int64, at time.Time) error {
	return j.store.MarkEventsSent(ctx, ids, at)
}

// Recent lists the newest journal entries regardless of delivery state.
func (j *Journal) Recent(ctx context.Context, limit int) ([]model.NotificationEvent, error) {
	return j.store.ListRecentEvents(ctx, limit)
}

// Prune deletes delivered events that occurred before the cutoff.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	removed, err := j.store.DeleteSentEventsBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	j.logger.Info().Int64("removed", removed).Time("before", before).Msg("pruned sent events")
	return removed, nil
}
