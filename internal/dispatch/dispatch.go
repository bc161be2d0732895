// Package dispatch sends each user's unsent journal entries as one batch,
// honouring delivery preferences.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"pricewatch/internal/alerting"
	"pricewatch/internal/journal"
	"pricewatch/internal/model"
	"pricewatch/internal/storage"
)

// Outcome records what happened to one user in a cycle.
type Outcome string

const (
	OutcomeSent         Outcome = "sent"
	OutcomeDisabled     Outcome = "skipped_disabled"
	OutcomeNoDest       Outcome = "skipped_no_destination"
	OutcomeNotDue       Outcome = "skipped_not_due"
	OutcomeNothing      Outcome = "skipped_empty"
	OutcomeDeliveryFail Outcome = "delivery_failed"
	OutcomeMarkFailed   Outcome = "mark_failed"
	OutcomeError        Outcome = "error"
)

// DeliveryError means the sender rejected a batch; its events stay unsent.
type DeliveryError struct {
	UserID int64
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to user %d: %v", e.UserID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// UserResult is the per-user line of a Report.
type UserResult struct {
	UserID  int64   `json:"user_id"`
	Outcome Outcome `json:"outcome"`
	Events  int     `json:"events"`
	Err     error   `json:"-"`
	Reason  string  `json:"reason,omitempty"`
}

// Report summarises one dispatch cycle.
type Report struct {
	Users      int          `json:"users"`
	Batches    int          `json:"batches"`
	EventsSent int          `json:"events_sent"`
	Results    []UserResult `json:"results"`
}

// Failures returns the results that ended in an error.
func (r Report) Failures() []UserResult {
	var out []UserResult
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// Options tune the dispatcher.
type Options struct {
	Workers       int
	SendTimeout   time.Duration
	Location      *time.Location
	SubjectPrefix string
	Clock         model.Clock
}

// Store is the persistence the dispatcher reads besides the journal.
type Store interface {
	storage.PreferenceStore
	GetItem(ctx context.Context, id int64) (model.TrackedItem, error)
}

// Dispatcher runs dispatch cycles.
type Dispatcher struct {
	journal *journal.Journal
	store   Store
	sender  alerting.Sender
	opts    Options
	logger  zerolog.Logger
}

// New constructs a dispatcher.
func New(j *journal.Journal, store Store, sender alerting.Sender, opts Options, logger zerolog.Logger) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = "pricewatch"
	}
	if opts.Clock == nil {
		opts.Clock = model.SystemClock
	}
	return &Dispatcher{
		journal: j,
		store:   store,
		sender:  sender,
		opts:    opts,
		logger:  logger.With().Str("component", "dispatcher").Logger(),
	}
}

// RunDispatchCycle delivers pending events for every user that has some.
// Per-user failures land in the report; only listing users can fail the cycle.
func (d *Dispatcher) RunDispatchCycle(ctx context.Context) (Report, error) {
	users, err := d.journal.UsersWithUnsent(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list users with unsent events: %w", err)
	}

	report := Report{Users: len(users)}
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(d.opts.Workers)
	for _, userID := range users {
		if ctx.Err() != nil {
			break
		}
		userID := userID
		g.Go(func() error {
			res := d.dispatchUser(ctx, userID)
			mu.Lock()
			report.Results = append(report.Results, res)
			if res.Outcome == OutcomeSent || res.Outcome == OutcomeMarkFailed {
				report.Batches++
				report.EventsSent += res.Events
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	d.logger.Info().
		Int("users", report.Users).
		Int("batches", report.Batches).
		Int("events_sent", report.EventsSent).
		Int("failures", len(report.Failures())).
		Msg("dispatch cycle finished")
	return report, nil
}

func (d *Dispatcher) dispatchUser(parent context.Context, userID int64) UserResult {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), d.opts.SendTimeout)
	defer cancel()

	log := d.logger.With().Int64("user_id", userID).Logger()
	res := UserResult{UserID: userID}
	fail := func(outcome Outcome, err error) UserResult {
		res.Outcome = outcome
		res.Err = err
		res.Reason = err.Error()
		return res
	}

	pref, err := d.store.GetPreference(ctx, userID)
	if err != nil {
		return fail(OutcomeError, err)
	}
	if !pref.Enabled {
		res.Outcome = OutcomeDisabled
		return res
	}
	if pref.Destination == "" {
		res.Outcome = OutcomeNoDest
		return res
	}

	now := d.opts.Clock()
	if pref.Mode == model.DeliveryDailyDigest && !DigestDue(pref, now, d.opts.Location) {
		res.Outcome = OutcomeNotDue
		return res
	}

	events, err := d.journal.UnsentFor(ctx, userID)
	if err != nil {
		return fail(OutcomeError, err)
	}
	if len(events) == 0 {
		res.Outcome = OutcomeNothing
		return res
	}

	msg := Render(d.opts.SubjectPrefix, events, d.itemsFor(ctx, events), d.opts.Location)
	res.Events = len(events)

	if err := d.sender.SendBatch(ctx, pref.Destination, msg); err != nil {
		log.Warn().Err(err).Int("events", len(events)).Msg("delivery failed, events stay unsent")
		return fail(OutcomeDeliveryFail, &DeliveryError{UserID: userID, Err: err})
	}

	// A failed mark after a successful send means the next cycle repeats
	// this batch. That duplicate is accepted; there is no reconciliation.
	if err := d.journal.MarkSent(ctx, msg.EventIDs, now); err != nil {
		log.Error().Err(err).Ints64("event_ids", msg.EventIDs).Msg("batch sent but not marked; it will be sent again")
		return fail(OutcomeMarkFailed, err)
	}
	if pref.Mode == model.DeliveryDailyDigest {
		if err := d.store.RecordDigest(ctx, userID, now); err != nil {
			log.Error().Err(err).Msg("record digest time failed")
		}
	}

	log.Info().Int("events", len(events)).Str("mode", string(pref.Mode)).Msg("batch delivered")
	res.Outcome = OutcomeSent
	return res
}

func (d *Dispatcher) itemsFor(ctx context.Context, events []model.NotificationEvent) map[int64]model.TrackedItem {
	items := make(map[int64]model.TrackedItem)
	for _, ev := range events {
		if _, seen := items[ev.ItemID]; seen {
			continue
		}
		item, err := d.store.GetItem(ctx, ev.ItemID)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				d.logger.Debug().Err(err).Int64("item_id", ev.ItemID).Msg("item details unavailable")
			}
			continue
		}
		items[ev.ItemID] = item
	}
	return items
}

// DigestDue reports whether now falls on the user's digest minute in loc and
// no digest has gone out for that slot yet.
func DigestDue(pref model.Preference, now time.Time, loc *time.Location) bool {
	local := now.In(loc)
	if local.Hour() != pref.Hour || local.Minute() != pref.Minute {
		return false
	}
	if pref.LastDigestAt == nil {
		return true
	}
	slot := time.Date(local.Year(), local.Month(), local.Day(), pref.Hour, pref.Minute, 0, 0, loc)
	return pref.LastDigestAt.Before(slot)
}
