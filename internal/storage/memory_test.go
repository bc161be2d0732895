package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pricewatch/internal/model"
)

func TestMemoryStoreRejectsOutOfOrderObservation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	if err := store.AppendObservation(ctx, model.Observation{ItemID: 1, Price: decimal.NewFromInt(1000), InStock: true, CapturedAt: base}); err != nil {
		t.Fatalf("append first: %v", err)
	}
	err := store.AppendObservation(ctx, model.Observation{ItemID: 1, Price: decimal.NewFromInt(900), InStock: true, CapturedAt: base.Add(-time.Minute)})
	if !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PersistenceError, got %T", err)
	}

	latest, err := store.LatestObservation(ctx, 1)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest == nil || !latest.Price.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("unexpected latest observation %+v", latest)
	}
}

func TestMemoryStoreSummary(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	summary, err := store.ObservationSummary(ctx, 7)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Count != 0 {
		t.Fatalf("expected empty summary, got %+v", summary)
	}

	for i, p := range []int64{1200, 900, 950} {
		obs := model.Observation{ItemID: 7, Price: decimal.NewFromInt(p), InStock: true, CapturedAt: base.Add(time.Duration(i) * time.Hour)}
		if err := store.AppendObservation(ctx, obs); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	summary, err = store.ObservationSummary(ctx, 7)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Count != 3 || !summary.Low.Equal(decimal.NewFromInt(900)) {
		t.Fatalf("unexpected summary %+v", summary)
	}

	since, err := store.ObservationsSince(ctx, 7, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(since) != 2 {
		t.Fatalf("expected 2 observations since, got %d", len(since))
	}
}

func TestMemoryStoreEventDedup(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	ev := model.NotificationEvent{UserID: 1, ItemID: 2, Kind: model.EventThresholdHit, Price: decimal.NewFromInt(900), DedupKey: "k1", OccurredAt: at}
	ok, err := store.InsertEventIfAbsent(ctx, ev, nil)
	if err != nil || !ok {
		t.Fatalf("expected first insert to succeed, got %v %v", ok, err)
	}
	ok, err = store.InsertEventIfAbsent(ctx, ev, nil)
	if err != nil || ok {
		t.Fatalf("expected duplicate key to be rejected, got %v %v", ok, err)
	}

	window := at.Add(-time.Hour)
	ev.DedupKey = "k2"
	ev.OccurredAt = at.Add(30 * time.Minute)
	ok, err = store.InsertEventIfAbsent(ctx, ev, &window)
	if err != nil || ok {
		t.Fatalf("expected window to suppress, got %v %v", ok, err)
	}

	later := at.Add(2 * time.Hour)
	ok, err = store.InsertEventIfAbsent(ctx, ev, &later)
	if err != nil || !ok {
		t.Fatalf("expected insert outside window, got %v %v", ok, err)
	}
}

func TestMemoryStoreMarkSentOnlyGivenIDs(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	for i, key := range []string{"a", "b", "c"} {
		ev := model.NotificationEvent{UserID: 1, ItemID: int64(i + 1), Kind: model.EventRestock, DedupKey: key, OccurredAt: at}
		if _, err := store.InsertEventIfAbsent(ctx, ev, nil); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	pending, err := store.ListUnsentEvents(ctx, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending, got %d", len(pending))
	}

	if err := store.MarkEventsSent(ctx, []int64{pending[0].ID, pending[1].ID}, at.Add(time.Hour)); err != nil {
		t.Fatalf("mark: %v", err)
	}
	pending, err = store.ListUnsentEvents(ctx, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 || pending[0].DedupKey != "c" {
		t.Fatalf("unexpected pending after mark: %+v", pending)
	}

	removed, err := store.DeleteSentEventsBefore(ctx, at.Add(time.Minute))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 pruned, got %d", removed)
	}
}

func TestMemoryStorePreferenceDefaults(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	pref, err := store.GetPreference(ctx, 42)
	if err != nil {
		t.Fatalf("get preference: %v", err)
	}
	if !pref.Enabled || pref.Mode != model.DeliveryDailyDigest || pref.Hour != 9 || pref.Minute != 0 {
		t.Fatalf("unexpected defaults %+v", pref)
	}

	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	if err := store.RecordDigest(ctx, 42, at); err != nil {
		t.Fatalf("record digest: %v", err)
	}
	pref.Destination = "user@example.com"
	if err := store.UpsertPreference(ctx, pref); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	pref, _ = store.GetPreference(ctx, 42)
	if pref.LastDigestAt == nil || !pref.LastDigestAt.Equal(at) || pref.Destination != "user@example.com" {
		t.Fatalf("unexpected preference after upsert %+v", pref)
	}
}

func TestLockKeyStable(t *testing.T) {
	if LockKey("1", "2", "restock") != LockKey("1", "2", "restock") {
		t.Fatalf("lock key must be deterministic")
	}
	if LockKey("1", "23") == LockKey("12", "3") {
		t.Fatalf("lock key must separate parts")
	}
}

func TestMemoryStoreDeactivateKeepsHistory(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	item, err := store.CreateItem(ctx, model.TrackedItem{UserID: 1, LookupKey: "k"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	obs := model.Observation{ItemID: item.ID, Price: decimal.NewFromInt(500), InStock: true, CapturedAt: time.Now().UTC()}
	if err := store.AppendObservation(ctx, obs); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.DeactivateItem(ctx, item.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	active, _ := store.ListActiveItems(ctx)
	if len(active) != 0 {
		t.Fatalf("deactivated item must not be listed as active")
	}
	history, _ := store.ObservationsSince(ctx, item.ID, time.Time{})
	if len(history) != 1 {
		t.Fatalf("history must be kept, got %d observations", len(history))
	}
	if err := store.DeactivateItem(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown item, got %v", err)
	}
}
