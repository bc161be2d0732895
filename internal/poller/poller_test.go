package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/journal"
	"pricewatch/internal/lookup"
	"pricewatch/internal/model"
	"pricewatch/internal/storage"
)

type scriptedLookup struct {
	mu      sync.Mutex
	results map[string][]lookupResult
	calls   map[string]int
}

type lookupResult struct {
	info lookup.PriceInfo
	err  error
}

func newScriptedLookup() *scriptedLookup {
	return &scriptedLookup{results: map[string][]lookupResult{}, calls: map[string]int{}}
}

func (s *scriptedLookup) push(key string, price int64, inStock bool, count *int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[key] = append(s.results[key], lookupResult{info: lookup.PriceInfo{
		Name:  key,
		Price: decimal.NewFromInt(price),
		Stock: lookup.Stock{InStock: inStock, Count: count},
	}})
}

func (s *scriptedLookup) fail(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[key] = append(s.results[key], lookupResult{err: &lookup.FailedError{Key: key, Err: errors.New("boom")}})
}

func (s *scriptedLookup) Lookup(_ context.Context, key string) (lookup.PriceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.results[key]
	idx := s.calls[key]
	s.calls[key]++
	if idx >= len(queue) {
		idx = len(queue) - 1
	}
	if idx < 0 {
		return lookup.PriceInfo{}, &lookup.FailedError{Key: key, Err: errors.New("no script")}
	}
	r := queue[idx]
	return r.info, r.err
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store  *storage.MemoryStore
	lookup *scriptedLookup
	clock  *stepClock
	poller *Poller
}

func newFixture() *fixture {
	store := storage.NewMemoryStore()
	lk := newScriptedLookup()
	clock := &stepClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	j := journal.New(store, journal.Options{DedupWindow: 24 * time.Hour}, zerolog.Nop())
	p := New(store, lk, j, Options{Workers: 2, Clock: clock.Now}, zerolog.Nop())
	return &fixture{store: store, lookup: lk, clock: clock, poller: p}
}

func (f *fixture) addItem(t *testing.T, item model.TrackedItem) model.TrackedItem {
	t.Helper()
	created, err := f.store.CreateItem(context.Background(), item)
	if err != nil {
		t.Fatalf("create item: %v", err)
	}
	return created
}

func (f *fixture) cycle(t *testing.T) Report {
	t.Helper()
	report, err := f.poller.RunPollingCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	f.clock.Advance(time.Hour)
	return report
}

func price(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}

func intp(v int) *int { return &v }

func TestThresholdDedupAcrossCycles(t *testing.T) {
	f := newFixture()
	item := f.addItem(t, model.TrackedItem{UserID: 1, LookupKey: "blender", FlagKind: model.FlagAbsoluteThreshold, ThresholdPrice: price(1000)})

	for _, p := range []int64{1200, 900, 850, 950} {
		f.lookup.push("blender", p, true, nil)
	}
	for i := 0; i < 4; i++ {
		f.cycle(t)
	}

	events, err := f.store.ListUnsentEvents(context.Background(), 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 1 || events[0].Kind != model.EventThresholdHit || !events[0].Price.Equal(decimal.NewFromInt(900)) {
		t.Fatalf("expected one threshold event at 900, got %+v", events)
	}

	got, _ := f.store.GetItem(context.Background(), item.ID)
	if !got.FlagReached || got.LatestPrice == nil || !got.LatestPrice.Equal(decimal.NewFromInt(950)) {
		t.Fatalf("item state not refreshed: %+v", got)
	}
}

func TestPollingIsIdempotentForUnchangedState(t *testing.T) {
	f := newFixture()
	f.addItem(t, model.TrackedItem{UserID: 1, LookupKey: "kettle", FlagKind: model.FlagAbsoluteThreshold, ThresholdPrice: price(1000)})
	f.lookup.push("kettle", 900, true, nil)

	first := f.cycle(t)
	second := f.cycle(t)
	if first.Admitted != 1 || second.Admitted != 0 || second.Suppressed != 1 {
		t.Fatalf("second identical cycle must not admit: first=%+v second=%+v", first, second)
	}

	obs, _ := f.store.ObservationsSince(context.Background(), 1, time.Time{})
	if len(obs) != 2 {
		t.Fatalf("each cycle appends one observation, got %d", len(obs))
	}
}

func TestRestockSequence(t *testing.T) {
	f := newFixture()
	f.addItem(t, model.TrackedItem{UserID: 1, LookupKey: "mixer", FlagKind: model.FlagNewLow, RestockNotifyEnabled: true})

	f.lookup.push("mixer", 1000, true, intp(10))
	f.lookup.push("mixer", 1000, false, intp(0))
	f.lookup.push("mixer", 1000, true, intp(5))
	for i := 0; i < 3; i++ {
		f.cycle(t)
	}

	events, _ := f.store.ListUnsentEvents(context.Background(), 1)
	restocks := 0
	for _, ev := range events {
		if ev.Kind == model.EventRestock {
			restocks++
		}
	}
	if restocks != 1 {
		t.Fatalf("expected exactly one restock event, got %d (%+v)", restocks, events)
	}
}

func TestFailureIsolation(t *testing.T) {
	f := newFixture()
	bad := f.addItem(t, model.TrackedItem{UserID: 1, LookupKey: "broken", FlagKind: model.FlagAbsoluteThreshold, ThresholdPrice: price(100)})
	f.addItem(t, model.TrackedItem{UserID: 2, LookupKey: "fine", FlagKind: model.FlagAbsoluteThreshold, ThresholdPrice: price(1000)})

	f.lookup.fail("broken")
	f.lookup.push("fine", 500, true, nil)

	report := f.cycle(t)
	if report.Polled != 1 || len(report.Failures) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Failures[0].ItemID != bad.ID || report.Failures[0].Kind != FailureLookup {
		t.Fatalf("unexpected failure %+v", report.Failures[0])
	}

	obs, _ := f.store.LatestObservation(context.Background(), bad.ID)
	if obs != nil {
		t.Fatalf("failed lookup must not write an observation")
	}
	events, _ := f.store.ListUnsentEvents(context.Background(), 2)
	if len(events) != 1 {
		t.Fatalf("healthy item should still produce its event, got %d", len(events))
	}
}

func TestZeroPriceIsNotRecorded(t *testing.T) {
	f := newFixture()
	item := f.addItem(t, model.TrackedItem{UserID: 1, LookupKey: "toaster", FlagKind: model.FlagNewLow})
	for _, p := range []int64{1000, 0, 800} {
		f.lookup.push("toaster", p, true, nil)
	}

	f.cycle(t)
	report := f.cycle(t)
	if report.Polled != 0 || len(report.Failures) != 1 || report.Failures[0].Kind != FailureLookup {
		t.Fatalf("a zero price should fail the lookup: %+v", report)
	}
	if !errors.Is(report.Failures[0].Err, lookup.ErrNonPositivePrice) {
		t.Fatalf("unexpected failure cause %v", report.Failures[0].Err)
	}
	f.cycle(t)

	summary, _ := f.store.ObservationSummary(context.Background(), item.ID)
	if summary.Count != 2 || !summary.Low.Equal(decimal.NewFromInt(800)) {
		t.Fatalf("history should hold 1000 and 800 only, got %+v", summary)
	}
	events, _ := f.store.ListUnsentEvents(context.Background(), 1)
	if len(events) != 1 || events[0].Kind != model.EventNewLowPrice || !events[0].Price.Equal(decimal.NewFromInt(800)) {
		t.Fatalf("expected a new low at 800, got %+v", events)
	}
}

// flakyStore fails writes for selected items.
type flakyStore struct {
	*storage.MemoryStore

	mu         sync.Mutex
	failAppend map[int64]bool
	failAdmit  map[int64]bool
	admitCalls map[int64]int
}

func newFlakyStore() *flakyStore {
	return &flakyStore{
		MemoryStore: storage.NewMemoryStore(),
		failAppend:  map[int64]bool{},
		failAdmit:   map[int64]bool{},
		admitCalls:  map[int64]int{},
	}
}

func (s *flakyStore) AppendObservation(ctx context.Context, obs model.Observation) error {
	s.mu.Lock()
	fail := s.failAppend[obs.ItemID]
	s.mu.Unlock()
	if fail {
		return &storage.PersistenceError{Op: "append observation", Err: errors.New("connection reset")}
	}
	return s.MemoryStore.AppendObservation(ctx, obs)
}

func (s *flakyStore) InsertEventIfAbsent(ctx context.Context, ev model.NotificationEvent, since *time.Time) (bool, error) {
	s.mu.Lock()
	s.admitCalls[ev.ItemID]++
	fail := s.failAdmit[ev.ItemID]
	s.mu.Unlock()
	if fail {
		return false, &storage.PersistenceError{Op: "insert event", Err: errors.New("connection reset")}
	}
	return s.MemoryStore.InsertEventIfAbsent(ctx, ev, since)
}

func newFlakyPoller(store *flakyStore, lk *scriptedLookup) *Poller {
	j := journal.New(store, journal.Options{DedupWindow: 24 * time.Hour}, zerolog.Nop())
	clock := &stepClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	return New(store, lk, j, Options{Workers: 2, Clock: clock.Now}, zerolog.Nop())
}

func TestPersistenceFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	lk := newScriptedLookup()
	bad, _ := store.CreateItem(ctx, model.TrackedItem{UserID: 1, LookupKey: "bad"})
	good, _ := store.CreateItem(ctx, model.TrackedItem{UserID: 2, LookupKey: "good"})
	store.failAppend[bad.ID] = true
	lk.push("bad", 500, true, nil)
	lk.push("good", 500, true, nil)

	report, err := newFlakyPoller(store, lk).RunPollingCycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if report.Polled != 1 || len(report.Failures) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Failures[0].ItemID != bad.ID || report.Failures[0].Kind != FailurePersistence {
		t.Fatalf("unexpected failure %+v", report.Failures[0])
	}
	if latest, _ := store.LatestObservation(ctx, good.ID); latest == nil {
		t.Fatalf("healthy item should still be recorded")
	}
}

func TestAdmitFailureStopsRemainingCandidates(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	lk := newScriptedLookup()
	item, _ := store.CreateItem(ctx, model.TrackedItem{
		UserID: 1, LookupKey: "fan", FlagKind: model.FlagAbsoluteThreshold, ThresholdPrice: price(1000), RestockNotifyEnabled: true,
	})
	lk.push("fan", 1200, false, nil)
	lk.push("fan", 900, true, nil)
	p := newFlakyPoller(store, lk)

	if _, err := p.RunPollingCycle(ctx); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	store.failAdmit[item.ID] = true

	report, err := p.RunPollingCycle(ctx)
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if len(report.Failures) != 1 || report.Failures[0].Kind != FailurePersistence {
		t.Fatalf("expected one persistence failure, got %+v", report.Failures)
	}
	if calls := store.admitCalls[item.ID]; calls != 1 {
		t.Fatalf("threshold and restock were both candidates; only the first admit should run, got %d", calls)
	}
}

func TestConfigErrorStillChecksStock(t *testing.T) {
	f := newFixture()
	f.addItem(t, model.TrackedItem{UserID: 1, LookupKey: "odd", FlagKind: model.FlagPercentOff, RestockNotifyEnabled: true})
	f.lookup.push("odd", 1000, false, nil)
	f.lookup.push("odd", 1000, true, nil)

	f.cycle(t)
	report := f.cycle(t)
	if len(report.Failures) != 1 || report.Failures[0].Kind != FailureConfig {
		t.Fatalf("expected a configuration failure, got %+v", report.Failures)
	}
	if report.Admitted != 1 {
		t.Fatalf("restock should still be admitted, got %+v", report)
	}
}

func TestCancelledCycleStartsNothing(t *testing.T) {
	f := newFixture()
	f.addItem(t, model.TrackedItem{UserID: 1, LookupKey: "a"})
	f.lookup.push("a", 100, true, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := f.poller.RunPollingCycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if report.Polled != 0 || report.Skipped != 1 {
		t.Fatalf("cancelled cycle should skip every item: %+v", report)
	}
}

func TestTrackSeedsObservationAndPreference(t *testing.T) {
	store := storage.NewMemoryStore()
	lk := newScriptedLookup()
	lk.push("https://item.rakuten.co.jp/shop/code/", 1980, true, nil)
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	item, err := Track(context.Background(), store, lk, func() time.Time { return at }, TrackRequest{
		UserID:         7,
		LookupKey:      "https://item.rakuten.co.jp/shop/code/",
		ThresholdPrice: price(1500),
	})
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if item.RegularPrice == nil || !item.RegularPrice.Equal(decimal.NewFromInt(1980)) {
		t.Fatalf("regular price should default to first observed price: %+v", item.RegularPrice)
	}
	if item.FlagKind != model.FlagAbsoluteThreshold || item.Priority != model.PriorityNormal {
		t.Fatalf("unexpected defaults %+v", item)
	}

	latest, _ := store.LatestObservation(context.Background(), item.ID)
	if latest == nil || !latest.CapturedAt.Equal(at) {
		t.Fatalf("expected seeded observation, got %+v", latest)
	}
	pref, _ := store.GetPreference(context.Background(), 7)
	if !pref.Enabled {
		t.Fatalf("preference should exist with defaults")
	}
}

func TestTrackRejectsZeroPrice(t *testing.T) {
	store := storage.NewMemoryStore()
	lk := newScriptedLookup()
	lk.push("freebie", 0, true, nil)

	_, err := Track(context.Background(), store, lk, nil, TrackRequest{UserID: 1, LookupKey: "freebie"})
	if !errors.Is(err, lookup.ErrNonPositivePrice) {
		t.Fatalf("expected ErrNonPositivePrice, got %v", err)
	}
	if items, _ := store.ListActiveItems(context.Background()); len(items) != 0 {
		t.Fatalf("no item should be created, got %d", len(items))
	}
}
