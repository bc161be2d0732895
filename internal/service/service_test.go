package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/alerting"
	"pricewatch/internal/dispatch"
	"pricewatch/internal/journal"
	"pricewatch/internal/lookup"
	"pricewatch/internal/model"
	"pricewatch/internal/poller"
	"pricewatch/internal/scheduler"
	"pricewatch/internal/storage"
)

type fixedLookup struct{ price int64 }

func (f fixedLookup) Lookup(context.Context, string) (lookup.PriceInfo, error) {
	return lookup.PriceInfo{Name: "item", Price: decimal.NewFromInt(f.price), Stock: lookup.Stock{InStock: true}}, nil
}

type countingSender struct{ batches int }

func (c *countingSender) SendBatch(context.Context, string, alerting.Message) error {
	c.batches++
	return nil
}

func newEngine(store *storage.MemoryStore, sender alerting.Sender, lockKey int64) *Engine {
	logger := zerolog.Nop()
	j := journal.New(store, journal.Options{}, logger)
	p := poller.New(store, fixedLookup{price: 800}, j, poller.Options{Workers: 1}, logger)
	d := dispatch.New(j, store, sender, dispatch.Options{}, logger)
	return New(p, d, store, Options{
		Poll:     scheduler.Options{Interval: time.Hour},
		Dispatch: scheduler.Options{Interval: time.Minute},
		LockKey:  lockKey,
	}, logger)
}

func TestEngineCyclesEndToEnd(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	threshold := decimal.NewFromInt(1000)
	if _, err := store.CreateItem(ctx, model.TrackedItem{UserID: 1, LookupKey: "k", FlagKind: model.FlagAbsoluteThreshold, ThresholdPrice: &threshold}); err != nil {
		t.Fatalf("create item: %v", err)
	}
	if err := store.UpsertPreference(ctx, model.Preference{UserID: 1, Enabled: true, Mode: model.DeliveryImmediate, Destination: "me"}); err != nil {
		t.Fatalf("upsert preference: %v", err)
	}

	sender := &countingSender{}
	engine := newEngine(store, sender, 0)

	pollReport, err := engine.RunPollingCycle(ctx)
	if err != nil || pollReport.Admitted != 1 {
		t.Fatalf("poll: %+v %v", pollReport, err)
	}
	dispatchReport, err := engine.RunDispatchCycle(ctx)
	if err != nil || dispatchReport.EventsSent != 1 || sender.batches != 1 {
		t.Fatalf("dispatch: %+v %v", dispatchReport, err)
	}
}

func TestEngineSkipsWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	engine := newEngine(store, &countingSender{}, 42)

	unlock, ok, err := store.TryAdvisoryLock(ctx, storage.LockKey("42", "poll"))
	if err != nil || !ok {
		t.Fatalf("pre-acquire lock: %v %v", ok, err)
	}
	defer unlock()

	if _, err := store.CreateItem(ctx, model.TrackedItem{UserID: 1, LookupKey: "k"}); err != nil {
		t.Fatalf("create item: %v", err)
	}
	report, err := engine.RunPollingCycle(ctx)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if report.Items != 0 {
		t.Fatalf("cycle should be skipped while another instance holds the lock: %+v", report)
	}

	// the dispatch lock is independent
	if _, err := engine.RunDispatchCycle(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
}

func TestEngineRunStopsOnCancel(t *testing.T) {
	store := storage.NewMemoryStore()
	engine := newEngine(store, &countingSender{}, 0)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run should stop cleanly, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}
}
