package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNextTickAligned(t *testing.T) {
	s := New(Options{Interval: time.Hour, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2024, 5, 1, 9, 15, 0, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected next tick %s", got)
	}
	onSlot := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	if got := s.nextTick(onSlot); !got.Equal(onSlot.Add(time.Hour)) {
		t.Fatalf("a tick exactly on the slot should move to the next one, got %s", got)
	}
}

func TestNextTickUnaligned(t *testing.T) {
	s := New(Options{Interval: time.Minute}, zerolog.Nop())
	now := time.Date(2024, 5, 1, 9, 15, 30, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected next tick %s", got)
	}
}

func TestRunKeepsGoingAfterErrors(t *testing.T) {
	s := New(Options{Name: "test", Interval: 10 * time.Millisecond, RunImmediately: true}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ticks atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(ctx context.Context, slot time.Time) error {
			if ticks.Add(1) >= 3 {
				cancel()
			}
			return errors.New("tick failed")
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("cancelled run should return nil, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	if ticks.Load() < 3 {
		t.Fatalf("expected at least 3 ticks, got %d", ticks.Load())
	}
}

func TestRunStopsDuringStartupDelay(t *testing.T) {
	s := New(Options{Interval: time.Hour, StartupDelay: time.Hour}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Run(ctx, func(context.Context, time.Time) error {
		t.Fatal("tick should not run")
		return nil
	}); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
}
