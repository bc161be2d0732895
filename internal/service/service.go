package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"pricewatch/internal/dispatch"
	"pricewatch/internal/poller"
	"pricewatch/internal/scheduler"
	"pricewatch/internal/storage"
)

// Options carry the two loop schedules and the advisory lock key.
type Options struct {
	Poll     scheduler.Options
	Dispatch scheduler.Options
	// LockKey guards each cycle across instances; zero disables locking.
	LockKey int64
}

// Engine runs the polling and dispatch loops.
type Engine struct {
	poller     *poller.Poller
	dispatcher *dispatch.Dispatcher
	locker     storage.AdvisoryLocker
	opts       Options
	logger     zerolog.Logger
}

// New constructs the engine. locker may be nil.
func New(p *poller.Poller, d *dispatch.Dispatcher, locker storage.AdvisoryLocker, opts Options, logger zerolog.Logger) *Engine {
	if opts.Poll.Name == "" {
		opts.Poll.Name = "poll"
	}
	if opts.Dispatch.Name == "" {
		opts.Dispatch.Name = "dispatch"
	}
	return &Engine{
		poller:     p,
		dispatcher: d,
		locker:     locker,
		opts:       opts,
		logger:     logger.With().Str("component", "engine").Logger(),
	}
}

// Run drives both loops until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if e.opts.Poll.Interval <= 0 || e.opts.Dispatch.Interval <= 0 {
		return fmt.Errorf("poll and dispatch intervals must be positive")
	}

	pollLoop := scheduler.New(e.opts.Poll, e.logger)
	dispatchLoop := scheduler.New(e.opts.Dispatch, e.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pollLoop.Run(gctx, func(ctx context.Context, _ time.Time) error {
			_, err := e.RunPollingCycle(ctx)
			return err
		})
	})
	g.Go(func() error {
		return dispatchLoop.Run(gctx, func(ctx context.Context, _ time.Time) error {
			_, err := e.RunDispatchCycle(ctx)
			return err
		})
	})

	e.logger.Info().
		Dur("poll_interval", e.opts.Poll.Interval).
		Dur("dispatch_interval", e.opts.Dispatch.Interval).
		Msg("engine started")
	err := g.Wait()
	e.logger.Info().Msg("engine stopped")
	return err
}

// RunPollingCycle runs one polling cycle unless another instance holds the lock.
func (e *Engine) RunPollingCycle(ctx context.Context) (poller.Report, error) {
	unlock, proceed, err := e.acquireLock(ctx, "poll")
	if err != nil {
		return poller.Report{}, err
	}
	if !proceed {
		e.logger.Debug().Msg("skip polling cycle because advisory lock held elsewhere")
		return poller.Report{}, nil
	}
	if unlock != nil {
		defer unlock()
	}
	return e.poller.RunPollingCycle(ctx)
}

// RunDispatchCycle runs one dispatch cycle unless another instance holds the lock.
func (e *Engine) RunDispatchCycle(ctx context.Context) (dispatch.Report, error) {
	unlock, proceed, err := e.acquireLock(ctx, "dispatch")
	if err != nil {
		return dispatch.Report{}, err
	}
	if !proceed {
		e.logger.Debug().Msg("skip dispatch cycle because advisory lock held elsewhere")
		return dispatch.Report{}, nil
	}
	if unlock != nil {
		defer unlock()
	}
	return e.dispatcher.RunDispatchCycle(ctx)
}

// acquireLock derives one key per cycle kind so the loops never block each other.
func (e *Engine) acquireLock(ctx context.Context, cycle string) (func(), bool, error) {
	if e.opts.LockKey == 0 || e.locker == nil {
		return nil, true, nil
	}
	key := storage.LockKey(fmt.Sprint(e.opts.LockKey), cycle)
	unlock, acquired, err := e.locker.TryAdvisoryLock(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
