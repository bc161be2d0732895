// Package poller refreshes every active item once per cycle and feeds the
// resulting candidates into the journal.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"pricewatch/internal/evaluate"
	"pricewatch/internal/journal"
	"pricewatch/internal/lookup"
	"pricewatch/internal/model"
	"pricewatch/internal/storage"
)

// Options bound the worker pool and pacing of a cycle.
type Options struct {
	Workers     int
	ItemDelay   time.Duration
	ItemTimeout time.Duration
	Clock       model.Clock
}

// Store is the persistence the poller needs.
type Store interface {
	storage.ItemStore
	storage.ObservationStore
}

// Poller runs polling cycles.
type Poller struct {
	store   Store
	lookup  lookup.Client
	journal *journal.Journal
	opts    Options
	limiter *rate.Limiter
	logger  zerolog.Logger

	itemLocks sync.Map
}

// New constructs a poller.
func New(store Store, client lookup.Client, j *journal.Journal, opts Options, logger zerolog.Logger) *Poller {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.ItemTimeout <= 0 {
		opts.ItemTimeout = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = model.SystemClock
	}

	limit := rate.Inf
	if opts.ItemDelay > 0 {
		limit = rate.Every(opts.ItemDelay)
	}

	return &Poller{
		store:   store,
		lookup:  client,
		journal: j,
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.With().Str("component", "poller").Logger(),
	}
}

// RunPollingCycle polls every active item. Item failures are collected in
// the report; only failing to list items aborts the cycle. Cancellation
// stops new items from starting while in-flight ones finish.
func (p *Poller) RunPollingCycle(ctx context.Context) (Report, error) {
	items, err := p.store.ListActiveItems(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list active items: %w", err)
	}

	report := Report{Items: len(items)}
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(p.opts.Workers)

	started := 0
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		if err := p.limiter.Wait(ctx); err != nil {
			break
		}

		started++
		item := item
		g.Go(func() error {
			outcome := p.pollItem(ctx, item)
			mu.Lock()
			report.merge(outcome)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report.Skipped = len(items) - started
	p.logger.Info().
		Int("items", report.Items).
		Int("polled", report.Polled).
		Int("skipped", report.Skipped).
		Int("admitted", report.Admitted).
		Int("failures", len(report.Failures)).
		Msg("polling cycle finished")
	return report, nil
}

type itemOutcome struct {
	polled     bool
	admitted   int
	suppressed int
	failures   []Failure
}

func (o *itemOutcome) fail(itemID int64, err error) {
	o.failures = append(o.failures, newFailure(itemID, err))
}

func (p *Poller) lockItem(id int64) func() {
	v, _ := p.itemLocks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// pollItem runs lookup, append, evaluate, update and admit for one item.
func (p *Poller) pollItem(parent context.Context, item model.TrackedItem) (out itemOutcome) {
	unlock := p.lockItem(item.ID)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), p.opts.ItemTimeout)
	defer cancel()

	log := p.logger.With().Int64("item_id", item.ID).Logger()

	info, err := p.lookup.Lookup(ctx, item.LookupKey)
	if err != nil {
		log.Warn().Err(err).Msg("lookup failed")
		out.fail(item.ID, err)
		return out
	}
	// a zero price would become the permanent history low
	if !info.Price.IsPositive() {
		err := &lookup.FailedError{Key: item.LookupKey, Err: fmt.Errorf("price %s: %w", info.Price, lookup.ErrNonPositivePrice)}
		log.Warn().Err(err).Msg("lookup returned an unusable price")
		out.fail(item.ID, err)
		return out
	}

	prior, err := p.store.LatestObservation(ctx, item.ID)
	if err != nil {
		out.fail(item.ID, err)
		return out
	}

	capturedAt := p.opts.Clock()
	if prior != nil && prior.CapturedAt.After(capturedAt) {
		capturedAt = prior.CapturedAt
	}
	latest := model.Observation{
		ItemID:     item.ID,
		Price:      info.Price,
		StockCount: info.Stock.Count,
		InStock:    info.Stock.InStock,
		CapturedAt: capturedAt,
	}
	if err := p.store.AppendObservation(ctx, latest); err != nil {
		log.Error().Err(err).Msg("append observation failed")
		out.fail(item.ID, err)
		return out
	}
	out.polled = true

	summary, err := p.store.ObservationSummary(ctx, item.ID)
	if err != nil {
		out.fail(item.ID, err)
		return out
	}

	flag := evaluate.EvaluateFlag(evaluate.Input{Item: item, Latest: latest, Prior: prior, History: summary})
	if flag.Err != nil {
		log.Warn().Err(flag.Err).Msg("price rules skipped")
		out.fail(item.ID, flag.Err)
	}

	state := model.ItemState{
		LatestPrice:      latest.Price,
		InStock:          latest.InStock,
		LatestStockCount: latest.StockCount,
		FlagReached:      flag.FlagReached,
		UpdatedAt:        capturedAt,
	}
	if err := p.store.UpdateItemState(ctx, item.ID, state); err != nil {
		log.Error().Err(err).Msg("update item state failed")
		out.fail(item.ID, err)
		return out
	}

	candidates := evaluate.DetectStock(item, latest, prior)
	if flag.Candidate != nil {
		candidates = append([]evaluate.Candidate{*flag.Candidate}, candidates...)
	}
	for _, c := range candidates {
		admitted, err := p.journal.TryAdmit(ctx, c)
		if err != nil {
			out.fail(item.ID, err)
			if classify(err) == FailurePersistence {
				return out
			}
			continue
		}
		if admitted {
			out.admitted++
			log.Info().Str("kind", string(c.Kind)).Str("price", c.Price.String()).Msg("event recorded")
		} else {
			out.suppressed++
		}
	}
	return out
}
