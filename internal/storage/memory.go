package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"pricewatch/internal/model"
)

type eventKey struct {
	userID   int64
	itemID   int64
	kind     model.EventKind
	dedupKey string
}

// MemoryStore is an in-process Repository used by tests and dry runs.
type MemoryStore struct {
	mu sync.Mutex

	now func() time.Time

	nextItemID  int64
	nextObsID   int64
	nextEventID int64

	items        map[int64]model.TrackedItem
	observations map[int64][]model.Observation
	events       []model.NotificationEvent
	eventKeys    map[eventKey]struct{}
	prefs        map[int64]model.Preference
	locks        map[int64]bool
}

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:          model.SystemClock,
		items:        make(map[int64]model.TrackedItem),
		observations: make(map[int64][]model.Observation),
		eventKeys:    make(map[eventKey]struct{}),
		prefs:        make(map[int64]model.Preference),
		locks:        make(map[int64]bool),
	}
}

func (m *MemoryStore) CreateItem(_ context.Context, item model.TrackedItem) (model.TrackedItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextItemID++
	item.ID = m.nextItemID
	item.Active = true
	item.LowStockThreshold = item.EffectiveLowStockThreshold()
	if item.Priority == "" {
		item.Priority = model.PriorityNormal
	}
	now := m.now()
	item.CreatedAt = now
	item.UpdatedAt = now
	m.items[item.ID] = item
	return item, nil
}

func (m *MemoryStore) GetItem(_ context.Context, id int64) (model.TrackedItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return model.TrackedItem{}, ErrNotFound
	}
	return item, nil
}

func (m *MemoryStore) ListActiveItems(_ context.Context) ([]model.TrackedItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.TrackedItem, 0, len(m.items))
	for _, item := range m.items {
		if item.Active {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpdateItemState(_ context.Context, id int64, state model.ItemState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	price := state.LatestPrice
	item.LatestPrice = &price
	item.InStock = state.InStock
	item.LatestStockCount = copyInt(state.LatestStockCount)
	item.FlagReached = state.FlagReached
	item.UpdatedAt = state.UpdatedAt
	m.items[id] = item
	return nil
}

func (m *MemoryStore) DeactivateItem(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	item.Active = false
	item.UpdatedAt = m.now()
	m.items[id] = item
	return nil
}

func (m *MemoryStore) AppendObservation(_ context.Context, obs model.Observation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	series := m.observations[obs.ItemID]
	if n := len(series); n > 0 && series[n-1].CapturedAt.After(obs.CapturedAt) {
		return wrapErr("append observation", ErrOutOfOrder)
	}
	m.nextObsID++
	obs.ID = m.nextObsID
	obs.StockCount = copyInt(obs.StockCount)
	m.observations[obs.ItemID] = append(series, obs)
	return nil
}

func (m *MemoryStore) LatestObservation(_ context.Context, itemID int64) (*model.Observation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	series := m.observations[itemID]
	if len(series) == 0 {
		return nil, nil
	}
	latest := series[len(series)-1]
	latest.StockCount = copyInt(latest.StockCount)
	return &latest, nil
}

func (m *MemoryStore) ObservationsSince(_ context.Context, itemID int64, since time.Time) ([]model.Observation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.Observation, 0)
	for _, obs := range m.observations[itemID] {
		if obs.CapturedAt.Before(since) {
			continue
		}
		obs.StockCount = copyInt(obs.StockCount)
		out = append(out, obs)
	}
	return out, nil
}

func (m *MemoryStore) ObservationSummary(_ context.Context, itemID int64) (model.HistorySummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	series := m.observations[itemID]
	summary := model.HistorySummary{Count: len(series), Low: decimal.Zero}
	for i, obs := range series {
		if i == 0 || obs.Price.LessThan(summary.Low) {
			summary.Low = obs.Price
		}
	}
	return summary, nil
}

func (m *MemoryStore) InsertEventIfAbsent(_ context.Context, ev model.NotificationEvent, since *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := eventKey{userID: ev.UserID, itemID: ev.ItemID, kind: ev.Kind, dedupKey: ev.DedupKey}
	if _, dup := m.eventKeys[key]; dup {
		return false, nil
	}
	if since != nil {
		for _, existing := range m.events {
			if existing.UserID == ev.UserID && existing.ItemID == ev.ItemID && existing.Kind == ev.Kind &&
				existing.OccurredAt.After(*since) {
				return false, nil
			}
		}
	}

	m.nextEventID++
	ev.ID = m.nextEventID
	ev.Sent = false
	ev.SentAt = nil
	m.events = append(m.events, ev)
	m.eventKeys[key] = struct{}{}
	return true, nil
}

func (m *MemoryStore) ListUnsentEvents(_ context.Context, userID int64) ([]model.NotificationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.NotificationEvent, 0)
	for _, ev := range m.events {
		if ev.UserID == userID && !ev.Sent {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OccurredAt.Before(out[j].OccurredAt)
	})
	return out, nil
}

func (m *MemoryStore) ListUsersWithUnsentEvents(_ context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[int64]struct{})
	users := make([]int64, 0)
	for _, ev := range m.events {
		if ev.Sent {
			continue
		}
		if _, ok := seen[ev.UserID]; ok {
			continue
		}
		seen[ev.UserID] = struct{}{}
		users = append(users, ev.UserID)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users, nil
}

func (m *MemoryStore) MarkEventsSent(_ context.Context, ids []int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	for i := range m.events {
		if _, ok := want[m.events[i].ID]; !ok || m.events[i].Sent {
			continue
		}
		sentAt := at
		m.events[i].Sent = true
		m.events[i].SentAt = &sentAt
	}
	return nil
}

func (m *MemoryStore) ListRecentEvents(_ context.Context, limit int) ([]model.NotificationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := append([]model.NotificationEvent(nil), m.events...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].OccurredAt.After(out[j].OccurredAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteSentEventsBefore(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.events[:0]
	var removed int64
	for _, ev := range m.events {
		if ev.Sent && ev.OccurredAt.Before(olderThan) {
			delete(m.eventKeys, eventKey{userID: ev.UserID, itemID: ev.ItemID, kind: ev.Kind, dedupKey: ev.DedupKey})
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	m.events = kept
	return removed, nil
}

func (m *MemoryStore) GetPreference(_ context.Context, userID int64) (model.Preference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pref, ok := m.prefs[userID]
	if !ok {
		pref = model.DefaultPreference(userID)
		pref.UpdatedAt = m.now()
		m.prefs[userID] = pref
	}
	return pref, nil
}

func (m *MemoryStore) UpsertPreference(_ context.Context, pref model.Preference) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.prefs[pref.UserID]; ok {
		pref.LastDigestAt = existing.LastDigestAt
	}
	pref.UpdatedAt = m.now()
	m.prefs[pref.UserID] = pref
	return nil
}

func (m *MemoryStore) RecordDigest(_ context.Context, userID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pref, ok := m.prefs[userID]
	if !ok {
		pref = model.DefaultPreference(userID)
	}
	stamp := at
	pref.LastDigestAt = &stamp
	m.prefs[userID] = pref
	return nil
}

// TryAdvisoryLock emulates a session lock within the process.
func (m *MemoryStore) TryAdvisoryLock(_ context.Context, key int64) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.locks[key] {
		return nil, false, nil
	}
	m.locks[key] = true
	return func() {
		m.mu.Lock()
		delete(m.locks, key)
		m.mu.Unlock()
	}, true, nil
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

var (
	_ Repository     = (*MemoryStore)(nil)
	_ AdvisoryLocker = (*MemoryStore)(nil)
)
