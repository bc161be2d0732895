package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"pricewatch/internal/config"
	"pricewatch/internal/model"
)

// ItemStore persists tracked items.
type ItemStore interface {
	CreateItem(ctx context.Context, item model.TrackedItem) (model.TrackedItem, error)
	GetItem(ctx context.Context, id int64) (model.TrackedItem, error)
	ListActiveItems(ctx context.Context) ([]model.TrackedItem, error)
	UpdateItemState(ctx context.Context, id int64, state model.ItemState) error
	DeactivateItem(ctx context.Context, id int64) error
}

// ObservationStore is the append-only price/stock time series.
type ObservationStore interface {
	AppendObservation(ctx context.Context, obs model.Observation) error
	LatestObservation(ctx context.Context, itemID int64) (*model.Observation, error)
	ObservationsSince(ctx context.Context, itemID int64, since time.Time) ([]model.Observation, error)
	ObservationSummary(ctx context.Context, itemID int64) (model.HistorySummary, error)
}

// EventStore holds the notification journal.
//
// InsertEventIfAbsent must be atomic: when since is non-nil no event of the
// same (user, item, kind) may exist with occurred_at after it, and the
// (user, item, kind, dedup key) tuple must be unique.
type EventStore interface {
	InsertEventIfAbsent(ctx context.Context, ev model.NotificationEvent, since *time.Time) (bool, error)
	ListUnsentEvents(ctx context.Context, userID int64) ([]model.NotificationEvent, error)
	ListUsersWithUnsentEvents(ctx context.Context) ([]int64, error)
	MarkEventsSent(ctx context.Context, ids []int64, at time.Time) error
	ListRecentEvents(ctx context.Context, limit int) ([]model.NotificationEvent, error)
	DeleteSentEventsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// PreferenceStore holds per-user delivery settings.
type PreferenceStore interface {
	// GetPreference creates the default row on first access.
	GetPreference(ctx context.Context, userID int64) (model.Preference, error)
	UpsertPreference(ctx context.Context, pref model.Preference) error
	RecordDigest(ctx context.Context, userID int64, at time.Time) error
}

// Repository is the full persistence boundary consumed by the engine.
type Repository interface {
	ItemStore
	ObservationStore
	EventStore
	PreferenceStore
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}
