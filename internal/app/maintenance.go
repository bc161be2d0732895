package app

import (
	"context"
	"fmt"
	"time"

	"pricewatch/internal/storage"
)

// Prune deletes sent journal entries older than the retention period. A zero
// retention falls back to the configured one.
func (a *App) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = a.Config.Dispatch.Retention
	}
	if retention <= 0 {
		return 0, fmt.Errorf("retention must be greater than zero")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return 0, err
	}
	defer closeStore()

	before := a.Clock().Add(-retention)
	return a.newJournal(store).Prune(ctx, before)
}

// Migrate applies the embedded schema.
func (a *App) Migrate(ctx context.Context) error {
	if a.Config.Database.DSN == "" {
		return fmt.Errorf("database.dsn not configured")
	}
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := storage.Migrate(ctx, pool); err != nil {
		return err
	}
	a.Logger.Info().Msg("schema applied")
	return nil
}
