package app

import (
	"context"
	"fmt"
	"io"

	"pricewatch/internal/model"
	"pricewatch/internal/poller"
	"pricewatch/internal/storage"
)

// Track registers a new item and prints its id.
func (a *App) Track(ctx context.Context, out io.Writer, req poller.TrackRequest) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	item, err := poller.Track(ctx, store, a.newLookup(), a.Clock, req)
	if err != nil {
		return fmt.Errorf("track item: %w", err)
	}

	a.Logger.Info().
		Int64("item_id", item.ID).
		Int64("user_id", item.UserID).
		Str("price", item.LatestPrice.String()).
		Msg("item tracked")
	fmt.Fprintf(out, "tracking item %d: %s (%s yen)\n", item.ID, item.Name, item.LatestPrice.String())
	return nil
}

// Deactivate stops polling an item; its history is kept.
func (a *App) Deactivate(ctx context.Context, itemID int64) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.DeactivateItem(ctx, itemID); err != nil {
		return fmt.Errorf("deactivate item %d: %w", itemID, err)
	}
	a.Logger.Info().Int64("item_id", itemID).Msg("item deactivated")
	return nil
}

// PreferenceUpdate carries the fields a caller wants to change; nil fields keep
// the stored value.
type PreferenceUpdate struct {
	UserID      int64
	Enabled     *bool
	Mode        *model.DeliveryMode
	Hour        *int
	Minute      *int
	Destination *string
}

// SetPreference edits one user's delivery settings.
func (a *App) SetPreference(ctx context.Context, update PreferenceUpdate) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	pref, err := applyPreference(ctx, store, update)
	if err != nil {
		return err
	}
	a.Logger.Info().
		Int64("user_id", pref.UserID).
		Bool("enabled", pref.Enabled).
		Str("mode", string(pref.Mode)).
		Msg("preference updated")
	return nil
}

func applyPreference(ctx context.Context, store storage.PreferenceStore, update PreferenceUpdate) (model.Preference, error) {
	pref, err := store.GetPreference(ctx, update.UserID)
	if err != nil {
		return model.Preference{}, fmt.Errorf("load preference: %w", err)
	}
	if update.Enabled != nil {
		pref.Enabled = *update.Enabled
	}
	if update.Mode != nil {
		pref.Mode = *update.Mode
	}
	if update.Hour != nil {
		if *update.Hour < 0 || *update.Hour > 23 {
			return model.Preference{}, fmt.Errorf("hour must be between 0 and 23")
		}
		pref.Hour = *update.Hour
	}
	if update.Minute != nil {
		if *update.Minute < 0 || *update.Minute > 59 {
			return model.Preference{}, fmt.Errorf("minute must be between 0 and 59")
		}
		pref.Minute = *update.Minute
	}
	if update.Destination != nil {
		pref.Destination = *update.Destination
	}
	if err := store.UpsertPreference(ctx, pref); err != nil {
		return model.Preference{}, fmt.Errorf("save preference: %w", err)
	}
	return pref, nil
}
