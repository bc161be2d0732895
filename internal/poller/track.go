package poller

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"pricewatch/internal/lookup"
	"pricewatch/internal/model"
	"pricewatch/internal/storage"
)

// TrackRequest describes a new item to watch.
type TrackRequest struct {
	UserID         int64
	LookupKey      string
	ThresholdPrice *decimal.Decimal
	RegularPrice   *decimal.Decimal
	FlagKind       model.FlagKind
	FlagValue      *decimal.Decimal
	Priority       model.Priority
	RestockNotify  bool
	LowStockLimit  int
}

// Track looks the item up once, stores it with its first observation and
// makes sure the owner has a preference row. The regular price defaults to
// the first observed price.
func Track(ctx context.Context, repo storage.Repository, client lookup.Client, clock model.Clock, req TrackRequest) (model.TrackedItem, error) {
	key := strings.TrimSpace(req.LookupKey)
	if key == "" {
		return model.TrackedItem{}, fmt.Errorf("lookup key is required")
	}
	if clock == nil {
		clock = model.SystemClock
	}

	info, err := client.Lookup(ctx, key)
	if err != nil {
		return model.TrackedItem{}, err
	}
	if !info.Price.IsPositive() {
		return model.TrackedItem{}, &lookup.FailedError{Key: key, Err: lookup.ErrNonPositivePrice}
	}

	price := info.Price
	regular := req.RegularPrice
	if regular == nil {
		regular = &price
	}
	priority := req.Priority
	if priority == "" {
		priority = model.PriorityNormal
	}
	kind := req.FlagKind
	if kind == "" {
		kind = model.FlagAbsoluteThreshold
	}

	item := model.TrackedItem{
		UserID:               req.UserID,
		Name:                 info.Name,
		LookupKey:            key,
		ShopName:             info.ShopLabel,
		ImageURL:             info.ImageRef,
		RegularPrice:         regular,
		InitialPrice:         &price,
		LatestPrice:          &price,
		ThresholdPrice:       req.ThresholdPrice,
		FlagKind:             kind,
		FlagValue:            req.FlagValue,
		InStock:              info.Stock.InStock,
		LatestStockCount:     info.Stock.Count,
		Priority:             priority,
		RestockNotifyEnabled: req.RestockNotify,
		LowStockThreshold:    req.LowStockLimit,
	}

	created, err := repo.CreateItem(ctx, item)
	if err != nil {
		return model.TrackedItem{}, err
	}

	seed := model.Observation{
		ItemID:     created.ID,
		Price:      price,
		StockCount: info.Stock.Count,
		InStock:    info.Stock.InStock,
		CapturedAt: clock(),
	}
	if err := repo.AppendObservation(ctx, seed); err != nil {
		return created, fmt.Errorf("seed observation: %w", err)
	}
	if _, err := repo.GetPreference(ctx, req.UserID); err != nil {
		return created, fmt.Errorf("ensure preference: %w", err)
	}
	return created, nil
}
