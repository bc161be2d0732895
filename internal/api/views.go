package api

import (
	"time"

	"github.com/shopspring/decimal"

	"pricewatch/internal/model"
)

type itemView struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"user_id"`
	Name           string    `json:"name"`
	Shop           string    `json:"shop,omitempty"`
	LookupKey      string    `json:"lookup_key"`
	Active         bool      `json:"active"`
	FlagKind       string    `json:"flag_kind,omitempty"`
	Priority       string    `json:"priority"`
	ThresholdPrice *string   `json:"threshold_price,omitempty"`
	RegularPrice   *string   `json:"regular_price,omitempty"`
	LatestPrice    *string   `json:"latest_price,omitempty"`
	InStock        bool      `json:"in_stock"`
	StockCount     *int      `json:"stock_count,omitempty"`
	FlagReached    bool      `json:"flag_reached"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func newItemView(item model.TrackedItem) itemView {
	return itemView{
		ID:             item.ID,
		UserID:         item.UserID,
		Name:           item.Name,
		Shop:           item.ShopName,
		LookupKey:      item.LookupKey,
		Active:         item.Active,
		FlagKind:       string(item.FlagKind),
		Priority:       string(item.Priority),
		ThresholdPrice: decimalString(item.ThresholdPrice),
		RegularPrice:   decimalString(item.RegularPrice),
		LatestPrice:    decimalString(item.LatestPrice),
		InStock:        item.InStock,
		StockCount:     item.LatestStockCount,
		FlagReached:    item.FlagReached,
		UpdatedAt:      item.UpdatedAt.UTC(),
	}
}

type observationView struct {
	Price      string    `json:"price"`
	InStock    bool      `json:"in_stock"`
	StockCount *int      `json:"stock_count,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

func newObservationView(obs model.Observation) observationView {
	return observationView{
		Price:      obs.Price.String(),
		InStock:    obs.InStock,
		StockCount: obs.StockCount,
		CapturedAt: obs.CapturedAt.UTC(),
	}
}

func decimalString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
