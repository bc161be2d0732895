// Package lookup fetches current price and stock for a marketplace listing.
package lookup

import (
	"context"
	"regexp"

	"github.com/shopspring/decimal"
)

// Stock is the availability signal of a listing. Count is nil when the
// marketplace does not report a quantity.
type Stock struct {
	InStock bool
	Count   *int
}

// PriceInfo is the normalised result of one lookup.
type PriceInfo struct {
	Name      string
	ShopLabel string
	Price     decimal.Decimal
	Stock     Stock
	ImageRef  string
	ItemURL   string
}

// Client resolves a lookup key (item URL or code) to its current state.
type Client interface {
	Lookup(ctx context.Context, key string) (PriceInfo, error)
}

var itemKeyPattern = regexp.MustCompile(`rakuten\.co\.jp/([^/]+)/([^/?#]+)`)

// ParseItemKey extracts the shop and item codes from an item URL.
func ParseItemKey(key string) (shopCode, itemCode string, ok bool) {
	m := itemKeyPattern.FindStringSubmatch(key)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}
