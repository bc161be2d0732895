package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	defaultRakutenBaseURL = "https://app.rakuten.co.jp/services/api/IchibaItem/Search/20220601"
	rakutenThrottleCode   = "too_many_requests"
)

// RakutenOptions parameterise the Ichiba item search client.
type RakutenOptions struct {
	BaseURL           string
	AppID             string
	AttemptTimeout    time.Duration
	UserAgent         string
	RequestsPerMinute int
	Retry             RetryPolicy
	HTTPClient        *http.Client
}

// Rakuten looks items up through the Ichiba item search API.
type Rakuten struct {
	opts    RakutenOptions
	logger  zerolog.Logger
	client  *http.Client
	limiter *rate.Limiter
	baseURL string
}

// NewRakuten constructs the API-backed lookup client.
func NewRakuten(opts RakutenOptions, logger zerolog.Logger) *Rakuten {
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 5 * time.Second
	}
	baseURL := strings.TrimSpace(opts.BaseURL)
	if baseURL == "" {
		baseURL = defaultRakutenBaseURL
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	return &Rakuten{
		opts:    opts,
		logger:  logger.With().Str("component", "rakuten_lookup").Logger(),
		client:  client,
		limiter: newLimiter(opts.RequestsPerMinute),
		baseURL: baseURL,
	}
}

// Lookup resolves the item by shop and item code, then falls back once to a
// keyword search.
func (r *Rakuten) Lookup(ctx context.Context, key string) (PriceInfo, error) {
	keyword := strings.TrimSpace(key)

	var primaryErr error
	if shopCode, itemCode, ok := ParseItemKey(key); ok {
		keyword = itemCode
		params := url.Values{}
		params.Set("shopCode", shopCode)
		params.Set("itemCode", shopCode+":"+itemCode)

		info, err := r.search(ctx, params)
		if err == nil {
			return info, nil
		}
		if ctx.Err() != nil {
			return PriceInfo{}, &FailedError{Key: key, Err: err}
		}
		primaryErr = err
		r.logger.Debug().Err(err).Str("key", key).Msg("item code search failed, falling back to keyword")
	}

	params := url.Values{}
	params.Set("keyword", keyword)
	info, err := r.search(ctx, params)
	if err == nil {
		return info, nil
	}
	if primaryErr != nil {
		err = errors.Join(primaryErr, err)
	}
	return PriceInfo{}, &FailedError{Key: key, Err: err}
}

func (r *Rakuten) search(ctx context.Context, params url.Values) (PriceInfo, error) {
	params.Set("applicationId", r.opts.AppID)
	params.Set("format", "json")
	params.Set("hits", "1")

	var info PriceInfo
	err := r.opts.Retry.Do(ctx, func(ctx context.Context) error {
		var attemptErr error
		info, attemptErr = r.attempt(ctx, params)
		return attemptErr
	})
	return info, err
}

func (r *Rakuten) attempt(ctx context.Context, params url.Values) (PriceInfo, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return PriceInfo{}, fmt.Errorf("rate limit wait: %w", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, r.opts.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, r.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return PriceInfo{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(r.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return PriceInfo{}, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return PriceInfo{}, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return PriceInfo{}, parseAPIError(resp.StatusCode, body)
	}

	var payload searchResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return PriceInfo{}, fmt.Errorf("decode response: %w", err)
	}
	if payload.Error == rakutenThrottleCode {
		return PriceInfo{}, fmt.Errorf("%w: %s", ErrRateLimited, payload.ErrorDescription)
	}
	if len(payload.Items) == 0 {
		return PriceInfo{}, errNoItems
	}
	return payload.Items[0].Item.toPriceInfo()
}

type searchResponse struct {
	Items []struct {
		Item searchItem `json:"Item"`
	} `json:"Items"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

type searchItem struct {
	ItemName        string      `json:"itemName"`
	ShopName        string      `json:"shopName"`
	ItemPrice       json.Number `json:"itemPrice"`
	ItemURL         string      `json:"itemUrl"`
	Availability    *int        `json:"availability"`
	StockQuantity   *int        `json:"stockQuantity"`
	MediumImageURLs []struct {
		ImageURL string `json:"imageUrl"`
	} `json:"mediumImageUrls"`
}

func (it searchItem) toPriceInfo() (PriceInfo, error) {
	price, err := decimal.NewFromString(it.ItemPrice.String())
	if err != nil {
		return PriceInfo{}, fmt.Errorf("parse item price %q: %w", it.ItemPrice, err)
	}
	if !price.IsPositive() {
		return PriceInfo{}, fmt.Errorf("item price %s: %w", price, ErrNonPositivePrice)
	}

	info := PriceInfo{
		Name:      it.ItemName,
		ShopLabel: it.ShopName,
		Price:     price,
		ItemURL:   it.ItemURL,
		Stock:     Stock{InStock: true},
	}
	if it.Availability != nil {
		info.Stock.InStock = *it.Availability == 1
	}
	if it.StockQuantity != nil {
		count := *it.StockQuantity
		info.Stock.Count = &count
		if count == 0 {
			info.Stock.InStock = false
		}
	}
	if len(it.MediumImageURLs) > 0 {
		info.ImageRef = it.MediumImageURLs[0].ImageURL
	}
	return info, nil
}

func parseAPIError(status int, payload []byte) error {
	var apiErr struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	_ = json.Unmarshal(payload, &apiErr)

	if status == http.StatusTooManyRequests || apiErr.Error == rakutenThrottleCode {
		return fmt.Errorf("%w (%d)", ErrRateLimited, status)
	}
	if apiErr.ErrorDescription != "" {
		return &StatusError{Status: status, Body: apiErr.Error + ": " + apiErr.ErrorDescription}
	}
	return &StatusError{Status: status, Body: strings.TrimSpace(truncate(payload, 200))}
}

func newLimiter(requestsPerMinute int) *rate.Limiter {
	if requestsPerMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), 1)
}

var _ Client = (*Rakuten)(nil)
