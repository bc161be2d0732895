package lookup

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const defaultPageUserAgent = "Mozilla/5.0 (compatible; pricewatch/1.0)"

// PageOptions parameterise the item page scraper.
type PageOptions struct {
	AttemptTimeout    time.Duration
	UserAgent         string
	RequestsPerMinute int
	Retry             RetryPolicy
	HTTPClient        *http.Client
}

// PageClient reads schema.org microdata and Open Graph tags from the item page.
// It has no keyword fallback, so a failed page read is final for the cycle.
type PageClient struct {
	opts    PageOptions
	logger  zerolog.Logger
	client  *http.Client
	limiter *rate.Limiter
}

// NewPageClient constructs the scraping lookup client.
func NewPageClient(opts PageOptions, logger zerolog.Logger) *PageClient {
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 5 * time.Second
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &PageClient{
		opts:    opts,
		logger:  logger.With().Str("component", "page_lookup").Logger(),
		client:  client,
		limiter: newLimiter(opts.RequestsPerMinute),
	}
}

// Lookup fetches the page at key and extracts the listing state.
func (p *PageClient) Lookup(ctx context.Context, key string) (PriceInfo, error) {
	if !strings.HasPrefix(key, "http://") && !strings.HasPrefix(key, "https://") {
		return PriceInfo{}, &FailedError{Key: key, Err: fmt.Errorf("page lookup needs an absolute url")}
	}

	var info PriceInfo
	err := p.opts.Retry.Do(ctx, func(ctx context.Context) error {
		var attemptErr error
		info, attemptErr = p.attempt(ctx, key)
		return attemptErr
	})
	if err != nil {
		p.logger.Debug().Err(err).Str("key", key).Msg("page lookup failed")
		return PriceInfo{}, &FailedError{Key: key, Err: err}
	}
	return info, nil
}

func (p *PageClient) attempt(ctx context.Context, pageURL string) (PriceInfo, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return PriceInfo{}, fmt.Errorf("rate limit wait: %w", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, p.opts.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, pageURL, nil)
	if err != nil {
		return PriceInfo{}, fmt.Errorf("create request: %w", err)
	}
	ua := strings.TrimSpace(p.opts.UserAgent)
	if ua == "" {
		ua = defaultPageUserAgent
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "ja,en-US;q=0.8,en;q=0.7")

	resp, err := p.client.Do(req)
	if err != nil {
		return PriceInfo{}, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return PriceInfo{}, fmt.Errorf("%w (%d)", ErrRateLimited, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return PriceInfo{}, &StatusError{Status: resp.StatusCode}
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return PriceInfo{}, fmt.Errorf("parse page: %w", err)
	}
	return extractListing(doc, pageURL)
}

func extractListing(doc *goquery.Document, pageURL string) (PriceInfo, error) {
	info := PriceInfo{ItemURL: pageURL, Stock: Stock{InStock: true}}

	info.Name = firstNonEmpty(
		itempropValue(doc, "name"),
		metaContent(doc, "og:title"),
		strings.TrimSpace(doc.Find("title").First().Text()),
	)
	info.ShopLabel = firstNonEmpty(
		itempropValue(doc, "brand"),
		metaContent(doc, "og:site_name"),
	)
	info.ImageRef = firstNonEmpty(
		itempropValue(doc, "image"),
		metaContent(doc, "og:image"),
	)

	rawPrice := firstNonEmpty(
		itempropValue(doc, "price"),
		metaContent(doc, "product:price:amount"),
	)
	if rawPrice == "" {
		return PriceInfo{}, fmt.Errorf("price not found on page")
	}
	price, err := ParsePrice(rawPrice)
	if err != nil {
		return PriceInfo{}, err
	}
	if !price.IsPositive() {
		return PriceInfo{}, fmt.Errorf("page price %s: %w", price, ErrNonPositivePrice)
	}
	info.Price = price

	if availability := itempropValue(doc, "availability"); availability != "" {
		lower := strings.ToLower(availability)
		info.Stock.InStock = !strings.Contains(lower, "outofstock") && !strings.Contains(lower, "soldout")
	}
	if raw := itempropValue(doc, "inventoryLevel"); raw != "" {
		if n, convErr := strconv.Atoi(strings.TrimSpace(raw)); convErr == nil {
			info.Stock.Count = &n
			if n == 0 {
				info.Stock.InStock = false
			}
		}
	}
	return info, nil
}

// itempropValue prefers the content/href attribute and falls back to text.
func itempropValue(doc *goquery.Document, prop string) string {
	sel := doc.Find(fmt.Sprintf("[itemprop=%q]", prop)).First()
	if sel.Length() == 0 {
		return ""
	}
	for _, attr := range []string{"content", "href", "src"} {
		if v, ok := sel.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return strings.TrimSpace(sel.Text())
}

func metaContent(doc *goquery.Document, property string) string {
	sel := doc.Find(fmt.Sprintf("meta[property=%q]", property)).First()
	v, _ := sel.Attr("content")
	return strings.TrimSpace(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ParsePrice reads a price that may carry currency marks and separators.
func ParsePrice(raw string) (decimal.Decimal, error) {
	var b strings.Builder
	for _, r := range raw {
		if (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	cleaned := strings.Trim(b.String(), ".")
	if cleaned == "" {
		return decimal.Decimal{}, fmt.Errorf("no digits in price %q", raw)
	}
	price, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse price %q: %w", raw, err)
	}
	return price, nil
}

var _ Client = (*PageClient)(nil)
