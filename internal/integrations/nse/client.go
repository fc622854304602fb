package nse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"folio/internal/domain"
)

const (
	userAgent  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	IndexNifty = "NIFTY 50"
	maxChart   = 50
)

// FallbackNifty50 is used when the constituent list cannot be fetched.
var FallbackNifty50 = []string{
	"ADANIPORTS", "ASIANPAINT", "AXISBANK", "BAJAJ-AUTO", "BAJFINANCE",
	"BAJAJFINSV", "BHARTIARTL", "BPCL", "BRITANNIA", "CIPLA",
	"COALINDIA", "DIVISLAB", "DRREDDY", "EICHERMOT", "GRASIM",
	"HCLTECH", "HDFCBANK", "HDFCLIFE", "HEROMOTOCO", "HINDALCO",
	"HINDUNILVR", "ICICIBANK", "INDUSINDBK", "INFY", "ITC",
	"JSWSTEEL", "KOTAKBANK", "LT", "M&M", "MARUTI",
	"NESTLEIND", "NTPC", "ONGC", "POWERGRID", "RELIANCE",
	"SBILIFE", "SBIN", "SHRIRAMFIN", "SUNPHARMA", "TATACONSUM",
	"TATAMOTORS", "TATASTEEL", "TCS", "TECHM", "TITAN",
	"ULTRACEMCO", "WIPRO", "APOLLOHOSP", "ADANIENT", "LTIM",
}

var chartSymbols = []struct{ key, symbol, name string }{
	{"nifty50", "^NSEI", "NIFTY 50"},
	{"sensex", "^BSESN", "SENSEX"},
}

// Client reads public market data. The exchange site hands out session
// cookies on its home page, so the client primes its jar before the first
// API call and again after a rejection. All requests share one limiter.
type Client struct {
	baseURL  string
	chartURL string
	http     *http.Client
	limiter  *rate.Limiter

	mu     sync.Mutex
	primed bool
}

func NewClient(baseURL, chartURL string, timeout, delay time.Duration) *Client {
	jar, _ := cookiejar.New(nil)
	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		chartURL: strings.TrimRight(chartURL, "/"),
		http:     &http.Client{Timeout: timeout, Jar: jar},
		limiter:  rate.NewLimiter(limit, 1),
	}
}

// Constituents lists the symbols of index, excluding the index row itself.
func (c *Client) Constituents(ctx context.Context, index string) ([]string, error) {
	doc, err := c.getJSON(ctx, c.baseURL+"/api/equity-stockIndices?index="+url.QueryEscape(index), true)
	if err != nil {
		return nil, err
	}
	raw, err := jsonpath.Get("$.data[*].symbol", doc)
	if err != nil {
		return nil, domain.NewFetchError(domain.ErrorMalformedResponse, fmt.Errorf("constituents: %w", err))
	}
	list, _ := raw.([]any)
	out := make([]string, 0, len(list))
	for _, v := range list {
		s, ok := v.(string)
		if !ok || s == "" || s == index {
			continue
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, domain.NewFetchError(domain.ErrorMalformedResponse, errors.New("constituents: empty list"))
	}
	return out, nil
}

func (c *Client) Quote(ctx context.Context, symbol string) (domain.Quote, error) {
	doc, err := c.getJSON(ctx, c.baseURL+"/api/quote-equity?symbol="+url.QueryEscape(symbol), true)
	if err != nil {
		return domain.Quote{}, err
	}
	if _, err := jsonpath.Get("$.priceInfo", doc); err != nil {
		return domain.Quote{}, domain.NewFetchError(domain.ErrorMalformedResponse, fmt.Errorf("quote %s: no priceInfo", symbol))
	}
	name := symbol
	if v, err := jsonpath.Get("$.info.companyName", doc); err == nil {
		if s, ok := v.(string); ok && s != "" {
			name = s
		}
	}
	return domain.Quote{
		Symbol:        symbol,
		Name:          name,
		LastPrice:     decimalAt(doc, "$.priceInfo.lastPrice"),
		Change:        decimalAt(doc, "$.priceInfo.change"),
		PercentChange: decimalAt(doc, "$.priceInfo.pChange"),
		Open:          decimalAt(doc, "$.priceInfo.open"),
		High:          decimalAt(doc, "$.priceInfo.intraDayHighLow.max"),
		Low:           decimalAt(doc, "$.priceInfo.intraDayHighLow.min"),
		PreviousClose: decimalAt(doc, "$.priceInfo.previousClose"),
	}, nil
}

// MarketIndices returns the headline indices with an intraday sparkline.
// An index that cannot be read is reported with zero values; the call fails
// only when none can be read.
func (c *Client) MarketIndices(ctx context.Context) ([]domain.MarketIndex, error) {
	out := make([]domain.MarketIndex, 0, len(chartSymbols))
	var lastErr error
	for _, cs := range chartSymbols {
		idx, err := c.chart(ctx, cs.symbol)
		if err != nil {
			lastErr = err
			idx = domain.MarketIndex{Chart: []decimal.Decimal{}}
		}
		idx.Key, idx.Name = cs.key, cs.name
		out = append(out, idx)
	}
	if lastErr != nil && len(out) > 0 && allZero(out) {
		return nil, lastErr
	}
	return out, nil
}

func (c *Client) chart(ctx context.Context, symbol string) (domain.MarketIndex, error) {
	doc, err := c.getJSON(ctx, c.chartURL+"/v8/finance/chart/"+url.PathEscape(symbol)+"?interval=5m&range=1d", false)
	if err != nil {
		return domain.MarketIndex{}, err
	}
	price := decimalAt(doc, "$.chart.result[0].meta.regularMarketPrice")
	prev := decimalAt(doc, "$.chart.result[0].meta.previousClose")
	if price.IsZero() {
		return domain.MarketIndex{}, domain.NewFetchError(domain.ErrorMalformedResponse, fmt.Errorf("chart %s: no price", symbol))
	}
	idx := domain.MarketIndex{Value: price.Round(2), Chart: []decimal.Decimal{}}
	if !prev.IsZero() {
		idx.Change = price.Sub(prev).Round(2)
		idx.PercentChange = price.Sub(prev).Div(prev).Mul(decimal.NewFromInt(100)).Round(2)
	}
	if raw, err := jsonpath.Get("$.chart.result[0].indicators.quote[0].close", doc); err == nil {
		closes := make([]decimal.Decimal, 0)
		if list, ok := raw.([]any); ok {
			for _, v := range list {
				if d, ok := toDecimal(v); ok {
					closes = append(closes, d)
				}
			}
		}
		step := max(1, len(closes)/maxChart)
		for i := 0; i < len(closes); i += step {
			idx.Chart = append(idx.Chart, closes[i].Round(2))
		}
	}
	return idx, nil
}

func (c *Client) prime(ctx context.Context) {
	c.mu.Lock()
	done := c.primed
	c.mu.Unlock()
	if done {
		return
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return
	}
	setHeaders(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	c.mu.Lock()
	c.primed = true
	c.mu.Unlock()
}

func (c *Client) getJSON(ctx context.Context, target string, needsCookies bool) (any, error) {
	if needsCookies {
		c.prime(ctx)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, domain.NewFetchError(domain.ErrorUpstreamUnavailable, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, domain.NewFetchError(domain.ErrorMalformedResponse, err)
	}
	setHeaders(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, domain.NewFetchError(domain.ErrorUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.mu.Lock()
		c.primed = false
		c.mu.Unlock()
		return nil, domain.NewFetchError(domain.ErrorUpstreamUnavailable, fmt.Errorf("GET %s: status %d", req.URL.Path, resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, domain.NewFetchError(domain.ErrorRateLimited, fmt.Errorf("GET %s: status %d", req.URL.Path, resp.StatusCode))
	case resp.StatusCode >= 500:
		return nil, domain.NewFetchError(domain.ErrorUpstreamUnavailable, fmt.Errorf("GET %s: status %d", req.URL.Path, resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, domain.NewFetchError(domain.ErrorMalformedResponse, fmt.Errorf("GET %s: status %d", req.URL.Path, resp.StatusCode))
	}

	var doc any
	dec := json.NewDecoder(io.LimitReader(resp.Body, 4<<20))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, domain.NewFetchError(domain.ErrorMalformedResponse, fmt.Errorf("decode %s: %w", req.URL.Path, err))
	}
	return doc, nil
}

func setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
}

func decimalAt(doc any, path string) decimal.Decimal {
	v, err := jsonpath.Get(path, doc)
	if err != nil {
		return decimal.Zero
	}
	d, _ := toDecimal(v)
	return d
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(n), true
	case string:
		d, err := decimal.NewFromString(strings.ReplaceAll(n, ",", ""))
		return d, err == nil
	default:
		return decimal.Zero, false
	}
}

func allZero(list []domain.MarketIndex) bool {
	for _, idx := range list {
		if !idx.Value.IsZero() {
			return false
		}
	}
	return true
}
