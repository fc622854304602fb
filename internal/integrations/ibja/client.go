package ibja

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/net/html"

	"folio/internal/domain"
)

const (
	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	idPrefix  = "GoldRatesCompare"
)

// Purities published on the rates page, in page order.
var Purities = []string{"999", "995", "916", "750", "585"}

// Rates maps a purity to its per-gram price.
type Rates map[string]decimal.Decimal

// Client scrapes the association's published gold rates page.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/") + "/",
		http:    &http.Client{Timeout: timeout},
	}
}

// Rates fetches the current per-gram rates. Purities missing from the page
// are left out; a page with none of them is an error.
func (c *Client) Rates(ctx context.Context) (Rates, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return nil, domain.NewFetchError(domain.ErrorMalformedResponse, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, domain.NewFetchError(domain.ErrorUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, domain.NewFetchError(domain.ErrorRateLimited, fmt.Errorf("gold rates: status %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return nil, domain.NewFetchError(domain.ErrorUpstreamUnavailable, fmt.Errorf("gold rates: status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, domain.NewFetchError(domain.ErrorMalformedResponse, fmt.Errorf("gold rates: status %d", resp.StatusCode))
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, domain.NewFetchError(domain.ErrorMalformedResponse, fmt.Errorf("parse gold rates: %w", err))
	}
	rates := extract(doc)
	if len(rates) == 0 {
		return nil, domain.NewFetchError(domain.ErrorMalformedResponse, errors.New("gold rates: no prices on page"))
	}
	return rates, nil
}

func extract(doc *html.Node) Rates {
	want := make(map[string]string, len(Purities))
	for _, p := range Purities {
		want[idPrefix+p] = p
	}
	out := Rates{}
	walk(doc, func(n *html.Node) {
		if n.Type != html.ElementNode || n.Data != "span" {
			return
		}
		purity, ok := want[attr(n, "id")]
		if !ok {
			return
		}
		text := strings.TrimSpace(strings.ReplaceAll(textOf(n), ",", ""))
		if price, err := decimal.NewFromString(text); err == nil && price.IsPositive() {
			out[purity] = price
		}
	})
	return out
}

func walk(n *html.Node, visit func(*html.Node)) {
	visit(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, visit)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textOf(n *html.Node) string {
	var b strings.Builder
	walk(n, func(d *html.Node) {
		if d.Type == html.TextNode {
			b.WriteString(d.Data)
		}
	})
	return b.String()
}
