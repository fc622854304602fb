package fetcher

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"folio/internal/domain"
	"folio/internal/integrations/ibja"
)

// RateSource reads the published per-gram gold rates.
type RateSource interface {
	Rates(ctx context.Context) (ibja.Rates, error)
}

// GoldRates holds the last published gold rates and decides when they are
// read again: on first use, on a new calendar day, and once in each of the
// configured hours. A failed read keeps the previous rates.
type GoldRates struct {
	src   RateSource
	hours []int
	loc   *time.Location
	log   zerolog.Logger
	now   func() time.Time

	mu        sync.Mutex
	rates     ibja.Rates
	lastFetch time.Time
}

func NewGoldRates(src RateSource, hours []int, loc *time.Location, log zerolog.Logger) *GoldRates {
	if loc == nil {
		loc = time.UTC
	}
	return &GoldRates{src: src, hours: hours, loc: loc, log: log, now: time.Now}
}

// Current returns the cached rates, reading them first when force is set or
// the schedule says they are due.
func (g *GoldRates) Current(ctx context.Context, force bool) ibja.Rates {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().In(g.loc)
	if !force && !g.due(now) {
		g.log.Debug().Ints("hours", g.hours).Msg("gold rates not due, using cached")
		return g.rates
	}
	rates, err := g.src.Rates(ctx)
	if err != nil {
		g.log.Warn().Err(err).Bool("cached", g.rates != nil).Msg("gold rates fetch failed")
		return g.rates
	}
	g.rates, g.lastFetch = rates, now
	g.log.Info().Int("purities", len(rates)).Msg("gold rates updated")
	return g.rates
}

func (g *GoldRates) due(now time.Time) bool {
	if g.lastFetch.IsZero() {
		return true
	}
	last := g.lastFetch.In(g.loc)
	y1, m1, d1 := now.Date()
	y2, m2, d2 := last.Date()
	if y1 != y2 || m1 != m2 || d1 != d2 {
		return true
	}
	return slices.Contains(g.hours, now.Hour()) && last.Hour() != now.Hour()
}

// withLatestRate stamps each holding with the per-gram rate for its purity,
// or null when no rate for that purity is known.
func withLatestRate(rows []domain.Row, rates ibja.Rates) []domain.Row {
	out := make([]domain.Row, len(rows))
	for i, row := range rows {
		cp := row.Clone()
		if cp == nil {
			cp = domain.Row{}
		}
		cp["latest_ibja_price_per_gm"] = nil
		if price, ok := rateFor(row, rates); ok {
			cp["latest_ibja_price_per_gm"] = price
		}
		out[i] = cp
	}
	return out
}

func rateFor(row domain.Row, rates ibja.Rates) (decimal.Decimal, bool) {
	purity, _ := row["purity"].(string)
	purity = strings.ToUpper(purity)
	var key string
	switch {
	case strings.Contains(purity, "999"), strings.Contains(purity, "24K"):
		key = "999"
	case strings.Contains(purity, "916"), strings.Contains(purity, "22K"):
		key = "916"
	default:
		return decimal.Zero, false
	}
	price, ok := rates[key]
	return price, ok
}

func rateRows(rates ibja.Rates) []domain.Row {
	out := make([]domain.Row, 0, len(rates))
	for _, p := range ibja.Purities {
		if price, ok := rates[p]; ok {
			out = append(out, domain.Row{"purity": p, "price_per_gm": price})
		}
	}
	return out
}
