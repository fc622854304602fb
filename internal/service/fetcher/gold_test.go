package fetcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"folio/internal/domain"
	"folio/internal/integrations/ibja"
)

type fakeRates struct {
	calls int
	err   error
	rates ibja.Rates
}

func (f *fakeRates) Rates(context.Context) (ibja.Rates, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.rates, nil
}

var ist = time.FixedZone("IST", 5*3600+1800)

func newGold(src RateSource, at *time.Time) *GoldRates {
	g := NewGoldRates(src, []int{13, 20}, ist, zerolog.Nop())
	g.now = func() time.Time { return *at }
	return g
}

func TestGoldRatesSchedule(t *testing.T) {
	src := &fakeRates{rates: ibja.Rates{"999": decimal.NewFromInt(7400)}}
	at := time.Date(2026, 3, 2, 10, 15, 0, 0, ist)
	g := newGold(src, &at)
	ctx := context.Background()

	g.Current(ctx, false)
	assert.Equal(t, 1, src.calls, "first use reads")

	at = at.Add(time.Hour)
	g.Current(ctx, false)
	assert.Equal(t, 1, src.calls, "off-schedule hour uses cache")

	at = time.Date(2026, 3, 2, 13, 5, 0, 0, ist)
	g.Current(ctx, false)
	assert.Equal(t, 2, src.calls, "scheduled hour reads")

	at = time.Date(2026, 3, 2, 13, 50, 0, 0, ist)
	g.Current(ctx, false)
	assert.Equal(t, 2, src.calls, "same scheduled hour reads once")

	g.Current(ctx, true)
	assert.Equal(t, 3, src.calls, "force bypasses the schedule")

	at = time.Date(2026, 3, 3, 9, 0, 0, 0, ist)
	g.Current(ctx, false)
	assert.Equal(t, 4, src.calls, "new day reads")
}

func TestGoldRatesKeepsCacheOnFailure(t *testing.T) {
	src := &fakeRates{rates: ibja.Rates{"999": decimal.NewFromInt(7400)}}
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, ist)
	g := newGold(src, &at)
	ctx := context.Background()

	require.Equal(t, "7400", g.Current(ctx, false)["999"].String())

	src.err = domain.NewFetchError(domain.ErrorUpstreamUnavailable, errors.New("down"))
	at = time.Date(2026, 3, 2, 20, 0, 0, 0, ist)
	got := g.Current(ctx, false)
	assert.Equal(t, 2, src.calls)
	assert.Equal(t, "7400", got["999"].String())

	at = at.Add(10 * time.Minute)
	g.Current(ctx, false)
	assert.Equal(t, 3, src.calls, "a failed read does not count as this hour's read")
}

func TestPhysicalAssetsCarryLatestRate(t *testing.T) {
	reader := &fakeSheet{values: [][]any{
		{"Date", "Type", "Purity"},
		{"2024-01-10", "Coin", "24K 999"},
		{"2024-02-11", "Jewellery", "22K"},
		{"2024-03-12", "Bar", "18K"},
	}}
	src := &fakeRates{rates: ibja.Rates{"999": decimal.NewFromInt(7400), "916": decimal.NewFromInt(6780), "750": decimal.NewFromInt(5550)}}
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, ist)
	f := NewPhysicalAssets(reader, SheetConfig{SpreadsheetID: "id", RangeName: "Sheet1!A:C", Columns: []string{"date", "type", "purity"}}).
		WithGoldRates(newGold(src, &at))

	res, err := f.Fetch(context.Background(), Request{Force: true})
	require.NoError(t, err)

	rows := res.Sets[SetPhysicalGold]
	require.Len(t, rows, 3)
	assert.Equal(t, decimal.NewFromInt(7400), rows[0]["latest_ibja_price_per_gm"])
	assert.Equal(t, decimal.NewFromInt(6780), rows[1]["latest_ibja_price_per_gm"])
	v, ok := rows[2]["latest_ibja_price_per_gm"]
	assert.True(t, ok)
	assert.Nil(t, v)

	rates := res.Sets[SetGoldRates]
	require.Len(t, rates, 3)
	assert.Equal(t, "999", rates[0]["purity"])
	assert.Equal(t, "750", rates[2]["purity"])
}

func TestPhysicalAssetsWithoutRatesStillServeRows(t *testing.T) {
	reader := &fakeSheet{values: [][]any{{"Purity"}, {"999"}}}
	src := &fakeRates{err: domain.NewFetchError(domain.ErrorUpstreamUnavailable, errors.New("down"))}
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, ist)
	f := NewPhysicalAssets(reader, SheetConfig{SpreadsheetID: "id", RangeName: "Sheet1!A:A", Columns: []string{"purity"}}).
		WithGoldRates(newGold(src, &at))

	res, err := f.Fetch(context.Background(), Request{})
	require.NoError(t, err)
	require.Len(t, res.Sets[SetPhysicalGold], 1)
	assert.Nil(t, res.Sets[SetPhysicalGold][0]["latest_ibja_price_per_gm"])
	assert.Empty(t, res.Sets[SetGoldRates])
}
