package nse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"folio/internal/domain"
)

type fakeExchange struct {
	primes atomic.Int32
}

func (f *fakeExchange) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/":
		f.primes.Add(1)
		http.SetCookie(w, &http.Cookie{Name: "nsit", Value: "session", Path: "/"})
	case r.URL.Path == "/api/equity-stockIndices":
		if _, err := r.Cookie("nsit"); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"symbol":"NIFTY 50"},{"symbol":"INFY"},{"symbol":"TCS"}]}`))
	case r.URL.Path == "/api/quote-equity":
		if r.URL.Query().Get("symbol") == "BROKEN" {
			_, _ = w.Write([]byte(`{"info":{}}`))
			return
		}
		_, _ = w.Write([]byte(`{"info":{"companyName":"Infosys Limited"},"priceInfo":{"lastPrice":1523.45,"change":-12.3,"pChange":-0.8,"open":1530,"previousClose":1535.75,"intraDayHighLow":{"min":1519.1,"max":1534.9}}}`))
	case strings.HasPrefix(r.URL.Path, "/v8/finance/chart/"):
		if strings.HasSuffix(r.URL.Path, "^BSESN") {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"chart":{"result":[{"meta":{"regularMarketPrice":22500.5,"previousClose":22400.5},"indicators":{"quote":[{"close":[22410.123,null,22450.5,22500.5]}]}}]}}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestClient(t *testing.T, delay time.Duration) (*Client, *fakeExchange) {
	t.Helper()
	fx := &fakeExchange{}
	srv := httptest.NewServer(fx)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, srv.URL, time.Second, delay), fx
}

func TestConstituentsPrimesCookiesOnce(t *testing.T) {
	c, fx := newTestClient(t, 0)
	ctx := context.Background()

	symbols, err := c.Constituents(ctx, IndexNifty)
	require.NoError(t, err)
	assert.Equal(t, []string{"INFY", "TCS"}, symbols)

	_, err = c.Constituents(ctx, IndexNifty)
	require.NoError(t, err)
	assert.Equal(t, int32(1), fx.primes.Load())
}

func TestQuoteUsesDecimals(t *testing.T) {
	c, _ := newTestClient(t, 0)
	q, err := c.Quote(context.Background(), "INFY")
	require.NoError(t, err)
	assert.Equal(t, "Infosys Limited", q.Name)
	assert.Equal(t, "1523.45", q.LastPrice.String())
	assert.Equal(t, "-12.3", q.Change.String())
	assert.Equal(t, "1534.9", q.High.String())
	assert.Equal(t, "1519.1", q.Low.String())

	_, err = c.Quote(context.Background(), "BROKEN")
	assert.Equal(t, domain.ErrorMalformedResponse, domain.KindOf(err))
}

func TestMarketIndicesTolerateOneFailure(t *testing.T) {
	c, _ := newTestClient(t, 0)
	list, err := c.MarketIndices(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)

	nifty := list[0]
	assert.Equal(t, "nifty50", nifty.Key)
	assert.Equal(t, "22500.5", nifty.Value.String())
	assert.Equal(t, "100", nifty.Change.String())
	assert.Equal(t, "0.45", nifty.PercentChange.String())
	require.Len(t, nifty.Chart, 3)
	assert.Equal(t, "22410.12", nifty.Chart[0].String())

	assert.Equal(t, "sensex", list[1].Key)
	assert.True(t, list[1].Value.IsZero())
}

func TestRequestsArePaced(t *testing.T) {
	c, _ := newTestClient(t, 30*time.Millisecond)
	ctx := context.Background()
	start := time.Now()
	for range 3 {
		_, err := c.Quote(ctx, "INFY")
		require.NoError(t, err)
	}
	// prime + three quotes, the first token is free
	assert.GreaterOrEqual(t, time.Since(start), 85*time.Millisecond)
}

func TestUnavailableExchange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	_, err := NewClient(srv.URL, srv.URL, time.Second, 0).Constituents(context.Background(), IndexNifty)
	assert.Equal(t, domain.ErrorUpstreamUnavailable, domain.KindOf(err))
}
