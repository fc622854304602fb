package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"folio/internal/domain"
	"folio/internal/service/cache"
	"folio/internal/service/fetcher"
	"folio/internal/service/orchestrator"
	"folio/internal/service/state"
)

func kolkataHours(t *testing.T) MarketHours {
	t.Helper()
	h, err := NewMarketHours("Asia/Kolkata", "09:00", "16:30")
	require.NoError(t, err)
	return h
}

func ist(t *testing.T, value string) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	ts, err := time.ParseInLocation("2006-01-02 15:04", value, loc)
	require.NoError(t, err)
	return ts
}

func TestMarketHours(t *testing.T) {
	h := kolkataHours(t)
	cases := []struct {
		at   string
		open bool
	}{
		{"2025-01-06 08:59", false}, // Monday
		{"2025-01-06 09:00", true},
		{"2025-01-06 12:00", true},
		{"2025-01-06 16:30", true},
		{"2025-01-06 16:31", false},
		{"2025-01-10 10:00", true},  // Friday
		{"2025-01-11 10:00", false}, // Saturday
		{"2025-01-12 10:00", false}, // Sunday
	}
	for _, tc := range cases {
		t.Run(tc.at, func(t *testing.T) {
			assert.Equal(t, tc.open, h.IsOpen(ist(t, tc.at)))
		})
	}

	// 04:00 UTC on a Monday is 09:30 in Kolkata.
	assert.True(t, h.IsOpen(time.Date(2025, 1, 6, 4, 0, 0, 0, time.UTC)))
	assert.False(t, MarketHours{}.IsOpen(ist(t, "2025-01-06 12:00")))
}

func TestNewMarketHoursRejectsBadInput(t *testing.T) {
	_, err := NewMarketHours("Mars/Olympus", "09:00", "16:30")
	assert.Error(t, err)
	_, err = NewMarketHours("Asia/Kolkata", "9am", "16:30")
	assert.Error(t, err)
	_, err = NewMarketHours("Asia/Kolkata", "16:30", "09:00")
	assert.Error(t, err)
}

type countingFetcher struct {
	src   domain.Source
	calls atomic.Int32
}

func (f *countingFetcher) Source() domain.Source { return f.src }

func (f *countingFetcher) Fetch(context.Context, fetcher.Request) (fetcher.Result, error) {
	f.calls.Add(1)
	return fetcher.Result{}, nil
}

type noSessions struct{}

func (noSessions) Account(name string) (domain.Account, bool) {
	return domain.Account{Name: name}, true
}
func (noSessions) AccessToken(context.Context, string, bool) (string, error) {
	return "token", nil
}
func (noSessions) Invalidate(context.Context, string, error) {}

func newScheduler(t *testing.T, outside bool, at time.Time) (*Scheduler, *countingFetcher, *state.Manager) {
	t.Helper()
	f := &countingFetcher{src: domain.SourceIndexQuotes}
	st := state.New(nil)
	orch := orchestrator.New(orchestrator.Config{AccountConcurrency: 1}, []fetcher.Fetcher{f}, st, noSessions{}, cache.New())
	t.Cleanup(orch.Close)
	s := New(Config{Interval: time.Minute, OutsideMarketHours: outside, Hours: kolkataHours(t)}, orch, st,
		WithClock(func() time.Time { return at }))
	return s, f, st
}

func TestTickSkipsWhenMarketClosed(t *testing.T) {
	s, f, _ := newScheduler(t, false, ist(t, "2025-01-11 11:00"))

	for range 3 {
		result, err := s.Tick(context.Background())
		require.NoError(t, err)
		assert.Equal(t, ResultMarketClosed, result)
	}
	assert.Zero(t, f.calls.Load())
}

func TestTickRunsOutsideMarketHoursWhenEnabled(t *testing.T) {
	for _, at := range []string{"2025-01-11 11:00", "2025-01-06 23:00", "2025-01-06 10:00"} {
		s, f, _ := newScheduler(t, true, ist(t, at))
		result, err := s.Tick(context.Background())
		require.NoError(t, err)
		assert.Equal(t, ResultRan, result, at)
		assert.EqualValues(t, 1, f.calls.Load(), at)
	}
}

func TestTickRunsDuringMarketHours(t *testing.T) {
	s, f, st := newScheduler(t, false, ist(t, "2025-01-06 10:00"))
	result, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResultRan, result)
	assert.EqualValues(t, 1, f.calls.Load())
	assert.Equal(t, domain.StateUpdated, st.Snapshot().Source(domain.SourceIndexQuotes).State)
}

func TestTickSkipsWhenEverythingIsRunning(t *testing.T) {
	s, f, st := newScheduler(t, true, ist(t, "2025-01-06 10:00"))
	require.NoError(t, st.Begin(domain.SourceIndexQuotes, domain.GlobalScope))

	result, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResultAllRunning, result)
	assert.Zero(t, f.calls.Load())
}

func TestRunStopsOnCancel(t *testing.T) {
	f := &countingFetcher{src: domain.SourceIndexQuotes}
	st := state.New(nil)
	orch := orchestrator.New(orchestrator.Config{AccountConcurrency: 1}, []fetcher.Fetcher{f}, st, noSessions{}, cache.New())
	defer orch.Close()
	s := New(Config{Interval: 10 * time.Millisecond, OutsideMarketHours: true, Hours: kolkataHours(t)}, orch, st)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return f.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
