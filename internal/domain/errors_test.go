package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")
	assert.Equal(t, ErrorUpstreamUnavailable, KindOf(base))
	assert.Equal(t, ErrorRateLimited, KindOf(NewFetchError(ErrorRateLimited, base)))

	wrapped := fmt.Errorf("fetch holdings: %w", NewFetchError(ErrorAuthExpired, base))
	assert.True(t, IsAuthExpired(wrapped))
	assert.False(t, IsAuthExpired(nil))
	assert.True(t, IsTimeout(fmt.Errorf("x: %w", context.DeadlineExceeded)))
}

func TestRetriable(t *testing.T) {
	assert.True(t, ErrorAuthExpired.Retriable())
	assert.True(t, ErrorRateLimited.Retriable())
	assert.True(t, ErrorUpstreamUnavailable.Retriable())
	assert.False(t, ErrorMalformedResponse.Retriable())
}

func TestWithAccountCopies(t *testing.T) {
	orig := NewFetchError(ErrorMalformedResponse, errors.New("bad json"))
	tagged := WithAccount(orig, "acct-b")

	var fe *FetchError
	require.ErrorAs(t, tagged, &fe)
	assert.Equal(t, "acct-b", fe.Account)
	assert.Empty(t, orig.Account)

	desc := DescribeError(tagged, time.Unix(100, 0))
	assert.Equal(t, ErrorMalformedResponse, desc.Kind)
	assert.False(t, desc.Retriable)
	assert.Equal(t, "acct-b", desc.Account)
	assert.Nil(t, DescribeError(nil, time.Now()))
}

func TestParseSource(t *testing.T) {
	for _, s := range AllSources() {
		got, err := ParseSource(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseSource("gold")
	assert.Error(t, err)
	assert.True(t, SourceHoldings.PerAccount())
	assert.False(t, SourceIndexQuotes.PerAccount())
}

func TestSnapshotJSONShape(t *testing.T) {
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	var snap Snapshot
	for i := range snap.Sources {
		snap.Sources[i].State = StateNotLoaded
	}
	snap.Sources[SourceHoldings] = SourceStatus{
		ScopeStatus: ScopeStatus{State: StateUpdated, LastUpdatedAt: &at},
		Accounts:    map[string]ScopeStatus{"a": {State: StateUpdated, LastUpdatedAt: &at}},
	}
	snap.Sources[SourceIndexQuotes].State = StateError
	snap.Sources[SourceIndexQuotes].LastError = DescribeError(NewFetchError(ErrorRateLimited, errors.New("429")), at)
	snap.SessionValidity = map[string]bool{"a": true, "b": false}
	snap.MarketOpen = true

	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))

	assert.Equal(t, "updated", out["holdings_state"])
	assert.Equal(t, "2026-03-02T10:00:00Z", out["holdings_last_updated"])
	assert.Nil(t, out["sips_last_updated"])
	assert.Equal(t, "error", out["index_quotes_state"])
	assert.Equal(t, map[string]any{"a": true, "b": false}, out["session_validity"])
	assert.Equal(t, false, out["waiting_for_login"])
	assert.Equal(t, true, out["market_open"])
	assert.Contains(t, out["last_error"], "429")
	assert.Contains(t, out, "holdings_accounts")
}

func TestSessionRecordIsValid(t *testing.T) {
	now := time.Now()
	rec := SessionRecord{AccountID: "a", AccessToken: "tok", ExpiresAt: now.Add(time.Hour)}
	assert.True(t, rec.IsValid(now))
	assert.False(t, rec.IsValid(now.Add(2*time.Hour)))
	rec.Rejected = true
	assert.False(t, rec.IsValid(now))
}
