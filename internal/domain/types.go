package domain

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Source is one logical category of portfolio data.
type Source int

const (
	SourceHoldings Source = iota
	SourceSIPs
	SourcePhysicalAssets
	SourceFixedDeposits
	SourceIndexQuotes

	NumSources
)

var sourceNames = [NumSources]string{
	SourceHoldings:       "holdings",
	SourceSIPs:           "sips",
	SourcePhysicalAssets: "physical_assets",
	SourceFixedDeposits:  "fixed_deposits",
	SourceIndexQuotes:    "index_quotes",
}

// AllSources returns every source in refresh order.
func AllSources() []Source {
	out := make([]Source, 0, NumSources)
	for s := Source(0); s < NumSources; s++ {
		out = append(out, s)
	}
	return out
}

func ParseSource(name string) (Source, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range sourceNames {
		if n == name {
			return Source(i), nil
		}
	}
	return 0, fmt.Errorf("unknown source %q", name)
}

func (s Source) Valid() bool { return s >= 0 && s < NumSources }

func (s Source) String() string {
	if !s.Valid() {
		return fmt.Sprintf("source(%d)", int(s))
	}
	return sourceNames[s]
}

// PerAccount reports whether the source is fetched once per brokerage account.
func (s Source) PerAccount() bool {
	return s == SourceHoldings || s == SourceSIPs
}

func (s Source) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid source %d", int(s))
	}
	return []byte(sourceNames[s]), nil
}

func (s *Source) UnmarshalText(b []byte) error {
	v, err := ParseSource(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

type State string

const (
	StateNotLoaded State = "not_loaded"
	StateUpdating  State = "updating"
	StateUpdated   State = "updated"
	StateError     State = "error"
)

// Scope is the unit a fetcher operates on: an account id, or GlobalScope.
type Scope string

const GlobalScope Scope = ""

func AccountScope(accountID string) Scope { return Scope(accountID) }

func (s Scope) IsGlobal() bool { return s == GlobalScope }

func (s Scope) String() string {
	if s.IsGlobal() {
		return "global"
	}
	return string(s)
}

// Account holds the brokerage credentials of one configured account.
type Account struct {
	Name      string
	APIKey    string
	APISecret string
}

type SessionRecord struct {
	AccountID   string    `json:"account_id"`
	AccessToken string    `json:"access_token"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Rejected    bool      `json:"rejected,omitempty"`
}

// IsValid is true iff the token has not expired and the provider has not
// rejected it since it was last used.
func (r SessionRecord) IsValid(now time.Time) bool {
	return r.AccessToken != "" && !r.Rejected && now.Before(r.ExpiresAt)
}

type ScopeStatus struct {
	State         State        `json:"state"`
	LastUpdatedAt *time.Time   `json:"last_updated_at"`
	LastError     *SourceError `json:"last_error"`
}

type SourceStatus struct {
	ScopeStatus
	Accounts map[string]ScopeStatus `json:"accounts,omitempty"`
}

// Snapshot is a point-in-time copy of every source and session flag. It
// never shares memory with the state manager that produced it.
type Snapshot struct {
	Sources         [NumSources]SourceStatus
	SessionValidity map[string]bool
	WaitingForLogin bool
	MarketOpen      bool
	GeneratedAt     time.Time
}

func (s Snapshot) Source(src Source) SourceStatus {
	if !src.Valid() {
		return SourceStatus{ScopeStatus: ScopeStatus{State: StateNotLoaded}}
	}
	return s.Sources[src]
}

// LastError is the most recent error message across all sources, if any.
func (s Snapshot) LastError() string {
	var (
		msg    string
		latest time.Time
	)
	for _, st := range s.Sources {
		if st.LastError == nil {
			continue
		}
		if msg == "" || st.LastError.At.After(latest) {
			msg = st.LastError.Message
			latest = st.LastError.At
		}
	}
	return msg
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"session_validity":  s.SessionValidity,
		"waiting_for_login": s.WaitingForLogin,
		"market_open":       s.MarketOpen,
		"generated_at":      s.GeneratedAt.UTC().Format(time.RFC3339),
	}
	if out["session_validity"] == nil {
		out["session_validity"] = map[string]bool{}
	}
	if msg := s.LastError(); msg != "" {
		out["last_error"] = msg
	} else {
		out["last_error"] = nil
	}
	for src, st := range s.Sources {
		name := Source(src).String()
		out[name+"_state"] = st.State
		if st.LastUpdatedAt != nil {
			out[name+"_last_updated"] = st.LastUpdatedAt.UTC().Format(time.RFC3339)
		} else {
			out[name+"_last_updated"] = nil
		}
		out[name+"_error"] = st.LastError
		if len(st.Accounts) > 0 {
			out[name+"_accounts"] = st.Accounts
		}
	}
	return json.Marshal(out)
}

// Row is one opaque record returned by an upstream collaborator.
type Row map[string]any

func (r Row) Clone() Row { return maps.Clone(r) }

type Quote struct {
	Symbol        string          `json:"symbol"`
	Name          string          `json:"name"`
	LastPrice     decimal.Decimal `json:"last_price"`
	Change        decimal.Decimal `json:"change"`
	PercentChange decimal.Decimal `json:"percent_change"`
	Open          decimal.Decimal `json:"open"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	PreviousClose decimal.Decimal `json:"previous_close"`
}

func (q Quote) Row() Row {
	return Row{
		"symbol":         q.Symbol,
		"name":           q.Name,
		"last_price":     q.LastPrice,
		"change":         q.Change,
		"percent_change": q.PercentChange,
		"open":           q.Open,
		"high":           q.High,
		"low":            q.Low,
		"previous_close": q.PreviousClose,
	}
}

type MarketIndex struct {
	Key           string            `json:"key"`
	Name          string            `json:"name"`
	Value         decimal.Decimal   `json:"value"`
	Change        decimal.Decimal   `json:"change"`
	PercentChange decimal.Decimal   `json:"percent_change"`
	Chart         []decimal.Decimal `json:"chart"`
}

// CycleReport summarises one refresh cycle for outbound publication.
type CycleReport struct {
	ID         string          `json:"cycle_id"`
	Trigger    string          `json:"trigger"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Sources    []SourceOutcome `json:"sources"`
}

type SourceOutcome struct {
	Source    Source            `json:"source"`
	Skipped   bool              `json:"skipped,omitempty"`
	State     State             `json:"state,omitempty"`
	Succeeded []string          `json:"succeeded,omitempty"`
	Failed    map[string]string `json:"failed,omitempty"`
}
