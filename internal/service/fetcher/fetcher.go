package fetcher

import (
	"context"

	"folio/internal/domain"
)

// Dataset names. One source may produce several datasets.
const (
	SetStocks        = "stocks"
	SetMFHoldings    = "mf_holdings"
	SetSIPs          = "sips"
	SetPhysicalGold  = "physical_gold"
	SetFixedDeposits = "fixed_deposits"
	SetNifty50       = "nifty50"
	SetGoldRates     = "gold_rates"
)

// Request carries the scope of one fetch. Account and AccessToken are empty
// for global sources. Force asks scheduled sub-reads to run now.
type Request struct {
	Account     domain.Account
	AccessToken string
	Force       bool
}

type Result struct {
	Sets map[string][]domain.Row
}

func (r Result) Len() int {
	n := 0
	for _, rows := range r.Sets {
		n += len(rows)
	}
	return n
}

// Fetcher produces one source's data for one scope. It never touches shared
// state; the orchestrator turns its outcome into a state transition.
type Fetcher interface {
	Source() domain.Source
	Fetch(ctx context.Context, req Request) (Result, error)
}

// Brokerage is the read side of the brokerage data API.
type Brokerage interface {
	Holdings(ctx context.Context, acct domain.Account, accessToken string) ([]domain.Row, error)
	MFHoldings(ctx context.Context, acct domain.Account, accessToken string) ([]domain.Row, error)
	SIPs(ctx context.Context, acct domain.Account, accessToken string) ([]domain.Row, error)
}

type Holdings struct {
	api Brokerage
}

func NewHoldings(api Brokerage) *Holdings { return &Holdings{api: api} }

func (h *Holdings) Source() domain.Source { return domain.SourceHoldings }

func (h *Holdings) Fetch(ctx context.Context, req Request) (Result, error) {
	stocks, err := h.api.Holdings(ctx, req.Account, req.AccessToken)
	if err != nil {
		return Result{}, err
	}
	funds, err := h.api.MFHoldings(ctx, req.Account, req.AccessToken)
	if err != nil {
		return Result{}, err
	}
	return Result{Sets: map[string][]domain.Row{SetStocks: stocks, SetMFHoldings: funds}}, nil
}

type SIPs struct {
	api Brokerage
}

func NewSIPs(api Brokerage) *SIPs { return &SIPs{api: api} }

func (s *SIPs) Source() domain.Source { return domain.SourceSIPs }

func (s *SIPs) Fetch(ctx context.Context, req Request) (Result, error) {
	rows, err := s.api.SIPs(ctx, req.Account, req.AccessToken)
	if err != nil {
		return Result{}, err
	}
	return Result{Sets: map[string][]domain.Row{SetSIPs: rows}}, nil
}
