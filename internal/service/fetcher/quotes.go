package fetcher

import (
	"context"

	"github.com/rs/zerolog"

	"folio/internal/domain"
	"folio/internal/integrations/nse"
)

// QuoteSource is the public market data collaborator.
type QuoteSource interface {
	Constituents(ctx context.Context, index string) ([]string, error)
	Quote(ctx context.Context, symbol string) (domain.Quote, error)
}

type IndexQuotes struct {
	api QuoteSource
	log zerolog.Logger
}

func NewIndexQuotes(api QuoteSource, logger zerolog.Logger) *IndexQuotes {
	return &IndexQuotes{api: api, log: logger.With().Str("component", "index_quotes").Logger()}
}

func (q *IndexQuotes) Source() domain.Source { return domain.SourceIndexQuotes }

// Fetch quotes every NIFTY 50 constituent. Individual symbol failures are
// skipped; the fetch fails only if no quote could be read.
func (q *IndexQuotes) Fetch(ctx context.Context, _ Request) (Result, error) {
	symbols, err := q.api.Constituents(ctx, nse.IndexNifty)
	if err != nil {
		q.log.Warn().Err(err).Int("fallback_symbols", len(nse.FallbackNifty50)).Msg("constituent list unavailable, using fallback")
		symbols = nse.FallbackNifty50
	}

	rows := make([]domain.Row, 0, len(symbols))
	var lastErr error
	for _, sym := range symbols {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		quote, err := q.api.Quote(ctx, sym)
		if err != nil {
			lastErr = err
			q.log.Debug().Err(err).Str("symbol", sym).Msg("quote failed")
			continue
		}
		rows = append(rows, quote.Row())
	}
	if len(rows) == 0 && lastErr != nil {
		return Result{}, lastErr
	}
	if skipped := len(symbols) - len(rows); skipped > 0 {
		q.log.Warn().Int("skipped", skipped).Int("quoted", len(rows)).Msg("some quotes could not be read")
	}
	return Result{Sets: map[string][]domain.Row{SetNifty50: rows}}, nil
}
