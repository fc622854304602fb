package fetcher

import (
	"context"

	"folio/internal/domain"
	"folio/internal/integrations/sheets"
)

// SheetReader is the read-only spreadsheet collaborator.
type SheetReader interface {
	ReadRange(ctx context.Context, spreadsheetID, rangeName string) ([][]any, error)
}

// SheetConfig locates one spreadsheet-backed dataset.
type SheetConfig struct {
	SpreadsheetID string
	RangeName     string
	Columns       []string
}

type Sheet struct {
	source domain.Source
	set    string
	reader SheetReader
	cfg    SheetConfig
	gold   *GoldRates
}

func NewPhysicalAssets(reader SheetReader, cfg SheetConfig) *Sheet {
	return &Sheet{source: domain.SourcePhysicalAssets, set: SetPhysicalGold, reader: reader, cfg: cfg}
}

func NewFixedDeposits(reader SheetReader, cfg SheetConfig) *Sheet {
	return &Sheet{source: domain.SourceFixedDeposits, set: SetFixedDeposits, reader: reader, cfg: cfg}
}

// WithGoldRates makes the sheet stamp each holding with the latest gold rate
// for its purity and publish the rates as their own dataset.
func (s *Sheet) WithGoldRates(g *GoldRates) *Sheet {
	s.gold = g
	return s
}

func (s *Sheet) Source() domain.Source { return s.source }

// Fetch reads the configured range. A sheet without a spreadsheet id yields
// an empty dataset rather than an error.
func (s *Sheet) Fetch(ctx context.Context, req Request) (Result, error) {
	rows := []domain.Row{}
	if s.cfg.SpreadsheetID != "" && s.reader != nil {
		values, err := s.reader.ReadRange(ctx, s.cfg.SpreadsheetID, s.cfg.RangeName)
		if err != nil {
			return Result{}, err
		}
		rows = sheets.Rows(values, s.cfg.Columns, s.cfg.RangeName)
	}
	if s.gold == nil {
		return Result{Sets: map[string][]domain.Row{s.set: rows}}, nil
	}
	rates := s.gold.Current(ctx, req.Force)
	return Result{Sets: map[string][]domain.Row{
		s.set:        withLatestRate(rows, rates),
		SetGoldRates: rateRows(rates),
	}}, nil
}
