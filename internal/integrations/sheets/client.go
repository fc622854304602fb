package sheets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"

	"folio/internal/domain"
)

// Client reads ranges from a spreadsheet with read-only scope.
type Client struct {
	svc *sheetsapi.Service
}

// New builds a client from explicit options; tests point it at a local
// endpoint with option.WithoutAuthentication.
func New(ctx context.Context, opts ...option.ClientOption) (*Client, error) {
	svc, err := sheetsapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return &Client{svc: svc}, nil
}

// NewFromCredentialsFile authenticates with a service-account key file.
func NewFromCredentialsFile(ctx context.Context, credentialsFile string) (*Client, error) {
	if credentialsFile == "" {
		return nil, errors.New("sheets credentials file is required")
	}
	return New(ctx,
		option.WithCredentialsFile(credentialsFile),
		option.WithScopes(sheetsapi.SpreadsheetsReadonlyScope),
	)
}

func (c *Client) ReadRange(ctx context.Context, spreadsheetID, rangeName string) ([][]any, error) {
	resp, err := c.svc.Spreadsheets.Values.Get(spreadsheetID, rangeName).Context(ctx).Do()
	if err != nil {
		return nil, classify(err, rangeName)
	}
	return resp.Values, nil
}

func classify(err error, rangeName string) error {
	wrapped := fmt.Errorf("read range %s: %w", rangeName, err)
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return domain.NewFetchError(domain.ErrorUpstreamUnavailable, wrapped)
	}
	switch {
	case gerr.Code == http.StatusTooManyRequests:
		return domain.NewFetchError(domain.ErrorRateLimited, wrapped)
	case gerr.Code >= 500:
		return domain.NewFetchError(domain.ErrorUpstreamUnavailable, wrapped)
	default:
		return domain.NewFetchError(domain.ErrorMalformedResponse, wrapped)
	}
}

// Rows maps raw cell values to records. With columns set, cells are named
// positionally; otherwise the first row is the header. A leading header row
// is skipped whenever the range starts at row 1. Blank rows are dropped and
// every record carries its 1-based sheet row as row_number.
func Rows(values [][]any, columns []string, rangeName string) []domain.Row {
	if len(values) == 0 {
		return []domain.Row{}
	}
	first := 0
	switch {
	case len(columns) == 0:
		columns = headerKeys(values[0])
		values, first = values[1:], 1
	case startsAtFirstRow(rangeName):
		values, first = values[1:], 1
	}
	offset := startRow(rangeName) + first

	out := make([]domain.Row, 0, len(values))
	for i, cells := range values {
		if blank(cells) {
			continue
		}
		row := make(domain.Row, len(columns)+1)
		for j, col := range columns {
			if col == "" {
				continue
			}
			if j < len(cells) {
				row[col] = cells[j]
			} else {
				row[col] = ""
			}
		}
		row["row_number"] = offset + i
		out = append(out, row)
	}
	return out
}

func headerKeys(header []any) []string {
	out := make([]string, len(header))
	for i, cell := range header {
		out[i] = snake(fmt.Sprint(cell))
	}
	return out
}

func snake(s string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.TrimSpace(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
			underscore = false
		case !underscore && b.Len() > 0:
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimRight(b.String(), "_")
}

func blank(cells []any) bool {
	for _, c := range cells {
		if strings.TrimSpace(fmt.Sprint(c)) != "" {
			return false
		}
	}
	return true
}

// startRow returns the first sheet row covered by an A1 range such as
// "Sheet1!A2:K". Ranges without a row number start at 1.
func startRow(rangeName string) int {
	cell := rangeName
	if i := strings.LastIndex(cell, "!"); i >= 0 {
		cell = cell[i+1:]
	}
	if i := strings.Index(cell, ":"); i >= 0 {
		cell = cell[:i]
	}
	n := 0
	for _, r := range cell {
		if unicode.IsDigit(r) {
			n = n*10 + int(r-'0')
		}
	}
	if n == 0 {
		return 1
	}
	return n
}

func startsAtFirstRow(rangeName string) bool { return startRow(rangeName) == 1 }
