package scheduler

import (
	"fmt"
	"time"
	_ "time/tzdata"

	"folio/internal/config"
)

// MarketHours is a fixed weekday trading window in one time zone.
type MarketHours struct {
	loc   *time.Location
	open  time.Duration
	close time.Duration
}

func NewMarketHours(timezone, open, close string) (MarketHours, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return MarketHours{}, fmt.Errorf("market timezone %q: %w", timezone, err)
	}
	o, err := config.ParseClock(open)
	if err != nil {
		return MarketHours{}, fmt.Errorf("market open %q: %w", open, err)
	}
	c, err := config.ParseClock(close)
	if err != nil {
		return MarketHours{}, fmt.Errorf("market close %q: %w", close, err)
	}
	if c <= o {
		return MarketHours{}, fmt.Errorf("market close %s is not after open %s", close, open)
	}
	return MarketHours{loc: loc, open: o, close: c}, nil
}

func (m MarketHours) Location() *time.Location { return m.loc }

// IsOpen reports whether t falls on a weekday between open and close,
// inclusive, in the market's time zone.
func (m MarketHours) IsOpen(t time.Time) bool {
	if m.loc == nil {
		return false
	}
	local := t.In(m.loc)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	y, mo, d := local.Date()
	midnight := time.Date(y, mo, d, 0, 0, 0, 0, m.loc)
	offset := local.Sub(midnight)
	return offset >= m.open && offset <= m.close
}
