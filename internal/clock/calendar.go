package clock

import (
	"fmt"
	"time"
	_ "time/tzdata"

	"tradecore/internal/errors"
	"tradecore/internal/schema"
)

const dateLayout = "2006-01-02"

// CalendarConfig describes one exchange session. Times are wall clock in Timezone.
type CalendarConfig struct {
	Timezone      string   `json:"timezone" mapstructure:"timezone"`
	Open          string   `json:"open" mapstructure:"open"`
	Close         string   `json:"close" mapstructure:"close"`
	PreMarket     string   `json:"preMarket" mapstructure:"pre_market"`
	PostMarket    string   `json:"postMarket" mapstructure:"post_market"`
	ExtendedHours bool     `json:"extendedHours" mapstructure:"extended_hours"`
	Holidays      []string `json:"holidays" mapstructure:"holidays"`
}

func DefaultCalendarConfig() CalendarConfig {
	return CalendarConfig{
		Timezone:   "America/New_York",
		Open:       "09:30",
		Close:      "16:00",
		PreMarket:  "04:00",
		PostMarket: "20:00",
	}
}

// Calendar answers session questions for a single exchange.
type Calendar struct {
	loc       *time.Location
	open      time.Duration
	close     time.Duration
	preOpen   time.Duration
	postClose time.Duration
	extended  bool
	holidays  map[string]struct{}
}

func NewCalendar(cfg CalendarConfig) (*Calendar, error) {
	def := DefaultCalendarConfig()
	if cfg.Timezone == "" {
		cfg.Timezone = def.Timezone
	}
	if cfg.Open == "" {
		cfg.Open = def.Open
	}
	if cfg.Close == "" {
		cfg.Close = def.Close
	}
	if cfg.PreMarket == "" {
		cfg.PreMarket = def.PreMarket
	}
	if cfg.PostMarket == "" {
		cfg.PostMarket = def.PostMarket
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, errors.Wrap(err, "load timezone "+cfg.Timezone)
	}
	c := &Calendar{loc: loc, extended: cfg.ExtendedHours, holidays: make(map[string]struct{}, len(cfg.Holidays))}
	for _, f := range []struct {
		dst *time.Duration
		src string
	}{
		{&c.open, cfg.Open},
		{&c.close, cfg.Close},
		{&c.preOpen, cfg.PreMarket},
		{&c.postClose, cfg.PostMarket},
	} {
		if *f.dst, err = parseClock(f.src); err != nil {
			return nil, err
		}
	}
	if c.open >= c.close || c.preOpen > c.open || c.postClose < c.close {
		return nil, fmt.Errorf("invalid session %s-%s (extended %s-%s)", cfg.Open, cfg.Close, cfg.PreMarket, cfg.PostMarket)
	}
	for _, h := range cfg.Holidays {
		if _, err := time.Parse(dateLayout, h); err != nil {
			return nil, errors.Wrap(err, "parse holiday "+h)
		}
		c.holidays[h] = struct{}{}
	}
	return c, nil
}

// MustCalendar is NewCalendar for static configuration.
func MustCalendar(cfg CalendarConfig) *Calendar {
	c, err := NewCalendar(cfg)
	if err != nil {
		panic(err)
	}
	return c
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, errors.Wrap(err, "parse session time "+s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func (c *Calendar) Location() *time.Location {
	return c.loc
}

func (c *Calendar) midnight(t time.Time) time.Time {
	l := t.In(c.loc)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, c.loc)
}

func (c *Calendar) at(t time.Time, offset time.Duration) time.Time {
	m := c.midnight(t)
	return time.Date(m.Year(), m.Month(), m.Day(), int(offset/time.Hour), int(offset%time.Hour/time.Minute), 0, 0, c.loc)
}

// SessionDate returns the exchange-local date of t.
func (c *Calendar) SessionDate(t time.Time) string {
	return t.In(c.loc).Format(dateLayout)
}

// IsTradingDay reports whether the exchange opens on t's local date.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	switch t.In(c.loc).Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	_, holiday := c.holidays[c.SessionDate(t)]
	return !holiday
}

// SessionOpen returns the regular open on t's local date.
func (c *Calendar) SessionOpen(t time.Time) time.Time {
	return c.at(t, c.open)
}

// SessionClose returns the regular close on t's local date.
func (c *Calendar) SessionClose(t time.Time) time.Time {
	return c.at(t, c.close)
}

// InRegularSession reports whether t falls in [open, close) of a trading day.
func (c *Calendar) InRegularSession(t time.Time) bool {
	return c.IsTradingDay(t) && !t.Before(c.SessionOpen(t)) && t.Before(c.SessionClose(t))
}

// IsTradingWindow reports whether orders may be placed at t. Extended hours count only when enabled.
func (c *Calendar) IsTradingWindow(t time.Time) bool {
	if c.InRegularSession(t) {
		return true
	}
	if !c.extended || !c.IsTradingDay(t) {
		return false
	}
	return !t.Before(c.at(t, c.preOpen)) && t.Before(c.at(t, c.postClose))
}

// NextSessionClose returns the first regular close at or after t.
func (c *Calendar) NextSessionClose(t time.Time) time.Time {
	day := t
	for range 14 {
		if c.IsTradingDay(day) {
			if closeAt := c.SessionClose(day); !closeAt.Before(t) {
				return closeAt
			}
		}
		day = c.midnight(day).AddDate(0, 0, 1)
	}
	return c.SessionClose(t)
}

// ExpireAt gives Day orders the close of the session they were submitted in. Other time-in-force values do not lapse.
func (c *Calendar) ExpireAt(req schema.OrderRequest, submittedAt time.Time) time.Time {
	if req.TimeInForce != schema.TimeInForceDay {
		return time.Time{}
	}
	return c.NextSessionClose(submittedAt)
}
