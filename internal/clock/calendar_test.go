package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/schema"
)

func utc(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestTradingWindow(t *testing.T) {
	regular := MustCalendar(DefaultCalendarConfig())
	extCfg := DefaultCalendarConfig()
	extCfg.ExtendedHours = true
	extCfg.Holidays = []string{"2024-07-04"}
	extended := MustCalendar(extCfg)

	testCases := []struct {
		desc     string
		at       string
		regular  bool
		extended bool
	}{
		{desc: "open bell est", at: "2024-03-04T14:30:00Z", regular: true, extended: true},
		{desc: "before open", at: "2024-03-04T14:29:00Z", regular: false, extended: true},
		{desc: "close bell is outside", at: "2024-03-04T21:00:00Z", regular: false, extended: true},
		{desc: "open bell edt", at: "2024-03-11T13:30:00Z", regular: true, extended: true},
		{desc: "after post market", at: "2024-03-05T01:00:00Z", regular: false, extended: false},
		{desc: "saturday", at: "2024-03-09T15:00:00Z", regular: false, extended: false},
		{desc: "holiday", at: "2024-07-04T15:00:00Z", regular: true, extended: false},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			at := utc(tc.at)
			if got := regular.IsTradingWindow(at); got != tc.regular {
				t.Fatalf("mismatch! regular should be %t but got %t", tc.regular, got)
			}
			if got := extended.IsTradingWindow(at); got != tc.extended {
				t.Fatalf("mismatch! extended should be %t but got %t", tc.extended, got)
			}
		})
	}
}

func TestNewCalendarValidates(t *testing.T) {
	_, err := NewCalendar(CalendarConfig{Timezone: "Mars/Olympus"})
	require.Error(t, err)

	_, err = NewCalendar(CalendarConfig{Open: "16:00", Close: "09:30"})
	require.Error(t, err)

	_, err = NewCalendar(CalendarConfig{Holidays: []string{"July 4"}})
	require.Error(t, err)
}

func TestExpireAt(t *testing.T) {
	cal := MustCalendar(DefaultCalendarConfig())
	day := schema.OrderRequest{TimeInForce: schema.TimeInForceDay}
	gtc := schema.OrderRequest{TimeInForce: schema.TimeInForceGTC}

	assert.True(t, cal.ExpireAt(day, utc("2024-03-04T15:00:00Z")).Equal(utc("2024-03-04T21:00:00Z")))
	assert.True(t, cal.ExpireAt(day, utc("2024-03-04T22:00:00Z")).Equal(utc("2024-03-05T21:00:00Z")), "after close rolls to the next session")
	assert.True(t, cal.ExpireAt(day, utc("2024-03-08T22:00:00Z")).Equal(utc("2024-03-11T20:00:00Z")), "friday evening rolls past the weekend")
	assert.True(t, cal.ExpireAt(gtc, utc("2024-03-04T15:00:00Z")).IsZero())
}

func TestBoundaryTracker(t *testing.T) {
	b := NewBoundaryTracker(MustCalendar(DefaultCalendarConfig()))

	kinds := func(evs []SessionEvent) []BoundaryKind {
		out := make([]BoundaryKind, 0, len(evs))
		for _, ev := range evs {
			out = append(out, ev.Kind)
		}
		return out
	}

	assert.Equal(t, []BoundaryKind{BoundaryWeek, BoundaryDay}, kinds(b.Advance(utc("2024-03-04T14:30:00Z"))))
	assert.Equal(t, "2024-03-04", b.Day())
	assert.Empty(t, b.Advance(utc("2024-03-04T20:59:00Z")))
	assert.Empty(t, b.Advance(utc("2024-03-05T01:00:00Z")), "still monday in new york")
	assert.Equal(t, []BoundaryKind{BoundaryDay}, kinds(b.Advance(utc("2024-03-05T14:30:00Z"))))
	assert.Empty(t, b.Advance(utc("2024-03-04T15:00:00Z")), "time going backwards")
	assert.Equal(t, []BoundaryKind{BoundaryWeek, BoundaryDay}, kinds(b.Advance(utc("2024-03-11T13:30:00Z"))))
}

func TestBoundaryTrackerResume(t *testing.T) {
	b := NewBoundaryTracker(MustCalendar(DefaultCalendarConfig()))
	b.Resume(utc("2024-03-05T15:00:00Z"))
	assert.Equal(t, "2024-03-05", b.Day())
	assert.Empty(t, b.Advance(utc("2024-03-05T15:01:00Z")), "same session after restart")
	assert.Len(t, b.Advance(utc("2024-03-06T14:30:00Z")), 1)
}

func TestManualClock(t *testing.T) {
	start := utc("2024-03-04T14:30:00Z")
	c := NewManual(start)
	c.Set(start.Add(-time.Hour))
	assert.Equal(t, start, c.Now())
	c.Advance(time.Minute)
	assert.Equal(t, start.Add(time.Minute), c.Now())
	var _ Clock = System{}
}
