package clock

import "time"

type BoundaryKind uint8

const (
	BoundaryUnknown BoundaryKind = iota
	BoundaryWeek
	BoundaryDay
)

func (k BoundaryKind) String() string {
	switch k {
	case BoundaryWeek:
		return "week"
	case BoundaryDay:
		return "day"
	default:
		return "unknown"
	}
}

// SessionEvent marks the first observation of a new trading day or week.
type SessionEvent struct {
	Kind BoundaryKind `json:"kind"`
	Date string       `json:"date"`
	Time time.Time    `json:"time"`
}

// BoundaryTracker turns a monotonic stream of timestamps into day and week boundaries in exchange time.
type BoundaryTracker struct {
	cal  *Calendar
	last time.Time
	day  string
	year int
	week int
}

func NewBoundaryTracker(cal *Calendar) *BoundaryTracker {
	return &BoundaryTracker{cal: cal}
}

// Advance reports the boundaries crossed since the previous call. The first call always opens a week and a day.
// Timestamps older than the last one seen produce nothing.
func (b *BoundaryTracker) Advance(t time.Time) []SessionEvent {
	if !b.last.IsZero() && t.Before(b.last) {
		return nil
	}
	b.last = t

	var out []SessionEvent
	date := b.cal.SessionDate(t)
	year, week := t.In(b.cal.Location()).ISOWeek()
	if year != b.year || week != b.week {
		b.year, b.week = year, week
		out = append(out, SessionEvent{Kind: BoundaryWeek, Date: date, Time: t})
	}
	if date != b.day {
		b.day = date
		out = append(out, SessionEvent{Kind: BoundaryDay, Date: date, Time: t})
	}
	return out
}

// Day returns the current session date, empty before the first Advance.
func (b *BoundaryTracker) Day() string {
	return b.day
}

// Resume positions the tracker at t without reporting boundaries, for a restart inside a session already seen.
func (b *BoundaryTracker) Resume(t time.Time) {
	if t.IsZero() {
		return
	}
	b.last = t
	b.day = b.cal.SessionDate(t)
	b.year, b.week = t.In(b.cal.Location()).ISOWeek()
}
