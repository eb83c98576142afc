package ledger

import "time"

// Period is a half-open time window [Start, End) used to bound annual-usage
// accounting. The zero Period means "unbounded".
type Period struct {
	Start time.Time
	End   time.Time
}

// CalendarYear returns the period covering the given calendar year in UTC.
func CalendarYear(year int) Period {
	return Period{
		Start: time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(year+1, time.January, 1, 0, 0, 0, 0, time.UTC),
	}
}

// CurrentYear returns the calendar-year period containing now.
func CurrentYear(now time.Time) Period {
	return CalendarYear(now.UTC().Year())
}

// IsZero reports whether the period is unbounded.
func (p Period) IsZero() bool {
	return p.Start.IsZero() && p.End.IsZero()
}

// Contains reports whether t falls inside the window.
func (p Period) Contains(t time.Time) bool {
	if p.IsZero() {
		return true
	}
	return !t.Before(p.Start) && t.Before(p.End)
}

func (p Period) String() string {
	if p.IsZero() {
		return "[unbounded]"
	}
	return "[" + p.Start.Format("2006-01-02") + ", " + p.End.Format("2006-01-02") + ")"
}
