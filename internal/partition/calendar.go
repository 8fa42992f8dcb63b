package partition

import (
	"time"
)

// Calendar maps event timestamps to venue trading dates.
//
// A venue's trading day for date D begins at local midnight plus Rollover.
// A negative Rollover means the session opens the previous evening: with
// Rollover = -3h, timestamps from 21:00 local onward belong to the next
// calendar date's trading day (the futures night-session convention).
// Rollover zero is the plain calendar-date convention used by 24/7 venues.
//
// The mapping is deterministic: every timestamp resolves to exactly one
// trading date, including timestamps at the session boundary itself.
type Calendar struct {
	Venue    string
	Loc      *time.Location
	Rollover time.Duration
}

// UTCCalendar is the default calendar: UTC midnight boundaries.
var UTCCalendar = Calendar{Venue: "", Loc: time.UTC}

// TradingDate returns the trading date in effect at ts.
func (c Calendar) TradingDate(ts time.Time) Date {
	loc := c.Loc
	if loc == nil {
		loc = time.UTC
	}
	// Shifting by -Rollover moves the session start to local midnight,
	// after which the calendar date is the trading date.
	return DateOf(ts.In(loc).Add(-c.Rollover))
}

// TradingDates returns the ordered set of trading dates covering the
// half-open interval [start, end). TradingDate is monotonic in ts, so the
// covering set is the consecutive run between the endpoints.
func (c Calendar) TradingDates(start, end time.Time) []Date {
	if !start.Before(end) {
		return nil
	}
	first := c.TradingDate(start)
	// end is exclusive; back off one nanosecond so an end exactly on a
	// session boundary does not pull in an extra empty date.
	last := c.TradingDate(end.Add(-time.Nanosecond))

	var dates []Date
	for d := first; d <= last; d = d.Next() {
		dates = append(dates, d)
	}
	return dates
}

// CalendarSet resolves calendars per venue, falling back to UTC.
type CalendarSet struct {
	byVenue map[string]Calendar
}

// NewCalendarSet builds a set from per-venue calendars.
func NewCalendarSet(cals ...Calendar) *CalendarSet {
	m := make(map[string]Calendar, len(cals))
	for _, c := range cals {
		m[c.Venue] = c
	}
	return &CalendarSet{byVenue: m}
}

// For returns the calendar for a venue, or the UTC default.
func (s *CalendarSet) For(venue string) Calendar {
	if s != nil {
		if c, ok := s.byVenue[venue]; ok {
			return c
		}
	}
	return UTCCalendar
}
