// Package schedule evaluates recurring business-hours calendars.
//
// A schedule is a set of open periods and exception periods. An instant is
// "open" when at least one open period matches it and no exception period
// does. Periods carry local wall-clock times in the schedule's timezone and
// optional weekday, day-of-month and month restrictions.
package schedule

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/callreportd/callreportd/internal/database/models"
)

// Schedule is an evaluatable business-hours calendar built from a stored
// schedule definition. Construct with New; the value is read-only afterwards
// and safe for concurrent use.
type Schedule struct {
	ID         int64
	Name       string
	loc        *time.Location
	open       []period
	exceptions []period
}

// period is one parsed recurring rule. A period whose start/end failed to
// parse has valid=false and never matches.
type period struct {
	valid        bool
	startMinutes int
	endMinutes   int
	weekdays     map[int]bool // empty means every weekday
	monthDays    map[int]bool
	months       map[int]bool
}

// New builds an evaluatable Schedule from a stored definition. An unknown
// timezone falls back to UTC rather than failing the whole schedule; a
// malformed period is kept but never matches (closed, not open).
func New(m *models.Schedule) *Schedule {
	loc, err := time.LoadLocation(m.Timezone)
	if err != nil {
		slog.Warn("unknown schedule timezone, using UTC",
			"schedule_id", m.ID, "timezone", m.Timezone)
		loc = time.UTC
	}

	s := &Schedule{ID: m.ID, Name: m.Name, loc: loc}
	for _, p := range m.Periods {
		parsed := parsePeriod(p)
		if p.Mode == models.PeriodException {
			s.exceptions = append(s.exceptions, parsed)
		} else {
			s.open = append(s.open, parsed)
		}
	}
	return s
}

// IsOpenAt reports whether the instant falls inside business hours: at least
// one open period matches and no exception period does. A schedule with no
// open periods is never open; the always-open default is the caller's policy,
// not this package's.
func (s *Schedule) IsOpenAt(t time.Time) bool {
	local := t.In(s.loc)

	for _, e := range s.exceptions {
		if e.matches(local) {
			return false
		}
	}
	for _, o := range s.open {
		if o.matches(local) {
			return true
		}
	}
	return false
}

// matches tests one period against a local time: the date-part restrictions
// first, then the [start,end) wall-clock interval, wrapping past midnight
// when end <= start.
func (p period) matches(local time.Time) bool {
	if !p.valid {
		return false
	}

	if len(p.months) > 0 && !p.months[int(local.Month())] {
		return false
	}
	if len(p.monthDays) > 0 && !p.monthDays[local.Day()] {
		return false
	}
	if len(p.weekdays) > 0 && !p.weekdays[isoWeekday(local)] {
		return false
	}

	now := local.Hour()*60 + local.Minute()
	if p.endMinutes <= p.startMinutes {
		// Overnight interval, e.g. 22:00-06:00.
		return now >= p.startMinutes || now < p.endMinutes
	}
	return now >= p.startMinutes && now < p.endMinutes
}

// isoWeekday maps time.Weekday to 1=Monday .. 7=Sunday.
func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

func parsePeriod(m models.SchedulePeriod) period {
	startH, startM, okStart := parseHHMM(m.HoursStart)
	endH, endM, okEnd := parseHHMM(m.HoursEnd)

	p := period{
		valid:        okStart && okEnd,
		startMinutes: startH*60 + startM,
		endMinutes:   endH*60 + endM,
		weekdays:     toSet(m.Weekdays, 1, 7),
		monthDays:    toSet(m.MonthDays, 1, 31),
		months:       toSet(m.Months, 1, 12),
	}
	return p
}

func toSet(values []int, min, max int) map[int]bool {
	set := make(map[int]bool, len(values))
	for _, v := range values {
		if v >= min && v <= max {
			set[v] = true
		}
	}
	return set
}

// parseHHMM parses a "HH:MM" time string into hours and minutes.
func parseHHMM(s string) (int, int, bool) {
	var h, m int
	n, err := fmt.Sscanf(s, "%d:%d", &h, &m)
	if err != nil || n != 2 {
		return 0, 0, false
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, false
	}
	return h, m, true
}
