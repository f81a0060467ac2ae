package state

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tues": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// mon..sun ordering for normalized output.
var weekOrder = []time.Weekday{
	time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday, time.Sunday,
}

// ParseClock parses a strict 24h "HH:MM" string.
func ParseClock(s string) (hour, minute int, err error) {
	if len(s) != 5 || s[2] != ':' {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	hour, errH := strconv.Atoi(s[:2])
	minute, errM := strconv.Atoi(s[3:])
	if errH != nil || errM != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	return hour, minute, nil
}

// NormalizeDays validates weekday names and returns them as three-letter
// lowercase names ordered Monday first, without duplicates. An empty list
// means every day.
func NormalizeDays(days []string) ([]string, error) {
	set := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		wd, ok := weekdays[strings.ToLower(strings.TrimSpace(d))]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidDay, d)
		}
		set[wd] = true
	}
	out := make([]string, 0, len(set))
	for _, wd := range weekOrder {
		if set[wd] {
			out = append(out, strings.ToLower(wd.String()[:3]))
		}
	}
	return out, nil
}

// NextOccurrence computes when t fires next after now, in now's location.
// Returns false for disabled or malformed timers.
func NextOccurrence(t Timer, now time.Time) (time.Time, bool) {
	if !t.Enabled {
		return time.Time{}, false
	}
	hour, minute, err := ParseClock(t.Time)
	if err != nil {
		return time.Time{}, false
	}

	allowed := make(map[time.Weekday]bool, len(t.Days))
	for _, d := range t.Days {
		if wd, ok := weekdays[strings.ToLower(d)]; ok {
			allowed[wd] = true
		}
	}

	y, m, d := now.Date()
	for i := 0; i < 8; i++ {
		at := time.Date(y, m, d+i, hour, minute, 0, 0, now.Location())
		if !at.After(now) {
			continue
		}
		if len(allowed) == 0 || allowed[at.Weekday()] {
			return at, true
		}
	}
	return time.Time{}, false
}

// nextTimer picks the earliest upcoming fire time across timers, preferring
// the server-reported next_run.
func nextTimer(timers []Timer, now time.Time) *time.Time {
	var runs []time.Time
	for _, t := range timers {
		if t.NextRun != nil {
			if t.Enabled && t.NextRun.After(now) {
				runs = append(runs, *t.NextRun)
			}
			continue
		}
		if at, ok := NextOccurrence(t, now); ok {
			runs = append(runs, at)
		}
	}
	if len(runs) == 0 {
		return nil
	}
	first := slices.MinFunc(runs, func(a, b time.Time) int { return a.Compare(b) })
	return &first
}
