// Package cron parses five-field cron expressions and fires triggers once
// per matching minute.
package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type fieldSpec struct {
	name  string
	min   int
	max   int
	names map[string]int
}

var fields = []fieldSpec{
	{name: "minute", min: 0, max: 59},
	{name: "hour", min: 0, max: 23},
	{name: "day", min: 1, max: 31},
	{name: "month", min: 1, max: 12, names: map[string]int{
		"JAN": 1, "FEB": 2, "MAR": 3, "APR": 4, "MAY": 5, "JUN": 6,
		"JUL": 7, "AUG": 8, "SEP": 9, "OCT": 10, "NOV": 11, "DEC": 12,
	}},
	{name: "weekday", min: 0, max: 6, names: map[string]int{
		"SUN": 0, "MON": 1, "TUE": 2, "WED": 3, "THU": 4, "FRI": 5, "SAT": 6,
	}},
}

// Schedule is a parsed cron expression.
type Schedule struct {
	Expr string

	sets [5]uint64
	// dayStar and weekdayStar record unrestricted day fields; when both
	// day fields are restricted a time matches if either does.
	dayStar     bool
	weekdayStar bool
}

// Parse parses a standard 5-field expression:
// minute hour day-of-month month day-of-week. Fields support *, lists,
// ranges, steps (*/N, N-M/S) and three-letter month and weekday names.
func Parse(expr string) (*Schedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return nil, fmt.Errorf("cron expression must have exactly 5 fields (minute hour day month weekday)")
	}
	s := &Schedule{Expr: expr}
	for i, part := range parts {
		set, err := parseField(part, fields[i])
		if err != nil {
			return nil, err
		}
		s.sets[i] = set
	}
	s.dayStar = strings.HasPrefix(parts[2], "*")
	s.weekdayStar = strings.HasPrefix(parts[4], "*")
	return s, nil
}

// Validate checks if a cron expression is a valid 5-field format.
func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

// Matches reports whether the expression fires at the minute containing t.
func Matches(expr string, t time.Time) bool {
	s, err := Parse(expr)
	if err != nil {
		return false
	}
	return s.Matches(t)
}

// Matches reports whether s fires at the minute containing t.
func (s *Schedule) Matches(t time.Time) bool {
	if !has(s.sets[0], t.Minute()) || !has(s.sets[1], t.Hour()) || !has(s.sets[3], int(t.Month())) {
		return false
	}
	dayOK := has(s.sets[2], t.Day())
	weekdayOK := has(s.sets[4], int(t.Weekday()))
	switch {
	case s.dayStar && s.weekdayStar:
		return true
	case s.dayStar:
		return weekdayOK
	case s.weekdayStar:
		return dayOK
	default:
		return dayOK || weekdayOK
	}
}

// Next returns the first matching minute strictly after t, searching at
// most a year ahead. ok is false when nothing matches in that window.
func (s *Schedule) Next(t time.Time) (next time.Time, ok bool) {
	cur := t.Truncate(time.Minute).Add(time.Minute)
	limit := cur.AddDate(1, 0, 1)
	for cur.Before(limit) {
		if s.Matches(cur) {
			return cur, true
		}
		cur = cur.Add(time.Minute)
	}
	return time.Time{}, false
}

func has(set uint64, v int) bool { return set&(1<<uint(v)) != 0 }

func parseField(field string, spec fieldSpec) (uint64, error) {
	var set uint64
	for _, part := range strings.Split(field, ",") {
		if part == "" {
			return 0, fmt.Errorf("invalid value in %s field: %s", spec.name, field)
		}
		rangePart, step := part, 1
		if i := strings.IndexByte(part, '/'); i >= 0 {
			n, err := strconv.Atoi(part[i+1:])
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("invalid step value in %s field: %s", spec.name, part)
			}
			rangePart, step = part[:i], n
		}

		low, high := spec.min, spec.max
		switch {
		case rangePart == "*":
		case strings.Contains(rangePart, "-"):
			bounds := strings.SplitN(rangePart, "-", 2)
			l, err1 := value(bounds[0], spec)
			h, err2 := value(bounds[1], spec)
			if err1 != nil || err2 != nil {
				return 0, fmt.Errorf("invalid range in %s field: %s", spec.name, part)
			}
			if l < spec.min || h > spec.max || l > h {
				return 0, fmt.Errorf("range out of bounds in %s field: %s (allowed %d-%d)", spec.name, part, spec.min, spec.max)
			}
			low, high = l, h
		default:
			n, err := value(rangePart, spec)
			if err != nil {
				return 0, fmt.Errorf("invalid value in %s field: %s", spec.name, part)
			}
			if n < spec.min || n > spec.max {
				return 0, fmt.Errorf("value out of range in %s field: %d (allowed %d-%d)", spec.name, n, spec.min, spec.max)
			}
			low = n
			if step == 1 {
				high = n
			}
		}
		for v := low; v <= high; v += step {
			set |= 1 << uint(v)
		}
	}
	return set, nil
}

func value(s string, spec fieldSpec) (int, error) {
	if n, ok := spec.names[strings.ToUpper(s)]; ok {
		return n, nil
	}
	return strconv.Atoi(s)
}
