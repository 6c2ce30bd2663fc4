// Package cron implements the 5-field cron evaluator used to schedule
// backup policy fires. Expressions are parsed into per-field integer sets;
// evaluation walks the minute cursor forward until a matching instant is
// found. The day-of-month / day-of-week fields follow the standard cron
// convention: if both are wildcards any day matches, if one is a wildcard
// the other decides, and if neither is a wildcard a day matches when either
// field matches.
package cron

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCron is wrapped into every parse or evaluation failure.
// Callers reject expressions at create/update time with errors.Is.
var ErrInvalidCron = errors.New("invalid cron expression")

// maxIterations bounds the forward walk of NextFireAfter: one minute per
// step across a full leap year. An expression that never matches inside the
// bound is treated as invalid.
const maxIterations = 366 * 24 * 60

// field bounds, in field order: minute, hour, day-of-month, month, day-of-week.
var fieldBounds = [5]struct{ min, max int }{
	{0, 59},
	{0, 23},
	{1, 31},
	{1, 12},
	{0, 6}, // Sunday = 0
}

// Schedule is a parsed cron expression. The zero value is not usable;
// create instances with Parse.
type Schedule struct {
	expr string

	minute     fieldSet
	hour       fieldSet
	dayOfMonth fieldSet
	month      fieldSet
	dayOfWeek  fieldSet
}

// fieldSet holds the matching values of one cron field plus whether the
// field was written as a bare wildcard, which the day-matching rule needs
// to distinguish from an explicit full range.
type fieldSet struct {
	values   map[int]bool
	wildcard bool
}

func (f fieldSet) match(v int) bool { return f.values[v] }

// Parse validates and compiles a 5-field cron expression.
func Parse(expr string) (*Schedule, error) {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) != 5 {
		return nil, fmt.Errorf("%w: expected 5 fields, got %d in %q", ErrInvalidCron, len(fields), expr)
	}

	s := &Schedule{expr: expr}
	targets := [5]*fieldSet{&s.minute, &s.hour, &s.dayOfMonth, &s.month, &s.dayOfWeek}

	for i, raw := range fields {
		set, err := parseField(raw, fieldBounds[i].min, fieldBounds[i].max)
		if err != nil {
			return nil, fmt.Errorf("%w: field %d (%q): %v", ErrInvalidCron, i+1, raw, err)
		}
		*targets[i] = set
	}

	return s, nil
}

// String returns the original expression.
func (s *Schedule) String() string { return s.expr }

// parseField parses one cron field: a comma list of terms, each "*", a
// single integer, or a range "a-b", optionally followed by "/step". A
// wildcard base expands to the field's full min-max range; a single value
// with a step ("5/2") expands to value..max, per the standard cron
// convention.
func parseField(raw string, min, max int) (fieldSet, error) {
	set := fieldSet{values: make(map[int]bool)}

	terms := strings.Split(raw, ",")
	if len(terms) == 1 && terms[0] == "*" {
		set.wildcard = true
	}

	for _, term := range terms {
		if term == "" {
			return fieldSet{}, errors.New("empty term")
		}

		base := term
		step := 1
		hasStep := false
		if idx := strings.Index(term, "/"); idx >= 0 {
			base = term[:idx]
			stepStr := term[idx+1:]
			v, err := strconv.Atoi(stepStr)
			if err != nil || v <= 0 {
				return fieldSet{}, fmt.Errorf("invalid step %q", stepStr)
			}
			step = v
			hasStep = true
		}

		lo, hi := min, max
		switch {
		case base == "*":
			// full range
		case strings.Contains(base, "-"):
			parts := strings.SplitN(base, "-", 2)
			a, errA := strconv.Atoi(parts[0])
			b, errB := strconv.Atoi(parts[1])
			if errA != nil || errB != nil {
				return fieldSet{}, fmt.Errorf("invalid range %q", base)
			}
			lo, hi = a, b
		default:
			v, err := strconv.Atoi(base)
			if err != nil {
				return fieldSet{}, fmt.Errorf("invalid value %q", base)
			}
			lo, hi = v, v
			if hasStep {
				hi = max
			}
		}

		if lo < min || hi > max || lo > hi {
			return fieldSet{}, fmt.Errorf("value out of range %d-%d", min, max)
		}

		for v := lo; v <= hi; v += step {
			set.values[v] = true
		}
	}

	return set, nil
}

// matches reports whether the instant t (truncated to the minute) satisfies
// the schedule.
func (s *Schedule) matches(t time.Time) bool {
	if !s.minute.match(t.Minute()) || !s.hour.match(t.Hour()) || !s.month.match(int(t.Month())) {
		return false
	}

	domMatch := s.dayOfMonth.match(t.Day())
	dowMatch := s.dayOfWeek.match(int(t.Weekday()))

	switch {
	case s.dayOfMonth.wildcard && s.dayOfWeek.wildcard:
		return true
	case s.dayOfMonth.wildcard:
		return dowMatch
	case s.dayOfWeek.wildcard:
		return domMatch
	default:
		return domMatch || dowMatch
	}
}

// NextFireAfter returns the first instant strictly after t that matches the
// schedule, with seconds and sub-seconds zeroed. It walks minute by minute
// and gives up after a full leap year of minutes, returning ErrInvalidCron.
func (s *Schedule) NextFireAfter(t time.Time) (time.Time, error) {
	cursor := t.Truncate(time.Minute).Add(time.Minute)

	for i := 0; i < maxIterations; i++ {
		if s.matches(cursor) {
			return cursor, nil
		}
		cursor = cursor.Add(time.Minute)
	}

	return time.Time{}, fmt.Errorf("%w: no matching instant within a year for %q", ErrInvalidCron, s.expr)
}
