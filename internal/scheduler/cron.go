package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Expr is a parsed five-field cron expression:
//
//	minute hour day-of-month month day-of-week
//
// Each field accepts *, a value, a range a-b, a step */N, a-b/N or a/N, and
// comma separated lists of those. Month and weekday names (JAN, MON) are
// accepted; weekday 7 is Sunday. When both day fields are restricted a day
// matches if either of them does.
//
// Expr implements cron.Schedule so a robfig cron.Cron can drive it.
type Expr struct {
	src string

	minute uint64
	hour   uint64
	dom    uint64
	month  uint64
	dow    uint64

	domAny bool
	dowAny bool
}

type bounds struct {
	name     string
	min, max int
	names    map[string]int
}

var (
	minuteBounds = bounds{name: "minute", min: 0, max: 59}
	hourBounds   = bounds{name: "hour", min: 0, max: 23}
	domBounds    = bounds{name: "day-of-month", min: 1, max: 31}
	monthBounds  = bounds{name: "month", min: 1, max: 12, names: map[string]int{
		"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
		"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
	}}
	// 7 is folded onto 0 after parsing.
	dowBounds = bounds{name: "day-of-week", min: 0, max: 7, names: map[string]int{
		"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
	}}
)

var descriptors = map[string]string{
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
	"@monthly":  "0 0 1 * *",
	"@weekly":   "0 0 * * 0",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@hourly":   "0 * * * *",
}

// ParseCron parses a five-field expression or one of the @descriptors.
func ParseCron(spec string) (*Expr, error) {
	src := strings.TrimSpace(spec)
	if src == "" {
		return nil, fmt.Errorf("cron: empty expression")
	}
	expr := src
	if strings.HasPrefix(expr, "@") {
		d, ok := descriptors[strings.ToLower(expr)]
		if !ok {
			return nil, fmt.Errorf("cron: unknown descriptor %q", expr)
		}
		expr = d
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron: expected 5 fields, got %d in %q", len(fields), src)
	}

	e := &Expr{src: src}
	var err error
	if e.minute, _, err = parseField(fields[0], minuteBounds); err != nil {
		return nil, err
	}
	if e.hour, _, err = parseField(fields[1], hourBounds); err != nil {
		return nil, err
	}
	if e.dom, e.domAny, err = parseField(fields[2], domBounds); err != nil {
		return nil, err
	}
	if e.month, _, err = parseField(fields[3], monthBounds); err != nil {
		return nil, err
	}
	if e.dow, e.dowAny, err = parseField(fields[4], dowBounds); err != nil {
		return nil, err
	}
	if e.dow&(1<<7) != 0 {
		e.dow = e.dow&^(1<<7) | 1
	}
	return e, nil
}

// MustParseCron is ParseCron for expressions known at compile time.
func MustParseCron(spec string) *Expr {
	e, err := ParseCron(spec)
	if err != nil {
		panic(err)
	}
	return e
}

// parseField returns the bitset for one field and whether it was a bare *.
func parseField(field string, b bounds) (uint64, bool, error) {
	if field == "*" {
		return span(b.min, b.max, 1), true, nil
	}
	var set uint64
	for _, part := range strings.Split(field, ",") {
		bitsFor, err := parsePart(part, b)
		if err != nil {
			return 0, false, err
		}
		set |= bitsFor
	}
	return set, false, nil
}

func parsePart(part string, b bounds) (uint64, error) {
	if part == "" {
		return 0, fmt.Errorf("cron: empty list item in %s", b.name)
	}
	rangePart, stepPart, hasStep := strings.Cut(part, "/")
	step := 1
	if hasStep {
		n, err := strconv.Atoi(stepPart)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("cron: invalid step %q in %s", stepPart, b.name)
		}
		step = n
	}

	var lo, hi int
	switch {
	case rangePart == "*":
		lo, hi = b.min, b.max
	case strings.Contains(rangePart, "-"):
		a, z, _ := strings.Cut(rangePart, "-")
		var err error
		if lo, err = b.value(a); err != nil {
			return 0, err
		}
		if hi, err = b.value(z); err != nil {
			return 0, err
		}
		if lo > hi {
			return 0, fmt.Errorf("cron: range %q out of order in %s", rangePart, b.name)
		}
	default:
		v, err := b.value(rangePart)
		if err != nil {
			return 0, err
		}
		lo, hi = v, v
		// a/N runs from a to the end of the field.
		if hasStep {
			hi = b.max
		}
	}
	return span(lo, hi, step), nil
}

func (b bounds) value(s string) (int, error) {
	if v, ok := b.names[strings.ToLower(s)]; ok {
		return v, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("cron: invalid %s value %q", b.name, s)
	}
	if v < b.min || v > b.max {
		return 0, fmt.Errorf("cron: %s value %d out of range [%d,%d]", b.name, v, b.min, b.max)
	}
	return v, nil
}

func span(lo, hi, step int) uint64 {
	var set uint64
	for i := lo; i <= hi; i += step {
		set |= 1 << uint(i)
	}
	return set
}

func has(set uint64, v int) bool { return set&(1<<uint(v)) != 0 }

// String returns the expression as it was given.
func (e *Expr) String() string { return e.src }

// Matches reports whether t falls in a minute the expression selects.
// Seconds are ignored.
func (e *Expr) Matches(t time.Time) bool {
	return has(e.minute, t.Minute()) &&
		has(e.hour, t.Hour()) &&
		has(e.month, int(t.Month())) &&
		e.dayMatches(t)
}

func (e *Expr) dayMatches(t time.Time) bool {
	dom := has(e.dom, t.Day())
	dow := has(e.dow, int(t.Weekday()))
	switch {
	case e.domAny && e.dowAny:
		return true
	case e.domAny:
		return dow
	case e.dowAny:
		return dom
	default:
		return dom || dow
	}
}

// searchYears bounds Next for expressions that never match (e.g. Feb 30).
const searchYears = 5

// Next returns the first matching minute strictly after t, in t's location,
// or the zero time if there is none within five years.
func (e *Expr) Next(t time.Time) time.Time {
	t = t.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(searchYears, 0, 0)
	loc := t.Location()

	for t.Before(limit) {
		if !has(e.month, int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, loc)
			continue
		}
		if !e.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
			continue
		}
		if !has(e.hour, t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, loc)
			continue
		}
		if !has(e.minute, t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}
