// Package cron parses and evaluates 5-field cron expressions
// (minute hour day-of-month month day-of-week) in arbitrary timezones.
//
// Supported syntax per field: literal integers, "*", ranges "a-b", steps
// "base/step" where base is "*", an integer, or a range, comma-separated
// lists, and case-insensitive month (jan-dec) and weekday (sun-sat) aliases.
// Day-of-week is 0-6 with 0 = Sunday; 7 is rejected. When both day-of-month
// and day-of-week are restricted, a date matches if either field matches.
//
// Daylight saving transitions: a firing whose wall-clock time does not exist
// (spring forward) lands on the first wall-clock minute after the gap; a
// firing whose wall-clock time occurs twice (fall back) fires at the earlier
// of the two instants.
package cron

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// horizonYears bounds the next-firing walk. Any valid 5-field expression
// fires within 4 years (February 29 is the worst case).
const horizonYears = 4

// maxPreview caps NextN.
const maxPreview = 10

// ErrNoFutureFiring is returned when the next-firing walk exhausts its horizon.
var ErrNoFutureFiring = errors.New("no firing within the evaluation horizon")

// FieldError describes a parse failure in a single cron field.
type FieldError struct {
	Field  string
	Input  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s field %q: %s", e.Field, e.Input, e.Reason)
}

// ParseError aggregates per-field diagnostics for an invalid expression.
type ParseError struct {
	Expression string
	Fields     []FieldError
}

func (e *ParseError) Error() string {
	if len(e.Fields) == 1 {
		return fmt.Sprintf("invalid cron expression %q: %s", e.Expression, e.Fields[0].Error())
	}
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Error()
	}
	return fmt.Sprintf("invalid cron expression %q: %s", e.Expression, strings.Join(parts, "; "))
}

// Expression is a parsed 5-field cron expression. Each field is a fixed-width
// bitmask, so matching is a single bit test. The zero value matches nothing;
// obtain expressions through Parse.
type Expression struct {
	text    string
	minute  uint64 // bits 0-59
	hour    uint32 // bits 0-23
	dom     uint32 // bits 1-31
	month   uint16 // bits 1-12
	dow     uint8  // bits 0-6, 0 = Sunday
	domStar bool
	dowStar bool
}

// fieldSpec describes the bounds and aliases of one cron field.
type fieldSpec struct {
	name    string
	min     int
	max     int
	aliases map[string]int
}

var (
	minuteSpec = fieldSpec{name: "minute", min: 0, max: 59}
	hourSpec   = fieldSpec{name: "hour", min: 0, max: 23}
	domSpec    = fieldSpec{name: "day-of-month", min: 1, max: 31}
	monthSpec  = fieldSpec{name: "month", min: 1, max: 12, aliases: map[string]int{
		"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
		"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
	}}
	dowSpec = fieldSpec{name: "day-of-week", min: 0, max: 6, aliases: map[string]int{
		"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
	}}
)

// Parse parses a 5-field cron expression. On failure it returns a *ParseError
// carrying one diagnostic per offending field.
func Parse(text string) (Expression, error) {
	fields := strings.Fields(text)
	if len(fields) != 5 {
		return Expression{}, &ParseError{
			Expression: text,
			Fields: []FieldError{{
				Field:  "expression",
				Input:  text,
				Reason: fmt.Sprintf("expected 5 space-separated fields, got %d", len(fields)),
			}},
		}
	}

	expr := Expression{
		text:    strings.Join(fields, " "),
		domStar: fields[2] == "*",
		dowStar: fields[4] == "*",
	}

	var errs []FieldError
	collect := func(spec fieldSpec, input string) uint64 {
		mask, ferr := parseField(spec, input)
		if ferr != nil {
			errs = append(errs, *ferr)
		}
		return mask
	}

	expr.minute = collect(minuteSpec, fields[0])
	expr.hour = uint32(collect(hourSpec, fields[1]))
	expr.dom = uint32(collect(domSpec, fields[2]))
	expr.month = uint16(collect(monthSpec, fields[3]))
	expr.dow = uint8(collect(dowSpec, fields[4]))

	if len(errs) > 0 {
		return Expression{}, &ParseError{Expression: text, Fields: errs}
	}
	return expr, nil
}

// MustParse parses an expression known to be valid and panics otherwise.
func MustParse(text string) Expression {
	expr, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return expr
}

// String returns the expression in normalized form (fields joined by single
// spaces). Parsing the result yields an identical Expression.
func (e Expression) String() string {
	return e.text
}

// parseField parses one comma-separated field into a bitmask.
func parseField(spec fieldSpec, input string) (uint64, *FieldError) {
	var mask uint64
	for _, part := range strings.Split(input, ",") {
		if part == "" {
			return 0, &FieldError{Field: spec.name, Input: input, Reason: "empty list element"}
		}
		m, ferr := parsePart(spec, part)
		if ferr != nil {
			return 0, ferr
		}
		mask |= m
	}
	return mask, nil
}

// parsePart parses a single list element: "*", "*/step", "a", "a/step",
// "a-b", or "a-b/step".
func parsePart(spec fieldSpec, part string) (uint64, *FieldError) {
	base, stepText, hasStep := strings.Cut(part, "/")

	step := 1
	if hasStep {
		n, err := strconv.Atoi(stepText)
		if err != nil || n < 1 {
			return 0, &FieldError{Field: spec.name, Input: part, Reason: fmt.Sprintf("step %q must be a positive integer", stepText)}
		}
		step = n
	}

	var lo, hi int
	switch {
	case base == "*":
		lo, hi = spec.min, spec.max
	case strings.Contains(base, "-"):
		loText, hiText, _ := strings.Cut(base, "-")
		var ferr *FieldError
		if lo, ferr = resolveValue(spec, part, loText); ferr != nil {
			return 0, ferr
		}
		if hi, ferr = resolveValue(spec, part, hiText); ferr != nil {
			return 0, ferr
		}
		if lo > hi {
			return 0, &FieldError{Field: spec.name, Input: part, Reason: fmt.Sprintf("range start %d exceeds end %d", lo, hi)}
		}
	default:
		v, ferr := resolveValue(spec, part, base)
		if ferr != nil {
			return 0, ferr
		}
		lo, hi = v, v
		if hasStep {
			// "a/step" means every step-th value from a to the field maximum.
			hi = spec.max
		}
	}

	var mask uint64
	for v := lo; v <= hi; v += step {
		mask |= 1 << uint(v)
	}
	return mask, nil
}

// resolveValue resolves a literal or alias to an in-range integer.
func resolveValue(spec fieldSpec, part, text string) (int, *FieldError) {
	if v, ok := spec.aliases[strings.ToLower(text)]; ok {
		return v, nil
	}
	n, err := strconv.Atoi(text)
	if err != nil {
		if spec.aliases != nil {
			return 0, &FieldError{Field: spec.name, Input: part, Reason: fmt.Sprintf("unknown %s alias %q", spec.name, text)}
		}
		return 0, &FieldError{Field: spec.name, Input: part, Reason: fmt.Sprintf("%q is not a number", text)}
	}
	if spec.name == dowSpec.name && n == 7 {
		return 0, &FieldError{Field: spec.name, Input: part, Reason: "day-of-week uses 0-6 with 0 = Sunday; 7 is not accepted"}
	}
	if n < spec.min || n > spec.max {
		return 0, &FieldError{Field: spec.name, Input: part, Reason: fmt.Sprintf("%d out of range %d-%d", n, spec.min, spec.max)}
	}
	return n, nil
}

func (e Expression) minuteSet(v int) bool { return e.minute&(1<<uint(v)) != 0 }
func (e Expression) hourSet(v int) bool   { return e.hour&(1<<uint(v)) != 0 }
func (e Expression) monthSet(m time.Month) bool {
	return e.month&(1<<uint(m)) != 0
}

// daySet applies the union rule: when both day fields are restricted a date
// matches if either does; otherwise both must match (a "*" matches all).
func (e Expression) daySet(year int, month time.Month, day int) bool {
	domMatch := e.dom&(1<<uint(day)) != 0
	dowMatch := e.dow&(1<<uint(weekdayOf(year, month, day))) != 0
	if !e.domStar && !e.dowStar {
		return domMatch || dowMatch
	}
	return domMatch && dowMatch
}

// Matches reports whether the instant t, observed in loc, satisfies the
// expression.
func (e Expression) Matches(t time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	year, month, day := lt.Date()
	return e.monthSet(month) &&
		e.daySet(year, month, day) &&
		e.hourSet(lt.Hour()) &&
		e.minuteSet(lt.Minute())
}

// civil is a wall-clock coordinate used by the next-firing walk.
type civil struct {
	year   int
	month  time.Month
	day    int
	hour   int
	minute int
}

func (c *civil) nextMinute() {
	c.minute++
	if c.minute > 59 {
		c.minute = 0
		c.carryHour()
	}
}

func (c *civil) nextHour() {
	c.minute = 0
	c.carryHour()
}

func (c *civil) carryHour() {
	c.hour++
	if c.hour > 23 {
		c.hour = 0
		c.carryDay()
	}
}

func (c *civil) nextDay() {
	c.hour, c.minute = 0, 0
	c.carryDay()
}

func (c *civil) carryDay() {
	c.day++
	if c.day > daysIn(c.year, c.month) {
		c.day = 1
		c.carryMonth()
	}
}

func (c *civil) nextMonth() {
	c.day, c.hour, c.minute = 1, 0, 0
	c.carryMonth()
}

func (c *civil) carryMonth() {
	c.month++
	if c.month > time.December {
		c.month = time.January
		c.year++
	}
}

// Next computes the smallest firing instant strictly after from, evaluated in
// loc (UTC when nil). It returns ErrNoFutureFiring if no firing exists within
// the horizon.
func (e Expression) Next(from time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}

	// Ceiling to the next minute boundary; a schedule never fires twice at
	// the same minute unless explicitly re-armed.
	start := from.Truncate(time.Minute).Add(time.Minute).In(loc)
	limitYear := start.Year() + horizonYears

	c := civil{
		year:   start.Year(),
		month:  start.Month(),
		day:    start.Day(),
		hour:   start.Hour(),
		minute: start.Minute(),
	}

	for {
		if c.year > limitYear {
			return time.Time{}, ErrNoFutureFiring
		}
		if !e.monthSet(c.month) {
			c.nextMonth()
			continue
		}
		if !e.daySet(c.year, c.month, c.day) {
			c.nextDay()
			continue
		}
		if !e.hourSet(c.hour) {
			c.nextHour()
			continue
		}
		if !e.minuteSet(c.minute) {
			c.nextMinute()
			continue
		}

		t, ok := resolveCivil(c, loc)
		if !ok {
			t, ok = nextExistingMinute(c, loc)
			if !ok {
				return time.Time{}, ErrNoFutureFiring
			}
		}
		if !t.After(from) {
			// The earlier of two fall-back occurrences can predate the
			// reference; the later occurrence is the real candidate.
			if later := t.Add(time.Hour); sameCivil(later, c) && later.After(from) {
				return later, nil
			}
			c.nextMinute()
			continue
		}
		return t, nil
	}
}

// NextN returns up to n upcoming firings after from, n clamped to 10.
func (e Expression) NextN(from time.Time, loc *time.Location, n int) ([]time.Time, error) {
	if n <= 0 {
		return nil, nil
	}
	if n > maxPreview {
		n = maxPreview
	}
	out := make([]time.Time, 0, n)
	ref := from
	for len(out) < n {
		t, err := e.Next(ref, loc)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
		ref = t
	}
	return out, nil
}

// resolveCivil maps a wall-clock coordinate to an absolute instant. It
// reports false when the coordinate falls in a spring-forward gap. When the
// coordinate occurs twice it returns the earlier instant.
func resolveCivil(c civil, loc *time.Location) (time.Time, bool) {
	t := time.Date(c.year, c.month, c.day, c.hour, c.minute, 0, 0, loc)
	if !sameCivil(t, c) {
		return time.Time{}, false
	}
	if earlier := t.Add(-time.Hour); sameCivil(earlier, c) {
		return earlier, true
	}
	return t, true
}

// nextExistingMinute walks forward from a nonexistent wall-clock coordinate
// to the first one after the transition. Transitions never exceed a day.
func nextExistingMinute(c civil, loc *time.Location) (time.Time, bool) {
	for i := 0; i < 26*60; i++ {
		c.nextMinute()
		if t, ok := resolveCivil(c, loc); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func sameCivil(t time.Time, c civil) bool {
	year, month, day := t.Date()
	return year == c.year && month == c.month && day == c.day &&
		t.Hour() == c.hour && t.Minute() == c.minute
}

func weekdayOf(year int, month time.Month, day int) time.Weekday {
	return time.Date(year, month, day, 12, 0, 0, 0, time.UTC).Weekday()
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 12, 0, 0, 0, time.UTC).Day()
}
