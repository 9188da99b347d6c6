// Package datewindow holds the inclusive date range a harvest is filtered by.
package datewindow

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// Layout is the date format used in harvest output.
const Layout = "2006-01-02"

var (
	// ErrDateParse is returned for date text that no grammar understands.
	ErrDateParse = errors.New("unparseable date")
	// ErrInvertedWindow is returned when start falls after end.
	ErrInvertedWindow = errors.New("start date is after end date")
)

// ParseError carries the text that failed to parse.
type ParseError struct {
	Text string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse date %q: %v", e.Text, e.Err)
	}
	return fmt.Sprintf("parse date %q", e.Text)
}

func (e *ParseError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDateParse}
	}
	return []error{ErrDateParse, e.Err}
}

var (
	dashedDate   = regexp.MustCompile(`\b(\d{1,2})-(\d{1,2})-(\d{4})\b`)
	relativeDate = regexp.MustCompile(`(?i)\b(\d+|an?|one)\s+(second|minute|hour|day|week|month|year)s?\s+ago\b`)
	ordinal      = regexp.MustCompile(`(?i)\b(\d{1,2})(st|nd|rd|th)\b`)
)

// now is swapped in tests for relative dates.
var now = time.Now

// Parse turns free text into a calendar date. It understands everything
// dateparse does, month-day-year with dashes, and relative phrases such as
// "Streamed 2 weeks ago".
func Parse(text string) (time.Time, error) {
	s := strings.Join(strings.Fields(text), " ")
	if s == "" {
		return time.Time{}, &ParseError{Text: text}
	}

	if t, ok := parseRelative(s); ok {
		return t, nil
	}

	if dashedDate.MatchString(s) {
		return FindDashed(s)
	}

	cleaned := ordinal.ReplaceAllString(s, "$1")
	t, err := dateparse.ParseIn(cleaned, time.UTC)
	if err != nil {
		return time.Time{}, &ParseError{Text: text, Err: err}
	}
	return Truncate(t), nil
}

// FindDashed returns the last MM-DD-YYYY date in s. Titles on cablecast sites
// carry the meeting date at the end.
func FindDashed(s string) (time.Time, error) {
	all := dashedDate.FindAllStringSubmatch(s, -1)
	if len(all) == 0 {
		return time.Time{}, &ParseError{Text: s}
	}
	m := all[len(all)-1]
	month, _ := strconv.Atoi(m[1])
	day, _ := strconv.Atoi(m[2])
	year, _ := strconv.Atoi(m[3])
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Month() != time.Month(month) || t.Day() != day {
		return time.Time{}, &ParseError{Text: s, Err: fmt.Errorf("no such day %s", m[0])}
	}
	return t, nil
}

func parseRelative(s string) (time.Time, bool) {
	m := relativeDate.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, false
	}
	n := 1
	if v, err := strconv.Atoi(m[1]); err == nil {
		n = v
	}
	t := Truncate(now().UTC())
	switch strings.ToLower(m[2]) {
	case "second", "minute", "hour":
		// same day
	case "day":
		t = t.AddDate(0, 0, -n)
	case "week":
		t = t.AddDate(0, 0, -7*n)
	case "month":
		t = t.AddDate(0, -n, 0)
	case "year":
		t = t.AddDate(-n, 0, 0)
	}
	return t, true
}

// Truncate drops the time of day, keeping the calendar date in UTC.
func Truncate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Window is an inclusive [start, end] range. A nil bound is open.
type Window struct {
	start *time.Time
	end   *time.Time
}

// New parses both bounds. Empty text leaves that side open. An inverted
// window is rejected.
func New(start, end string) (Window, error) {
	var w Window
	if strings.TrimSpace(start) != "" {
		t, err := Parse(start)
		if err != nil {
			return Window{}, fmt.Errorf("start date: %w", err)
		}
		w.start = &t
	}
	if strings.TrimSpace(end) != "" {
		t, err := Parse(end)
		if err != nil {
			return Window{}, fmt.Errorf("end date: %w", err)
		}
		w.end = &t
	}
	if w.start != nil && w.end != nil && w.start.After(*w.end) {
		return Window{}, fmt.Errorf("%w: %s > %s", ErrInvertedWindow, w.start.Format(Layout), w.end.Format(Layout))
	}
	return w, nil
}

// Between builds a window from parsed dates.
func Between(start, end time.Time) (Window, error) {
	s, e := Truncate(start), Truncate(end)
	if s.After(e) {
		return Window{}, ErrInvertedWindow
	}
	return Window{start: &s, end: &e}, nil
}

// Open reports whether neither bound is set.
func (w Window) Open() bool { return w.start == nil && w.end == nil }

// HasStart reports whether early termination by date is possible.
func (w Window) HasStart() bool { return w.start != nil }

// Start returns the lower bound, if any.
func (w Window) Start() (time.Time, bool) {
	if w.start == nil {
		return time.Time{}, false
	}
	return *w.start, true
}

// End returns the upper bound, if any.
func (w Window) End() (time.Time, bool) {
	if w.end == nil {
		return time.Time{}, false
	}
	return *w.end, true
}

// Contains reports start <= d <= end at day granularity.
func (w Window) Contains(d time.Time) bool {
	d = Truncate(d)
	if w.start != nil && d.Before(*w.start) {
		return false
	}
	if w.end != nil && d.After(*w.end) {
		return false
	}
	return true
}

// IsBefore reports d < start. Without a start it is always false.
func (w Window) IsBefore(d time.Time) bool {
	return w.start != nil && Truncate(d).Before(*w.start)
}

func (w Window) String() string {
	f := func(t *time.Time) string {
		if t == nil {
			return "*"
		}
		return t.Format(Layout)
	}
	return "[" + f(w.start) + ", " + f(w.end) + "]"
}
