// Package session holds the market-calendar helpers shared by the strategy,
// risk and ledger packages: timezone loading, wall-clock minutes and trading
// dates in the market timezone.
package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	// zoneinfo for hosts without /usr/share/zoneinfo (scratch images).
	_ "time/tzdata"
)

// DateLayout is the calendar date format used for trading dates.
const DateLayout = "2006-01-02"

// LoadLocation resolves an IANA zone name. An empty name means UTC.
func LoadLocation(name string) (*time.Location, error) {
	if strings.TrimSpace(name) == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("session: load location %q: %w", name, err)
	}
	return loc, nil
}

var localLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// ParseTimestamp accepts RFC 3339 or a zone-less "YYYY-MM-DD HH:MM[:SS]"
// interpreted in loc.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("session: empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("session: unparseable timestamp %q", s)
}

// ParseBound reads one end of a date range. A bare date is the start of that
// day, or the start of the next day when end is set so the range covers it.
// An empty string is the zero time.
func ParseBound(s string, loc *time.Location, end bool) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	if d, err := time.ParseInLocation(DateLayout, s, loc); err == nil {
		if end {
			return d.AddDate(0, 0, 1), nil
		}
		return d, nil
	}
	return ParseTimestamp(s, loc)
}

// Clock is a wall-clock time of day expressed in minutes after midnight.
type Clock int

// ParseClock parses "HH:MM".
func ParseClock(s string) (Clock, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("session: clock %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("session: clock %q: bad hour", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("session: clock %q: bad minute", s)
	}
	return Clock(h*60 + m), nil
}

// MustClock is ParseClock for constants; it panics on malformed input.
func MustClock(s string) Clock {
	c, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// Add returns c shifted by n minutes.
func (c Clock) Add(n int) Clock {
	return c + Clock(n)
}

// ClockOf returns the minute of day of ts in loc.
func ClockOf(ts time.Time, loc *time.Location) Clock {
	t := ts.In(loc)
	return Clock(t.Hour()*60 + t.Minute())
}

// DateOf returns the calendar date of ts in loc.
func DateOf(ts time.Time, loc *time.Location) string {
	return ts.In(loc).Format(DateLayout)
}

// Window is an inclusive range of wall-clock minutes. The zero Window is
// unbounded.
type Window struct {
	Start Clock
	End   Clock
	set   bool
}

// ParseWindow builds a window from two "HH:MM" values. Two empty values give
// the unbounded window.
func ParseWindow(start, end string) (Window, error) {
	if start == "" && end == "" {
		return Window{}, nil
	}
	s, err := ParseClock(start)
	if err != nil {
		return Window{}, err
	}
	e, err := ParseClock(end)
	if err != nil {
		return Window{}, err
	}
	if e < s {
		return Window{}, fmt.Errorf("session: window %s-%s ends before it starts", start, end)
	}
	return Window{Start: s, End: e, set: true}, nil
}

// Bounded reports whether the window restricts anything.
func (w Window) Bounded() bool { return w.set }

// Contains reports whether c falls inside the window.
func (w Window) Contains(c Clock) bool {
	if !w.set {
		return true
	}
	return c >= w.Start && c <= w.End
}

func (w Window) String() string {
	if !w.set {
		return "any"
	}
	return w.Start.String() + "-" + w.End.String()
}
