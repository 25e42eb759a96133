// Package markethours answers session questions for one exchange: is the
// market open, are entries blacked out, when does a bar close.
//
// All windows are wall-clock ranges [start, end) in the exchange timezone.
// A window whose end is not after its start wraps past midnight.
package markethours

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// JST is the fallback zone when tzdata is unavailable.
var JST = time.FixedZone("JST", 9*3600)

// ClockTime is a wall-clock time of day in seconds since midnight.
type ClockTime int

// ParseClock parses "15:04" or "15:04:05".
func ParseClock(s string) (ClockTime, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return ClockTime(t.Hour()*3600 + t.Minute()*60 + t.Second()), nil
		}
	}
	return 0, fmt.Errorf("invalid clock time %q", s)
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", int(c)/3600, int(c)/60%60, int(c)%60)
}

func clockOf(t time.Time) ClockTime {
	return ClockTime(t.Hour()*3600 + t.Minute()*60 + t.Second())
}

// Window is a daily wall-clock range [Start, End).
type Window struct {
	Start ClockTime
	End   ClockTime
}

// ParseWindow parses "09:00-09:15".
func ParseWindow(s string) (Window, error) {
	a, b, ok := strings.Cut(s, "-")
	if !ok {
		return Window{}, fmt.Errorf("invalid window %q: want HH:MM-HH:MM", s)
	}
	start, err := ParseClock(a)
	if err != nil {
		return Window{}, fmt.Errorf("window %q: %w", s, err)
	}
	end, err := ParseClock(b)
	if err != nil {
		return Window{}, fmt.Errorf("window %q: %w", s, err)
	}
	if start == end {
		return Window{}, fmt.Errorf("invalid window %q: empty", s)
	}
	return Window{Start: start, End: end}, nil
}

// Wraps reports whether the window crosses midnight.
func (w Window) Wraps() bool { return w.End <= w.Start }

// Contains reports whether clock time c falls inside the window.
func (w Window) Contains(c ClockTime) bool {
	if w.Wraps() {
		return c >= w.Start || c < w.End
	}
	return c >= w.Start && c < w.End
}

func (w Window) String() string { return w.Start.String() + "-" + w.End.String() }

// Config describes an exchange calendar.
type Config struct {
	Timezone   string   `yaml:"timezone"`
	Sessions   []string `yaml:"sessions"`   // trading sessions, e.g. "08:45-15:45"
	Exclusions []string `yaml:"exclusions"` // entry blackout windows
	Holidays   []string `yaml:"holidays"`   // "2006-01-02"
}

// DefaultConfig is Osaka index futures: day and night sessions, with entries
// blacked out around the cash open, lunch, the session break and US data
// releases.
func DefaultConfig() Config {
	return Config{
		Timezone: "Asia/Tokyo",
		Sessions: []string{"08:45-15:45", "17:00-06:00"},
		Exclusions: []string{
			"09:00-09:15",
			"12:30-12:45",
			"15:35-17:15",
			"21:30-21:45",
			"22:30-22:45",
			"23:30-23:45",
		},
	}
}

// Calendar is an immutable, goroutine-safe view of a Config.
type Calendar struct {
	loc        *time.Location
	sessions   []Window
	exclusions []Window
	holidays   holidaySet
}

// New validates cfg and builds a Calendar.
func New(cfg Config) (*Calendar, error) {
	var errs []error
	loc := JST
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			errs = append(errs, fmt.Errorf("timezone: %w", err))
		} else {
			loc = l
		}
	}
	c := &Calendar{loc: loc}
	for _, s := range cfg.Sessions {
		w, err := ParseWindow(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("session: %w", err))
			continue
		}
		c.sessions = append(c.sessions, w)
	}
	for _, s := range cfg.Exclusions {
		w, err := ParseWindow(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("exclusion: %w", err))
			continue
		}
		c.exclusions = append(c.exclusions, w)
	}
	hs, err := parseHolidays(cfg.Holidays)
	if err != nil {
		errs = append(errs, err)
	}
	c.holidays = hs
	if len(c.sessions) == 0 && len(errs) == 0 {
		errs = append(errs, errors.New("at least one session is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("markethours: %w", err)
	}
	return c, nil
}

// Location returns the exchange timezone.
func (c *Calendar) Location() *time.Location { return c.loc }

// Exclusions returns the configured blackout windows.
func (c *Calendar) Exclusions() []Window { return append([]Window(nil), c.exclusions...) }

// IsWeekday returns true if t is Mon–Fri in the exchange timezone.
func (c *Calendar) IsWeekday(t time.Time) bool {
	wd := t.In(c.loc).Weekday()
	return wd >= time.Monday && wd <= time.Friday
}

// IsTradingDay returns true if t is a weekday and not a holiday.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	return c.IsWeekday(t) && !c.holidays.contains(t.In(c.loc))
}

// IsMarketOpen reports whether t falls inside a session that started on a
// trading day. A night session belongs to the day it opened.
func (c *Calendar) IsMarketOpen(t time.Time) bool {
	lt := t.In(c.loc)
	clk := clockOf(lt)
	for _, w := range c.sessions {
		if !w.Contains(clk) {
			continue
		}
		day := lt
		if w.Wraps() && clk < w.End {
			day = lt.AddDate(0, 0, -1)
		}
		if c.IsTradingDay(day) {
			return true
		}
	}
	return false
}

// EntryBlocked reports whether t falls inside an exclusion window.
func (c *Calendar) EntryBlocked(t time.Time) bool {
	clk := clockOf(t.In(c.loc))
	for _, w := range c.exclusions {
		if w.Contains(clk) {
			return true
		}
	}
	return false
}

// BarCloseTime is when the strategy treats a bar as over: lead before the
// bar's nominal end.
func BarCloseTime(barStart time.Time, window, lead time.Duration) time.Time {
	return barStart.Add(window - lead)
}

// NextOpen returns the next session start strictly after t.
func (c *Calendar) NextOpen(t time.Time) time.Time {
	lt := t.In(c.loc)
	var best time.Time
	for d := 0; d < 14 && best.IsZero(); d++ {
		day := lt.AddDate(0, 0, d)
		if !c.IsTradingDay(day) {
			continue
		}
		for _, w := range c.sessions {
			open := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, int(w.Start), 0, c.loc)
			if open.After(lt) && (best.IsZero() || open.Before(best)) {
				best = open
			}
		}
	}
	return best
}

// TimeUntilOpen returns the duration until the next session start.
func (c *Calendar) TimeUntilOpen(t time.Time) time.Duration {
	next := c.NextOpen(t)
	if next.IsZero() {
		return 0
	}
	return next.Sub(t)
}

// StatusString returns a human-readable market status.
func (c *Calendar) StatusString(t time.Time) string {
	if c.IsMarketOpen(t) {
		if c.EntryBlocked(t) {
			return "Market Open (entry blackout)"
		}
		return "Market Open"
	}
	next := c.NextOpen(t)
	if next.IsZero() {
		return "Market Closed"
	}
	return fmt.Sprintf("Market Closed, opens %s %s (%s)",
		next.Weekday().String()[:3], next.Format("15:04"), fmtDur(next.Sub(t)))
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
