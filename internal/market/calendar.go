package market

import (
	"fmt"
	"strings"
	"time"
)

// Status describes where an instant falls relative to the trading session.
type Status string

const (
	StatusOpen          Status = "OPEN"
	StatusClosedWeekend Status = "CLOSED_WEEKEND"
	StatusClosedPre     Status = "CLOSED_PRE"
	StatusClosedPost    Status = "CLOSED_POST"
)

// Calendar answers whether the configured market is open at an instant. The
// session bounds are closed-open: the opening minute is already open, the
// closing minute is already closed.
type Calendar struct {
	days       map[time.Weekday]bool
	openHour   int
	openMin    int
	closeHour  int
	closeMin   int
	loc        *time.Location
	alwaysOpen bool
}

// CalendarConfig parameterizes the weekly schedule.
type CalendarConfig struct {
	Days       []string // "mon".."sun"
	Open       string   // "09:15", inclusive
	Close      string   // "15:30", exclusive
	Timezone   string   // IANA name
	AlwaysOpen bool
}

var weekdayNames = map[string]time.Weekday{
	"mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
	"sun": time.Sunday,
}

// NewCalendar builds a calendar from configuration. The zero-value config
// yields the default Monday-Friday 09:15-15:30 session in Asia/Kolkata.
func NewCalendar(cfg CalendarConfig) (*Calendar, error) {
	if cfg.AlwaysOpen {
		return &Calendar{alwaysOpen: true, loc: time.UTC}, nil
	}

	if len(cfg.Days) == 0 {
		cfg.Days = []string{"mon", "tue", "wed", "thu", "fri"}
	}
	if cfg.Open == "" {
		cfg.Open = "09:15"
	}
	if cfg.Close == "" {
		cfg.Close = "15:30"
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "Asia/Kolkata"
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}

	days := make(map[time.Weekday]bool, len(cfg.Days))
	for _, d := range cfg.Days {
		wd, ok := weekdayNames[strings.ToLower(strings.TrimSpace(d))]
		if !ok {
			return nil, fmt.Errorf("invalid calendar day %q", d)
		}
		days[wd] = true
	}

	oh, om, err := parseClock(cfg.Open)
	if err != nil {
		return nil, fmt.Errorf("invalid open time: %w", err)
	}
	ch, cm, err := parseClock(cfg.Close)
	if err != nil {
		return nil, fmt.Errorf("invalid close time: %w", err)
	}
	if ch*60+cm <= oh*60+om {
		return nil, fmt.Errorf("close %s must be after open %s", cfg.Close, cfg.Open)
	}

	return &Calendar{
		days:      days,
		openHour:  oh,
		openMin:   om,
		closeHour: ch,
		closeMin:  cm,
		loc:       loc,
	}, nil
}

// AlwaysOpen expresses a 24-hour market such as crypto.
func AlwaysOpen() *Calendar {
	return &Calendar{alwaysOpen: true, loc: time.UTC}
}

func parseClock(s string) (hour, minute int, err error) {
	if _, err = fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return 0, 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("out of range: %q", s)
	}
	return hour, minute, nil
}

// IsOpen reports whether the market is open at t.
func (c *Calendar) IsOpen(t time.Time) bool {
	return c.Status(t) == StatusOpen
}

// Status classifies t against the session.
func (c *Calendar) Status(t time.Time) Status {
	if c.alwaysOpen {
		return StatusOpen
	}

	local := t.In(c.loc)
	if !c.days[local.Weekday()] {
		return StatusClosedWeekend
	}

	minutes := local.Hour()*60 + local.Minute()
	open := c.openHour*60 + c.openMin
	close := c.closeHour*60 + c.closeMin

	switch {
	case minutes < open:
		return StatusClosedPre
	case minutes >= close:
		return StatusClosedPost
	default:
		return StatusOpen
	}
}
