package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidClockTime is returned for strings that are not HH:MM in 24h form.
var ErrInvalidClockTime = errors.New("invalid clock time, want HH:MM")

// ClockTime is a wall-clock time of day in 24h form.
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClockTime parses "HH:MM" (single-digit hours are accepted).
func ParseClockTime(s string) (ClockTime, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(m) != 2 || h == "" || len(h) > 2 {
		return ClockTime{}, fmt.Errorf("%w: %q", ErrInvalidClockTime, s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil {
		return ClockTime{}, fmt.Errorf("%w: %q", ErrInvalidClockTime, s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil {
		return ClockTime{}, fmt.Errorf("%w: %q", ErrInvalidClockTime, s)
	}
	ct := ClockTime{Hour: hour, Minute: minute}
	if !ct.Valid() {
		return ClockTime{}, fmt.Errorf("%w: %q", ErrInvalidClockTime, s)
	}
	return ct, nil
}

// Valid reports whether the time is within 00:00..23:59.
func (c ClockTime) Valid() bool {
	return c.Hour >= 0 && c.Hour < 24 && c.Minute >= 0 && c.Minute < 60
}

// String formats the time as HH:MM.
func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// OddsQuote is a fresh market price for a published tip.
type OddsQuote struct {
	Odds     float64
	Movement string
}
