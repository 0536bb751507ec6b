// Package calendar converts user-entered dates in the deployment's calendar
// system into Gregorian dates and counts calendar days between them.
package calendar

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ptime "github.com/yaa110/go-persian-calendar"
)

var (
	ErrBadFormat   = errors.New("date must look like YYYY-MM-DD")
	ErrInvalidDate = errors.New("date does not exist in calendar")
)

// Calendar maps a local year/month/day onto a Gregorian midnight in UTC.
type Calendar interface {
	Name() string
	ToGregorian(year, month, day int) (time.Time, error)
	FromGregorian(t time.Time) (year, month, day int)
}

// ByName returns the calendar selected in config. Empty means jalali.
func ByName(name string) (Calendar, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "jalali", "persian", "shamsi":
		return Jalali{}, nil
	case "gregorian":
		return Gregorian{}, nil
	default:
		return nil, fmt.Errorf("unknown calendar %q", name)
	}
}

type Gregorian struct{}

func (Gregorian) Name() string { return "gregorian" }

func (Gregorian) ToGregorian(year, month, day int) (time.Time, error) {
	if month < 1 || month > 12 || day < 1 || day > 31 || year < 1 {
		return time.Time{}, fmt.Errorf("%w: %04d-%02d-%02d", ErrInvalidDate, year, month, day)
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Year() != year || int(t.Month()) != month || t.Day() != day {
		return time.Time{}, fmt.Errorf("%w: %04d-%02d-%02d", ErrInvalidDate, year, month, day)
	}
	return t, nil
}

func (Gregorian) FromGregorian(t time.Time) (int, int, int) {
	y, m, d := t.Date()
	return y, int(m), d
}

// Jalali is the Solar Hijri calendar.
type Jalali struct{}

func (Jalali) Name() string { return "jalali" }

func (Jalali) ToGregorian(year, month, day int) (time.Time, error) {
	if month < 1 || month > 12 || day < 1 || day > 31 || year < 1 {
		return time.Time{}, fmt.Errorf("%w: %04d-%02d-%02d", ErrInvalidDate, year, month, day)
	}
	// Mehr through Esfand have at most 30 days.
	if month > 6 && day > 30 {
		return time.Time{}, fmt.Errorf("%w: %04d-%02d-%02d", ErrInvalidDate, year, month, day)
	}
	g := ptime.Date(year, ptime.Month(month), day, 12, 0, 0, 0, time.UTC).Time()
	// Esfand 30 only exists in leap years; going back through Gregorian
	// exposes a date the library rolled over.
	back := ptime.New(g)
	if back.Year() != year || int(back.Month()) != month || back.Day() != day {
		return time.Time{}, fmt.Errorf("%w: %04d-%02d-%02d", ErrInvalidDate, year, month, day)
	}
	return DateOf(g), nil
}

func (Jalali) FromGregorian(t time.Time) (int, int, int) {
	pt := ptime.New(time.Date(t.Year(), t.Month(), t.Day(), 12, 0, 0, 0, time.UTC))
	return pt.Year(), int(pt.Month()), pt.Day()
}

// ParseDate reads "YYYY-MM-DD" (plain integers, padding optional) in cal.
func ParseDate(cal Calendar, raw string) (time.Time, error) {
	parts := strings.Split(strings.TrimSpace(raw), "-")
	if len(parts) != 3 {
		return time.Time{}, ErrBadFormat
	}
	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return time.Time{}, ErrBadFormat
		}
		nums[i] = n
	}
	return cal.ToGregorian(nums[0], nums[1], nums[2])
}

// Format renders a Gregorian date in cal as YYYY-MM-DD.
func Format(cal Calendar, t time.Time) string {
	y, m, d := cal.FromGregorian(t)
	return fmt.Sprintf("%04d-%02d-%02d", y, m, d)
}

// DateOf drops the clock part, keeping the wall-clock date in t's location.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween counts calendar days from a to b using only their date parts,
// so DST shifts and clock times never change the answer. Unix seconds are
// used because time.Duration saturates after about 292 years.
func DaysBetween(a, b time.Time) int {
	da, db := DateOf(a), DateOf(b)
	return int((db.Unix() - da.Unix()) / 86400)
}
