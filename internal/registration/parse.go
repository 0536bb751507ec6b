package registration

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"khatmbot/internal/calendar"
)

// Reason says why an answer was rejected. ReasonNone means it was accepted.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonNotNumber
	ReasonOutOfRange
	ReasonBadFormat
	ReasonBadDate
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonNotNumber:
		return "not_number"
	case ReasonOutOfRange:
		return "out_of_range"
	case ReasonBadFormat:
		return "bad_format"
	case ReasonBadDate:
		return "bad_date"
	default:
		return "unknown"
	}
}

type UnitResult struct {
	Unit   int
	Reason Reason
}

func (r UnitResult) OK() bool { return r.Reason == ReasonNone }

type HourResult struct {
	Hour   int
	Reason Reason
}

func (r HourResult) OK() bool { return r.Reason == ReasonNone }

type DateResult struct {
	Date   time.Time // Gregorian, UTC midnight
	Reason Reason
}

func (r DateResult) OK() bool { return r.Reason == ReasonNone }

// ParseUnit accepts an integer in 1..total.
func ParseUnit(text string, total int) UnitResult {
	n, ok := parseInt(text)
	if !ok {
		return UnitResult{Reason: ReasonNotNumber}
	}
	if n < 1 || n > total {
		return UnitResult{Unit: n, Reason: ReasonOutOfRange}
	}
	return UnitResult{Unit: n}
}

// ParseHour accepts an integer in 0..23.
func ParseHour(text string) HourResult {
	n, ok := parseInt(text)
	if !ok {
		return HourResult{Reason: ReasonNotNumber}
	}
	if n < 0 || n > 23 {
		return HourResult{Hour: n, Reason: ReasonOutOfRange}
	}
	return HourResult{Hour: n}
}

// ParseStartDate reads YYYY-MM-DD in cal and converts it to Gregorian.
func ParseStartDate(cal calendar.Calendar, text string) DateResult {
	d, err := calendar.ParseDate(cal, normalizeDigits(text))
	switch {
	case err == nil:
		return DateResult{Date: d}
	case errors.Is(err, calendar.ErrInvalidDate):
		return DateResult{Reason: ReasonBadDate}
	default:
		return DateResult{Reason: ReasonBadFormat}
	}
}

func parseInt(text string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(normalizeDigits(text)))
	return n, err == nil
}

// normalizeDigits maps Persian and Arabic-Indic digits to ASCII.
func normalizeDigits(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= '۰' && r <= '۹':
			return '0' + (r - '۰')
		case r >= '٠' && r <= '٩':
			return '0' + (r - '٠')
		}
		return r
	}, s)
}
