package plan

import (
	"errors"
	"fmt"
	"time"

	"khatmbot/internal/calendar"
	"khatmbot/internal/storage"
)

// ErrMalformedRecord marks a stored record that cannot be scheduled.
var ErrMalformedRecord = errors.New("malformed subscriber record")

// DueUnit is the unit due dayOffset days after today for a plan that
// started at startUnit on startDate. The result is always in 1..totalUnits.
func DueUnit(startDate time.Time, startUnit, totalUnits int, today time.Time, dayOffset int) int {
	elapsed := calendar.DaysBetween(startDate, today) + dayOffset
	return floorMod(startUnit-1+elapsed, totalUnits) + 1
}

func floorMod(a, n int) int {
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}

// ValidateRecord reports why rec cannot be scheduled against a table of
// totalUnits, wrapped in ErrMalformedRecord.
func ValidateRecord(rec storage.Record, totalUnits int) error {
	switch {
	case rec.StartDate.IsZero():
		return fmt.Errorf("%w: missing start date", ErrMalformedRecord)
	case rec.StartUnit < 1 || rec.StartUnit > totalUnits:
		return fmt.Errorf("%w: start unit %d outside 1..%d", ErrMalformedRecord, rec.StartUnit, totalUnits)
	case rec.NotifyHour != nil && (*rec.NotifyHour < 0 || *rec.NotifyHour > 23):
		return fmt.Errorf("%w: notify hour %d outside 0..23", ErrMalformedRecord, *rec.NotifyHour)
	}
	return nil
}

// Engine applies DueUnit with the deployment's unit count and clock.
type Engine struct {
	total int
	loc   *time.Location
	now   func() time.Time
}

// NewEngine returns an Engine counting days in loc. A nil now uses time.Now.
func NewEngine(totalUnits int, loc *time.Location, now func() time.Time) (*Engine, error) {
	if totalUnits < 1 {
		return nil, fmt.Errorf("total units must be >= 1, got %d", totalUnits)
	}
	if loc == nil {
		loc = time.Local
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{total: totalUnits, loc: loc, now: now}, nil
}

func (e *Engine) TotalUnits() int          { return e.total }
func (e *Engine) Location() *time.Location { return e.loc }

// Now is the engine clock in the plan location.
func (e *Engine) Now() time.Time { return e.now().In(e.loc) }

// Due is the unit due dayOffset days after now's local date.
func (e *Engine) Due(rec storage.Record, now time.Time, dayOffset int) (int, error) {
	if err := ValidateRecord(rec, e.total); err != nil {
		return 0, err
	}
	return DueUnit(rec.StartDate, rec.StartUnit, e.total, now.In(e.loc), dayOffset), nil
}

func (e *Engine) Today(rec storage.Record) (int, error)    { return e.Due(rec, e.Now(), 0) }
func (e *Engine) Tomorrow(rec storage.Record) (int, error) { return e.Due(rec, e.Now(), 1) }

// DaysPassed counts days from the start date to now's local date.
func (e *Engine) DaysPassed(rec storage.Record, now time.Time) int {
	return calendar.DaysBetween(rec.StartDate, now.In(e.loc))
}
