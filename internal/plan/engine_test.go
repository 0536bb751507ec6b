package plan

import (
	"errors"
	"testing"
	"time"

	"khatmbot/internal/storage"
)

func date(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

func TestDueUnitStaysInRange(t *testing.T) {
	t.Parallel()
	start := date(2024, time.March, 21)
	for _, n := range []int{1, 7, 60, 120} {
		for u := 1; u <= n; u++ {
			for off := -3 * n; off <= 3*n; off += 7 {
				got := DueUnit(start, u, n, start, off)
				if got < 1 || got > n {
					t.Fatalf("DueUnit(u=%d, n=%d, off=%d) = %d out of range", u, n, off, got)
				}
			}
		}
	}
}

func TestDueUnitOnStartDateIsStartUnit(t *testing.T) {
	t.Parallel()
	start := date(2024, time.March, 21)
	for u := 1; u <= 120; u++ {
		if got := DueUnit(start, u, 120, start, 0); got != u {
			t.Fatalf("DueUnit on start day = %d, want %d", got, u)
		}
	}
}

func TestDueUnitWithCenturiesOldStart(t *testing.T) {
	t.Parallel()
	// 119069 days elapsed; 119069 mod 120 = 29.
	if got := DueUnit(date(1700, time.January, 1), 1, 120, date(2026, time.January, 1), 0); got != 30 {
		t.Fatalf("DueUnit = %d, want 30", got)
	}
}

func TestDueUnitIsPeriodic(t *testing.T) {
	t.Parallel()
	start := date(2024, time.March, 21)
	const n = 120
	for _, u := range []int{1, 5, 119, 120} {
		for k := -250; k <= 250; k += 13 {
			a := DueUnit(start, u, n, start, k)
			b := DueUnit(start, u, n, start, k+n)
			if a != b {
				t.Fatalf("u=%d k=%d: %d != %d", u, k, a, b)
			}
		}
	}
}

func TestDueUnitScenarios(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		start  time.Time
		unit   int
		today  time.Time
		offset int
		want   int
	}{
		{name: "today on start day", start: date(2024, time.March, 21), unit: 5, today: date(2024, time.March, 21), offset: 0, want: 5},
		{name: "tomorrow on start day", start: date(2024, time.March, 21), unit: 5, today: date(2024, time.March, 21), offset: 1, want: 6},
		{name: "wraps past last unit", start: date(2024, time.March, 21), unit: 120, today: date(2024, time.March, 21), offset: 1, want: 1},
		{name: "yesterday from first unit", start: date(2024, time.March, 21), unit: 1, today: date(2024, time.March, 21), offset: -1, want: 120},
		{name: "before the start date", start: date(2024, time.March, 21), unit: 3, today: date(2024, time.March, 18), offset: 0, want: 120},
		{name: "full cycle later", start: date(2024, time.January, 1), unit: 10, today: date(2024, time.January, 1).AddDate(0, 0, 120), offset: 0, want: 10},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := DueUnit(tt.start, tt.unit, 120, tt.today, tt.offset); got != tt.want {
				t.Fatalf("DueUnit = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestValidateRecord(t *testing.T) {
	t.Parallel()
	good := storage.Record{StartDate: date(2024, time.March, 21), StartUnit: 5, NotifyHour: storage.Hour(0)}
	if err := ValidateRecord(good, 120); err != nil {
		t.Fatalf("valid record rejected: %v", err)
	}
	bad := []storage.Record{
		{StartDate: date(2024, time.March, 21), StartUnit: 0},
		{StartDate: date(2024, time.March, 21), StartUnit: 121},
		{StartUnit: 5},
		{StartDate: date(2024, time.March, 21), StartUnit: 5, NotifyHour: storage.Hour(24)},
	}
	for i, r := range bad {
		if err := ValidateRecord(r, 120); !errors.Is(err, ErrMalformedRecord) {
			t.Fatalf("case %d: err = %v, want ErrMalformedRecord", i, err)
		}
	}
}

func TestEngineUsesPlanTimezone(t *testing.T) {
	t.Parallel()
	tehran := time.FixedZone("IRST", 3*3600+1800)
	// 21:00 UTC on the 20th is already the 21st in Tehran.
	clock := func() time.Time { return time.Date(2024, time.March, 20, 21, 0, 0, 0, time.UTC) }
	e, err := NewEngine(120, tehran, clock)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	rec := storage.Record{StartDate: date(2024, time.March, 21), StartUnit: 5}

	today, err := e.Today(rec)
	if err != nil || today != 5 {
		t.Fatalf("Today = %d, %v; want 5", today, err)
	}
	tomorrow, err := e.Tomorrow(rec)
	if err != nil || tomorrow != 6 {
		t.Fatalf("Tomorrow = %d, %v; want 6", tomorrow, err)
	}
	if got := e.DaysPassed(rec, clock().Add(48*time.Hour)); got != 2 {
		t.Fatalf("DaysPassed = %d, want 2", got)
	}
	if _, err := e.Today(storage.Record{StartDate: rec.StartDate, StartUnit: 500}); !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("Today on bad record = %v", err)
	}
}

func TestNewEngineRejectsZeroUnits(t *testing.T) {
	t.Parallel()
	if _, err := NewEngine(0, time.UTC, nil); err == nil {
		t.Fatal("expected error")
	}
}
