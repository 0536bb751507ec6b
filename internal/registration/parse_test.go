package registration

import (
	"testing"

	"khatmbot/internal/calendar"
)

func TestParseUnit(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want UnitResult
	}{
		{in: "1", want: UnitResult{Unit: 1}},
		{in: " 120 ", want: UnitResult{Unit: 120}},
		{in: "۴۵", want: UnitResult{Unit: 45}},
		{in: "0", want: UnitResult{Unit: 0, Reason: ReasonOutOfRange}},
		{in: "121", want: UnitResult{Unit: 121, Reason: ReasonOutOfRange}},
		{in: "ten", want: UnitResult{Reason: ReasonNotNumber}},
		{in: "", want: UnitResult{Reason: ReasonNotNumber}},
	}
	for _, tt := range tests {
		if got := ParseUnit(tt.in, 120); got != tt.want {
			t.Fatalf("ParseUnit(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestParseHour(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want Reason
	}{
		{in: "0", want: ReasonNone},
		{in: "23", want: ReasonNone},
		{in: "24", want: ReasonOutOfRange},
		{in: "-1", want: ReasonOutOfRange},
		{in: "7am", want: ReasonNotNumber},
	}
	for _, tt := range tests {
		if got := ParseHour(tt.in); got.Reason != tt.want {
			t.Fatalf("ParseHour(%q) reason = %s, want %s", tt.in, got.Reason, tt.want)
		}
	}
}

func TestParseStartDate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want Reason
	}{
		{in: "1403-01-01", want: ReasonNone},
		{in: "۱۴۰۳-۰۱-۰۱", want: ReasonNone},
		{in: "1403-12-31", want: ReasonBadDate},
		{in: "2024-13-40", want: ReasonBadDate},
		{in: "1403/01/01", want: ReasonBadFormat},
		{in: "فردا", want: ReasonBadFormat},
	}
	for _, tt := range tests {
		if got := ParseStartDate(calendar.Jalali{}, tt.in); got.Reason != tt.want {
			t.Fatalf("ParseStartDate(%q) reason = %s, want %s", tt.in, got.Reason, tt.want)
		}
	}
}
