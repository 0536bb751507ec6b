package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// DateLayout is the persisted form of Record.StartDate.
const DateLayout = "2006-01-02"

// Config configures storage.
//
// Driver values:
//   - "file": one JSON object keyed by subscriber id, rewritten atomically
//   - "sqlite": SQLite database file (modernc.org/sqlite)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Record is one subscriber's reading plan. StartDate is a civil date held
// as UTC midnight. NotifyHour is nil for deployments without a push hour.
type Record struct {
	StartDate  time.Time
	StartUnit  int
	NotifyHour *int
	Username   string
	FirstName  string
}

// Entry pairs a record with its subscriber id.
type Entry struct {
	ID     string
	Record Record
}

type recordWire struct {
	StartDate  string `json:"start_date"`
	StartUnit  int    `json:"start_unit"`
	NotifyHour *int   `json:"notify_hour,omitempty"`
	Username   string `json:"username,omitempty"`
	FirstName  string `json:"first_name,omitempty"`
}

func (r Record) MarshalJSON() ([]byte, error) {
	w := recordWire{
		StartUnit:  r.StartUnit,
		NotifyHour: r.NotifyHour,
		Username:   r.Username,
		FirstName:  r.FirstName,
	}
	if !r.StartDate.IsZero() {
		w.StartDate = r.StartDate.Format(DateLayout)
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts a blank or unparsable start_date and leaves
// StartDate zero, so a damaged record still loads and is reported later
// instead of poisoning the whole store.
func (r *Record) UnmarshalJSON(b []byte) error {
	var w recordWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*r = Record{
		StartUnit:  w.StartUnit,
		NotifyHour: w.NotifyHour,
		Username:   w.Username,
		FirstName:  w.FirstName,
	}
	if w.StartDate != "" {
		if d, err := time.Parse(DateLayout, w.StartDate); err == nil {
			r.StartDate = d
		}
	}
	return nil
}

func (r Record) String() string {
	h := "-"
	if r.NotifyHour != nil {
		h = fmt.Sprint(*r.NotifyHour)
	}
	return fmt.Sprintf("unit=%d start=%s hour=%s", r.StartUnit, r.StartDate.Format(DateLayout), h)
}

// Hour returns a pointer suitable for Record.NotifyHour.
func Hour(h int) *int { return &h }
