package registration

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"khatmbot/internal/calendar"
	"khatmbot/internal/storage"
	logx "khatmbot/pkg/logx"
)

type memStore struct {
	mu      sync.Mutex
	data    map[string]storage.Record
	failPut error
	failDel error
}

func newMemStore() *memStore { return &memStore{data: map[string]storage.Record{}} }

func (m *memStore) Get(_ context.Context, id string) (storage.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.data[id]
	return r, ok, nil
}

func (m *memStore) Put(_ context.Context, id string, rec storage.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut != nil {
		return m.failPut
	}
	m.data[id] = rec
	return nil
}

func (m *memStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDel != nil {
		return m.failDel
	}
	delete(m.data, id)
	return nil
}

func (m *memStore) All(context.Context) ([]storage.Entry, error) { return nil, nil }
func (m *memStore) Close() error                                 { return nil }

func newFlow(t *testing.T, st storage.SubscriberStore, askHour bool) *Flow {
	t.Helper()
	f, err := New(Config{TotalUnits: 120, AskHour: askHour, Calendar: calendar.Jalali{}}, st, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func step(t *testing.T, f *Flow, who Who, text string, wantStep Step, wantReason Reason) Reply {
	t.Helper()
	r, err := f.Handle(context.Background(), who, text)
	if err != nil {
		t.Fatalf("Handle(%q): %v", text, err)
	}
	if r.Step != wantStep || r.Reason != wantReason {
		t.Fatalf("Handle(%q) = step %s reason %s, want %s/%s", text, r.Step, r.Reason, wantStep, wantReason)
	}
	return r
}

func TestRegistrationWithRejectedAnswers(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "users.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	f := newFlow(t, st, true)
	who := Who{ID: "42", Username: "reader", FirstName: "Reza"}
	ctx := context.Background()

	if r, err := f.Begin(ctx, who); err != nil || r.Step != StepAwaitingUnit {
		t.Fatalf("Begin = %+v, %v", r, err)
	}
	step(t, f, who, "150", StepAwaitingUnit, ReasonOutOfRange)
	step(t, f, who, "45", StepAwaitingDate, ReasonNone)
	step(t, f, who, "2024-13-40", StepAwaitingDate, ReasonBadDate)
	step(t, f, who, "1403-01-01", StepAwaitingHour, ReasonNone)
	step(t, f, who, "25", StepAwaitingHour, ReasonOutOfRange)

	if _, ok, _ := st.Get(ctx, who.ID); ok {
		t.Fatal("record stored before the last step")
	}

	r := step(t, f, who, "7", StepIdle, ReasonNone)
	if r.Committed == nil {
		t.Fatal("expected committed record")
	}

	got, ok, err := st.Get(ctx, who.ID)
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	want := time.Date(2024, time.March, 20, 0, 0, 0, 0, time.UTC)
	if got.StartUnit != 45 || !got.StartDate.Equal(want) || got.NotifyHour == nil || *got.NotifyHour != 7 {
		t.Fatalf("stored = %+v", got)
	}
	if got.Username != "reader" || got.FirstName != "Reza" {
		t.Fatalf("display fields not kept: %+v", got)
	}
	if f.Sessions().Step(who.ID) != StepIdle {
		t.Fatal("session survived commit")
	}
}

func TestBeginTwiceClearsRecord(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	st.data["1"] = storage.Record{StartUnit: 3}
	f := newFlow(t, st, true)
	who := Who{ID: "1"}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		r, err := f.Begin(ctx, who)
		if err != nil {
			t.Fatalf("Begin #%d: %v", i+1, err)
		}
		if r.Step != StepAwaitingUnit {
			t.Fatalf("Begin #%d step = %s", i+1, r.Step)
		}
		if _, ok, _ := st.Get(ctx, "1"); ok {
			t.Fatalf("record present after Begin #%d", i+1)
		}
		if f.Sessions().Step("1") != StepAwaitingUnit {
			t.Fatalf("session step after Begin #%d = %s", i+1, f.Sessions().Step("1"))
		}
	}
}

func TestBeginRestartsMidway(t *testing.T) {
	t.Parallel()
	f := newFlow(t, newMemStore(), true)
	who := Who{ID: "9"}
	ctx := context.Background()
	_, _ = f.Begin(ctx, who)
	step(t, f, who, "12", StepAwaitingDate, ReasonNone)
	_, _ = f.Begin(ctx, who)
	step(t, f, who, "1403-01-01", StepAwaitingUnit, ReasonNotNumber)
}

func TestHandleWithoutSession(t *testing.T) {
	t.Parallel()
	f := newFlow(t, newMemStore(), true)
	if _, err := f.Handle(context.Background(), Who{ID: "5"}, "12"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Handle err = %v, want ErrNoSession", err)
	}
}

func TestCancelDropsSessionOnly(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	f := newFlow(t, st, true)
	who := Who{ID: "3"}
	ctx := context.Background()

	_, _ = f.Begin(ctx, who)
	step(t, f, who, "10", StepAwaitingDate, ReasonNone)
	if !f.Cancel(who) {
		t.Fatal("Cancel returned false with an open session")
	}
	if f.Cancel(who) {
		t.Fatal("second Cancel returned true")
	}
	if _, err := f.Handle(ctx, who, "1403-01-01"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Handle after cancel = %v", err)
	}
	if len(st.data) != 0 {
		t.Fatalf("cancel wrote to the store: %+v", st.data)
	}
}

func TestFailedCommitKeepsSession(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	f := newFlow(t, st, true)
	who := Who{ID: "8"}
	ctx := context.Background()

	_, _ = f.Begin(ctx, who)
	step(t, f, who, "1", StepAwaitingDate, ReasonNone)
	step(t, f, who, "1403-01-01", StepAwaitingHour, ReasonNone)

	st.failPut = errors.New("disk full")
	r, err := f.Handle(ctx, who, "6")
	if err == nil {
		t.Fatal("expected store error")
	}
	if r.Step != StepAwaitingHour || f.Sessions().Step(who.ID) != StepAwaitingHour {
		t.Fatalf("session moved after failed commit: reply %s, session %s", r.Step, f.Sessions().Step(who.ID))
	}
	if len(st.data) != 0 {
		t.Fatal("partial record stored")
	}

	st.failPut = nil
	step(t, f, who, "6", StepIdle, ReasonNone)
	if _, ok, _ := st.Get(ctx, who.ID); !ok {
		t.Fatal("retry after failure did not commit")
	}
}

func TestFailedResetKeepsRecord(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	st.data["4"] = storage.Record{StartUnit: 2}
	st.failDel = errors.New("read-only")
	f := newFlow(t, st, true)

	if _, err := f.Begin(context.Background(), Who{ID: "4"}); err == nil {
		t.Fatal("expected error")
	}
	if _, ok := st.data["4"]; !ok {
		t.Fatal("record lost")
	}
	if f.Sessions().Step("4") != StepIdle {
		t.Fatal("session opened despite failed reset")
	}
}

func TestWithoutHourCommitsAfterDate(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	f := newFlow(t, st, false)
	who := Who{ID: "11"}
	_, _ = f.Begin(context.Background(), who)
	step(t, f, who, "۱۲۰", StepAwaitingDate, ReasonNone)
	r := step(t, f, who, "1403-1-1", StepIdle, ReasonNone)
	if r.Committed == nil || r.Committed.NotifyHour != nil || r.Committed.StartUnit != 120 {
		t.Fatalf("committed = %+v", r.Committed)
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	f := newFlow(t, st, true)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		who := Who{ID: string(rune('a' + i))}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.Begin(ctx, who)
			_, _ = f.Handle(ctx, who, "5")
			_, _ = f.Handle(ctx, who, "1403-01-01")
			_, _ = f.Handle(ctx, who, "0")
		}()
	}
	wg.Wait()
	if len(st.data) != 20 {
		t.Fatalf("records = %d, want 20", len(st.data))
	}
	if f.Sessions().Len() != 0 {
		t.Fatalf("open sessions = %d", f.Sessions().Len())
	}
}
