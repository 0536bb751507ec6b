package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"khatmbot/internal/eventbus"
	"khatmbot/internal/plan"
	"khatmbot/internal/storage"
	kit "khatmbot/internal/transport"
	logx "khatmbot/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  map[int64][]string
	calls map[int64]int
	// fail decides the error for a chat on a given attempt (1-based).
	fail func(chatID int64, attempt int) error
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: map[int64][]string{}, calls: map[int64]int{}}
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[to.ChatID]++
	if f.fail != nil {
		if err := f.fail(to.ChatID, f.calls[to.ChatID]); err != nil {
			return kit.MessageRef{}, err
		}
	}
	f.sent[to.ChatID] = append(f.sent[to.ChatID], text)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

const total = 120

func fixture(t *testing.T, sender kit.Sender, bus eventbus.Bus) (*Pass, storage.SubscriberStore) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "users.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	units := make([]plan.Unit, total)
	for i := range units {
		units[i] = plan.Unit{Index: i + 1, Start: plan.Location{Surah: fmt.Sprintf("S%d", i+1), Ayah: 1}}
	}
	tab, err := plan.NewUnitTable(units, plan.Location{Surah: "End", Ayah: 6})
	if err != nil {
		t.Fatalf("NewUnitTable: %v", err)
	}
	eng, err := plan.NewEngine(total, time.UTC, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	p, err := New(Config{RatePerSec: 1000, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, Deps{
		Store: st, Engine: eng, Units: tab, Sender: sender, Bus: bus, Log: logx.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, st
}

var startDay = time.Date(2024, time.March, 21, 0, 0, 0, 0, time.UTC)

func put(t *testing.T, st storage.SubscriberStore, id string, rec storage.Record) {
	t.Helper()
	if err := st.Put(context.Background(), id, rec); err != nil {
		t.Fatalf("Put %s: %v", id, err)
	}
}

func TestRunIsolatesMalformedRecord(t *testing.T) {
	t.Parallel()
	sender := newFakeSender()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64, "dispatch.")
	defer unsub()
	p, st := fixture(t, sender, bus)

	const valid = 5
	for i := 1; i <= valid; i++ {
		put(t, st, fmt.Sprint(1000+i), storage.Record{StartDate: startDay, StartUnit: i})
	}
	put(t, st, "2000", storage.Record{StartDate: startDay, StartUnit: 999})

	rep := p.Run(context.Background(), startDay.Add(9*time.Hour), All())
	if rep.Sent() != valid || rep.Failed() != 1 {
		t.Fatalf("sent=%d failed=%d, want %d/1", rep.Sent(), rep.Failed(), valid)
	}
	for _, o := range rep.Outcomes {
		if o.SubscriberID == "2000" {
			if !errors.Is(o.Err, ErrMalformedRecord) {
				t.Fatalf("bad record outcome = %v", o.Err)
			}
			continue
		}
		if o.Err != nil {
			t.Fatalf("outcome %s: %v", o.SubscriberID, o.Err)
		}
	}
	if _, ok := sender.sent[2000]; ok {
		t.Fatal("malformed record was sent a message")
	}
	if got := sender.sent[1003]; len(got) != 1 || !strings.Contains(got[0], "S3") {
		t.Fatalf("subscriber 1003 got %q", got)
	}

	var sent, failed, done int
	for len(events) > 0 {
		switch (<-events).Type {
		case eventbus.DispatchSent:
			sent++
		case eventbus.DispatchFailed:
			failed++
		case eventbus.DispatchDone:
			done++
		}
	}
	if sent != valid || failed != 1 || done != 1 {
		t.Fatalf("events sent=%d failed=%d done=%d", sent, failed, done)
	}
}

func TestRunIsolatesDeliveryFailure(t *testing.T) {
	t.Parallel()
	sender := newFakeSender()
	sender.fail = func(chatID int64, _ int) error {
		if chatID == 7 {
			return fmt.Errorf("%w: bot was blocked", kit.ErrPermanent)
		}
		return nil
	}
	p, st := fixture(t, sender, nil)
	for _, id := range []string{"6", "7", "8"} {
		put(t, st, id, storage.Record{StartDate: startDay, StartUnit: 1})
	}

	rep := p.Run(context.Background(), startDay, All())
	if rep.Sent() != 2 || rep.Failed() != 1 {
		t.Fatalf("sent=%d failed=%d", rep.Sent(), rep.Failed())
	}
	if sender.calls[7] != 1 {
		t.Fatalf("permanent failure retried %d times", sender.calls[7])
	}
}

func TestRunRetriesTransientFailure(t *testing.T) {
	t.Parallel()
	sender := newFakeSender()
	sender.fail = func(_ int64, attempt int) error {
		if attempt == 1 {
			return errors.New("timeout")
		}
		return nil
	}
	p, st := fixture(t, sender, nil)
	put(t, st, "9", storage.Record{StartDate: startDay, StartUnit: 1})

	rep := p.Run(context.Background(), startDay, All())
	if rep.Sent() != 1 || sender.calls[9] != 2 {
		t.Fatalf("sent=%d calls=%d", rep.Sent(), sender.calls[9])
	}
}

func TestRunAtHourFilters(t *testing.T) {
	t.Parallel()
	sender := newFakeSender()
	p, st := fixture(t, sender, nil)
	put(t, st, "1", storage.Record{StartDate: startDay, StartUnit: 1, NotifyHour: storage.Hour(7)})
	put(t, st, "2", storage.Record{StartDate: startDay, StartUnit: 1, NotifyHour: storage.Hour(8)})
	put(t, st, "3", storage.Record{StartDate: startDay, StartUnit: 1})

	rep := p.Run(context.Background(), startDay.Add(7*time.Hour), AtHour(7))
	if rep.Sent() != 1 || rep.Skipped != 2 {
		t.Fatalf("sent=%d skipped=%d", rep.Sent(), rep.Skipped)
	}
	if len(sender.sent[1]) != 1 {
		t.Fatal("subscriber at hour 7 not notified")
	}
}

func TestPayloadUsesEndMarkerForLastUnit(t *testing.T) {
	t.Parallel()
	p, _ := fixture(t, newFakeSender(), nil)
	rec := storage.Record{StartDate: startDay, StartUnit: total}
	pl, err := p.Payload("1", rec, startDay, 0)
	if err != nil {
		t.Fatalf("Payload: %v", err)
	}
	if pl.Unit.Index != total || pl.End.Surah != "End" {
		t.Fatalf("payload = %+v", pl)
	}
	next, err := p.Payload("1", rec, startDay, 1)
	if err != nil || next.Unit.Index != 1 {
		t.Fatalf("next day = %+v, %v", next, err)
	}
}

func TestRetryDelayIsBounded(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}.withDefaults()
	for attempt := 1; attempt < 10; attempt++ {
		if d := retryDelay(cfg, attempt); d <= 0 || d > time.Second {
			t.Fatalf("retryDelay(%d) = %s", attempt, d)
		}
	}
}
