package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"khatmbot/internal/config"
	"khatmbot/internal/storage"
	kit "khatmbot/internal/transport"
	logx "khatmbot/pkg/logx"
)

type fakeSender struct {
	mu   sync.Mutex
	sent map[int64][]string
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = map[int64][]string{}
	}
	f.sent[to.ChatID] = append(f.sent[to.ChatID], text)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeSender) count(chatID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent[chatID])
}

func writeUnits(t *testing.T, n int) string {
	t.Helper()
	var sb strings.Builder
	sb.WriteString("index,start_surah,start_ayah,end_surah,end_ayah\n")
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&sb, "%d,S%d,1,,\n", i, i)
	}
	path := filepath.Join(t.TempDir(), "units.csv")
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		t.Fatalf("write units: %v", err)
	}
	return path
}

func testConfig(t *testing.T, units string, total int) *config.Config {
	t.Helper()
	return &config.Config{
		Telegram: config.TelegramConfig{Token: "x", OwnerUserIDs: []int64{1}},
		Storage:  config.StorageConfig{Driver: "file", Path: filepath.Join(t.TempDir(), "users.json")},
		Plan: config.PlanConfig{
			UnitsFile:      units,
			TotalUnits:     total,
			Calendar:       "jalali",
			Timezone:       "Asia/Tehran",
			AskHour:        true,
			TerminalMarker: "An-Nas:6",
		},
		Scheduler: config.SchedulerConfig{Enabled: true},
		Dispatch:  config.DispatchConfig{RatePerSec: 100, RetryBase: "10ms", SendTimeout: "1s"},
	}
}

func TestBuildCoreRejectsUnitCountMismatch(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, writeUnits(t, 10), 120)
	if _, err := buildCore(cfg, &fakeSender{}, nil, logx.Nop()); err == nil {
		t.Fatal("expected error when the unit table and plan.total_units disagree")
	}
}

func TestBuildCoreRejectsBadTerminalMarker(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, writeUnits(t, 10), 10)
	cfg.Plan.TerminalMarker = "An-Nas:last"
	if _, err := buildCore(cfg, &fakeSender{}, nil, logx.Nop()); err == nil {
		t.Fatal("expected terminal marker error")
	}
}

func TestTriggerDispatchesMatchingHour(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, writeUnits(t, 120), 120)
	sender := &fakeSender{}
	c, err := buildCore(cfg, sender, nil, logx.Nop())
	if err != nil {
		t.Fatalf("buildCore: %v", err)
	}
	t.Cleanup(func() { _ = c.store.Close() })

	ctx := context.Background()
	start := time.Date(2024, time.March, 20, 0, 0, 0, 0, time.UTC)
	if err := c.store.Put(ctx, "10", storage.Record{StartDate: start, StartUnit: 1, NotifyHour: storage.Hour(7)}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := c.store.Put(ctx, "11", storage.Record{StartDate: start, StartUnit: 1, NotifyHour: storage.Hour(8)}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := c.store.Put(ctx, "12", storage.Record{StartDate: start, StartUnit: 1}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	at := time.Date(2024, time.March, 22, 7, 0, 0, 0, c.engine.Location())
	c.trigger(logx.Nop())(ctx, at)

	if sender.count(10) != 1 {
		t.Fatalf("hour 7 subscriber got %d messages", sender.count(10))
	}
	if sender.count(11) != 0 || sender.count(12) != 0 {
		t.Fatalf("other subscribers got messages: %d, %d", sender.count(11), sender.count(12))
	}
}

func TestMapDispatchConfig(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Dispatch: config.DispatchConfig{RatePerSec: 5, RetryMax: 2, RetryBase: "250ms", SendTimeout: "3s"}}
	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		t.Fatalf("mapDispatchConfig: %v", err)
	}
	if dc.RatePerSec != 5 || dc.RetryMax != 2 || dc.RetryBase != 250*time.Millisecond || dc.SendTimeout != 3*time.Second {
		t.Fatalf("got %+v", dc)
	}

	cfg.Dispatch.RetryBase = "soon"
	if _, err := mapDispatchConfig(cfg); err == nil {
		t.Fatal("expected duration error")
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      config.StorageConfig
		driver  string
		wantErr bool
	}{
		{name: "default file", in: config.StorageConfig{Path: "u.json"}, driver: "file"},
		{name: "json alias", in: config.StorageConfig{Driver: "JSON", Path: "u.json"}, driver: "file"},
		{name: "sqlite", in: config.StorageConfig{Driver: "sqlite", Path: "u.db", BusyTimeout: "2s"}, driver: "sqlite"},
		{name: "sqlite no path", in: config.StorageConfig{Driver: "sqlite"}, wantErr: true},
		{name: "unknown", in: config.StorageConfig{Driver: "redis", Path: "x"}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sc, err := mapStorageConfig(&config.Config{Storage: tt.in})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("mapStorageConfig: %v", err)
			}
			if sc.Driver != tt.driver {
				t.Fatalf("driver = %q, want %q", sc.Driver, tt.driver)
			}
		})
	}
}

func TestLogTarget(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	if logTarget(cfg) != 0 {
		t.Fatal("empty group_log should give no target")
	}
	cfg.Telegram.GroupLog = " -1001234 "
	if got := logTarget(cfg); got != -1001234 {
		t.Fatalf("logTarget = %d", got)
	}
	cfg.Telegram.GroupLog = "@channel"
	if logTarget(cfg) != 0 {
		t.Fatal("non-numeric group_log should give no target")
	}
}

func TestSchedulerFollowsPlanTimezone(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Plan: config.PlanConfig{Timezone: "Asia/Tehran"}, Scheduler: config.SchedulerConfig{Enabled: true, Spec: "0 * * * *"}}
	sc := mapSchedulerConfig(cfg)
	if sc.Timezone != "Asia/Tehran" || !sc.Enabled || sc.Spec != "0 * * * *" {
		t.Fatalf("got %+v", sc)
	}
}
