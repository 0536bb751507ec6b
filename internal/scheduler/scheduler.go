// Package scheduler fires the dispatch trigger on a cron schedule in the
// plan timezone.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	_ "time/tzdata" // zone names must resolve in minimal containers

	"github.com/robfig/cron/v3"

	logx "khatmbot/pkg/logx"
)

// DefaultSpec fires at minute zero of every hour.
const DefaultSpec = "0 * * * *"

type Config struct {
	Enabled  bool
	Spec     string
	Timezone string
}

// Trigger receives the firing time in the configured location.
type Trigger func(ctx context.Context, at time.Time)

type Service struct {
	log     logx.Logger
	parser  cron.Parser
	trigger Trigger

	mu    sync.Mutex
	cfg   Config
	ctx   context.Context
	c     *cron.Cron
	loc   *time.Location
	sched cron.Schedule
	last  time.Time
	fired uint64
}

func New(cfg Config, trigger Trigger, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:     log.With(logx.String("comp", "scheduler")),
		trigger: trigger,
		cfg:     cfg,
		// SecondOptional allows both 5-field and 6-field (with seconds) specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Validate checks spec and timezone without starting anything.
func (s *Service) Validate(cfg Config) error {
	if _, err := s.parser.Parse(specOf(cfg)); err != nil {
		return fmt.Errorf("scheduler spec %q: %w", specOf(cfg), err)
	}
	if _, err := loadLocation(cfg.Timezone); err != nil {
		return err
	}
	return nil
}

func specOf(cfg Config) string {
	if s := strings.TrimSpace(cfg.Spec); s != "" {
		return s
	}
	return DefaultSpec
}

func loadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", name, err)
	}
	return loc, nil
}

// Start begins firing. It is a no-op when disabled or already running.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	if err := s.Validate(s.cfg); err != nil {
		return err
	}
	loc, _ := loadLocation(s.cfg.Timezone)
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	spec := specOf(s.cfg)
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("scheduler spec %q: %w", spec, err)
	}
	c.Schedule(sched, cron.FuncJob(s.fire))
	s.c, s.loc, s.sched = c, loc, sched
	c.Start()
	s.log.Info("scheduler started", logx.String("spec", spec), logx.String("tz", loc.String()), logx.Time("next", sched.Next(time.Now().In(loc))))
	return nil
}

func (s *Service) fire() {
	s.mu.Lock()
	ctx, loc := s.ctx, s.loc
	now := time.Now().In(loc)
	s.last = now
	s.fired++
	s.mu.Unlock()

	if ctx == nil || ctx.Err() != nil {
		return
	}
	s.log.Debug("scheduler fired", logx.Time("at", now))
	s.trigger(ctx, now)
}

// Stop halts firing and waits for a running trigger until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// Apply swaps the config, restarting cron when anything relevant changed.
func (s *Service) Apply(cfg Config) error {
	if cfg.Enabled {
		if err := s.Validate(cfg); err != nil {
			return err
		}
	}
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	running := s.c
	started := s.ctx != nil
	s.mu.Unlock()

	if old == cfg || !started {
		return nil
	}
	if running != nil {
		<-running.Stop().Done()
		s.mu.Lock()
		if s.c == running {
			s.c = nil
		}
		s.mu.Unlock()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.Info("scheduler config changed", logx.Bool("enabled", cfg.Enabled), logx.String("spec", specOf(cfg)))
	return s.startLocked()
}

// Snapshot describes the scheduler for status output.
type Snapshot struct {
	Running bool
	Spec    string
	Next    time.Time
	Last    time.Time
	Fired   uint64
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Running: s.c != nil, Spec: specOf(s.cfg), Last: s.last, Fired: s.fired}
	if s.c != nil {
		snap.Next = s.sched.Next(time.Now().In(s.loc))
	}
	return snap
}

// cronLogger routes robfig/cron's logging through logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	if msg == "skip" {
		l.log.Warn("scheduler tick skipped: previous run still going")
		return
	}
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
