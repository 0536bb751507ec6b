// Package app wires config, storage, the plan, registration, dispatch and
// the Telegram adapter into one process and fans out config reloads.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"khatmbot/internal/bot"
	"khatmbot/internal/calendar"
	"khatmbot/internal/config"
	"khatmbot/internal/dispatch"
	"khatmbot/internal/eventbus"
	"khatmbot/internal/plan"
	"khatmbot/internal/registration"
	"khatmbot/internal/runtime/supervisor"
	"khatmbot/internal/scheduler"
	"khatmbot/internal/storage"
	kit "khatmbot/internal/transport"
	telegram "khatmbot/internal/transport/telegram/adapter"
	logx "khatmbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	adapter kit.Adapter
	core    *core
	sched   *scheduler.Service

	updates chan kit.Update
}

// core is everything that does not talk to the network on construction.
type core struct {
	store  storage.SubscriberStore
	units  *plan.UnitTable
	engine *plan.Engine
	flow   *registration.Flow
	pass   *dispatch.Pass
	bot    *bot.Bot
}

// buildCore opens the store and loads the plan. The unit table must have
// exactly plan.total_units rows.
func buildCore(cfg *config.Config, sender kit.Sender, bus eventbus.Bus, log logx.Logger) (*core, error) {
	cal, err := calendar.ByName(cfg.Plan.Calendar)
	if err != nil {
		return nil, err
	}
	var terminal plan.Location
	if raw := strings.TrimSpace(cfg.Plan.TerminalMarker); raw != "" {
		if terminal, err = plan.ParseLocation(raw); err != nil {
			return nil, fmt.Errorf("plan.terminal_marker: %w", err)
		}
	}
	units, err := plan.LoadUnits(cfg.Plan.UnitsFile, terminal)
	if err != nil {
		return nil, err
	}
	if units.Len() != cfg.Plan.TotalUnits {
		return nil, fmt.Errorf("plan: %s has %d units, plan.total_units is %d", cfg.Plan.UnitsFile, units.Len(), cfg.Plan.TotalUnits)
	}
	engine, err := plan.NewEngine(cfg.Plan.TotalUnits, cfg.Plan.Location(), nil)
	if err != nil {
		return nil, err
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	c := &core{store: store, units: units, engine: engine}
	fail := func(err error) (*core, error) {
		_ = store.Close()
		return nil, err
	}

	c.flow, err = registration.New(registration.Config{
		TotalUnits: cfg.Plan.TotalUnits,
		AskHour:    cfg.Plan.AskHour,
		Calendar:   cal,
	}, store, log)
	if err != nil {
		return fail(err)
	}

	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		return fail(err)
	}
	c.pass, err = dispatch.New(dc, dispatch.Deps{
		Store:  store,
		Engine: engine,
		Units:  units,
		Sender: sender,
		Render: bot.DailyRenderer(cal),
		Bus:    bus,
		Log:    log,
	})
	if err != nil {
		return fail(err)
	}

	c.bot, err = bot.New(bot.Deps{
		Sender:   sender,
		Store:    store,
		Flow:     c.flow,
		Engine:   engine,
		Units:    units,
		Calendar: cal,
		Dispatch: c.pass,
		Owners:   cfg.Telegram.OwnerUserIDs,
		Log:      log,
	})
	if err != nil {
		return fail(err)
	}
	return c, nil
}

// trigger is the scheduler job: dispatch to subscribers whose notify hour
// is the local hour of the firing.
func (c *core) trigger(log logx.Logger) scheduler.Trigger {
	return func(ctx context.Context, at time.Time) {
		rep := c.pass.Run(ctx, at, dispatch.AtHour(at.Hour()))
		log.Debug("hourly dispatch finished", logx.Int("hour", at.Hour()), logx.Int("sent", rep.Sent()), logx.Int("failed", rep.Failed()))
	}
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, bootLog)
	if err != nil {
		return nil, err
	}

	// Telegram logging starts disabled so Apply does not warn before the
	// target chat is known.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, root := logx.New(bootCfg, ad)
	if id := logTarget(cfg); id != 0 {
		logSvc.SetTelegramTarget(id, cfg.Logging.Telegram.ThreadID)
	}
	logSvc.Apply(logCfg)
	log := root.With(logx.String("comp", "app"))

	bus := eventbus.New()
	c, err := buildCore(cfg, ad, bus, root)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("plan loaded",
		logx.Int("units", c.units.Len()),
		logx.String("calendar", cfg.Plan.Calendar),
		logx.String("tz", c.engine.Location().String()),
		logx.String("storage", cfg.Storage.Driver),
	)

	sched := scheduler.New(mapSchedulerConfig(cfg), c.trigger(log), root)
	c.bot.SetScheduler(sched)

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		adapter: ad,
		core:    c,
		sched:   sched,
		updates: make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is cancelled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if _, err := mapDispatchConfig(cfg); err != nil {
			return err
		}
		return a.sched.Validate(mapSchedulerConfig(cfg))
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if err := a.core.bot.PublishMenu(a.sup.Context()); err != nil {
		a.log.Warn("command menu not published", logx.Err(err))
	}
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("bot", func(c context.Context) error {
		return a.core.bot.Run(c, a.updates)
	})

	events, unsub := a.bus.Subscribe(64, eventbus.DispatchDone, eventbus.DispatchFailed)
	a.sup.Go0("dispatch.events", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.logEvent(e)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started")
	return nil
}

func (a *App) logEvent(e eventbus.Event) {
	switch d := e.Data.(type) {
	case dispatch.DoneEvent:
		a.log.Debug("dispatch event",
			logx.Int("sent", d.Sent),
			logx.Int("failed", d.Failed),
			logx.Int("skipped", d.Skipped),
			logx.Duration("took", d.Took),
		)
	case dispatch.Outcome:
		a.log.Debug("dispatch failure", logx.String("subscriber", d.SubscriberID), logx.Err(d.Err))
	default:
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	}
}

// applyConfig pushes the live-reloadable sections into running services.
func (a *App) applyConfig(prev, next *config.Config) {
	changed, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.Strings("sections", restart))
	}

	a.logs.SetTelegramTarget(logTarget(next), next.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLogConfig(next))

	a.core.bot.SetOwners(next.Telegram.OwnerUserIDs)

	if dc, err := mapDispatchConfig(next); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.core.pass.Apply(dc)
	}
	if err := a.sched.Apply(mapSchedulerConfig(next)); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Scheduler first so no new pass starts while the adapter goes away.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(c context.Context) error { return a.core.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
