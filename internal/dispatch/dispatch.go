// Package dispatch sends every due subscriber their unit for the day.
// One subscriber's failure is recorded in the report and never stops the
// pass for anyone else.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"khatmbot/internal/eventbus"
	"khatmbot/internal/plan"
	"khatmbot/internal/storage"
	kit "khatmbot/internal/transport"
	logx "khatmbot/pkg/logx"
)

// ErrMalformedRecord is plan.ErrMalformedRecord, re-exported for callers
// that only deal with dispatch outcomes.
var ErrMalformedRecord = plan.ErrMalformedRecord

type Config struct {
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 20
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

// Payload is what a subscriber is told for one day.
type Payload struct {
	SubscriberID string
	Record       storage.Record
	Date         time.Time // local date the unit is due
	Unit         plan.Unit
	End          plan.Location
}

// Renderer turns a payload into message text.
type Renderer func(Payload) string

// Filter selects which records a pass considers. now is in plan time.
type Filter func(rec storage.Record, now time.Time) bool

// All selects every record.
func All() Filter { return func(storage.Record, time.Time) bool { return true } }

// AtHour selects records whose notify hour is h.
func AtHour(h int) Filter {
	return func(rec storage.Record, _ time.Time) bool {
		return rec.NotifyHour != nil && *rec.NotifyHour == h
	}
}

// Outcome is the result for one subscriber. Err is nil on success.
type Outcome struct {
	SubscriberID string
	Unit         int
	Err          error
}

type Report struct {
	Started  time.Time
	Finished time.Time
	Outcomes []Outcome
	Skipped  int // records the filter left out
}

func (r Report) Sent() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Err == nil {
			n++
		}
	}
	return n
}

func (r Report) Failed() int { return len(r.Outcomes) - r.Sent() }

// DoneEvent is the Data of a dispatch.done event.
type DoneEvent struct {
	Sent    int
	Failed  int
	Skipped int
	Took    time.Duration
}

// Pass runs dispatch sweeps. It is safe for concurrent use; Apply may be
// called while a sweep is running and affects the next send.
type Pass struct {
	store  storage.SubscriberStore
	engine *plan.Engine
	units  *plan.UnitTable
	sender kit.Sender
	render Renderer
	bus    eventbus.Bus
	log    logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
}

type Deps struct {
	Store  storage.SubscriberStore
	Engine *plan.Engine
	Units  *plan.UnitTable
	Sender kit.Sender
	Render Renderer
	Bus    eventbus.Bus
	Log    logx.Logger
}

func New(cfg Config, d Deps) (*Pass, error) {
	if d.Store == nil || d.Engine == nil || d.Units == nil || d.Sender == nil {
		return nil, errors.New("dispatch: store, engine, units and sender are required")
	}
	if d.Render == nil {
		d.Render = PlainText
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	p := &Pass{
		store:  d.Store,
		engine: d.Engine,
		units:  d.Units,
		sender: d.Sender,
		render: d.Render,
		bus:    d.Bus,
		log:    d.Log.With(logx.String("comp", "dispatch")),
	}
	p.Apply(cfg)
	return p, nil
}

func (p *Pass) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	p.mu.Lock()
	p.cfg = cfg
	p.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	p.mu.Unlock()
}

// Payload computes what id should read on now's date without sending it.
func (p *Pass) Payload(id string, rec storage.Record, now time.Time, dayOffset int) (Payload, error) {
	idx, err := p.engine.Due(rec, now, dayOffset)
	if err != nil {
		return Payload{}, err
	}
	u, err := p.units.Lookup(idx)
	if err != nil {
		return Payload{}, err
	}
	end, err := p.units.EndMarker(idx)
	if err != nil {
		return Payload{}, err
	}
	local := now.In(p.engine.Location()).AddDate(0, 0, dayOffset)
	return Payload{SubscriberID: id, Record: rec, Date: local, Unit: u, End: end}, nil
}

// Run sends today's unit to every record accepted by filter.
func (p *Pass) Run(ctx context.Context, now time.Time, filter Filter) Report {
	if filter == nil {
		filter = All()
	}
	rep := Report{Started: time.Now()}
	local := now.In(p.engine.Location())

	entries, err := p.store.All(ctx)
	if err != nil {
		p.log.Error("dispatch: listing subscribers failed", logx.Err(err))
		rep.Finished = time.Now()
		p.publish(eventbus.DispatchDone, rep.doneEvent())
		return rep
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		if !filter(e.Record, local) {
			rep.Skipped++
			continue
		}
		out := p.one(ctx, e, local)
		rep.Outcomes = append(rep.Outcomes, out)
		if out.Err != nil {
			p.log.Warn("dispatch failed", logx.String("subscriber", e.ID), logx.Int("unit", out.Unit), logx.Err(out.Err))
			p.publish(eventbus.DispatchFailed, out)
			continue
		}
		p.publish(eventbus.DispatchSent, out)
	}

	rep.Finished = time.Now()
	p.log.Info("dispatch pass done",
		logx.Int("sent", rep.Sent()),
		logx.Int("failed", rep.Failed()),
		logx.Int("skipped", rep.Skipped),
		logx.Duration("took", rep.Finished.Sub(rep.Started)),
	)
	p.publish(eventbus.DispatchDone, rep.doneEvent())
	return rep
}

func (r Report) doneEvent() DoneEvent {
	return DoneEvent{Sent: r.Sent(), Failed: r.Failed(), Skipped: r.Skipped, Took: r.Finished.Sub(r.Started)}
}

func (p *Pass) one(ctx context.Context, e storage.Entry, now time.Time) Outcome {
	chatID, err := strconv.ParseInt(e.ID, 10, 64)
	if err != nil {
		return Outcome{SubscriberID: e.ID, Err: fmt.Errorf("%w: subscriber id %q is not a chat id", ErrMalformedRecord, e.ID)}
	}
	pl, err := p.Payload(e.ID, e.Record, now, 0)
	if err != nil {
		return Outcome{SubscriberID: e.ID, Unit: pl.Unit.Index, Err: err}
	}
	err = p.send(ctx, kit.ChatTarget{ChatID: chatID}, p.render(pl))
	return Outcome{SubscriberID: e.ID, Unit: pl.Unit.Index, Err: err}
}

// send delivers text with rate limiting and bounded retries. Permanent
// transport errors are not retried.
func (p *Pass) send(ctx context.Context, to kit.ChatTarget, text string) error {
	p.mu.Lock()
	cfg := p.cfg
	lim := p.limiter
	p.mu.Unlock()

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := p.sender.SendText(callCtx, to, text, nil)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, kit.ErrPermanent) || attempt == attempts {
			break
		}
		p.log.Debug("send failed, retrying", logx.Int64("chat_id", to.ChatID), logx.Int("attempt", attempt), logx.Err(err))

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return fmt.Errorf("deliver to %d: %w", to.ChatID, lastErr)
}

func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}

func (p *Pass) publish(typ string, data any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// PlainText is the fallback renderer.
func PlainText(pl Payload) string {
	return fmt.Sprintf("Unit %d: %s to %s", pl.Unit.Index, pl.Unit.Start, pl.End)
}
