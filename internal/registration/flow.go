// Package registration runs the multi-turn dialogue that collects a start
// unit, a start date and an optional notify hour before a single write to
// the subscriber store.
package registration

import (
	"context"
	"errors"
	"fmt"

	"khatmbot/internal/calendar"
	"khatmbot/internal/storage"
	logx "khatmbot/pkg/logx"
)

// ErrNoSession is returned by Handle when the subscriber is not registering.
var ErrNoSession = errors.New("no registration in progress")

type Config struct {
	TotalUnits int
	AskHour    bool
	Calendar   calendar.Calendar
}

// Who identifies the subscriber; names are only kept for display.
type Who struct {
	ID        string
	Username  string
	FirstName string
}

// Reply describes the result of one turn. Step is what the subscriber is
// asked next (StepIdle once committed); Reason is set when the answer was
// rejected and the same question is repeated.
type Reply struct {
	Step      Step
	Reason    Reason
	Committed *storage.Record
}

type Flow struct {
	cfg      Config
	store    storage.SubscriberStore
	sessions *Sessions
	log      logx.Logger
}

func New(cfg Config, store storage.SubscriberStore, log logx.Logger) (*Flow, error) {
	if cfg.TotalUnits < 1 {
		return nil, fmt.Errorf("registration: total units must be >= 1")
	}
	if cfg.Calendar == nil {
		cfg.Calendar = calendar.Jalali{}
	}
	if store == nil {
		return nil, errors.New("registration: store is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Flow{
		cfg:      cfg,
		store:    store,
		sessions: NewSessions(),
		log:      log.With(logx.String("comp", "registration")),
	}, nil
}

func (f *Flow) Sessions() *Sessions { return f.sessions }
func (f *Flow) Config() Config      { return f.cfg }

// Begin starts (or restarts) registration: any stored record is deleted
// and a fresh session waits for the start unit. If the delete fails the
// previous record and session are left as they were.
func (f *Flow) Begin(ctx context.Context, who Who) (Reply, error) {
	old := f.sessions.get(who.ID)
	if old != nil {
		old.mu.Lock()
		defer old.mu.Unlock()
	}
	if err := f.store.Delete(ctx, who.ID); err != nil {
		step := StepIdle
		if old != nil && !old.gone {
			step = old.step
		}
		return Reply{Step: step}, fmt.Errorf("reset %s: %w", who.ID, err)
	}
	if old != nil {
		old.gone = true
	}
	f.sessions.put(who.ID, &session{step: StepAwaitingUnit})
	f.log.Debug("registration started", logx.String("subscriber", who.ID))
	return Reply{Step: StepAwaitingUnit}, nil
}

// Cancel drops the session without touching the store.
func (f *Flow) Cancel(who Who) bool {
	sess := f.sessions.get(who.ID)
	if sess == nil {
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.gone {
		return false
	}
	sess.gone = true
	f.sessions.remove(who.ID, sess)
	return true
}

// Handle feeds one answer into the subscriber's session.
func (f *Flow) Handle(ctx context.Context, who Who, text string) (Reply, error) {
	sess := f.sessions.get(who.ID)
	if sess == nil {
		return Reply{Step: StepIdle}, ErrNoSession
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.gone {
		return Reply{Step: StepIdle}, ErrNoSession
	}

	switch sess.step {
	case StepAwaitingUnit:
		r := ParseUnit(text, f.cfg.TotalUnits)
		if !r.OK() {
			return Reply{Step: sess.step, Reason: r.Reason}, nil
		}
		sess.unit = r.Unit
		sess.step = StepAwaitingDate
		return Reply{Step: sess.step}, nil

	case StepAwaitingDate:
		r := ParseStartDate(f.cfg.Calendar, text)
		if !r.OK() {
			return Reply{Step: sess.step, Reason: r.Reason}, nil
		}
		if !f.cfg.AskHour {
			rec := storage.Record{StartDate: r.Date, StartUnit: sess.unit}
			return f.commit(ctx, who, sess, rec)
		}
		sess.date = r.Date
		sess.step = StepAwaitingHour
		return Reply{Step: sess.step}, nil

	case StepAwaitingHour:
		r := ParseHour(text)
		if !r.OK() {
			return Reply{Step: sess.step, Reason: r.Reason}, nil
		}
		rec := storage.Record{StartDate: sess.date, StartUnit: sess.unit, NotifyHour: storage.Hour(r.Hour)}
		return f.commit(ctx, who, sess, rec)
	}
	return Reply{Step: StepIdle}, ErrNoSession
}

// commit writes rec and closes the session. The caller holds sess.mu.
func (f *Flow) commit(ctx context.Context, who Who, sess *session, rec storage.Record) (Reply, error) {
	rec.Username = who.Username
	rec.FirstName = who.FirstName
	if err := f.store.Put(ctx, who.ID, rec); err != nil {
		return Reply{Step: sess.step}, fmt.Errorf("save %s: %w", who.ID, err)
	}
	sess.gone = true
	f.sessions.remove(who.ID, sess)
	f.log.Info("subscriber registered", logx.String("subscriber", who.ID), logx.String("record", rec.String()))
	return Reply{Step: StepIdle, Committed: &rec}, nil
}
