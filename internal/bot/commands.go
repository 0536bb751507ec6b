package bot

import (
	"context"
	"errors"
	"fmt"

	"khatmbot/internal/dispatch"
	"khatmbot/internal/plan"
	"khatmbot/internal/registration"
	"khatmbot/internal/storage"
)

// Command is one slash command. Aliases share the handler. NoTimeout lifts
// the per-request deadline; the handler still stops on shutdown.
type Command struct {
	Name        string
	Aliases     []string
	Description string
	OwnerOnly   bool
	NoTimeout   bool
	Handle      HandlerFunc
}

func (b *Bot) commandTable() []*Command {
	return []*Command{
		{Name: "start", Description: "شروع و تنظیم", Handle: b.cmdStart},
		{Name: "setup", Description: "تنظیم حزب و تاریخ شروع", Handle: b.cmdSetup},
		{Name: "reset", Aliases: []string{"restart"}, Description: "حذف تنظیمات و شروع دوباره", Handle: b.cmdReset},
		{Name: "status", Description: "نمایش تنظیمات", Handle: b.cmdStatus},
		{Name: "today", Aliases: []string{"hezb_today"}, Description: "حزب امروز", Handle: b.cmdDay(0)},
		{Name: "tomorrow", Aliases: []string{"hezb_tomorrow"}, Description: "حزب فردا", Handle: b.cmdDay(1)},
		{Name: "days_passed", Description: "روزهای گذشته از شروع", Handle: b.cmdDaysPassed},
		{Name: "cancel", Description: "لغو تنظیم", Handle: b.cmdCancel},
		{Name: "help", Description: "راهنما", Handle: b.cmdHelp},
		{Name: "send", OwnerOnly: true, NoTimeout: true, Handle: b.cmdSend},
		{Name: "schedule", OwnerOnly: true, Handle: b.cmdSchedule},
	}
}

func (b *Bot) register(cmds []*Command) {
	b.commands = make(map[string]*Command, len(cmds)*2)
	b.ordered = cmds
	for _, c := range cmds {
		b.commands[c.Name] = c
		for _, a := range c.Aliases {
			b.commands[a] = c
		}
	}
}

func (b *Bot) cmdStart(ctx context.Context, req *Request) error {
	b.reply(ctx, req.Chat, txtGreeting+"\n\n"+b.helpText())
	return b.begin(ctx, req, "")
}

func (b *Bot) cmdSetup(ctx context.Context, req *Request) error {
	return b.begin(ctx, req, "")
}

func (b *Bot) cmdReset(ctx context.Context, req *Request) error {
	return b.begin(ctx, req, txtResetDone)
}

// begin starts registration, prefixing the first prompt with lead.
func (b *Bot) begin(ctx context.Context, req *Request, lead string) error {
	rep, err := b.flow.Begin(ctx, req.Who)
	if err != nil {
		b.reply(ctx, req.Chat, txtStoreFailed)
		return err
	}
	text := b.prompt(rep.Step)
	if lead != "" {
		text = lead + "\n" + text
	}
	b.reply(ctx, req.Chat, text)
	return nil
}

func (b *Bot) cmdCancel(ctx context.Context, req *Request) error {
	if b.flow.Cancel(req.Who) {
		b.reply(ctx, req.Chat, txtCancelled)
	} else {
		b.reply(ctx, req.Chat, txtNothingCancel)
	}
	return nil
}

// record loads the caller's record, replying when there is none.
func (b *Bot) record(ctx context.Context, req *Request) (storage.Record, bool, error) {
	rec, ok, err := b.store.Get(ctx, req.Who.ID)
	if err != nil {
		b.reply(ctx, req.Chat, txtStoreFailed)
		return storage.Record{}, false, err
	}
	if !ok {
		b.reply(ctx, req.Chat, txtNotRegistered)
		return storage.Record{}, false, nil
	}
	return rec, true, nil
}

func (b *Bot) cmdStatus(ctx context.Context, req *Request) error {
	rec, ok, err := b.record(ctx, req)
	if !ok {
		return err
	}
	b.reply(ctx, req.Chat, b.statusText(rec))
	return nil
}

func (b *Bot) cmdDay(offset int) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		rec, ok, err := b.record(ctx, req)
		if !ok {
			return err
		}
		pl, err := b.pass.Payload(req.Who.ID, rec, b.engine.Now(), offset)
		if err != nil {
			b.reply(ctx, req.Chat, txtMalformed)
			return err
		}
		b.reply(ctx, req.Chat, b.dayText(pl, offset))
		return nil
	}
}

func (b *Bot) cmdDaysPassed(ctx context.Context, req *Request) error {
	rec, ok, err := b.record(ctx, req)
	if !ok {
		return err
	}
	if err := plan.ValidateRecord(rec, b.engine.TotalUnits()); err != nil {
		b.reply(ctx, req.Chat, txtMalformed)
		return err
	}
	n := b.engine.DaysPassed(rec, b.engine.Now())
	b.reply(ctx, req.Chat, fmt.Sprintf("%d روز از شروع برنامه گذشته است.", n))
	return nil
}

func (b *Bot) cmdHelp(ctx context.Context, req *Request) error {
	b.reply(ctx, req.Chat, b.helpText())
	return nil
}

func (b *Bot) cmdSend(ctx context.Context, req *Request) error {
	b.reply(ctx, req.Chat, txtDispatching)
	rep := b.pass.Run(ctx, b.engine.Now(), dispatch.All())
	b.reply(ctx, req.Chat, fmt.Sprintf("ارسال شد: %d\nناموفق: %d", rep.Sent(), rep.Failed()))
	return nil
}

func (b *Bot) cmdSchedule(ctx context.Context, req *Request) error {
	b.mu.RLock()
	view := b.sched
	b.mu.RUnlock()
	if view == nil {
		b.reply(ctx, req.Chat, txtNoScheduler)
		return nil
	}
	b.reply(ctx, req.Chat, b.scheduleText(view.Snapshot()))
	return nil
}

// answer feeds free text into the registration flow.
func (b *Bot) answer(ctx context.Context, req *Request) error {
	rep, err := b.flow.Handle(ctx, req.Who, req.Msg.Text)
	switch {
	case errors.Is(err, registration.ErrNoSession):
		b.reply(ctx, req.Chat, txtNoSession)
		return nil
	case err != nil:
		b.reply(ctx, req.Chat, txtStoreFailed+"\n"+b.prompt(rep.Step))
		return err
	}
	b.reply(ctx, req.Chat, b.replyText(rep))
	return nil
}
