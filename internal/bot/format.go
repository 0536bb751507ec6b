package bot

import (
	"fmt"
	"strings"

	"khatmbot/internal/calendar"
	"khatmbot/internal/dispatch"
	"khatmbot/internal/registration"
	"khatmbot/internal/scheduler"
	"khatmbot/internal/storage"
)

// DailyRenderer builds the scheduled-message renderer handed to the
// dispatch pass; dates are shown in cal.
func DailyRenderer(cal calendar.Calendar) dispatch.Renderer {
	return func(pl dispatch.Payload) string {
		var sb strings.Builder
		fmt.Fprintf(&sb, "📖 حزب امروز (%s): %d\n", calendar.Format(cal, pl.Date), pl.Unit.Index)
		fmt.Fprintf(&sb, "از %s تا %s", pl.Unit.Start, pl.End)
		return sb.String()
	}
}

func (b *Bot) dayText(pl dispatch.Payload, offset int) string {
	label := "امروز"
	if offset == 1 {
		label = "فردا"
	}
	return fmt.Sprintf("حزب %s (%s): %d\nاز %s تا %s",
		label, calendar.Format(b.cal, pl.Date), pl.Unit.Index, pl.Unit.Start, pl.End)
}

func (b *Bot) statusText(rec storage.Record) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "حزب شروع: %d\n", rec.StartUnit)
	if b.cal.Name() == "gregorian" {
		fmt.Fprintf(&sb, "تاریخ شروع: %s\n", rec.StartDate.Format(storage.DateLayout))
	} else {
		fmt.Fprintf(&sb, "تاریخ شروع: %s (%s)\n", calendar.Format(b.cal, rec.StartDate), rec.StartDate.Format(storage.DateLayout))
	}
	sb.WriteString(hourText(rec.NotifyHour))
	if n, err := b.engine.Today(rec); err == nil {
		fmt.Fprintf(&sb, "\nحزب امروز: %d", n)
	}
	return sb.String()
}

func hourText(h *int) string {
	if h == nil {
		return "ارسال خودکار: غیرفعال"
	}
	return fmt.Sprintf("ساعت ارسال: %02d:00", *h)
}

// replyText renders a registration turn.
func (b *Bot) replyText(rep registration.Reply) string {
	switch {
	case rep.Committed != nil:
		return txtSaved + "\n" + b.statusText(*rep.Committed)
	case rep.Reason != registration.ReasonNone:
		return b.rejection(rep.Step, rep.Reason) + "\n" + b.prompt(rep.Step)
	default:
		return b.prompt(rep.Step)
	}
}

func (b *Bot) helpText() string {
	var sb strings.Builder
	sb.WriteString("دستورها:")
	for _, c := range b.ordered {
		if c.OwnerOnly || c.Description == "" {
			continue
		}
		fmt.Fprintf(&sb, "\n/%s - %s", c.Name, c.Description)
	}
	return sb.String()
}

func (b *Bot) scheduleText(snap scheduler.Snapshot) string {
	if !snap.Running {
		return txtNoScheduler
	}
	loc := b.engine.Location()
	var sb strings.Builder
	fmt.Fprintf(&sb, "زمان‌بند: %s (%s)\n", snap.Spec, loc)
	fmt.Fprintf(&sb, "اجرای بعدی: %s\n", snap.Next.In(loc).Format("2006-01-02 15:04"))
	if snap.Last.IsZero() {
		sb.WriteString("اجرای قبلی: -\n")
	} else {
		fmt.Fprintf(&sb, "اجرای قبلی: %s\n", snap.Last.In(loc).Format("2006-01-02 15:04"))
	}
	fmt.Fprintf(&sb, "تعداد اجرا: %d", snap.Fired)
	return sb.String()
}
