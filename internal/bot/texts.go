package bot

import (
	"fmt"

	"khatmbot/internal/registration"
)

const (
	txtGreeting      = "سلام! به ربات ختم قرآن روزانه خوش آمدید."
	txtUnknown       = "دستور ناشناخته است. برای راهنما /help را بفرستید."
	txtNoSession     = "پیام شما مربوط به هیچ مرحله‌ای نیست. برای تنظیم /setup و برای راهنما /help را بفرستید."
	txtNotRegistered = "تنظیمی یافت نشد. /setup را اجرا کنید."
	txtMalformed     = "تنظیمات ذخیره‌شده شما خراب است. لطفاً با /setup دوباره تنظیم کنید."
	txtNoScheduler   = "زمان‌بند فعال نیست."
	txtSaved         = "تنظیمات ذخیره شد."
	txtCancelled     = "تنظیمات لغو شد."
	txtNothingCancel = "فرایند تنظیمی در جریان نیست."
	txtResetDone     = "تنظیمات قبلی شما حذف شد."
	txtStoreFailed   = "ذخیره‌سازی با خطا روبه‌رو شد؛ لطفاً دوباره تلاش کنید."
	txtOwnerOnly     = "این دستور فقط برای مدیر ربات است."
	txtBusy          = "ربات مشغول است؛ کمی بعد دوباره تلاش کنید."
	txtDispatching   = "ارسال برای همه مشترکان آغاز شد…"
)

func calendarLabel(name string) string {
	if name == "gregorian" {
		return "میلادی"
	}
	return "شمسی"
}

// prompt is the question asked at step.
func (b *Bot) prompt(step registration.Step) string {
	switch step {
	case registration.StepAwaitingUnit:
		return fmt.Sprintf("شماره حزب شروع خود را وارد کنید (1 تا %d):", b.engine.TotalUnits())
	case registration.StepAwaitingDate:
		return fmt.Sprintf("تاریخ شروع را به تقویم %s وارد کنید (YYYY-MM-DD، مثلاً %s):",
			calendarLabel(b.cal.Name()), exampleDate(b.cal.Name()))
	case registration.StepAwaitingHour:
		return "ساعت ارسال روزانه را وارد کنید (0 تا 23):"
	}
	return ""
}

func exampleDate(cal string) string {
	if cal == "gregorian" {
		return "2024-03-20"
	}
	return "1403-01-01"
}

// rejection explains why an answer at step was not accepted.
func (b *Bot) rejection(step registration.Step, reason registration.Reason) string {
	switch reason {
	case registration.ReasonNotNumber:
		return "لطفاً فقط عدد وارد کنید."
	case registration.ReasonOutOfRange:
		if step == registration.StepAwaitingHour {
			return "ساعت باید بین 0 تا 23 باشد."
		}
		return fmt.Sprintf("عدد باید بین 1 تا %d باشد.", b.engine.TotalUnits())
	case registration.ReasonBadFormat:
		return "فرمت تاریخ اشتباه است."
	case registration.ReasonBadDate:
		return "این تاریخ در تقویم وجود ندارد."
	}
	return ""
}
