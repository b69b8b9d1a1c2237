package notify

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"slotkeeper/internal/booking"
	"slotkeeper/internal/model"
	"slotkeeper/internal/settings"
	"slotkeeper/internal/store"
)

const timeLayout = "02.01.2006 15:04"

// FormatPrice renders minor units as rubles, e.g. 150050 -> "1 500,50 ₽".
func FormatPrice(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	rub := groupThousands(strconv.FormatInt(minor/100, 10))
	if kop := minor % 100; kop != 0 {
		return fmt.Sprintf("%s%s,%02d ₽", sign, rub, kop)
	}
	return sign + rub + " ₽"
}

func groupThousands(s string) string {
	if len(s) <= 3 {
		return s
	}
	var sb strings.Builder
	head := len(s) % 3
	if head > 0 {
		sb.WriteString(s[:head])
	}
	for i := head; i < len(s); i += 3 {
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(s[i : i+3])
	}
	return sb.String()
}

// FormatSlot renders a start time in the calendar's timezone.
func FormatSlot(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(timeLayout)
}

// ErrorMessage maps an engine error to the text shown to the user.
func ErrorMessage(err error) string {
	switch {
	case errors.Is(err, booking.ErrSlotTaken):
		return "Это время уже занято. Пожалуйста, выберите другое."
	case errors.Is(err, booking.ErrSlotBlocked):
		return "В это время мастер не принимает. Пожалуйста, выберите другое."
	case errors.Is(err, booking.ErrNotBooked):
		return "Перенести можно только подтверждённую запись."
	case errors.Is(err, booking.ErrServiceUnavailable):
		return "Эта услуга сейчас недоступна."
	case errors.Is(err, settings.ErrConfigMissing):
		return "Запись временно недоступна. Попробуйте позже."
	case errors.Is(err, store.ErrNotFound):
		return "Запись не найдена."
	default:
		return "Произошла ошибка. Попробуйте позже."
	}
}

// Details carries what message templates need besides the appointment.
type Details struct {
	Client   model.Client
	Service  model.Service
	Location *time.Location
}

func (d Details) slot(t time.Time) string {
	return FormatSlot(t, d.Location)
}

func holdCreatedAdmin(a model.Appointment, d Details) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Новая заявка #%d\n", a.ID)
	fmt.Fprintf(&sb, "Клиент: %s\n", d.Client.DisplayName())
	if d.Client.Phone != "" {
		fmt.Fprintf(&sb, "Телефон: %s\n", d.Client.Phone)
	}
	fmt.Fprintf(&sb, "Услуга: %s\n", d.Service.Name)
	fmt.Fprintf(&sb, "Время: %s", d.slot(a.Start))
	if a.ClientComment != "" {
		fmt.Fprintf(&sb, "\nКомментарий: %s", a.ClientComment)
	}
	return sb.String()
}

func holdCreatedClient(a model.Appointment, d Details) string {
	return fmt.Sprintf("Заявка #%d на %s (%s) отправлена мастеру. Мы сообщим, когда её подтвердят.",
		a.ID, d.slot(a.Start), d.Service.Name)
}

func bookedClient(a model.Appointment, d Details) string {
	return fmt.Sprintf("Запись подтверждена: %s, %s.\nСтоимость: %s",
		d.Service.Name, d.slot(a.Start), FormatPrice(a.EffectivePrice(d.Service.Price)))
}

func rejectedClient(a model.Appointment, d Details, reason string) string {
	text := fmt.Sprintf("К сожалению, запись на %s отклонена.", d.slot(a.Start))
	if reason != "" {
		text += "\nПричина: " + reason
	}
	return text
}

func canceledClient(a model.Appointment, d Details) string {
	return fmt.Sprintf("Запись на %s (%s) отменена мастером.", d.slot(a.Start), d.Service.Name)
}

func canceledAdmin(a model.Appointment, d Details) string {
	return fmt.Sprintf("Клиент %s отменил запись #%d на %s.", d.Client.DisplayName(), a.ID, d.slot(a.Start))
}

func rescheduleRequestedAdmin(a model.Appointment, d Details) string {
	proposed := ""
	if a.ProposedAltStart != nil {
		proposed = d.slot(*a.ProposedAltStart)
	}
	return fmt.Sprintf("Клиент %s просит перенести запись #%d\nС: %s\nНа: %s",
		d.Client.DisplayName(), a.ID, d.slot(a.Start), proposed)
}

func rescheduleConfirmedClient(a model.Appointment, d Details) string {
	return fmt.Sprintf("Перенос подтверждён. Новое время: %s.", d.slot(a.Start))
}

func rescheduleRejectedClient(a model.Appointment, d Details) string {
	return fmt.Sprintf("Перенос отклонён. Запись остаётся на %s.", d.slot(a.Start))
}

func holdExpiredClient(a model.Appointment, d Details) string {
	return fmt.Sprintf("Заявка на %s не была подтверждена вовремя и отменена. Пожалуйста, выберите другое время.",
		d.slot(a.Start))
}

// Reminder48h is sent two days before a visit.
func Reminder48h(a model.Appointment, d Details) string {
	return fmt.Sprintf("Напоминаем о записи через 2 дня: %s, %s.", d.Service.Name, d.slot(a.Start))
}

// Reminder3h is sent on the day of a visit.
func Reminder3h(a model.Appointment, d Details) string {
	return fmt.Sprintf("Ждём вас сегодня в %s (%s).", a.Start.In(d.Location).Format("15:04"), d.Service.Name)
}

// Aftercare thanks the client after the visit.
func Aftercare(model.Appointment, Details) string {
	return "Спасибо за визит! Будем рады видеть вас снова."
}

// DigestLine is one booking of the daily admin digest.
type DigestLine struct {
	Appointment model.Appointment
	Details     Details
}

// Digest renders the admin's schedule for a day.
func Digest(day time.Time, lines []DigestLine) string {
	if len(lines) == 0 {
		return "На сегодня записей нет."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Записи на %s:\n", day.Format("02.01.2006"))
	for _, l := range lines {
		a, d := l.Appointment, l.Details
		fmt.Fprintf(&sb, "\n%s-%s %s | %s | %s",
			a.Start.In(d.Location).Format("15:04"),
			a.End.In(d.Location).Format("15:04"),
			d.Service.Name,
			d.Client.DisplayName(),
			FormatPrice(a.EffectivePrice(d.Service.Price)))
		if d.Client.Phone != "" {
			sb.WriteString(" | " + d.Client.Phone)
		}
	}
	return sb.String()
}
