// Package report exports a day of the calendar as an Excel workbook.
package report

import (
	"context"
	"fmt"
	"io"
	"time"

	"slotkeeper/internal/model"
	"slotkeeper/internal/notify"
	"slotkeeper/internal/store"
)

var statusLabels = map[model.Status]string{
	model.StatusHold:      "Ожидает",
	model.StatusBooked:    "Подтверждена",
	model.StatusRejected:  "Отклонена",
	model.StatusCanceled:  "Отменена",
	model.StatusCompleted: "Завершена",
}

// DetailsSource resolves client and service of an appointment.
type DetailsSource interface {
	Details(ctx context.Context, a model.Appointment) (notify.Details, error)
}

// DaySchedule writes the appointments and blocked intervals of a local day.
type DaySchedule struct {
	store   store.Queries
	details DetailsSource
	loc     *time.Location
}

func NewDaySchedule(st store.Queries, details DetailsSource, loc *time.Location) *DaySchedule {
	if loc == nil {
		loc = time.UTC
	}
	return &DaySchedule{store: st, details: details, loc: loc}
}

// Write renders the workbook for the local day containing day into out.
func (r *DaySchedule) Write(ctx context.Context, day time.Time, out io.Writer) error {
	local := day.In(r.loc)
	from := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, r.loc)
	to := from.AddDate(0, 0, 1)

	appts, err := r.store.ListAppointments(ctx, store.AppointmentFilter{StartFrom: &from, StartBefore: &to})
	if err != nil {
		return fmt.Errorf("list appointments: %w", err)
	}
	blocked, err := r.store.ListBlockedOverlapping(ctx, from, to)
	if err != nil {
		return fmt.Errorf("list blocked intervals: %w", err)
	}

	w := newSheetWriter()
	defer func() { _ = w.close() }()

	if err := w.addSheet("Записи " + from.Format("02.01.2006")); err != nil {
		return err
	}
	if err := w.writeHeader([]string{"№", "Начало", "Конец", "Услуга", "Клиент", "Телефон", "Статус", "Цена, ₽", "Комментарий"}); err != nil {
		return err
	}
	for _, a := range appts {
		det, err := r.details.Details(ctx, a)
		if err != nil {
			return err
		}
		comment := a.ClientComment
		if a.AdminComment != "" {
			comment = a.AdminComment
		}
		row := []any{
			a.ID,
			a.Start.In(r.loc).Format("15:04"),
			a.End.In(r.loc).Format("15:04"),
			det.Service.Name,
			det.Client.DisplayName(),
			det.Client.Phone,
			statusLabels[a.Status],
			float64(a.EffectivePrice(det.Service.Price)) / 100,
			comment,
		}
		if err := w.writeRow(row); err != nil {
			return err
		}
	}

	if err := w.addSheet("Перерывы"); err != nil {
		return err
	}
	if err := w.writeHeader([]string{"Начало", "Конец", "Причина"}); err != nil {
		return err
	}
	for _, b := range blocked {
		row := []any{
			b.Start.In(r.loc).Format("02.01.2006 15:04"),
			b.End.In(r.loc).Format("02.01.2006 15:04"),
			b.Reason,
		}
		if err := w.writeRow(row); err != nil {
			return err
		}
	}

	return w.save(out)
}
