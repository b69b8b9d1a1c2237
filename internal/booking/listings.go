package booking

import (
	"context"
	"time"

	"slotkeeper/internal/model"
	"slotkeeper/internal/settings"
	"slotkeeper/internal/store"
)

// Get returns a single appointment.
func (e *Engine) Get(ctx context.Context, id int64) (*model.Appointment, error) {
	return e.store.GetAppointment(ctx, id)
}

// UpcomingForClient lists future bookings and unexpired holds of a client.
func (e *Engine) UpcomingForClient(ctx context.Context, clientID int64, limit int) ([]model.Appointment, error) {
	now := e.now()
	list, err := e.store.ListAppointments(ctx, store.AppointmentFilter{
		Statuses:  model.ActiveStatuses,
		ClientID:  &clientID,
		StartFrom: &now,
	})
	if err != nil {
		return nil, err
	}

	out := list[:0]
	for _, a := range list {
		if a.Status == model.StatusHold && a.HoldExpired(now) {
			continue
		}
		out = append(out, a)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// HistoryForClient lists past appointments of a client, newest first. Holds are skipped.
func (e *Engine) HistoryForClient(ctx context.Context, clientID int64, limit int) ([]model.Appointment, error) {
	now := e.now()
	return e.store.ListAppointments(ctx, store.AppointmentFilter{
		Statuses: []model.Status{
			model.StatusBooked, model.StatusCompleted, model.StatusCanceled, model.StatusRejected,
		},
		ClientID:    &clientID,
		StartBefore: &now,
		Desc:        true,
		Limit:       limit,
	})
}

// PendingHolds lists every hold awaiting a decision.
func (e *Engine) PendingHolds(ctx context.Context) ([]model.Appointment, error) {
	return e.store.ListAppointments(ctx, store.AppointmentFilter{
		Statuses: []model.Status{model.StatusHold},
	})
}

// DaySchedule lists appointments that start on the local calendar day of day.
func (e *Engine) DaySchedule(ctx context.Context, view settings.View, day time.Time) ([]model.Appointment, error) {
	from := view.Midnight(day)
	to := view.Midnight(from.Add(36 * time.Hour))
	return e.store.ListAppointments(ctx, store.AppointmentFilter{
		StartFrom:   &from,
		StartBefore: &to,
	})
}
