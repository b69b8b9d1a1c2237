// Package booking implements the appointment lifecycle on top of the store:
// holds, direct bookings, confirmations, cancellations, reschedule
// negotiation and provider blocked intervals.
package booking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"slotkeeper/internal/events"
	"slotkeeper/internal/metrics"
	"slotkeeper/internal/model"
	"slotkeeper/internal/settings"
	"slotkeeper/internal/store"

	"github.com/rs/zerolog"
)

// HoldRequest is a client's request to reserve a slot.
type HoldRequest struct {
	ClientID  int64
	ServiceID int64
	Start     time.Time
	Comment   string
}

// DirectRequest is an admin booking that skips the hold phase.
type DirectRequest struct {
	ClientID  int64
	ServiceID int64
	Start     time.Time
	Comment   string
	// PriceOverride replaces the service price for this appointment.
	PriceOverride *int64
	// Duration replaces the service duration when positive. Buffers still apply.
	Duration time.Duration
}

// Engine drives the appointment state machine. Every operation runs in its
// own transaction and publishes an event after a successful commit.
type Engine struct {
	store  store.Store
	guard  *Guard
	bus    *events.EventBus
	now    func() time.Time
	logger zerolog.Logger
}

// NewEngine creates an engine. bus may be nil.
func NewEngine(st store.Store, bus *events.EventBus, logger *zerolog.Logger) *Engine {
	return &Engine{
		store:  st,
		guard:  NewGuard(logger),
		bus:    bus,
		now:    time.Now,
		logger: logger.With().Str("component", "booking").Logger(),
	}
}

// WithClock replaces the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) publish(ctx context.Context, typ, actor string, a *model.Appointment, reason string) {
	e.bus.Publish(ctx, events.Event{Type: typ, Actor: actor, Appointment: *a, Reason: reason, CreatedAt: e.now()})
}

// CreateHold reserves a slot for a client until the hold TTL runs out.
func (e *Engine) CreateHold(ctx context.Context, view settings.View, req HoldRequest) (*model.Appointment, error) {
	now := e.now().UTC()
	var appt *model.Appointment

	err := e.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		svc, err := activeService(ctx, tx, req.ServiceID)
		if err != nil {
			return err
		}

		start := req.Start.UTC()
		end := start.Add(svc.TotalDuration(view.Buffer))
		if err := e.guard.EnsureAvailable(ctx, tx, view.Location, start, end, 0); err != nil {
			return err
		}

		expires := now.Add(view.HoldTTL)
		appt = &model.Appointment{
			ClientID:      req.ClientID,
			ServiceID:     svc.ID,
			Start:         start,
			End:           end,
			Status:        model.StatusHold,
			HoldExpiresAt: &expires,
			ClientComment: strings.TrimSpace(req.Comment),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		return tx.InsertAppointment(ctx, appt)
	})
	if err != nil {
		return nil, err
	}

	metrics.IncAppointmentCreated(string(model.StatusHold))
	e.logger.Info().
		Int64("appointment_id", appt.ID).
		Int64("client_id", appt.ClientID).
		Time("start", appt.Start).
		Msg("hold created")
	e.publish(ctx, events.HoldCreated, "client", appt, "")
	return appt, nil
}

// CreateBooked books a slot directly, without a hold.
func (e *Engine) CreateBooked(ctx context.Context, view settings.View, req DirectRequest) (*model.Appointment, error) {
	now := e.now().UTC()
	var appt *model.Appointment

	err := e.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		svc, err := tx.GetService(ctx, req.ServiceID)
		if err != nil {
			return fmt.Errorf("get service: %w", err)
		}
		if req.Duration > 0 {
			svc.Duration = req.Duration
		}

		start := req.Start.UTC()
		end := start.Add(svc.TotalDuration(view.Buffer))
		if err := e.guard.EnsureAvailable(ctx, tx, view.Location, start, end, 0); err != nil {
			return err
		}

		appt = &model.Appointment{
			ClientID:      req.ClientID,
			ServiceID:     svc.ID,
			Start:         start,
			End:           end,
			Status:        model.StatusBooked,
			PriceOverride: req.PriceOverride,
			AdminComment:  strings.TrimSpace(req.Comment),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		return tx.InsertAppointment(ctx, appt)
	})
	if err != nil {
		return nil, err
	}

	metrics.IncAppointmentCreated(string(model.StatusBooked))
	e.logger.Info().
		Int64("appointment_id", appt.ID).
		Time("start", appt.Start).
		Msg("direct booking created")
	e.publish(ctx, events.AppointmentBooked, "admin", appt, "")
	return appt, nil
}

// mutate loads the appointment inside a transaction and lets fn change it.
// fn returns false to leave the row untouched.
func (e *Engine) mutate(ctx context.Context, id int64, fn func(ctx context.Context, tx store.Tx, a *model.Appointment) (bool, error)) (*model.Appointment, bool, error) {
	var (
		appt    *model.Appointment
		changed bool
	)
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		a, err := tx.GetAppointment(ctx, id)
		if err != nil {
			return fmt.Errorf("get appointment: %w", err)
		}
		ok, err := fn(ctx, tx, a)
		if err != nil || !ok {
			appt = a
			return err
		}
		if err := tx.UpdateAppointment(ctx, a); err != nil {
			return err
		}
		appt, changed = a, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return appt, changed, nil
}

func (e *Engine) transition(ctx context.Context, id int64, to model.Status, allowed func(*model.Appointment) bool, edit func(*model.Appointment)) (*model.Appointment, bool, error) {
	now := e.now().UTC()
	appt, changed, err := e.mutate(ctx, id, func(_ context.Context, _ store.Tx, a *model.Appointment) (bool, error) {
		if !allowed(a) {
			return false, nil
		}
		if err := a.TransitionTo(to, now); err != nil {
			return false, nil
		}
		if edit != nil {
			edit(a)
		}
		return true, nil
	})
	if err == nil && changed {
		metrics.IncTransition(string(to))
		e.logger.Info().Int64("appointment_id", id).Str("status", string(to)).Msg("appointment transitioned")
	}
	return appt, changed, err
}

func statusIs(s model.Status) func(*model.Appointment) bool {
	return func(a *model.Appointment) bool { return a.Status == s }
}

// Confirm turns a hold into a booking. Anything but a hold is ignored, which
// makes repeated confirm actions harmless.
func (e *Engine) Confirm(ctx context.Context, id int64) (bool, error) {
	appt, ok, err := e.transition(ctx, id, model.StatusBooked, statusIs(model.StatusHold), nil)
	if err != nil || !ok {
		return false, err
	}
	e.publish(ctx, events.AppointmentBooked, "admin", appt, "")
	return true, nil
}

// Reject rejects a hold or a booking and records the reason.
func (e *Engine) Reject(ctx context.Context, id int64, reason string) (bool, error) {
	reason = strings.TrimSpace(reason)
	appt, ok, err := e.transition(ctx, id, model.StatusRejected,
		func(a *model.Appointment) bool { return a.Status == model.StatusHold || a.Status == model.StatusBooked },
		func(a *model.Appointment) {
			if reason != "" {
				a.AdminComment = reason
			}
		})
	if err != nil || !ok {
		return false, err
	}
	e.publish(ctx, events.AppointmentRejected, "admin", appt, reason)
	return true, nil
}

// CancelByClient cancels a booking unless the cancellation cutoff has passed.
// A late or invalid cancellation returns false, not an error.
func (e *Engine) CancelByClient(ctx context.Context, view settings.View, id int64) (bool, error) {
	now := e.now()
	appt, ok, err := e.transition(ctx, id, model.StatusCanceled, func(a *model.Appointment) bool {
		return a.Status == model.StatusBooked && !now.After(a.Start.Add(-view.CancelLimit))
	}, nil)
	if err != nil || !ok {
		return false, err
	}
	e.publish(ctx, events.AppointmentCanceled, "client", appt, "")
	return true, nil
}

// CancelByAdmin cancels a booking with no cutoff.
func (e *Engine) CancelByAdmin(ctx context.Context, id int64) (bool, error) {
	appt, ok, err := e.transition(ctx, id, model.StatusCanceled, statusIs(model.StatusBooked), nil)
	if err != nil || !ok {
		return false, err
	}
	e.publish(ctx, events.AppointmentCanceled, "admin", appt, "")
	return true, nil
}

// Complete marks a booking as completed.
func (e *Engine) Complete(ctx context.Context, id int64) (bool, error) {
	appt, ok, err := e.transition(ctx, id, model.StatusCompleted, statusIs(model.StatusBooked), nil)
	if err != nil || !ok {
		return false, err
	}
	e.publish(ctx, events.AppointmentComplete, "system", appt, "")
	return true, nil
}

// ConfirmVisit records that the client confirmed they will come.
func (e *Engine) ConfirmVisit(ctx context.Context, id int64) (bool, error) {
	now := e.now().UTC()
	_, ok, err := e.mutate(ctx, id, func(_ context.Context, _ store.Tx, a *model.Appointment) (bool, error) {
		if a.Status != model.StatusBooked || a.VisitConfirmed {
			return false, nil
		}
		a.VisitConfirmed = true
		a.UpdatedAt = now
		return true, nil
	})
	return ok, err
}

// RequestReschedule proposes a new start for a booking. The current slot stays
// reserved until the proposal is confirmed.
func (e *Engine) RequestReschedule(ctx context.Context, view settings.View, id int64, newStart time.Time) (*model.Appointment, error) {
	now := e.now().UTC()
	appt, _, err := e.mutate(ctx, id, func(ctx context.Context, tx store.Tx, a *model.Appointment) (bool, error) {
		if a.Status != model.StatusBooked {
			return false, ErrNotBooked
		}
		start, end, err := e.window(ctx, tx, view, a, newStart)
		if err != nil {
			return false, err
		}
		if err := e.guard.EnsureAvailable(ctx, tx, view.Location, start, end, a.ID); err != nil {
			return false, err
		}
		a.ProposedAltStart = &start
		a.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info().Int64("appointment_id", id).Time("proposed_start", *appt.ProposedAltStart).Msg("reschedule requested")
	e.publish(ctx, events.RescheduleRequested, "client", appt, "")
	return appt, nil
}

// ConfirmReschedule moves a booking to its proposed start. The proposed window
// is checked again because it may have been taken since the request. On any
// failure neither start nor the proposal change.
func (e *Engine) ConfirmReschedule(ctx context.Context, view settings.View, id int64) (bool, error) {
	now := e.now().UTC()
	appt, ok, err := e.mutate(ctx, id, func(ctx context.Context, tx store.Tx, a *model.Appointment) (bool, error) {
		if !a.HasPendingReschedule() {
			return false, nil
		}
		start, end, err := e.window(ctx, tx, view, a, *a.ProposedAltStart)
		if err != nil {
			return false, err
		}
		if err := e.guard.EnsureAvailable(ctx, tx, view.Location, start, end, a.ID); err != nil {
			return false, err
		}
		a.MoveTo(start, end.Sub(start), now)
		return true, nil
	})
	if err != nil || !ok {
		return false, err
	}

	e.logger.Info().Int64("appointment_id", id).Time("start", appt.Start).Msg("reschedule confirmed")
	e.publish(ctx, events.RescheduleConfirmed, "admin", appt, "")
	return true, nil
}

// RejectReschedule drops a pending proposal and keeps the original time.
func (e *Engine) RejectReschedule(ctx context.Context, id int64) (bool, error) {
	now := e.now().UTC()
	appt, ok, err := e.mutate(ctx, id, func(_ context.Context, _ store.Tx, a *model.Appointment) (bool, error) {
		if !a.HasPendingReschedule() {
			return false, nil
		}
		a.ProposedAltStart = nil
		a.UpdatedAt = now
		return true, nil
	})
	if err != nil || !ok {
		return false, err
	}
	e.publish(ctx, events.RescheduleRejected, "admin", appt, "")
	return true, nil
}

// window computes the occupied range of a at a new start from the service definition.
func (e *Engine) window(ctx context.Context, tx store.Tx, view settings.View, a *model.Appointment, start time.Time) (time.Time, time.Time, error) {
	svc, err := tx.GetService(ctx, a.ServiceID)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("get service: %w", err)
	}
	start = start.UTC()
	return start, start.Add(svc.TotalDuration(view.Buffer)), nil
}

func activeService(ctx context.Context, tx store.Tx, id int64) (*model.Service, error) {
	svc, err := tx.GetService(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get service: %w", err)
	}
	if !svc.Active {
		return nil, ErrServiceUnavailable
	}
	return svc, nil
}
