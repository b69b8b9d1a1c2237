package model

import (
	"errors"
	"time"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// Appointment is a single reservation of the provider's calendar.
type Appointment struct {
	ID               int64      `json:"id"`
	ClientID         int64      `json:"client_id"`
	ServiceID        int64      `json:"service_id"`
	Start            time.Time  `json:"start"`
	End              time.Time  `json:"end"`
	Status           Status     `json:"status"`
	HoldExpiresAt    *time.Time `json:"hold_expires_at,omitempty"`
	ProposedAltStart *time.Time `json:"proposed_alt_start,omitempty"`
	PriceOverride    *int64     `json:"price_override,omitempty"`
	ClientComment    string     `json:"client_comment,omitempty"`
	AdminComment     string     `json:"admin_comment,omitempty"`
	Reminder48hSent  bool       `json:"reminder_48h_sent"`
	Reminder3hSent   bool       `json:"reminder_3h_sent"`
	VisitConfirmed   bool       `json:"visit_confirmed"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Interval returns the occupied window of the appointment.
func (a *Appointment) Interval() Interval {
	return Interval{Start: a.Start, End: a.End}
}

// HasPendingReschedule reports whether a new time was proposed and not yet settled.
func (a *Appointment) HasPendingReschedule() bool {
	return a.Status == StatusBooked && a.ProposedAltStart != nil
}

// HoldExpired reports whether the hold deadline has passed at now.
func (a *Appointment) HoldExpired(now time.Time) bool {
	return a.Status == StatusHold && a.HoldExpiresAt != nil && !a.HoldExpiresAt.After(now)
}

// EffectivePrice returns the override when present, else the base price.
func (a *Appointment) EffectivePrice(base int64) int64 {
	if a.PriceOverride != nil {
		return *a.PriceOverride
	}
	return base
}

// TransitionTo moves the appointment to a new status and keeps the
// hold/proposal fields consistent with it.
func (a *Appointment) TransitionTo(to Status, at time.Time) error {
	if !CanTransition(a.Status, to) {
		return ErrInvalidTransition
	}
	a.Status = to
	a.HoldExpiresAt = nil
	if to != StatusBooked {
		a.ProposedAltStart = nil
	}
	a.UpdatedAt = at
	return nil
}

// MoveTo places the appointment at a new start and resets per-visit flags.
func (a *Appointment) MoveTo(start time.Time, total time.Duration, at time.Time) {
	a.Start = start.UTC()
	a.End = a.Start.Add(total)
	a.ProposedAltStart = nil
	a.Reminder48hSent = false
	a.Reminder3hSent = false
	a.VisitConfirmed = false
	a.UpdatedAt = at
}
