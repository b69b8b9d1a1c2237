// Package availability enumerates bookable days and free start times.
package availability

import (
	"context"
	"fmt"
	"time"

	"slotkeeper/internal/model"
	"slotkeeper/internal/settings"
)

// BusySource returns occupied windows (holds, bookings, blocked intervals).
type BusySource interface {
	ListBusy(ctx context.Context, from, to time.Time) ([]model.Interval, error)
}

// Calculator computes availability against the current calendar state.
type Calculator struct {
	busy BusySource
	now  func() time.Time
}

// NewCalculator creates a calculator. now defaults to time.Now.
func NewCalculator(busy BusySource, now func() time.Time) *Calculator {
	if now == nil {
		now = time.Now
	}
	return &Calculator{busy: busy, now: now}
}

// ListBookableDays returns local midnights from today through the booking
// horizon that fall on work days.
func (c *Calculator) ListBookableDays(view settings.View) []time.Time {
	return BookableDays(view, c.now())
}

// ListSlots returns free start times on day for the service.
func (c *Calculator) ListSlots(ctx context.Context, view settings.View, svc model.Service, day time.Time) ([]time.Time, error) {
	return c.ListSlotsForDuration(ctx, view, day, svc.TotalDuration(view.Buffer))
}

// ListSlotsForDuration returns free start times on day for a window of length total.
func (c *Calculator) ListSlotsForDuration(ctx context.Context, view settings.View, day time.Time, total time.Duration) ([]time.Time, error) {
	if total <= 0 {
		return nil, fmt.Errorf("slot duration must be positive, got %s", total)
	}

	// Candidates begin on the grid, which may precede the work start.
	_, workEnd := view.WorkWindow(day)
	busy, err := c.busy.ListBusy(ctx, view.At(day, gridStart(view)), workEnd)
	if err != nil {
		return nil, fmt.Errorf("list busy: %w", err)
	}
	return Slots(view, day, total, busy, c.now()), nil
}

// BookableDays is the pure form of ListBookableDays.
func BookableDays(view settings.View, now time.Time) []time.Time {
	today := view.Midnight(now)
	days := make([]time.Time, 0, view.HorizonDays+1)
	for i := 0; i <= view.HorizonDays; i++ {
		d := time.Date(today.Year(), today.Month(), today.Day()+i, 0, 0, 0, 0, view.Location)
		if view.IsWorkDay(d) {
			days = append(days, d)
		}
	}
	return days
}

// Slots enumerates candidate starts on a work day. A candidate survives if it
// starts strictly after now+MinLeadTime, ends by work end, and intersects no
// busy interval. Results are local times in ascending order.
func Slots(view settings.View, day time.Time, total time.Duration, busy []model.Interval, now time.Time) []time.Time {
	if view.SlotStep <= 0 || total <= 0 || !view.IsWorkDay(day) {
		return nil
	}

	_, workEnd := view.WorkWindow(day)
	earliest := now.Add(view.MinLeadTime)

	var out []time.Time
	for off := gridStart(view); off < view.WorkEnd; off += view.SlotStep {
		start := view.At(day, off)
		if !start.After(earliest) {
			continue
		}
		end := start.Add(total)
		if end.After(workEnd) {
			break
		}
		if (model.Interval{Start: start, End: end}).OverlapsAny(busy) {
			continue
		}
		out = append(out, start)
	}
	return out
}

// gridStart rounds the work start down to the step grid anchored at local midnight.
func gridStart(view settings.View) time.Duration {
	if view.SlotStep <= 0 {
		return view.WorkStart
	}
	return view.WorkStart - view.WorkStart%view.SlotStep
}
