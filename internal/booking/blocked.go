package booking

import (
	"context"
	"strings"
	"time"

	"slotkeeper/internal/model"
	"slotkeeper/internal/settings"
	"slotkeeper/internal/store"
)

// CreateBlocked reserves provider time. It fails with ErrSlotTaken when a live
// appointment overlaps the window and with ErrSlotBlocked when another blocked
// interval does.
func (e *Engine) CreateBlocked(ctx context.Context, view settings.View, start time.Time, duration time.Duration, createdBy int64, reason string) (*model.BlockedInterval, error) {
	now := e.now().UTC()
	start = start.UTC()
	b := &model.BlockedInterval{
		Start:     start,
		End:       start.Add(duration),
		Reason:    strings.TrimSpace(reason),
		CreatedBy: createdBy,
		CreatedAt: now,
	}

	err := e.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := e.guard.EnsureAvailable(ctx, tx, view.Location, b.Start, b.End, 0); err != nil {
			return err
		}
		return tx.InsertBlocked(ctx, b)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info().
		Int64("blocked_id", b.ID).
		Time("start", b.Start).
		Time("end", b.End).
		Msg("blocked interval created")
	return b, nil
}

// DeleteBlocked removes a blocked interval. Deleting an unknown id reports false.
func (e *Engine) DeleteBlocked(ctx context.Context, id int64) (bool, error) {
	ok, err := e.store.DeleteBlocked(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		e.logger.Info().Int64("blocked_id", id).Msg("blocked interval deleted")
	}
	return ok, nil
}

// ListFutureBlocked returns blocked intervals intersecting [from, to), ascending by start.
func (e *Engine) ListFutureBlocked(ctx context.Context, from, to time.Time) ([]model.BlockedInterval, error) {
	return e.store.ListBlockedOverlapping(ctx, from, to)
}
