package booking

import (
	"context"
	"fmt"
	"time"

	"slotkeeper/internal/metrics"
	"slotkeeper/internal/store"

	"github.com/rs/zerolog"
)

// Guard runs the lock-then-check protocol that precedes every write claiming
// calendar time. It must be called with the transaction that performs the write.
type Guard struct {
	logger zerolog.Logger
}

func NewGuard(logger *zerolog.Logger) *Guard {
	return &Guard{logger: logger.With().Str("component", "guard").Logger()}
}

// EnsureAvailable locks the window's keys and fails with ErrSlotTaken or
// ErrSlotBlocked if [start, end) collides with a live appointment (other than
// excludeID) or a blocked interval.
func (g *Guard) EnsureAvailable(ctx context.Context, tx store.Tx, loc *time.Location, start, end time.Time, excludeID int64) error {
	if !end.After(start) {
		return ErrInvalidWindow
	}

	if err := tx.LockKeys(ctx, LockKeys(start, end, loc)); err != nil {
		return fmt.Errorf("lock window: %w", err)
	}

	taken, err := tx.ListActiveOverlapping(ctx, start, end, excludeID)
	if err != nil {
		return fmt.Errorf("check appointments: %w", err)
	}
	if len(taken) > 0 {
		metrics.IncConflict("taken")
		g.logger.Debug().
			Time("start", start).
			Time("end", end).
			Int64("conflict_id", taken[0].ID).
			Msg("slot taken")
		return ErrSlotTaken
	}

	blocked, err := tx.ListBlockedOverlapping(ctx, start, end)
	if err != nil {
		return fmt.Errorf("check blocked intervals: %w", err)
	}
	if len(blocked) > 0 {
		metrics.IncConflict("blocked")
		g.logger.Debug().
			Time("start", start).
			Time("end", end).
			Int64("blocked_id", blocked[0].ID).
			Msg("slot blocked")
		return ErrSlotBlocked
	}
	return nil
}
