// Package sweeper expires holds nobody confirmed in time.
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"slotkeeper/internal/lease"
	"slotkeeper/internal/metrics"
	"slotkeeper/internal/model"
	"slotkeeper/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Notifier tells a client that their hold expired.
type Notifier interface {
	HoldExpired(ctx context.Context, a model.Appointment) error
}

// Options configures the sweep loop.
type Options struct {
	Interval   time.Duration
	FirstDelay time.Duration
}

// Sweeper rejects expired holds in one transaction and notifies clients after commit.
type Sweeper struct {
	store    store.Store
	notifier Notifier
	lease    lease.Lease
	opts     Options
	now      func() time.Time
	logger   zerolog.Logger

	mu      sync.Mutex
	running bool
}

// New creates a sweeper. notifier may be nil; a nil lease means local-only exclusion.
func New(st store.Store, notifier Notifier, l lease.Lease, opts Options, logger *zerolog.Logger) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.FirstDelay < 0 {
		opts.FirstDelay = 0
	}
	if l == nil {
		l = lease.Local{}
	}
	return &Sweeper{
		store:    st,
		notifier: notifier,
		lease:    l,
		opts:     opts,
		now:      time.Now,
		logger:   logger.With().Str("component", "sweeper").Logger(),
	}
}

// WithClock replaces the time source.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Run sweeps after the first delay and then on every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info().
		Dur("interval", s.opts.Interval).
		Dur("first_delay", s.opts.FirstDelay).
		Msg("hold sweeper started")

	select {
	case <-time.After(s.opts.FirstDelay):
		s.tick(ctx)
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("hold sweeper stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error().Err(err).Msg("hold sweep failed")
	}
}

// RunOnce performs a single sweep and returns the number of rejected holds.
// A call that overlaps a running sweep, here or on another instance, returns 0.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return 0, nil
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	acquired, err := s.lease.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire lease: %w", err)
	}
	if !acquired {
		s.logger.Debug().Msg("sweep lease held elsewhere")
		return 0, nil
	}
	defer func() {
		if err := s.lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn().Err(err).Msg("release sweep lease")
		}
	}()

	started := time.Now()
	defer func() { metrics.ObserveSweeperRun(time.Since(started).Seconds()) }()

	logger := s.logger.With().Str("run_id", uuid.NewString()).Logger()
	now := s.now().UTC()

	expired, err := s.store.ListExpiredHolds(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired holds: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	var rejected []model.Appointment
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		rejected = rejected[:0]
		for _, a := range expired {
			ok, err := tx.RejectExpiredHold(ctx, a.ID, now)
			if err != nil {
				return err
			}
			if ok {
				rejected = append(rejected, a)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	metrics.AddSweeperExpired(len(rejected))
	logger.Info().Int("rejected", len(rejected)).Msg("expired holds rejected")

	for _, a := range rejected {
		a.Status = model.StatusRejected
		a.HoldExpiresAt = nil
		a.UpdatedAt = now
		s.notify(ctx, logger, a)
	}
	return len(rejected), nil
}

func (s *Sweeper) notify(ctx context.Context, logger zerolog.Logger, a model.Appointment) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.HoldExpired(ctx, a); err != nil {
		logger.Warn().Err(err).Int64("appointment_id", a.ID).Msg("hold expiry notification failed")
	}
}
