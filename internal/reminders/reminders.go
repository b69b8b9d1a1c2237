// Package reminders sends visit reminders, aftercare messages and the daily
// admin digest.
package reminders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"slotkeeper/internal/lease"
	"slotkeeper/internal/metrics"
	"slotkeeper/internal/model"
	"slotkeeper/internal/notify"
	"slotkeeper/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Kind names a reminder type.
type Kind string

const (
	Kind48h       Kind = "48h"
	Kind3h        Kind = "3h"
	KindAftercare Kind = "aftercare"
	KindDigest    Kind = "digest"
)

// window is how far past the lead time an appointment may start and still be
// reminded on this tick. It is wider than the tick so a late tick misses nothing.
const window = 2 * time.Minute

// Messenger renders and delivers messages.
type Messenger interface {
	Details(ctx context.Context, a model.Appointment) (notify.Details, error)
	Send(ctx context.Context, msg notify.Message) bool
}

// Completer closes a visit.
type Completer interface {
	Complete(ctx context.Context, id int64) (bool, error)
}

// Config holds scheduler settings.
type Config struct {
	Interval    time.Duration
	AdminChatID int64
	// DigestHour and DigestMinute are local wall-clock time of the daily digest.
	DigestHour   int
	DigestMinute int
	Location     *time.Location
}

// Scheduler runs reminder passes on a fixed interval.
type Scheduler struct {
	cfg       Config
	store     store.Store
	messenger Messenger
	completer Completer
	lease     lease.Lease
	now       func() time.Time
	logger    zerolog.Logger

	mu         sync.Mutex
	lastDigest string // YYYY-MM-DD of the last digest
}

func NewScheduler(cfg Config, st store.Store, m Messenger, c Completer, l lease.Lease, logger *zerolog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if l == nil {
		l = lease.Local{}
	}
	return &Scheduler{
		cfg:       cfg,
		store:     st,
		messenger: m,
		completer: c,
		lease:     l,
		now:       time.Now,
		logger:    logger.With().Str("component", "reminders").Logger(),
	}
}

// WithClock replaces the time source.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Start runs passes until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().
		Dur("interval", s.cfg.Interval).
		Str("digest_time", fmt.Sprintf("%02d:%02d", s.cfg.DigestHour, s.cfg.DigestMinute)).
		Msg("reminder scheduler started")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("reminder scheduler stopped")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error().Err(err).Msg("reminder pass failed")
			}
		}
	}
}

// RunOnce performs one pass over every reminder kind.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	acquired, err := s.lease.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !acquired {
		return nil
	}
	defer func() {
		if err := s.lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn().Err(err).Msg("release reminder lease")
		}
	}()

	now := s.now()
	logger := s.logger.With().Str("run_id", uuid.NewString()).Logger()

	if err := s.remind(ctx, logger, now, Kind48h, 48*time.Hour); err != nil {
		return err
	}
	if err := s.remind(ctx, logger, now, Kind3h, 3*time.Hour); err != nil {
		return err
	}
	if err := s.aftercare(ctx, logger, now); err != nil {
		return err
	}
	return s.digest(ctx, logger, now)
}

func (s *Scheduler) remind(ctx context.Context, logger zerolog.Logger, now time.Time, kind Kind, lead time.Duration) error {
	from := now.Add(lead)
	to := from.Add(window)
	f := store.AppointmentFilter{
		Statuses:    []model.Status{model.StatusBooked},
		StartFrom:   &from,
		StartBefore: &to,
	}
	if kind == Kind48h {
		f.Without48h = true
	} else {
		f.Without3h = true
	}

	due, err := s.store.ListAppointments(ctx, f)
	if err != nil {
		return fmt.Errorf("list %s reminders: %w", kind, err)
	}

	for _, a := range due {
		det, err := s.messenger.Details(ctx, a)
		if err != nil {
			logger.Warn().Err(err).Int64("appointment_id", a.ID).Msg("load reminder details")
			continue
		}
		text := notify.Reminder48h(a, det)
		if kind == Kind3h {
			text = notify.Reminder3h(a, det)
		}
		if !s.messenger.Send(ctx, notify.Message{ChatID: a.ClientID, Text: text}) {
			continue
		}
		if err := s.markSent(ctx, a, kind); err != nil {
			logger.Error().Err(err).Int64("appointment_id", a.ID).Str("kind", string(kind)).Msg("mark reminder sent")
			continue
		}
		metrics.IncReminderSent(string(kind))
		logger.Info().Int64("appointment_id", a.ID).Str("kind", string(kind)).Msg("reminder sent")
	}
	return nil
}

// markSent sets the flag only if the appointment was not moved meanwhile.
func (s *Scheduler) markSent(ctx context.Context, sent model.Appointment, kind Kind) error {
	return s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		a, err := tx.GetAppointment(ctx, sent.ID)
		if err != nil {
			return err
		}
		if a.Status != model.StatusBooked || !a.Start.Equal(sent.Start) {
			return nil
		}
		if kind == Kind48h {
			a.Reminder48hSent = true
		} else {
			a.Reminder3hSent = true
		}
		a.UpdatedAt = s.now().UTC()
		return tx.UpdateAppointment(ctx, a)
	})
}

func (s *Scheduler) aftercare(ctx context.Context, logger zerolog.Logger, now time.Time) error {
	done, err := s.store.ListAppointments(ctx, store.AppointmentFilter{
		Statuses:  []model.Status{model.StatusBooked},
		EndBefore: &now,
	})
	if err != nil {
		return fmt.Errorf("list finished visits: %w", err)
	}

	for _, a := range done {
		ok, err := s.completer.Complete(ctx, a.ID)
		if err != nil {
			logger.Error().Err(err).Int64("appointment_id", a.ID).Msg("complete visit")
			continue
		}
		if !ok {
			continue
		}
		det, err := s.messenger.Details(ctx, a)
		if err != nil {
			logger.Warn().Err(err).Int64("appointment_id", a.ID).Msg("load aftercare details")
			continue
		}
		if s.messenger.Send(ctx, notify.Message{ChatID: a.ClientID, Text: notify.Aftercare(a, det)}) {
			metrics.IncReminderSent(string(KindAftercare))
		}
	}
	return nil
}

func (s *Scheduler) digest(ctx context.Context, logger zerolog.Logger, now time.Time) error {
	if s.cfg.AdminChatID == 0 {
		return nil
	}
	local := now.In(s.cfg.Location)
	today := local.Format("2006-01-02")

	s.mu.Lock()
	due := s.lastDigest != today &&
		(local.Hour() > s.cfg.DigestHour || local.Hour() == s.cfg.DigestHour && local.Minute() >= s.cfg.DigestMinute)
	s.mu.Unlock()
	if !due {
		return nil
	}

	text, err := s.Digest(ctx, local)
	if err != nil {
		return err
	}
	if !s.messenger.Send(ctx, notify.Message{ChatID: s.cfg.AdminChatID, Text: text}) {
		return nil
	}

	s.mu.Lock()
	s.lastDigest = today
	s.mu.Unlock()
	metrics.IncReminderSent(string(KindDigest))
	logger.Info().Str("date", today).Msg("daily digest sent")
	return nil
}

// Digest renders the booked schedule of the local day containing day.
func (s *Scheduler) Digest(ctx context.Context, day time.Time) (string, error) {
	local := day.In(s.cfg.Location)
	from := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.cfg.Location)
	to := from.AddDate(0, 0, 1)

	list, err := s.store.ListAppointments(ctx, store.AppointmentFilter{
		Statuses:    []model.Status{model.StatusBooked},
		StartFrom:   &from,
		StartBefore: &to,
	})
	if err != nil {
		return "", fmt.Errorf("list day schedule: %w", err)
	}

	lines := make([]notify.DigestLine, 0, len(list))
	for _, a := range list {
		det, err := s.messenger.Details(ctx, a)
		if err != nil {
			return "", err
		}
		lines = append(lines, notify.DigestLine{Appointment: a, Details: det})
	}
	return notify.Digest(from, lines), nil
}
