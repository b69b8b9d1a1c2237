// Package store defines the persistence contract of the booking engine.
// Implementations live in the sqlite and postgres subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"slotkeeper/internal/model"
)

var ErrNotFound = errors.New("not found")

// AppointmentFilter defines criteria for listing appointments.
type AppointmentFilter struct {
	Statuses    []model.Status
	ClientID    *int64
	StartFrom   *time.Time // inclusive
	StartBefore *time.Time // exclusive
	EndBefore   *time.Time // inclusive
	// Without48h and Without3h keep only rows whose reminder was not sent yet.
	Without48h bool
	Without3h  bool
	Desc       bool
	Limit      int
}

// Queries is the set of reads and writes available both inside and outside a transaction.
type Queries interface {
	ListSettings(ctx context.Context) (map[string]string, error)
	// SeedSettings inserts rows whose keys are absent and returns how many were added.
	SeedSettings(ctx context.Context, rows map[string]string) (int, error)
	SetSetting(ctx context.Context, key, value string) error

	GetService(ctx context.Context, id int64) (*model.Service, error)
	ListActiveServices(ctx context.Context) ([]model.Service, error)
	// EnsureServices inserts defaults only when there are no services at all.
	EnsureServices(ctx context.Context, defaults []model.Service) (int, error)

	UpsertClient(ctx context.Context, c *model.Client) error
	GetClient(ctx context.Context, chatID int64) (*model.Client, error)

	GetAppointment(ctx context.Context, id int64) (*model.Appointment, error)
	InsertAppointment(ctx context.Context, a *model.Appointment) error
	UpdateAppointment(ctx context.Context, a *model.Appointment) error
	// RejectExpiredHold flips a hold to rejected only if it is still a hold.
	RejectExpiredHold(ctx context.Context, id int64, at time.Time) (bool, error)
	// ListActiveOverlapping returns hold/booked rows intersecting [start, end), skipping excludeID.
	ListActiveOverlapping(ctx context.Context, start, end time.Time, excludeID int64) ([]model.Appointment, error)
	ListExpiredHolds(ctx context.Context, now time.Time) ([]model.Appointment, error)
	ListAppointments(ctx context.Context, f AppointmentFilter) ([]model.Appointment, error)

	InsertBlocked(ctx context.Context, b *model.BlockedInterval) error
	DeleteBlocked(ctx context.Context, id int64) (bool, error)
	// ListBlockedOverlapping returns blocked intervals intersecting [start, end), ascending.
	ListBlockedOverlapping(ctx context.Context, start, end time.Time) ([]model.BlockedInterval, error)

	// ListBusy returns every occupied window (hold, booked, blocked) intersecting [from, to).
	ListBusy(ctx context.Context, from, to time.Time) ([]model.Interval, error)
}

// Tx is a unit of work. Locks taken through LockKeys are released on commit or rollback.
type Tx interface {
	Queries
	// LockKeys acquires exclusive transaction-scoped locks. Keys must be sorted ascending.
	LockKeys(ctx context.Context, keys []uint64) error
}

// Store is the shared relational store.
type Store interface {
	Queries
	// WithinTx runs fn in a transaction, committing on nil and rolling back otherwise.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}
