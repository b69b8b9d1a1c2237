package reminders

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"slotkeeper/internal/booking"
	"slotkeeper/internal/model"
	"slotkeeper/internal/notify"
	"slotkeeper/internal/store/sqlite"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessenger struct {
	fail bool
	sent []notify.Message
}

func (m *fakeMessenger) Details(_ context.Context, a model.Appointment) (notify.Details, error) {
	return notify.Details{
		Client:   model.Client{ChatID: a.ClientID, FullName: "Анна"},
		Service:  model.Service{ID: a.ServiceID, Name: "Маникюр", Price: 150000},
		Location: time.UTC,
	}, nil
}

func (m *fakeMessenger) Send(_ context.Context, msg notify.Message) bool {
	m.sent = append(m.sent, msg)
	return !m.fail
}

type fixture struct {
	db        *sqlite.DB
	messenger *fakeMessenger
	scheduler *Scheduler
	now       time.Time
	service   model.Service
}

func setup(t *testing.T, adminChatID int64) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	db, err := sqlite.NewDB(filepath.Join(t.TempDir(), "reminders.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	services := []model.Service{{Name: "Маникюр", Duration: 40 * time.Minute, Price: 150000, Active: true}}
	_, err = db.EnsureServices(context.Background(), services)
	require.NoError(t, err)

	f := &fixture{
		db:        db,
		messenger: &fakeMessenger{},
		now:       time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC),
		service:   services[0],
	}
	engine := booking.NewEngine(db, nil, &logger).WithClock(func() time.Time { return f.now })
	f.scheduler = NewScheduler(Config{AdminChatID: adminChatID, DigestHour: 9, Location: time.UTC},
		db, f.messenger, engine, nil, &logger).WithClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) booked(t *testing.T, start time.Time) *model.Appointment {
	t.Helper()
	a := &model.Appointment{
		ClientID:  7,
		ServiceID: f.service.ID,
		Start:     start,
		End:       start.Add(50 * time.Minute),
		Status:    model.StatusBooked,
		CreatedAt: f.now,
		UpdatedAt: f.now,
	}
	require.NoError(t, f.db.InsertAppointment(context.Background(), a))
	return a
}

func TestRunOnce_48hReminderSentOnce(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	a := f.booked(t, f.now.Add(48*time.Hour+time.Minute))
	f.booked(t, f.now.Add(48*time.Hour+10*time.Minute))

	require.NoError(t, f.scheduler.RunOnce(ctx))
	require.Len(t, f.messenger.sent, 1)
	assert.Equal(t, int64(7), f.messenger.sent[0].ChatID)
	assert.Contains(t, f.messenger.sent[0].Text, "через 2 дня")

	got, err := f.db.GetAppointment(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Reminder48hSent)
	assert.False(t, got.Reminder3hSent)

	require.NoError(t, f.scheduler.RunOnce(ctx))
	assert.Len(t, f.messenger.sent, 1)
}

func TestRunOnce_FailedSendIsRetried(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	a := f.booked(t, f.now.Add(3*time.Hour))

	f.messenger.fail = true
	require.NoError(t, f.scheduler.RunOnce(ctx))
	got, err := f.db.GetAppointment(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, got.Reminder3hSent)

	f.messenger.fail = false
	require.NoError(t, f.scheduler.RunOnce(ctx))
	got, err = f.db.GetAppointment(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Reminder3hSent)
	assert.Len(t, f.messenger.sent, 2)
	assert.Contains(t, f.messenger.sent[1].Text, "11:00")
}

func TestRunOnce_AftercareCompletesVisit(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	a := f.booked(t, f.now.Add(-2*time.Hour))
	upcoming := f.booked(t, f.now.Add(5*time.Hour))

	require.NoError(t, f.scheduler.RunOnce(ctx))

	got, err := f.db.GetAppointment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)

	got, err = f.db.GetAppointment(ctx, upcoming.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusBooked, got.Status)

	require.Len(t, f.messenger.sent, 1)
	assert.Contains(t, f.messenger.sent[0].Text, "Спасибо за визит")

	require.NoError(t, f.scheduler.RunOnce(ctx))
	assert.Len(t, f.messenger.sent, 1)
}

func TestRunOnce_DigestOncePerDay(t *testing.T) {
	f := setup(t, 1000)
	ctx := context.Background()
	f.booked(t, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))

	require.NoError(t, f.scheduler.RunOnce(ctx))
	assert.Empty(t, f.messenger.sent)

	f.now = time.Date(2024, 1, 1, 9, 0, 30, 0, time.UTC)
	require.NoError(t, f.scheduler.RunOnce(ctx))
	require.Len(t, f.messenger.sent, 1)
	assert.Equal(t, int64(1000), f.messenger.sent[0].ChatID)
	assert.Contains(t, f.messenger.sent[0].Text, "12:00-12:50 Маникюр | Анна | 1 500 ₽")

	f.now = f.now.Add(time.Minute)
	require.NoError(t, f.scheduler.RunOnce(ctx))
	assert.Len(t, f.messenger.sent, 1)
}

func TestDigest_Empty(t *testing.T) {
	f := setup(t, 1000)
	text, err := f.scheduler.Digest(context.Background(), f.now)
	require.NoError(t, err)
	assert.Equal(t, "На сегодня записей нет.", text)
}

type deniedLease struct{}

func (deniedLease) Acquire(context.Context) (bool, error) { return false, nil }
func (deniedLease) Release(context.Context) error         { return errors.New("not held") }

func TestRunOnce_SkipsWithoutLease(t *testing.T) {
	f := setup(t, 0)
	f.booked(t, f.now.Add(3*time.Hour))
	f.scheduler.lease = deniedLease{}

	require.NoError(t, f.scheduler.RunOnce(context.Background()))
	assert.Empty(t, f.messenger.sent)
}
