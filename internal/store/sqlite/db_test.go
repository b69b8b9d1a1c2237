package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"slotkeeper/internal/model"
	"slotkeeper/internal/store"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	logger := zerolog.Nop()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedService(t *testing.T, db *DB) model.Service {
	t.Helper()
	services := []model.Service{{Name: "Маникюр", Duration: 40 * time.Minute, Price: 150000, Active: true}}
	_, err := db.EnsureServices(context.Background(), services)
	require.NoError(t, err)
	return services[0]
}

func at(hour, min int) time.Time {
	return time.Date(2024, 1, 1, hour, min, 0, 0, time.UTC)
}

func insert(t *testing.T, db *DB, serviceID int64, start, end time.Time, status model.Status) *model.Appointment {
	t.Helper()
	a := &model.Appointment{
		ClientID:  7,
		ServiceID: serviceID,
		Start:     start,
		End:       end,
		Status:    status,
		CreatedAt: at(8, 0),
		UpdatedAt: at(8, 0),
	}
	if status == model.StatusHold {
		exp := at(8, 15)
		a.HoldExpiresAt = &exp
	}
	require.NoError(t, db.InsertAppointment(context.Background(), a))
	return a
}

func TestSettings_SeedDoesNotOverwrite(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.SetSetting(ctx, "slot_step_min", "15"))

	added, err := db.SeedSettings(ctx, map[string]string{"slot_step_min": "30", "buffer_min": "10"})
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	rows, err := db.ListSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "15", rows["slot_step_min"])
	assert.Equal(t, "10", rows["buffer_min"])
}

func TestServices_EnsureOnlyWhenEmpty(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	svc := seedService(t, db)
	assert.NotZero(t, svc.ID)

	n, err := db.EnsureServices(ctx, []model.Service{{Name: "Другое", Duration: time.Hour, Active: true}})
	require.NoError(t, err)
	assert.Zero(t, n)

	list, err := db.ListActiveServices(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 40*time.Minute, list[0].Duration)

	_, err = db.GetService(ctx, 999)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClients_UpsertKeepsPhone(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.UpsertClient(ctx, &model.Client{ChatID: 5, FullName: "Анна", Phone: "+79990001122"}))
	require.NoError(t, db.UpsertClient(ctx, &model.Client{ChatID: 5, FullName: "Анна К.", Username: "anna"}))

	c, err := db.GetClient(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "Анна К.", c.FullName)
	assert.Equal(t, "anna", c.Username)
	assert.Equal(t, "+79990001122", c.Phone)

	_, err = db.GetClient(ctx, 6)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAppointments_RoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	svc := seedService(t, db)

	a := insert(t, db, svc.ID, at(10, 0), at(10, 50), model.StatusHold)
	price := int64(99000)
	a.PriceOverride = &price
	a.ClientComment = "без лака"
	a.Status = model.StatusBooked
	a.HoldExpiresAt = nil
	alt := at(12, 0)
	a.ProposedAltStart = &alt
	require.NoError(t, db.UpdateAppointment(ctx, a))

	got, err := db.GetAppointment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusBooked, got.Status)
	assert.Nil(t, got.HoldExpiresAt)
	require.NotNil(t, got.ProposedAltStart)
	assert.True(t, alt.Equal(*got.ProposedAltStart))
	require.NotNil(t, got.PriceOverride)
	assert.Equal(t, price, *got.PriceOverride)
	assert.Equal(t, "без лака", got.ClientComment)
	assert.True(t, at(10, 0).Equal(got.Start))
	assert.True(t, at(10, 50).Equal(got.End))

	_, err = db.GetAppointment(ctx, 12345)
	assert.ErrorIs(t, err, store.ErrNotFound)

	missing := *got
	missing.ID = 12345
	assert.ErrorIs(t, db.UpdateAppointment(ctx, &missing), store.ErrNotFound)
}

func TestAppointments_ListActiveOverlapping(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	svc := seedService(t, db)

	booked := insert(t, db, svc.ID, at(10, 0), at(11, 0), model.StatusBooked)
	insert(t, db, svc.ID, at(12, 0), at(13, 0), model.StatusCanceled)
	hold := insert(t, db, svc.ID, at(14, 0), at(15, 0), model.StatusHold)

	tests := []struct {
		name       string
		start, end time.Time
		exclude    int64
		want       []int64
	}{
		{"touching end is free", at(11, 0), at(12, 0), 0, nil},
		{"touching start is free", at(9, 0), at(10, 0), 0, nil},
		{"overlaps booked", at(10, 30), at(11, 30), 0, []int64{booked.ID}},
		{"canceled ignored", at(12, 0), at(13, 0), 0, nil},
		{"overlaps hold", at(13, 30), at(14, 30), 0, []int64{hold.ID}},
		{"excluded self", at(10, 0), at(11, 0), booked.ID, nil},
		{"spans both", at(9, 0), at(16, 0), 0, []int64{booked.ID, hold.ID}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.ListActiveOverlapping(ctx, tt.start, tt.end, tt.exclude)
			require.NoError(t, err)
			var ids []int64
			for _, a := range got {
				ids = append(ids, a.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestAppointments_ExpiredHolds(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	svc := seedService(t, db)

	hold := insert(t, db, svc.ID, at(10, 0), at(11, 0), model.StatusHold)

	got, err := db.ListExpiredHolds(ctx, at(8, 14))
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = db.ListExpiredHolds(ctx, at(8, 15))
	require.NoError(t, err)
	require.Len(t, got, 1)

	ok, err := db.RejectExpiredHold(ctx, hold.ID, at(8, 15))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.RejectExpiredHold(ctx, hold.ID, at(8, 16))
	require.NoError(t, err)
	assert.False(t, ok)

	after, err := db.GetAppointment(ctx, hold.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, after.Status)
	assert.Nil(t, after.HoldExpiresAt)
}

func TestAppointments_ListFilter(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	svc := seedService(t, db)

	first := insert(t, db, svc.ID, at(10, 0), at(11, 0), model.StatusBooked)
	second := insert(t, db, svc.ID, at(12, 0), at(13, 0), model.StatusBooked)
	second.Reminder48hSent = true
	require.NoError(t, db.UpdateAppointment(ctx, second))
	insert(t, db, svc.ID, at(14, 0), at(15, 0), model.StatusRejected)

	from, before := at(9, 0), at(13, 0)
	got, err := db.ListAppointments(ctx, store.AppointmentFilter{
		Statuses:    []model.Status{model.StatusBooked},
		StartFrom:   &from,
		StartBefore: &before,
		Without48h:  true,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, first.ID, got[0].ID)

	client := int64(7)
	got, err = db.ListAppointments(ctx, store.AppointmentFilter{ClientID: &client, Desc: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Start.After(got[1].Start))

	endBefore := at(11, 0)
	got, err = db.ListAppointments(ctx, store.AppointmentFilter{EndBefore: &endBefore})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, first.ID, got[0].ID)
}

func TestBlocked_CRUDAndBusy(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	svc := seedService(t, db)

	b := &model.BlockedInterval{Start: at(13, 0), End: at(14, 0), Reason: "обед", CreatedBy: 1, CreatedAt: at(8, 0)}
	require.NoError(t, db.InsertBlocked(ctx, b))
	assert.NotZero(t, b.ID)

	insert(t, db, svc.ID, at(10, 0), at(11, 0), model.StatusBooked)
	insert(t, db, svc.ID, at(11, 0), at(12, 0), model.StatusRejected)

	busy, err := db.ListBusy(ctx, at(0, 0), at(23, 59))
	require.NoError(t, err)
	require.Len(t, busy, 2)
	assert.True(t, at(10, 0).Equal(busy[0].Start))
	assert.True(t, at(13, 0).Equal(busy[1].Start))

	list, err := db.ListBlockedOverlapping(ctx, at(13, 30), at(18, 0))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "обед", list[0].Reason)

	ok, err := db.DeleteBlocked(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.DeleteBlocked(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWithinTx_RollbackOnError(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	svc := seedService(t, db)
	boom := errors.New("boom")

	err := db.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		require.NoError(t, tx.LockKeys(ctx, []uint64{1, 2}))
		a := &model.Appointment{ClientID: 1, ServiceID: svc.ID, Start: at(10, 0), End: at(11, 0), Status: model.StatusBooked}
		require.NoError(t, tx.InsertAppointment(ctx, a))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := db.ListActiveOverlapping(ctx, at(0, 0), at(23, 0), 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	err = db.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.LockKeys(ctx, []uint64{1 << 63}); err != nil {
			return err
		}
		a := &model.Appointment{ClientID: 1, ServiceID: svc.ID, Start: at(10, 0), End: at(11, 0), Status: model.StatusBooked}
		return tx.InsertAppointment(ctx, a)
	})
	require.NoError(t, err)

	got, err = db.ListActiveOverlapping(ctx, at(0, 0), at(23, 0), 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestBackupAndCleanup(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	seedService(t, db)

	dir := t.TempDir()
	dest := filepath.Join(dir, "slotkeeper_20240101_000000.db")
	require.NoError(t, db.Backup(ctx, dest))
	assert.FileExists(t, dest)
	assert.Error(t, db.Backup(ctx, dest))

	old := time.Now().Add(-72 * time.Hour)
	require.NoError(t, os.Chtimes(dest, old, old))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("keep"), 0o600))

	deleted, err := CleanupBackups(dir, 24*time.Hour, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.NoFileExists(t, dest)
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))
}
