package report

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"slotkeeper/internal/model"
	"slotkeeper/internal/notify"
	"slotkeeper/internal/store/sqlite"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type staticDetails struct{}

func (staticDetails) Details(_ context.Context, a model.Appointment) (notify.Details, error) {
	return notify.Details{
		Client:   model.Client{ChatID: a.ClientID, FullName: "Анна", Phone: "+79990000000"},
		Service:  model.Service{ID: a.ServiceID, Name: "Маникюр", Price: 150000},
		Location: time.UTC,
	}, nil
}

func TestDaySchedule_Write(t *testing.T) {
	ctx := context.Background()
	logger := zerolog.Nop()
	db, err := sqlite.NewDB(filepath.Join(t.TempDir(), "report.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	services := []model.Service{{Name: "Маникюр", Duration: 40 * time.Minute, Active: true}}
	_, err = db.EnsureServices(ctx, services)
	require.NoError(t, err)

	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	a := &model.Appointment{
		ClientID: 7, ServiceID: services[0].ID,
		Start: day.Add(10 * time.Hour), End: day.Add(10*time.Hour + 50*time.Minute),
		Status: model.StatusBooked, ClientComment: "первый визит", CreatedAt: day, UpdatedAt: day,
	}
	require.NoError(t, db.InsertAppointment(ctx, a))
	other := &model.Appointment{
		ClientID: 7, ServiceID: services[0].ID,
		Start: day.Add(34 * time.Hour), End: day.Add(35 * time.Hour),
		Status: model.StatusBooked, CreatedAt: day, UpdatedAt: day,
	}
	require.NoError(t, db.InsertAppointment(ctx, other))
	require.NoError(t, db.InsertBlocked(ctx, &model.BlockedInterval{
		Start: day.Add(13 * time.Hour), End: day.Add(14 * time.Hour), Reason: "обед", CreatedAt: day,
	}))

	var buf bytes.Buffer
	require.NoError(t, NewDaySchedule(db, staticDetails{}, time.UTC).Write(ctx, day.Add(12*time.Hour), &buf))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{"Записи 02.01.2024", "Перерывы"}, f.GetSheetList())

	rows, err := f.GetRows("Записи 02.01.2024")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Начало", rows[0][1])
	assert.Equal(t, []string{"1", "10:00", "10:50", "Маникюр", "Анна", "+79990000000", "Подтверждена", "1500", "первый визит"}, rows[1])

	rows, err = f.GetRows("Перерывы")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "обед", rows[1][2])
}
