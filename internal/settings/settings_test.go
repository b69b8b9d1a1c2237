package settings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapSource struct {
	rows map[string]string
	err  error
}

func (m mapSource) ListSettings(context.Context) (map[string]string, error) {
	return m.rows, m.err
}

func validRows() map[string]string {
	return map[string]string{
		KeySlotStep:    "30",
		KeyBuffer:      "10",
		KeyMinLeadTime: "60",
		KeyHorizonDays: "14",
		KeyHoldTTL:     "15",
		KeyCancelLimit: "24",
		KeyWorkStart:   "09:00",
		KeyWorkEnd:     "18:00",
		KeyWorkDays:    "0,1,2,3,4",
	}
}

func TestLoad(t *testing.T) {
	v, err := Load(context.Background(), mapSource{rows: validRows()}, "Europe/Moscow")
	require.NoError(t, err)

	assert.Equal(t, 30*time.Minute, v.SlotStep)
	assert.Equal(t, 10*time.Minute, v.Buffer)
	assert.Equal(t, time.Hour, v.MinLeadTime)
	assert.Equal(t, 14, v.HorizonDays)
	assert.Equal(t, 15*time.Minute, v.HoldTTL)
	assert.Equal(t, 24*time.Hour, v.CancelLimit)
	assert.Equal(t, 9*time.Hour, v.WorkStart)
	assert.Equal(t, 18*time.Hour, v.WorkEnd)
	assert.Equal(t, "Europe/Moscow", v.Location.String())

	assert.True(t, v.WorkDays[time.Monday])
	assert.True(t, v.WorkDays[time.Friday])
	assert.False(t, v.WorkDays[time.Saturday])
	assert.False(t, v.WorkDays[time.Sunday])
	assert.Equal(t, "0,1,2,3,4", FormatWorkDays(v.WorkDays))
}

func TestLoad_MissingKey(t *testing.T) {
	for _, key := range RequiredKeys {
		t.Run(key, func(t *testing.T) {
			rows := validRows()
			delete(rows, key)

			_, err := Load(context.Background(), mapSource{rows: rows}, "UTC")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfigMissing)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestLoad_Malformed(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{KeySlotStep, "abc"},
		{KeySlotStep, "0"},
		{KeyBuffer, "-5"},
		{KeyWorkStart, "9am"},
		{KeyWorkEnd, "08:00"},
		{KeyWorkDays, "0,7"},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			rows := validRows()
			rows[tt.key] = tt.value

			_, err := Load(context.Background(), mapSource{rows: rows}, "UTC")
			require.Error(t, err)
			assert.NotErrorIs(t, err, ErrConfigMissing)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestLoad_SourceError(t *testing.T) {
	boom := errors.New("boom")
	_, err := Load(context.Background(), mapSource{err: boom}, "UTC")
	assert.ErrorIs(t, err, boom)
}

func TestLoad_BadTimezone(t *testing.T) {
	_, err := Load(context.Background(), mapSource{rows: validRows()}, "Mars/Olympus")
	assert.Error(t, err)
}

func TestView_WorkWindow(t *testing.T) {
	v, err := Load(context.Background(), mapSource{rows: validRows()}, "Europe/Moscow")
	require.NoError(t, err)

	// 2024-01-01 23:30 UTC is already 2024-01-02 in Moscow.
	start, end := v.WorkWindow(time.Date(2024, 1, 1, 23, 30, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2024, 1, 2, 6, 0, 0, 0, time.UTC), start.UTC())
	assert.Equal(t, time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC), end.UTC())
	assert.True(t, v.IsWorkDay(start))
}

func TestSeed_RowsLoad(t *testing.T) {
	_, err := Load(context.Background(), mapSource{rows: DefaultSeed().Rows()}, "UTC")
	assert.NoError(t, err)
}
