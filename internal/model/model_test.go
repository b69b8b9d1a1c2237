package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func datetime(year int, month time.Month, day, hour, min int) time.Time {
	return time.Date(year, month, day, hour, min, 0, 0, time.UTC)
}

func TestOverlaps(t *testing.T) {
	base := Interval{Start: datetime(2024, 1, 1, 10, 0), End: datetime(2024, 1, 1, 11, 0)}

	tests := []struct {
		name  string
		other Interval
		want  bool
	}{
		{"before", Interval{datetime(2024, 1, 1, 9, 0), datetime(2024, 1, 1, 10, 0)}, false},
		{"after", Interval{datetime(2024, 1, 1, 11, 0), datetime(2024, 1, 1, 12, 0)}, false},
		{"inside", Interval{datetime(2024, 1, 1, 10, 15), datetime(2024, 1, 1, 10, 45)}, true},
		{"covers", Interval{datetime(2024, 1, 1, 9, 0), datetime(2024, 1, 1, 12, 0)}, true},
		{"tail", Interval{datetime(2024, 1, 1, 10, 59), datetime(2024, 1, 1, 11, 30)}, true},
		{"head", Interval{datetime(2024, 1, 1, 9, 30), datetime(2024, 1, 1, 10, 1)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, base.Overlaps(tt.other))
			assert.Equal(t, tt.want, tt.other.Overlaps(base))
		})
	}

	assert.True(t, base.OverlapsAny([]Interval{otherDay(), base}))
	assert.False(t, base.OverlapsAny(nil))
}

func otherDay() Interval {
	return Interval{Start: datetime(2024, 1, 2, 10, 0), End: datetime(2024, 1, 2, 11, 0)}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusHold, StatusBooked))
	assert.True(t, CanTransition(StatusHold, StatusRejected))
	assert.False(t, CanTransition(StatusHold, StatusCanceled))
	assert.True(t, CanTransition(StatusBooked, StatusCanceled))
	assert.True(t, CanTransition(StatusBooked, StatusCompleted))
	assert.False(t, CanTransition(StatusBooked, StatusHold))

	for _, s := range []Status{StatusRejected, StatusCanceled, StatusCompleted} {
		assert.True(t, s.IsTerminal(), s)
		assert.False(t, s.IsActive(), s)
		assert.False(t, CanTransition(s, StatusBooked), s)
	}
}

func TestAppointment_TransitionTo(t *testing.T) {
	now := datetime(2024, 1, 1, 10, 0)
	exp := now.Add(15 * time.Minute)
	a := Appointment{Status: StatusHold, HoldExpiresAt: &exp}

	require.NoError(t, a.TransitionTo(StatusBooked, now))
	assert.Equal(t, StatusBooked, a.Status)
	assert.Nil(t, a.HoldExpiresAt)

	alt := now.Add(24 * time.Hour)
	a.ProposedAltStart = &alt
	require.NoError(t, a.TransitionTo(StatusRejected, now))
	assert.Nil(t, a.ProposedAltStart)

	assert.ErrorIs(t, a.TransitionTo(StatusBooked, now), ErrInvalidTransition)
}

func TestAppointment_MoveTo(t *testing.T) {
	a := Appointment{
		Status:          StatusBooked,
		Start:           datetime(2024, 1, 1, 10, 0),
		End:             datetime(2024, 1, 1, 11, 0),
		Reminder48hSent: true,
		Reminder3hSent:  true,
		VisitConfirmed:  true,
	}
	alt := datetime(2024, 1, 2, 12, 0)
	a.ProposedAltStart = &alt

	a.MoveTo(alt, 50*time.Minute, datetime(2024, 1, 1, 9, 0))

	assert.Equal(t, alt, a.Start)
	assert.Equal(t, datetime(2024, 1, 2, 12, 50), a.End)
	assert.Nil(t, a.ProposedAltStart)
	assert.False(t, a.Reminder48hSent)
	assert.False(t, a.Reminder3hSent)
	assert.False(t, a.VisitConfirmed)
}

func TestAppointment_HoldExpired(t *testing.T) {
	exp := datetime(2024, 1, 1, 10, 15)
	a := Appointment{Status: StatusHold, HoldExpiresAt: &exp}

	assert.False(t, a.HoldExpired(exp.Add(-time.Second)))
	assert.True(t, a.HoldExpired(exp))

	a.Status = StatusBooked
	assert.False(t, a.HoldExpired(exp.Add(time.Hour)))
}

func TestService_TotalDuration(t *testing.T) {
	s := Service{Duration: 40 * time.Minute, Buffer: 5 * time.Minute}
	assert.Equal(t, 55*time.Minute, s.TotalDuration(10*time.Minute))
}

func TestClient_DisplayName(t *testing.T) {
	assert.Equal(t, "Анна", (&Client{ChatID: 1, FullName: "Анна", Username: "anna"}).DisplayName())
	assert.Equal(t, "@anna", (&Client{ChatID: 1, Username: "anna"}).DisplayName())
	assert.Equal(t, "42", (&Client{ChatID: 42}).DisplayName())
}

func TestAppointment_EffectivePrice(t *testing.T) {
	a := Appointment{}
	assert.Equal(t, int64(1000), a.EffectivePrice(1000))
	p := int64(700)
	a.PriceOverride = &p
	assert.Equal(t, int64(700), a.EffectivePrice(1000))
}
