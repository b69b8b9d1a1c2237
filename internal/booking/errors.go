package booking

import "errors"

var (
	// ErrSlotTaken means another hold or booking already occupies part of the window.
	ErrSlotTaken = errors.New("slot taken")
	// ErrSlotBlocked means the provider blocked part of the window.
	ErrSlotBlocked = errors.New("slot blocked")
	// ErrNotBooked means the appointment is not in the booked state.
	ErrNotBooked = errors.New("appointment is not booked")
	// ErrServiceUnavailable means the requested service is inactive.
	ErrServiceUnavailable = errors.New("service unavailable")
	// ErrInvalidWindow means the requested window is empty or inverted.
	ErrInvalidWindow = errors.New("invalid time window")
)

// IsContention reports whether err is an expected slot collision.
func IsContention(err error) bool {
	return errors.Is(err, ErrSlotTaken) || errors.Is(err, ErrSlotBlocked)
}
