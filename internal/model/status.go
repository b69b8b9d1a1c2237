package model

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusHold      Status = "hold"
	StatusBooked    Status = "booked"
	StatusRejected  Status = "rejected"
	StatusCanceled  Status = "canceled"
	StatusCompleted Status = "completed"
)

// transitions defines allowed status transitions.
var transitions = map[Status][]Status{
	StatusHold:   {StatusBooked, StatusRejected},
	StatusBooked: {StatusRejected, StatusCanceled, StatusCompleted},
}

// CanTransition checks if transition from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status can never change again.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// IsActive reports whether the status occupies calendar time.
func (s Status) IsActive() bool {
	return s == StatusHold || s == StatusBooked
}

// ActiveStatuses are the statuses that take part in collision checks.
var ActiveStatuses = []Status{StatusHold, StatusBooked}

func (s Status) String() string { return string(s) }
