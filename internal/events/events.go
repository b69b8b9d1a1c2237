package events

import (
	"context"
	"sync"
	"time"

	"slotkeeper/internal/model"

	"github.com/rs/zerolog"
)

// Event types published by the booking engine after a successful commit.
const (
	HoldCreated         = "hold.created"
	AppointmentBooked   = "appointment.booked"
	AppointmentRejected = "appointment.rejected"
	AppointmentCanceled = "appointment.canceled"
	AppointmentComplete = "appointment.completed"
	RescheduleRequested = "reschedule.requested"
	RescheduleConfirmed = "reschedule.confirmed"
	RescheduleRejected  = "reschedule.rejected"
)

// Event represents a lightweight domain event.
type Event struct {
	Type        string
	Appointment model.Appointment
	// Actor is who caused the change: "client", "admin" or "system".
	Actor     string
	Reason    string
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(ctx context.Context, event Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
	logger      *zerolog.Logger
}

// NewEventBus constructs an empty bus. A nil logger discards handler errors.
func NewEventBus(logger *zerolog.Logger) *EventBus {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &EventBus{subscribers: make(map[string][]EventHandler), logger: logger}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type. Handler errors are logged
// and never reach the publisher.
func (b *EventBus) Publish(ctx context.Context, event Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			b.logger.Warn().Err(err).
				Str("event", event.Type).
				Int64("appointment_id", event.Appointment.ID).
				Msg("event handler failed")
		}
	}
}
