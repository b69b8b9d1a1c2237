package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"slotkeeper/internal/events"
	"slotkeeper/internal/model"
	"slotkeeper/internal/store"

	"github.com/rs/zerolog"
)

// Directory resolves the client and service an appointment refers to.
type Directory interface {
	GetClient(ctx context.Context, chatID int64) (*model.Client, error)
	GetService(ctx context.Context, id int64) (*model.Service, error)
}

// Dispatcher turns engine events into client and admin messages. Delivery
// failures are logged and never reach the caller.
type Dispatcher struct {
	notifier    Notifier
	dir         Directory
	adminChatID int64
	loc         *time.Location
	logger      zerolog.Logger
}

func NewDispatcher(n Notifier, dir Directory, adminChatID int64, loc *time.Location, logger *zerolog.Logger) *Dispatcher {
	if loc == nil {
		loc = time.UTC
	}
	return &Dispatcher{
		notifier:    n,
		dir:         dir,
		adminChatID: adminChatID,
		loc:         loc,
		logger:      logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Register subscribes the dispatcher to every event it reacts to.
func (d *Dispatcher) Register(bus *events.EventBus) {
	bus.Subscribe(events.HoldCreated, d.onHoldCreated)
	bus.Subscribe(events.AppointmentBooked, d.onBooked)
	bus.Subscribe(events.AppointmentRejected, d.onRejected)
	bus.Subscribe(events.AppointmentCanceled, d.onCanceled)
	bus.Subscribe(events.RescheduleRequested, d.onRescheduleRequested)
	bus.Subscribe(events.RescheduleConfirmed, d.onRescheduleConfirmed)
	bus.Subscribe(events.RescheduleRejected, d.onRescheduleRejected)
}

// Details loads what templates need for a.
func (d *Dispatcher) Details(ctx context.Context, a model.Appointment) (Details, error) {
	det := Details{Location: d.loc, Client: model.Client{ChatID: a.ClientID}}

	svc, err := d.dir.GetService(ctx, a.ServiceID)
	if err != nil {
		return det, fmt.Errorf("get service %d: %w", a.ServiceID, err)
	}
	det.Service = *svc

	client, err := d.dir.GetClient(ctx, a.ClientID)
	switch {
	case err == nil:
		det.Client = *client
	case !errors.Is(err, store.ErrNotFound):
		return det, fmt.Errorf("get client %d: %w", a.ClientID, err)
	}
	return det, nil
}

// Send delivers one message and swallows the failure.
func (d *Dispatcher) Send(ctx context.Context, msg Message) bool {
	if msg.ChatID == 0 {
		return false
	}
	if err := d.notifier.Notify(ctx, msg); err != nil {
		d.logger.Warn().Err(err).Int64("chat_id", msg.ChatID).Msg("notification failed")
		return false
	}
	return true
}

func (d *Dispatcher) toClient(ctx context.Context, a model.Appointment, text string) {
	d.Send(ctx, Message{ChatID: a.ClientID, Text: text})
}

func (d *Dispatcher) toAdmin(ctx context.Context, text string, actions ...Action) {
	d.Send(ctx, Message{ChatID: d.adminChatID, Text: text, Actions: actions})
}

func id(a model.Appointment) string {
	return strconv.FormatInt(a.ID, 10)
}

func (d *Dispatcher) onHoldCreated(ctx context.Context, ev events.Event) error {
	det, err := d.Details(ctx, ev.Appointment)
	if err != nil {
		return err
	}
	d.toClient(ctx, ev.Appointment, holdCreatedClient(ev.Appointment, det))
	d.toAdmin(ctx, holdCreatedAdmin(ev.Appointment, det),
		Action{Label: "✅ Подтвердить", Data: "appt:confirm:" + id(ev.Appointment)},
		Action{Label: "❌ Отклонить", Data: "appt:reject:" + id(ev.Appointment)},
	)
	return nil
}

func (d *Dispatcher) onBooked(ctx context.Context, ev events.Event) error {
	det, err := d.Details(ctx, ev.Appointment)
	if err != nil {
		return err
	}
	d.toClient(ctx, ev.Appointment, bookedClient(ev.Appointment, det))
	return nil
}

func (d *Dispatcher) onRejected(ctx context.Context, ev events.Event) error {
	det, err := d.Details(ctx, ev.Appointment)
	if err != nil {
		return err
	}
	d.toClient(ctx, ev.Appointment, rejectedClient(ev.Appointment, det, ev.Reason))
	return nil
}

func (d *Dispatcher) onCanceled(ctx context.Context, ev events.Event) error {
	det, err := d.Details(ctx, ev.Appointment)
	if err != nil {
		return err
	}
	if ev.Actor == "client" {
		d.toAdmin(ctx, canceledAdmin(ev.Appointment, det))
		return nil
	}
	d.toClient(ctx, ev.Appointment, canceledClient(ev.Appointment, det))
	return nil
}

func (d *Dispatcher) onRescheduleRequested(ctx context.Context, ev events.Event) error {
	det, err := d.Details(ctx, ev.Appointment)
	if err != nil {
		return err
	}
	d.toAdmin(ctx, rescheduleRequestedAdmin(ev.Appointment, det),
		Action{Label: "✅ Перенести", Data: "resched:confirm:" + id(ev.Appointment)},
		Action{Label: "❌ Оставить", Data: "resched:reject:" + id(ev.Appointment)},
	)
	return nil
}

func (d *Dispatcher) onRescheduleConfirmed(ctx context.Context, ev events.Event) error {
	det, err := d.Details(ctx, ev.Appointment)
	if err != nil {
		return err
	}
	d.toClient(ctx, ev.Appointment, rescheduleConfirmedClient(ev.Appointment, det))
	return nil
}

func (d *Dispatcher) onRescheduleRejected(ctx context.Context, ev events.Event) error {
	det, err := d.Details(ctx, ev.Appointment)
	if err != nil {
		return err
	}
	d.toClient(ctx, ev.Appointment, rescheduleRejectedClient(ev.Appointment, det))
	return nil
}

// HoldExpired tells the client their request lapsed. It is called by the sweeper.
func (d *Dispatcher) HoldExpired(ctx context.Context, a model.Appointment) error {
	det, err := d.Details(ctx, a)
	if err != nil {
		return err
	}
	return d.notifier.Notify(ctx, Message{ChatID: a.ClientID, Text: holdExpiredClient(a, det)})
}
