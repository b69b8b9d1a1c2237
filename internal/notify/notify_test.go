package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"slotkeeper/internal/booking"
	"slotkeeper/internal/events"
	"slotkeeper/internal/model"
	"slotkeeper/internal/settings"
	"slotkeeper/internal/store"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	errs []error
	sent []tgbotapi.MessageConfig
}

func (c *fakeClient) Send(msg tgbotapi.Chattable) (tgbotapi.Message, error) {
	c.sent = append(c.sent, msg.(tgbotapi.MessageConfig))
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		return tgbotapi.Message{}, err
	}
	return tgbotapi.Message{}, nil
}

func fastOptions() Options {
	return Options{RatePerSecond: 1000, Burst: 10, MaxRetries: 2, RetryDelays: []time.Duration{time.Millisecond}}
}

func newTelegram(c *fakeClient) *Telegram {
	logger := zerolog.Nop()
	return NewTelegram(c, fastOptions(), &logger)
}

func TestTelegram_RetriesTransientErrors(t *testing.T) {
	c := &fakeClient{errs: []error{errors.New("connection reset")}}

	err := newTelegram(c).Notify(context.Background(), Message{ChatID: 42, Text: "hi"})
	require.NoError(t, err)
	assert.Len(t, c.sent, 2)
	assert.Equal(t, int64(42), c.sent[1].ChatID)
}

func TestTelegram_GivesUpAfterMaxRetries(t *testing.T) {
	boom := errors.New("timeout")
	c := &fakeClient{errs: []error{boom, boom, boom, boom}}

	err := newTelegram(c).Notify(context.Background(), Message{ChatID: 42, Text: "hi"})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, c.sent, 3)
}

func TestTelegram_BlockedIsPermanent(t *testing.T) {
	c := &fakeClient{errs: []error{&tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}}}

	err := newTelegram(c).Notify(context.Background(), Message{ChatID: 42, Text: "hi"})
	assert.ErrorIs(t, err, ErrPermanent)
	assert.Len(t, c.sent, 1)
}

func TestTelegram_AttachesKeyboard(t *testing.T) {
	c := &fakeClient{}

	err := newTelegram(c).Notify(context.Background(), Message{
		ChatID: 1, Text: "new", Actions: []Action{{Label: "ok", Data: "appt:confirm:5"}},
	})
	require.NoError(t, err)
	require.Len(t, c.sent, 1)

	markup, ok := c.sent[0].ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok)
	require.Len(t, markup.InlineKeyboard, 1)
	require.NotNil(t, markup.InlineKeyboard[0][0].CallbackData)
	assert.Equal(t, "appt:confirm:5", *markup.InlineKeyboard[0][0].CallbackData)
}

func TestTelegram_EmptyChat(t *testing.T) {
	c := &fakeClient{}
	err := newTelegram(c).Notify(context.Background(), Message{Text: "hi"})
	assert.ErrorIs(t, err, ErrPermanent)
	assert.Empty(t, c.sent)
}

func TestFormatPrice(t *testing.T) {
	cases := map[int64]string{
		0:         "0 ₽",
		150000:    "1 500 ₽",
		150050:    "1 500,50 ₽",
		99:        "0,99 ₽",
		123456700: "1 234 567 ₽",
		-50000:    "-500 ₽",
	}
	for in, want := range cases {
		assert.Equal(t, want, FormatPrice(in), "price %d", in)
	}
}

func TestErrorMessage(t *testing.T) {
	assert.Contains(t, ErrorMessage(fmt.Errorf("create: %w", booking.ErrSlotTaken)), "занято")
	assert.Contains(t, ErrorMessage(booking.ErrSlotBlocked), "не принимает")
	assert.Contains(t, ErrorMessage(fmt.Errorf("%w: work_days", settings.ErrConfigMissing)), "недоступна")
	assert.Equal(t, "Запись не найдена.", ErrorMessage(store.ErrNotFound))
	assert.Equal(t, "Произошла ошибка. Попробуйте позже.", ErrorMessage(errors.New("disk full")))
}

func TestDigest(t *testing.T) {
	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "На сегодня записей нет.", Digest(day, nil))

	price := int64(120000)
	text := Digest(day, []DigestLine{{
		Appointment: model.Appointment{
			Start: day.Add(10 * time.Hour), End: day.Add(10*time.Hour + 50*time.Minute), PriceOverride: &price,
		},
		Details: Details{
			Client:   model.Client{FullName: "Анна", Phone: "+79990000000"},
			Service:  model.Service{Name: "Маникюр", Price: 150000},
			Location: time.UTC,
		},
	}})
	assert.Contains(t, text, "Записи на 02.01.2006")
	assert.Contains(t, text, "10:00-10:50 Маникюр | Анна | 1 200 ₽ | +79990000000")
}

type recorder struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (r *recorder) Notify(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.err
}

type directory struct{}

func (directory) GetClient(_ context.Context, chatID int64) (*model.Client, error) {
	if chatID == 7 {
		return &model.Client{ChatID: 7, FullName: "Анна"}, nil
	}
	return nil, store.ErrNotFound
}

func (directory) GetService(_ context.Context, id int64) (*model.Service, error) {
	return &model.Service{ID: id, Name: "Маникюр", Price: 150000}, nil
}

func newDispatcher(r *recorder) (*Dispatcher, *events.EventBus) {
	logger := zerolog.Nop()
	d := NewDispatcher(r, directory{}, 1000, time.UTC, &logger)
	bus := events.NewEventBus(&logger)
	d.Register(bus)
	return d, bus
}

func TestDispatcher_HoldCreatedNotifiesBoth(t *testing.T) {
	r := &recorder{}
	_, bus := newDispatcher(r)

	a := model.Appointment{ID: 5, ClientID: 7, ServiceID: 1, Start: time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)}
	bus.Publish(context.Background(), events.Event{Type: events.HoldCreated, Appointment: a})

	require.Len(t, r.msgs, 2)
	assert.Equal(t, int64(7), r.msgs[0].ChatID)
	assert.Equal(t, int64(1000), r.msgs[1].ChatID)
	assert.Contains(t, r.msgs[1].Text, "Новая заявка #5")
	assert.Contains(t, r.msgs[1].Text, "Анна")
	assert.Len(t, r.msgs[1].Actions, 2)
}

func TestDispatcher_CancelRoutesByActor(t *testing.T) {
	r := &recorder{}
	_, bus := newDispatcher(r)
	a := model.Appointment{ID: 5, ClientID: 8, ServiceID: 1, Start: time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)}

	bus.Publish(context.Background(), events.Event{Type: events.AppointmentCanceled, Actor: "client", Appointment: a})
	bus.Publish(context.Background(), events.Event{Type: events.AppointmentCanceled, Actor: "admin", Appointment: a})

	require.Len(t, r.msgs, 2)
	assert.Equal(t, int64(1000), r.msgs[0].ChatID)
	assert.Contains(t, r.msgs[0].Text, "8")
	assert.Equal(t, int64(8), r.msgs[1].ChatID)
}

func TestDispatcher_FailureIsSwallowed(t *testing.T) {
	r := &recorder{err: errors.New("down")}
	_, bus := newDispatcher(r)
	a := model.Appointment{ID: 5, ClientID: 7, ServiceID: 1}

	assert.NotPanics(t, func() {
		bus.Publish(context.Background(), events.Event{Type: events.AppointmentRejected, Appointment: a, Reason: "выходной"})
	})
	require.Len(t, r.msgs, 1)
	assert.Contains(t, r.msgs[0].Text, "выходной")
}

func TestDispatcher_HoldExpiredReturnsError(t *testing.T) {
	r := &recorder{err: errors.New("down")}
	d, _ := newDispatcher(r)

	err := d.HoldExpired(context.Background(), model.Appointment{ID: 5, ClientID: 7, ServiceID: 1})
	assert.Error(t, err)
	require.Len(t, r.msgs, 1)
	assert.Contains(t, r.msgs[0].Text, "не была подтверждена")
}
