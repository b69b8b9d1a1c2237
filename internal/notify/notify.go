// Package notify delivers client and admin messages through Telegram.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"slotkeeper/internal/metrics"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Action is an inline button attached to a message.
type Action struct {
	Label string
	Data  string
}

// Message is one outgoing chat message.
type Message struct {
	ChatID  int64
	Text    string
	Actions []Action
}

// Notifier delivers messages.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// ErrPermanent marks a delivery failure that retrying can not fix, such as a
// client who blocked the bot.
var ErrPermanent = errors.New("permanent delivery failure")

type telegramClient interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Options tunes outgoing delivery.
type Options struct {
	RatePerSecond float64
	Burst         int
	MaxRetries    int
	RetryDelays   []time.Duration
}

func DefaultOptions() Options {
	return Options{
		RatePerSecond: 25,
		Burst:         5,
		MaxRetries:    3,
		RetryDelays:   []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
	}
}

// Telegram sends messages through the Bot API with a shared rate limit.
type Telegram struct {
	client  telegramClient
	limiter *rate.Limiter
	opts    Options
	logger  zerolog.Logger
}

func NewTelegram(client telegramClient, opts Options, logger *zerolog.Logger) *Telegram {
	def := DefaultOptions()
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = def.RatePerSecond
	}
	if opts.Burst <= 0 {
		opts.Burst = def.Burst
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if len(opts.RetryDelays) == 0 {
		opts.RetryDelays = def.RetryDelays
	}
	return &Telegram{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Burst),
		opts:    opts,
		logger:  logger.With().Str("component", "telegram").Logger(),
	}
}

// Notify sends msg, retrying transient failures with backoff.
func (t *Telegram) Notify(ctx context.Context, msg Message) error {
	if msg.ChatID == 0 {
		return fmt.Errorf("%w: empty chat id", ErrPermanent)
	}

	out := tgbotapi.NewMessage(msg.ChatID, msg.Text)
	if len(msg.Actions) > 0 {
		out.ReplyMarkup = keyboard(msg.Actions)
	}

	var lastErr error
	for attempt := 0; attempt <= t.opts.MaxRetries; attempt++ {
		if err := t.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		_, err := t.client.Send(out)
		if err == nil {
			metrics.IncNotification("sent")
			return nil
		}
		lastErr = err

		var tgErr *tgbotapi.Error
		if errors.As(err, &tgErr) {
			switch tgErr.Code {
			case http.StatusForbidden, http.StatusBadRequest:
				metrics.IncNotification("rejected")
				t.logger.Info().Err(err).Int64("chat_id", msg.ChatID).Msg("message rejected by telegram")
				return fmt.Errorf("%w: %v", ErrPermanent, err)
			case http.StatusTooManyRequests:
				if tgErr.RetryAfter > 0 {
					if !sleep(ctx, time.Duration(tgErr.RetryAfter)*time.Second) {
						return ctx.Err()
					}
					continue
				}
			}
		}

		if attempt < t.opts.MaxRetries {
			delay := t.opts.RetryDelays[min(attempt, len(t.opts.RetryDelays)-1)]
			t.logger.Debug().Err(err).Int("attempt", attempt+1).Dur("delay", delay).Msg("retrying telegram send")
			if !sleep(ctx, delay) {
				return ctx.Err()
			}
		}
	}

	metrics.IncNotification("failed")
	return fmt.Errorf("send to %d: %w", msg.ChatID, lastErr)
}

func keyboard(actions []Action) tgbotapi.InlineKeyboardMarkup {
	row := make([]tgbotapi.InlineKeyboardButton, 0, len(actions))
	for _, a := range actions {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(a.Label, a.Data))
	}
	return tgbotapi.NewInlineKeyboardMarkup(row)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Log writes messages to the log instead of sending them. It is used when no
// bot token is configured.
type Log struct {
	logger zerolog.Logger
}

func NewLog(logger *zerolog.Logger) *Log {
	return &Log{logger: logger.With().Str("component", "notify").Logger()}
}

func (l *Log) Notify(_ context.Context, msg Message) error {
	l.logger.Info().Int64("chat_id", msg.ChatID).Str("text", msg.Text).Msg("notification")
	metrics.IncNotification("logged")
	return nil
}
