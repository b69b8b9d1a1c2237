package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"slotkeeper/internal/booking"
	"slotkeeper/internal/config"
	"slotkeeper/internal/events"
	"slotkeeper/internal/lease"
	"slotkeeper/internal/notify"
	"slotkeeper/internal/settings"
	"slotkeeper/internal/store"
	"slotkeeper/internal/store/postgres"
	"slotkeeper/internal/store/sqlite"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// app wires the components every subcommand shares.
type app struct {
	cfg        *config.Config
	logger     *zerolog.Logger
	store      store.Store
	sqlite     *sqlite.DB // nil when running on postgres
	rdb        *redis.Client
	bus        *events.EventBus
	engine     *booking.Engine
	dispatcher *notify.Dispatcher
}

func newLogger(debug bool) *zerolog.Logger {
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(output).Level(level).With().Timestamp().Logger()
	return &logger
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	logger := newLogger(false)

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn().Err(err).Msg("failed to load .env")
	}

	cfg, err := config.Load(config.ResolvePath(configPath))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Telegram.Debug {
		logger = newLogger(true)
	}

	a := &app{cfg: cfg, logger: logger, bus: events.NewEventBus(logger)}

	switch cfg.Database.Driver {
	case "postgres":
		pool, err := postgres.Open(ctx, cfg.Database.DSN, logger)
		if err != nil {
			return nil, err
		}
		a.store = pool
	default:
		db, err := sqlite.NewDB(cfg.Database.Path, logger)
		if err != nil {
			return nil, err
		}
		a.store, a.sqlite = db, db
	}

	if cfg.Redis.Address != "" {
		a.rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	}

	notifier, err := a.newNotifier()
	if err != nil {
		a.close()
		return nil, err
	}
	a.engine = booking.NewEngine(a.store, a.bus, logger)
	a.dispatcher = notify.NewDispatcher(notifier, a.store, cfg.Telegram.AdminChatID, cfg.Location(), logger)
	a.dispatcher.Register(a.bus)
	return a, nil
}

func (a *app) newNotifier() (notify.Notifier, error) {
	token := a.cfg.Telegram.BotToken
	if token == "" || token == "YOUR_BOT_TOKEN_HERE" {
		a.logger.Warn().Msg("telegram.bot_token is not set, notifications go to the log")
		return notify.NewLog(a.logger), nil
	}

	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	bot.Debug = a.cfg.Telegram.Debug
	a.logger.Info().Str("username", bot.Self.UserName).Msg("telegram bot authorized")

	opts := notify.DefaultOptions()
	opts.RatePerSecond = a.cfg.Notify.RatePerSecond
	opts.Burst = a.cfg.Notify.Burst
	if a.cfg.Notify.MaxRetries > 0 {
		opts.MaxRetries = a.cfg.Notify.MaxRetries
	}
	return notify.NewTelegram(bot, opts, a.logger), nil
}

// lease returns a Redis lease when Redis is configured.
func (a *app) lease(name string, ttl time.Duration) lease.Lease {
	if a.rdb == nil {
		return lease.Local{}
	}
	return lease.NewRedis(a.rdb, "slotkeeper:lease:"+name, ttl)
}

// seed writes default settings and services that are not present yet.
func (a *app) seed(ctx context.Context) error {
	added, err := a.store.SeedSettings(ctx, a.cfg.Defaults.Rows())
	if err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}
	services, err := a.store.EnsureServices(ctx, a.cfg.DefaultServices())
	if err != nil {
		return fmt.Errorf("seed services: %w", err)
	}
	a.logger.Info().Int("settings", added).Int("services", services).Msg("defaults seeded")
	return nil
}

func (a *app) view(ctx context.Context) (settings.View, error) {
	return settings.Load(ctx, a.store, a.cfg.Timezone)
}

func (a *app) close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error().Err(err).Msg("close store")
		}
	}
}
