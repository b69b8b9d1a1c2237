package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"slotkeeper/internal/availability"
	"slotkeeper/internal/metrics"
	"slotkeeper/internal/reminders"
	"slotkeeper/internal/report"
	"slotkeeper/internal/store/sqlite"
	"slotkeeper/internal/sweeper"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "slotkeeper",
		Short:        "Single-provider appointment calendar",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default $SLOTKEEPER_CONFIG or configs/config.yaml)")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(sweepCmd(&configPath))
	rootCmd.AddCommand(seedCmd(&configPath))
	rootCmd.AddCommand(slotsCmd(&configPath))
	rootCmd.AddCommand(reportCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the hold sweeper, reminders and monitoring endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()
			return runServer(ctx, a)
		},
	}
}

func runServer(ctx context.Context, a *app) error {
	cfg, logger := a.cfg, a.logger

	if err := a.seed(ctx); err != nil {
		return err
	}
	if _, err := a.view(ctx); err != nil {
		return fmt.Errorf("settings: %w", err)
	}

	if cfg.Monitoring.HealthCheckPort == 0 {
		cfg.Monitoring.HealthCheckPort = 8090
	}
	go startHealthServer(ctx, a, cfg.Monitoring.HealthCheckPort)

	if cfg.Monitoring.PrometheusEnabled {
		if cfg.Monitoring.PrometheusPort == 0 {
			cfg.Monitoring.PrometheusPort = 9090
		}
		metrics.Register()
		go startMetricsServer(ctx, a, cfg.Monitoring.PrometheusPort)
	}

	if cfg.Backup.Enabled {
		if a.sqlite == nil {
			logger.Warn().Msg("backups are only supported for sqlite")
		} else {
			backups := sqlite.NewBackupService(a.sqlite, sqlite.BackupOptions{
				Dir:        cfg.Backup.Path,
				Interval:   cfg.BackupInterval(),
				Retention:  cfg.BackupRetention(),
				FirstDelay: time.Minute,
			}, logger)
			go backups.Start(ctx)
		}
	}

	sw := sweeper.New(a.store, a.dispatcher, a.lease("sweeper", cfg.SweepLeaseTTL()), sweeper.Options{
		Interval:   cfg.SweepInterval(),
		FirstDelay: cfg.SweepFirstRun(),
	}, logger)
	go sw.Run(ctx)

	if cfg.Reminders.Enabled {
		sched := reminders.NewScheduler(reminders.Config{
			Interval:     cfg.ReminderInterval(),
			AdminChatID:  cfg.Telegram.AdminChatID,
			DigestHour:   cfg.Reminders.DigestHour,
			DigestMinute: cfg.Reminders.DigestMinute,
			Location:     cfg.Location(),
		}, a.store, a.dispatcher, a.engine, a.lease("reminders", 2*cfg.ReminderInterval()), logger)
		go sched.Start(ctx)
	}

	logger.Info().Str("driver", cfg.Database.Driver).Str("timezone", cfg.Timezone).Msg("slotkeeper started")
	<-ctx.Done()
	logger.Info().Msg("slotkeeper stopping")
	return nil
}

func sweepCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Reject expired holds once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			sw := sweeper.New(a.store, a.dispatcher, a.lease("sweeper", a.cfg.SweepLeaseTTL()), sweeper.Options{}, a.logger)
			n, err := sw.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rejected %d expired holds\n", n)
			return nil
		},
	}
}

func seedCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Create the schema and write default settings and services",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.close()
			return a.seed(cmd.Context())
		},
	}
}

func slotsCmd(configPath *string) *cobra.Command {
	var (
		serviceID int64
		day       string
	)
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "List bookable start times of a service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			view, err := a.view(ctx)
			if err != nil {
				return err
			}
			svc, err := a.store.GetService(ctx, serviceID)
			if err != nil {
				return fmt.Errorf("service %d: %w", serviceID, err)
			}

			calc := availability.NewCalculator(a.store, time.Now)
			days := calc.ListBookableDays(view)
			if day != "" {
				d, err := time.ParseInLocation("2006-01-02", day, view.Location)
				if err != nil {
					return fmt.Errorf("--day: %w", err)
				}
				days = []time.Time{d}
			}

			out := cmd.OutOrStdout()
			for _, d := range days {
				slots, err := calc.ListSlots(ctx, view, *svc, d)
				if err != nil {
					return err
				}
				if len(slots) == 0 {
					continue
				}
				fmt.Fprintf(out, "%s:", d.Format("02.01.2006"))
				for _, s := range slots {
					fmt.Fprintf(out, " %s", s.In(view.Location).Format("15:04"))
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&serviceID, "service", 0, "service id")
	cmd.Flags().StringVar(&day, "day", "", "local day YYYY-MM-DD (default: every bookable day)")
	_ = cmd.MarkFlagRequired("service")
	return cmd
}

func reportCmd(configPath *string) *cobra.Command {
	var day, out string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Export the schedule of a day to an Excel file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			loc := a.cfg.Location()
			d := time.Now().In(loc)
			if day != "" {
				if d, err = time.ParseInLocation("2006-01-02", day, loc); err != nil {
					return fmt.Errorf("--day: %w", err)
				}
			}
			if out == "" {
				out = fmt.Sprintf("schedule_%s.xlsx", d.Format("2006-01-02"))
			}

			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := report.NewDaySchedule(a.store, a.dispatcher, loc).Write(ctx, d, f); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			a.logger.Info().Str("path", out).Msg("report written")
			return nil
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "local day YYYY-MM-DD (default: today)")
	cmd.Flags().StringVar(&out, "out", "", "output .xlsx path")
	return cmd
}

func startHealthServer(ctx context.Context, a *app, port int) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		ctxPing, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if err := a.store.Ping(ctxPing); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		if a.rdb != nil {
			if err := a.rdb.Ping(ctxPing).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	serve(ctx, a, "health", port, mux)
}

func startMetricsServer(ctx context.Context, a *app, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	serve(ctx, a, "metrics", port, mux)
}

func serve(ctx context.Context, a *app, name string, port int, h http.Handler) {
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.logger.Error().Err(err).Str("server", name).Msg("server error")
	}
}
