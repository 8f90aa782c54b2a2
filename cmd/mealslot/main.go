package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mealslot/internal/audit"
	"mealslot/internal/blacklist"
	"mealslot/internal/calendar"
	"mealslot/internal/clock"
	"mealslot/internal/config"
	"mealslot/internal/database"
	"mealslot/internal/effects"
	"mealslot/internal/metrics"
	"mealslot/internal/notify"
	"mealslot/internal/order"
	"mealslot/internal/redisstore"
	"mealslot/internal/scheduler"
	"mealslot/internal/settings"
	"mealslot/internal/sweeper"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", os.Getenv("MEALSLOT_CONFIG_PATH"), "path to config.yaml")
	exportAudit := flag.String("export-audit", "", "write the audit log to this XLSX file and exit")
	exportFrom := flag.String("from", "", "first day of the audit export, YYYY-MM-DD (default: 30 days ago)")
	exportTo := flag.String("to", "", "last day of the audit export, YYYY-MM-DD (default: today)")
	sweepOnce := flag.Bool("sweep-once", false, "run one no-show sweep and exit")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)

	clk, err := clock.New(cfg.Clock.Timezone, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid clock timezone")
	}

	db, err := database.NewDB(cfg.Database.Path, clk.Location(), &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db error")
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *exportAudit != "" {
		if err := runExport(ctx, db, clk, *exportAudit, *exportFrom, *exportTo); err != nil {
			logger.Fatal().Err(err).Msg("audit export failed")
		}
		logger.Info().Str("file", *exportAudit).Msg("audit log exported")
		return
	}

	for _, sc := range cfg.Shifts {
		s := sc.Shift()
		if err := db.UpsertShift(ctx, &s); err != nil {
			logger.Fatal().Err(err).Str("shift", sc.Name).Msg("failed to seed shift")
		}
	}

	holidays := config.NewHolidayCalendar(nil)
	if cfg.HolidaysPath != "" {
		if err := config.WatchHolidays(ctx, cfg.HolidaysPath, 30*time.Second, logger, holidays.Set); err != nil {
			logger.Fatal().Err(err).Msg("failed to load holidays")
		}
	}

	var (
		rdb   *redis.Client
		store *redisstore.Store
	)
	if cfg.Redis.Address != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		store = redisstore.New(rdb, cfg.Redis.KeyPrefix)
	}

	var checkpoint clock.Checkpointer
	if store != nil {
		checkpoint = store
	}
	syncer := clock.NewSyncer(clk, timeSources(cfg), checkpoint, logger)
	syncer.Restore(ctx)
	syncer.SyncNow(ctx)

	bus := effects.NewBus()
	if cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != 0 {
		api, err := notify.NewBotAPI(cfg.Telegram.BotToken, cfg.Telegram.Debug)
		if err != nil {
			logger.Error().Err(err).Msg("telegram notifications disabled")
		} else {
			notify.NewTelegram(api, cfg.Telegram.ChatID, cfg.TelegramRate(), logger).Subscribe(bus)
		}
	}
	dispatcher := effects.NewDispatcher(bus, audit.NewSink(db, clk.NowUTC), 10*time.Second, logger)
	defer dispatcher.Wait()

	settingsSvc := settings.NewService(db, clk, dispatcher, logger)
	if err := settingsSvc.Load(ctx, cfg.CutoffBootstrap(), cfg.Blacklist); err != nil {
		logger.Fatal().Err(err).Msg("failed to load settings")
	}
	policy := blacklist.NewPolicy(db, settingsSvc, clk, dispatcher, logger)
	orders := order.NewService(db, db, holidays, policy, policy, settingsSvc, clk, dispatcher, logger)
	settingsSvc.SetReconciler(orders)

	sw := sweeper.New(db, db, orders, policy, clk, logger)
	if store != nil {
		sw.WithLock(store, cfg.SweepLockTTL())
	}

	if *sweepOnce {
		sum, err := sw.RunOnce(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("sweep failed")
		}
		fmt.Printf("run %s: %d no-shows, %d new blacklist entries, %d expired, %d failed\n",
			sum.RunID, sum.Processed, sum.NewBlacklists, sum.Expired, sum.Failed)
		return
	}

	sched := scheduler.New(clk.Location(), cfg.SweepTimeout(), logger)
	if err := sw.Register(sched, cfg.SweepGraceMinutes()); err != nil {
		logger.Fatal().Err(err).Msg("failed to schedule sweep")
	}
	if err := sched.Add("clock-sync", scheduler.Every(cfg.SyncInterval()), syncer.Run); err != nil {
		logger.Fatal().Err(err).Msg("failed to schedule clock sync")
	}
	if cfg.Backup.Enabled {
		backup := database.NewBackupService(db, cfg.Backup, &logger)
		if err := sched.Add("backup", cfg.BackupSchedule(), backup.Run); err != nil {
			logger.Fatal().Err(err).Msg("failed to schedule backup")
		}
	}
	sched.Start(ctx)
	defer sched.Stop()

	if cfg.Monitoring.HealthCheckPort == 0 {
		cfg.Monitoring.HealthCheckPort = 8090
	}
	go startHealthServer(ctx, cfg.Monitoring.HealthCheckPort, db, store, sched, &logger)

	if cfg.Monitoring.PrometheusEnabled {
		if cfg.Monitoring.PrometheusPort == 0 {
			cfg.Monitoring.PrometheusPort = 9090
		}
		metrics.Register()
		go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, &logger)
	}

	logger.Info().Str("timezone", clk.Location().String()).Str("cutoff_mode", string(settingsSvc.Cutoff().Mode)).
		Msg("mealslot started")
	<-ctx.Done()
	logger.Info().Msg("shutting down")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.Log.Format == "json" {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		logger = zerolog.New(output).With().Timestamp().Logger()
	}
	level := zerolog.InfoLevel
	if cfg.Log.Level != "" {
		if l, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
			level = l
		}
	}
	return logger.Level(level)
}

func timeSources(cfg *config.Config) clock.Chain {
	var chain clock.Chain
	for _, host := range cfg.Clock.NTPServers {
		chain = append(chain, clock.NTPSource{Host: host, Timeout: cfg.TimeQueryTimeout()})
	}
	if cfg.Clock.HTTPTimeURL != "" {
		chain = append(chain, clock.NewHTTPSource(cfg.Clock.HTTPTimeURL, cfg.Clock.HTTPTimeField, cfg.TimeQueryTimeout()))
	}
	return chain
}

func runExport(ctx context.Context, db *database.DB, clk *clock.Service, path, from, to string) error {
	end := clk.Today()
	if to != "" {
		d, err := calendar.ParseDate(to, clk.Location())
		if err != nil {
			return err
		}
		end = d
	}
	start := calendar.AddDays(end, -30)
	if from != "" {
		d, err := calendar.ParseDate(from, clk.Location())
		if err != nil {
			return err
		}
		start = d
	}
	if end.Before(start) {
		return errors.New("-to is before -from")
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	n, err := audit.NewExporter(db, clk.Location()).Export(ctx, start, calendar.AddDays(end, 1), f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	fmt.Printf("%d audit records written to %s\n", n, path)
	return nil
}

func startHealthServer(ctx context.Context, port int, db *database.DB, store *redisstore.Store, sched *scheduler.Scheduler, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		ctxPing, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if err := db.Ping(ctxPing); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		if store != nil {
			if err := store.Ping(ctxPing); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
		}
		if !sched.IsRunning() {
			http.Error(w, "scheduler not running", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("health server error")
	}
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
