package main

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"consulta/backend/internal/booking"
	"consulta/backend/internal/config"
	"consulta/backend/internal/service/schedulesync"
	"consulta/backend/internal/store/postgres"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})).With(
		slog.String("service", "consulta-sync"),
	)
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)})).With(
		slog.String("service", "consulta-sync"),
	)
	slog.SetDefault(log)

	log.Info("starting",
		slog.String("log_level", cfg.LogLevel),
		slog.Duration("drain_interval", cfg.DrainInterval),
		slog.Int("drain_batch_size", cfg.DrainBatchSize),
	)

	log.Info("connecting to database", databaseLogArgs(cfg.DatabaseURL)...)
	db, err := postgres.Open(cfg.DatabaseURL, postgres.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
	})
	if err != nil {
		args := append([]any{slog.Any("err", err)}, databaseLogArgs(cfg.DatabaseURL)...)
		log.Error("database connection failed", args...)
		os.Exit(1)
	}
	defer func() {
		if err := postgres.Close(db); err != nil {
			log.Warn("database close failed", slog.Any("err", err))
		}
	}()

	scheduleRepo := postgres.NewScheduleRepo(db)
	retryRepo := postgres.NewRetryQueueRepo(db)
	calendar := booking.NewClient(booking.Config{
		BaseURL:  cfg.BookingBaseURL,
		Username: cfg.BookingUsername,
		Password: cfg.BookingPassword,
		Timeout:  cfg.PushTimeout,
	}, log)

	syncSvc := schedulesync.NewService(calendar, scheduleRepo, retryRepo, log, schedulesync.Config{
		StepMinutes: cfg.SlotGranularityMinutes,
		PushTimeout: cfg.PushTimeout,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("retry drain worker started")
	runDrainLoop(ctx, log, syncSvc, cfg.DrainInterval, cfg.DrainBatchSize)

	log.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	logQueueStats(shutdownCtx, log, syncSvc)
	log.Info("stopped")
}

func runDrainLoop(ctx context.Context, log *slog.Logger, svc *schedulesync.Service, interval time.Duration, batchSize int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := svc.Drain(ctx, batchSize)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error("retry drain failed", slog.Any("err", err))
				continue
			}
			if result.Selected > 0 {
				log.Info("retry drain finished",
					slog.Int("selected", result.Selected),
					slog.Int("succeeded", result.Succeeded),
					slog.Int("failed", result.Failed),
					slog.Int("exhausted", result.Exhausted),
				)
				logQueueStats(ctx, log, svc)
			}
		}
	}
}

func logQueueStats(ctx context.Context, log *slog.Logger, svc *schedulesync.Service) {
	stats, err := svc.Stats(ctx)
	if err != nil {
		log.Warn("queue stats unavailable", slog.Any("err", err))
		return
	}
	log.Info("retry queue stats",
		slog.Int("pending", stats.Pending),
		slog.Int("processed", stats.Processed),
		slog.Int("permanently_failed", stats.PermanentlyFailed),
	)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func databaseLogArgs(databaseURL string) []any {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return []any{slog.String("db_url", "invalid")}
	}
	name := strings.TrimPrefix(u.Path, "/")
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "default"
	}
	if host == "" {
		host = "unknown"
	}
	if name == "" {
		name = "unknown"
	}
	return []any{
		slog.String("db_host", host),
		slog.String("db_port", port),
		slog.String("db_name", name),
	}
}
