package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/jwalitptl/notification-hub/internal/config"
	"github.com/jwalitptl/notification-hub/internal/repository/postgres"
	deviceService "github.com/jwalitptl/notification-hub/internal/service/device"
	notificationService "github.com/jwalitptl/notification-hub/internal/service/notification"
	"github.com/jwalitptl/notification-hub/internal/worker"
	"github.com/jwalitptl/notification-hub/pkg/logger"
	"github.com/jwalitptl/notification-hub/pkg/metrics"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	appLogger := logger.NewLogger(&logger.Config{
		Level:      logger.ParseLevel(cfg.Log.Level),
		TimeFormat: time.RFC3339,
		Output:     os.Stdout,
		JSON:       cfg.Log.Production(),
	}).WithFields(map[string]interface{}{"component": "retention"})

	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		appLogger.Fatal(err, "failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := postgres.Migrate(ctx, db); err != nil {
		appLogger.Fatal(err, "failed to migrate schema")
	}

	m := metrics.NewMetrics(cfg.Metrics.Namespace, "worker", prometheus.DefaultRegisterer)
	baseRepo := postgres.NewBaseRepository(db)

	// The sweeper never registers devices, so it needs no endpoint registrar.
	devices := deviceService.NewService(postgres.NewDeviceRepository(baseRepo), nil, m, appLogger)
	notifications := notificationService.NewService(
		postgres.NewNotificationRepository(baseRepo),
		postgres.NewDeliveryStatusRepository(baseRepo),
		m,
		appLogger,
	)

	w := worker.NewRetentionWorker(devices, notifications, worker.RetentionConfig{
		DeviceInactiveDays: cfg.Retention.DeviceInactiveDays,
		NotificationDays:   cfg.Retention.NotificationDays,
		Interval:           cfg.Retention.Interval,
	}, appLogger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("shutting down...")
		cancel()
	}()

	appLogger.Info("retention worker started", "interval", cfg.Retention.Interval.String())
	w.Start(ctx)
}
