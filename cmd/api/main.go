package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/notification-hub/internal/config"
	"github.com/jwalitptl/notification-hub/internal/handler"
	deviceHandler "github.com/jwalitptl/notification-hub/internal/handler/device"
	notificationHandler "github.com/jwalitptl/notification-hub/internal/handler/notification"
	realtimeHandler "github.com/jwalitptl/notification-hub/internal/handler/realtime"
	"github.com/jwalitptl/notification-hub/internal/kafka"
	"github.com/jwalitptl/notification-hub/internal/middleware"
	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/internal/push"
	"github.com/jwalitptl/notification-hub/internal/realtime"
	"github.com/jwalitptl/notification-hub/internal/repository/postgres"
	"github.com/jwalitptl/notification-hub/internal/router"
	"github.com/jwalitptl/notification-hub/internal/service/badge"
	"github.com/jwalitptl/notification-hub/internal/service/delivery"
	deviceService "github.com/jwalitptl/notification-hub/internal/service/device"
	notificationService "github.com/jwalitptl/notification-hub/internal/service/notification"
	"github.com/jwalitptl/notification-hub/pkg/circuitbreaker"
	"github.com/jwalitptl/notification-hub/pkg/logger"
	"github.com/jwalitptl/notification-hub/pkg/messaging"
	"github.com/jwalitptl/notification-hub/pkg/messaging/redis"
	"github.com/jwalitptl/notification-hub/pkg/metrics"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	appLogger := logger.NewLogger(&logger.Config{
		Level:      logger.ParseLevel(cfg.Log.Level),
		TimeFormat: time.RFC3339,
		Output:     os.Stdout,
		JSON:       cfg.Log.Production(),
	})
	log.Logger = *appLogger.Zerolog()
	if cfg.Log.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		appLogger.Fatal(err, "failed to connect to database")
	}
	defer db.Close()

	if err := postgres.Migrate(ctx, db); err != nil {
		appLogger.Fatal(err, "failed to migrate schema")
	}

	m := metrics.NewMetrics(cfg.Metrics.Namespace, "", prometheus.DefaultRegisterer)

	var broker messaging.Broker
	if cfg.Redis.Enabled {
		broker, err = redis.NewRedisBroker(redis.Config{
			URL:          cfg.Redis.URL,
			MaxRetries:   cfg.Redis.MaxRetries,
			RetryBackoff: cfg.Redis.RetryBackoff,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		}, appLogger)
		if err != nil {
			appLogger.Fatal(err, "failed to connect to Redis")
		}
		defer broker.Close()
	}

	breaker := circuitbreaker.Settings{
		MaxFailures: cfg.Push.Breaker.MaxFailures,
		Timeout:     cfg.Push.Breaker.Timeout,
	}

	// Push providers are optional; without any, devices only receive
	// notifications while connected.
	pushRouter := push.NewRouter()
	vapid := push.VAPIDConfig{
		PublicKey:  cfg.Push.VAPID.PublicKey,
		PrivateKey: cfg.Push.VAPID.PrivateKey,
		Subject:    cfg.Push.VAPID.Subject,
	}
	if vapid.Enabled() {
		webPush, err := push.NewWebPushSender(push.WebPushOptions{
			VAPID:   vapid,
			TTL:     time.Duration(cfg.Push.TTL) * time.Second,
			Timeout: cfg.Push.Timeout,
			Breaker: breaker,
		}, appLogger)
		if err != nil {
			appLogger.Fatal(err, "failed to configure web push")
		}
		pushRouter.Register(model.ProviderWebPush, webPush)
	} else {
		appLogger.Warn("VAPID keys not configured, web push disabled")
	}

	var registrar deviceService.EndpointRegistrar
	snsCfg := push.SNSConfig{
		Region:          cfg.Push.SNS.Region,
		FCMPlatformARN:  cfg.Push.SNS.FCMPlatformARN,
		APNSPlatformARN: cfg.Push.SNS.APNSPlatformARN,
	}
	if snsCfg.Enabled() {
		client, err := push.NewSNSClient(ctx, snsCfg.Region)
		if err != nil {
			appLogger.Fatal(err, "failed to configure SNS")
		}
		snsSender := push.NewSNSSender(client, snsCfg, breaker, appLogger)
		pushRouter.Register(model.ProviderSNS, snsSender)
		registrar = snsSender
	}
	appLogger.Info("push providers configured", "providers", pushRouter.Providers())

	baseRepo := postgres.NewBaseRepository(db)
	deviceRepo := postgres.NewDeviceRepository(baseRepo)
	notificationRepo := postgres.NewNotificationRepository(baseRepo)
	deliveryRepo := postgres.NewDeliveryStatusRepository(baseRepo)

	deviceSvc := deviceService.NewService(deviceRepo, registrar, m, appLogger)
	notificationSvc := notificationService.NewService(notificationRepo, deliveryRepo, m, appLogger)

	hub := realtime.NewHub(realtime.Options{
		PingInterval:    cfg.Realtime.PingInterval,
		PongWait:        cfg.Realtime.PongWait,
		WriteWait:       cfg.Realtime.WriteWait,
		SendBuffer:      cfg.Realtime.SendBuffer,
		MaxMessageBytes: cfg.Realtime.MaxMessageBytes,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		RelayChannel:    cfg.Realtime.RelayChannel,
	}, deviceSvc, notificationSvc, broker, m, appLogger)
	badgeSvc := badge.NewService(notificationSvc, hub, appLogger)
	wsServer := realtime.NewServer(hub, notificationSvc, badgeSvc, appLogger)

	engine := delivery.NewEngine(notificationSvc, deviceSvc, hub, pushRouter, badgeSvc, delivery.Options{
		MaxRetries:     cfg.Push.MaxRetries,
		RetryInitial:   cfg.Push.RetryInitial,
		RetryMax:       cfg.Push.RetryMax,
		MaxConcurrency: cfg.Push.Concurrency,
		Assets: push.Assets{
			Icon:  cfg.Push.Icon,
			Badge: cfg.Push.Badge,
		},
	}, m, appLogger)

	r := router.NewRouter(
		handler.NewHandler(db, prometheus.DefaultGatherer),
		realtimeHandler.NewHandler(wsServer),
		router.RouterConfig{
			RateLimitEnabled: cfg.RateLimit.Enabled,
			RateLimit:        rate.Limit(cfg.RateLimit.RequestsPerSecond),
			RateBurst:        cfg.RateLimit.Burst,
			RateTTL:          cfg.RateLimit.TTL,
			CORSConfig:       middleware.DefaultCORSConfig(cfg.Server.AllowedOrigins),
			RequestTimeout:   cfg.Server.WriteTimeout,
			MaxBodyBytes:     1 << 20,
			MetricsPrefix:    cfg.Metrics.Namespace,
		},
		deviceHandler.NewHandler(deviceSvc),
		notificationHandler.NewHandler(notificationSvc, badgeSvc, engine, vapid.PublicKey),
	)
	r.Setup()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hub.Run(ctx); err != nil {
			appLogger.Error(err, "realtime relay stopped")
		}
	}()

	if cfg.Events.Enabled {
		group, err := kafka.NewConsumerGroup(kafka.Config{
			Brokers: cfg.Events.Brokers,
			GroupID: cfg.Events.GroupID,
			Topic:   cfg.Events.Topic,
		})
		if err != nil {
			appLogger.Fatal(err, "failed to create kafka consumer group")
		}
		consumer := kafka.NewConsumer(cfg.Events.Topic, group, engine, appLogger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				appLogger.Error(err, "kafka consumer stopped")
			}
		}()
	}

	// WriteTimeout stays unset: it would cut long-lived websocket connections.
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     r.Engine(),
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	go func() {
		appLogger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal(err, "failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(err, "server forced to shutdown")
	}
	hub.Shutdown(shutdownCtx)
	cancel()
	wg.Wait()

	appLogger.Info("server exited")
}
