package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"order-ledger/config"
	"order-ledger/internal/api"
	"order-ledger/internal/broker"
	"order-ledger/internal/redisclient"
	"order-ledger/internal/service"
	"order-ledger/internal/store"
	"order-ledger/internal/util"
	"order-ledger/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting order ledger service")

	tp, err := util.InitTracer("order-ledger", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Database connected", zap.String("driver", cfg.Database.Driver))

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicPush)
	defer producer.Close()
	logger.Info("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	policy, err := service.ParsePolicy(cfg.Business.TransitionPolicy)
	if err != nil {
		log.Fatalf("Invalid TRANSITION_POLICY: %v", err)
	}

	ledgerService := service.NewLedgerService(
		db,
		service.NewHMACVerifier(cfg.Auth.GatewaySecret),
		redisClient,
		service.DefaultTierTable(),
		cfg.Business.CallbackDedupeTTL,
	)
	orderService := service.NewOrderService(db, ledgerService, policy,
		service.DefaultAutoRules(cfg.Business.AutoCompleteReadyAfter))

	schedulerOpts := service.SchedulerOptions{
		MaxAttempts: cfg.Business.NotifyMaxAttempts,
		RetryBase:   cfg.Business.NotifyRetryBase,
		RetryMax:    cfg.Business.NotifyRetryMax,
	}
	fanout := service.NewFanout(db, redisClient, eventPublisher, service.FanoutOptions{
		BatchSize:   cfg.Business.OutboxBatchSize,
		Lease:       cfg.Business.OutboxLease,
		MaxAttempts: cfg.Business.NotifyMaxAttempts,
		RetryBase:   cfg.Business.NotifyRetryBase,
		RetryMax:    cfg.Business.NotifyRetryMax,
	})
	compensation := service.NewCompensationService(db, ledgerService, service.CompensationOptions{
		AttentionAfter: cfg.Business.RefundAttentionAfter,
	})

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var autoWorker *worker.AutoTransitionWorker
	var timers *service.TimerScheduler
	switch cfg.Business.Scheduler {
	case "redis":
		scheduler := service.NewRedisScheduler(redisClient, orderService, db, schedulerOpts)
		orderService.SetScheduler(scheduler)
		if _, err := orderService.RecoverAutoTransitions(workerCtx); err != nil {
			logger.Error("Failed to recover auto-transitions", zap.Error(err))
		}
		autoWorker = worker.NewAutoTransitionWorker(scheduler, cfg.Business.SchedulerPollInterval, 50)
		autoWorker.Start(workerCtx)
	default:
		timers = service.NewTimerScheduler(orderService, db, schedulerOpts)
		orderService.SetScheduler(timers)
		if _, err := orderService.RecoverAutoTransitions(workerCtx); err != nil {
			logger.Error("Failed to recover auto-transitions", zap.Error(err))
		}
	}

	outboxWorker := worker.NewOutboxWorker(fanout, cfg.Business.OutboxPollInterval)
	outboxWorker.Start(workerCtx)

	refundWorker := worker.NewRefundWorker(compensation, cfg.Business.RefundPollInterval)
	refundWorker.Start(workerCtx)

	callbackConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicCallback, cfg.Kafka.ConsumerGroup)
	callbackWorker := worker.NewCallbackWorker(callbackConsumer, ledgerService)
	go func() {
		if err := callbackWorker.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Callback worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	handler := api.NewHandler(orderService, ledgerService, db, api.NewAuthenticator(cfg.Auth.JWTSecret), db, redisClient)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	outboxWorker.Stop()
	refundWorker.Stop()
	if autoWorker != nil {
		autoWorker.Stop()
	}
	if timers != nil {
		timers.Stop()
	}
	callbackWorker.Stop()

	logger.Info("Server exited")
}
