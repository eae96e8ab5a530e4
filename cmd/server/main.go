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

	"purchase-service/config"
	"purchase-service/internal/api"
	"purchase-service/internal/broker"
	"purchase-service/internal/payment"
	"purchase-service/internal/redisclient"
	"purchase-service/internal/service"
	"purchase-service/internal/store"
	"purchase-service/internal/util"
	"purchase-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting purchase service")

	tp, err := util.InitTracer("purchase-service", cfg.Observ.JaegerEndpoint, cfg.Observ.TraceSampleRatio)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	if cfg.Database.RunMigrations {
		if err := store.Migrate(cfg.Database.URL); err != nil {
			logger.Fatal("Failed to run migrations", zap.Error(err))
		}
		logger.Info("Database migrations applied")
	}

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicPurchases)
	defer producer.Close()
	logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicPurchases))

	eventPublisher := broker.NewEventPublisher(producer)
	provider := payment.NewStripeProvider(cfg.Payment.StripeSecretKey, cfg.Payment.WebhookSecret, cfg.Payment.ProviderTimeout)

	checkoutService := service.NewCheckoutService(db, provider, service.CheckoutConfig{
		Currency:         cfg.Payment.Currency,
		FrontendURL:      cfg.Payment.FrontendURL,
		AllowedCountries: cfg.Payment.AllowedCountries,
		ProviderTimeout:  cfg.Payment.ProviderTimeout,
		StoreTimeout:     cfg.Payment.StoreTimeout,
	})
	reconciler := service.NewReconciler(db, provider, eventPublisher, cfg.Payment.StoreTimeout, cfg.Payment.ProviderTimeout)
	entitlementService := service.NewEntitlementService(db, redisClient, cfg.Business.EntitlementCacheTTL, cfg.Payment.StoreTimeout)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	entitlementConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPurchases, cfg.Kafka.ConsumerGroup)
	entitlementWorker := worker.NewEntitlementWorker(entitlementConsumer, entitlementService)
	go func() {
		if err := entitlementWorker.Start(workerCtx); err != nil {
			logger.Error("Entitlement worker error", zap.Error(err))
		}
	}()

	expiryWorker := worker.NewExpiryWorker(reconciler, redisClient, cfg.Business.ExpirySweepInterval, cfg.Business.PendingExpiry)
	go func() {
		if err := expiryWorker.Start(workerCtx); err != nil {
			logger.Error("Expiry worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(checkoutService, reconciler, entitlementService, cfg.Auth.JWTSecret, map[string]api.Pinger{
		"postgres": db,
		"redis":    redisClient,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := entitlementWorker.Stop(); err != nil {
		logger.Warn("Error stopping entitlement worker", zap.Error(err))
	}

	logger.Info("Server exited")
}
