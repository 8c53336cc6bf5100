package main

import (
	"context"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/TNZtims/bazaar-pos-sub001/common/auth"
	apperrors "github.com/TNZtims/bazaar-pos-sub001/common/errors"
	"github.com/TNZtims/bazaar-pos-sub001/common/logger"
	"github.com/TNZtims/bazaar-pos-sub001/common/middleware"
	"github.com/TNZtims/bazaar-pos-sub001/consumers"
	"github.com/TNZtims/bazaar-pos-sub001/controllers"
	"github.com/TNZtims/bazaar-pos-sub001/database"
	"github.com/TNZtims/bazaar-pos-sub001/fanout"
	bkafka "github.com/TNZtims/bazaar-pos-sub001/kafka"
	awspkg "github.com/TNZtims/bazaar-pos-sub001/pkg/aws"
	"github.com/TNZtims/bazaar-pos-sub001/repository"
	"github.com/TNZtims/bazaar-pos-sub001/routes"
	"github.com/TNZtims/bazaar-pos-sub001/services"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const serviceName = "reservation-service"

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		panic("config load failed: " + err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// CloudWatch (Logs + Metrics)
	var cwWriter io.Writer
	cwLogsClient, cwErr := awspkg.NewCloudWatchLogsClient(ctx, serviceName)
	if cwErr == nil && cwLogsClient.IsEnabled() {
		cwWriter = cwLogsClient
	}
	log, err := logger.Initialize(cfg.Env, cwWriter)
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = log.Sync()
		if cwWriter != nil {
			_ = cwLogsClient.Sync()
		}
	}()
	if cwErr != nil {
		log.Warn("CloudWatch logs client init failed (non-fatal)", zap.Error(cwErr))
	}

	metricsClient, err := awspkg.NewMetricsClient(ctx)
	if err != nil {
		log.Warn("CloudWatch metrics client init failed (non-fatal)", zap.Error(err))
	}

	awsCfg, awsErr := awspkg.LoadAWSConfig(ctx)
	if awsErr != nil && (cfg.InventoryStore == "dynamodb" || cfg.CheckoutQueueURL != "" || cfg.LowStockSNSTopicARN != "") {
		log.Fatal("Failed to load AWS config", zap.Error(awsErr))
	}

	// --- Inventory store ---
	var inventoryRepo repository.InventoryRepository
	switch cfg.InventoryStore {
	case "memory":
		log.Warn("Using in-memory inventory store; state is lost on restart")
		inventoryRepo = repository.NewMemoryInventoryRepository()
	default:
		ddb := database.NewDynamoClient(awsCfg)
		if cfg.DDBAutoCreate {
			if err := database.EnsureInventoryTable(ctx, ddb, cfg.DDBTable); err != nil {
				log.Fatal("Failed to ensure inventory table", zap.Error(err), zap.String("table", cfg.DDBTable))
			}
		}
		inventoryRepo = repository.NewDynamoInventoryRepository(ddb, cfg.DDBTable)
	}

	deps := services.Dependencies{
		Repo:          inventoryRepo,
		AlertTopicARN: cfg.LowStockSNSTopicARN,
		Logger:        log,
		LeaseTTL:      cfg.LeaseTTL,
	}
	if metricsClient != nil {
		deps.Metrics = metricsClient
	}
	if cfg.LowStockSNSTopicARN != "" {
		deps.Alerts = awspkg.NewSNSClient(awsCfg)
	}

	// --- Redis: idempotency + cross-instance fan-out ---
	var bridge fanout.Bridge
	if cfg.RedisURL != "" {
		redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		deps.Idempotency = repository.NewRedisIdempotencyStore(redisClient)
		bridge = fanout.NewRedisBridge(redisClient, log)
	} else {
		log.Warn("REDIS_URL not set; idempotency keys disabled and fan-out limited to this instance")
	}

	hub := fanout.NewHub(cfg.FanoutBuffer, bridge, log)
	defer hub.Close()
	deps.Hub = hub

	// --- Catalog (Mongo) ---
	if cfg.MongoURI != "" {
		mongoClient, db, err := database.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			log.Fatal("Failed to connect to MongoDB", zap.Error(err))
		}
		defer func() { _ = database.DisconnectMongo(mongoClient) }()
		deps.Catalog = repository.NewMongoCatalog(db)
	}

	// --- Kafka: reservation audit producer ---
	if len(cfg.KafkaBrokers) > 0 {
		producer := bkafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaReservationTopic)
		defer producer.Close()
		deps.Audit = producer
	}

	reservationService := services.NewReservationService(deps)

	// --- Background workers ---
	go func() {
		if err := hub.RunBridge(ctx); err != nil && ctx.Err() == nil {
			log.Error("Fan-out bridge stopped", zap.Error(err))
		}
	}()
	go reservationService.RunLeaseSweeper(ctx, 0)
	metricsDone := make(chan struct{})
	go func() {
		defer close(metricsDone)
		metricsClient.Run(ctx, cfg.MetricsFlushInterval, log)
	}()

	if len(cfg.KafkaBrokers) > 0 {
		catalogConsumer := bkafka.NewCatalogConsumer(cfg.KafkaBrokers, cfg.KafkaCatalogTopic, cfg.KafkaGroupID, log)
		defer catalogConsumer.Close()
		go func() {
			if err := catalogConsumer.Run(ctx, reservationService.ApplyCatalogEvent); err != nil && ctx.Err() == nil {
				log.Error("Catalog consumer stopped", zap.Error(err))
			}
		}()
	}

	if cfg.CheckoutQueueURL != "" {
		sqsConsumer := awspkg.NewSQSConsumer(awsCfg, cfg.CheckoutQueueURL, log)
		checkout := consumers.NewCheckoutConsumer(sqsConsumer, reservationService, deps.Metrics, log)
		go func() {
			if err := checkout.Start(ctx); err != nil && ctx.Err() == nil {
				log.Error("Checkout consumer stopped", zap.Error(err))
			}
		}()
	}

	// --- HTTP router ---
	validator := auth.NewValidator(cfg.JWTSecret)
	limiter := middleware.NewRateLimiter(ctx, rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst, 5*time.Minute)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORSMiddleware())
	r.Use(middleware.RateLimitMiddleware(limiter))
	if metricsClient != nil && metricsClient.IsEnabled() {
		r.Use(middleware.MetricsMiddleware(metricsClient, serviceName))
	}
	r.Use(middleware.RequestLogger(log))
	r.Use(apperrors.ErrorMiddleware())

	routes.RegisterRoutes(r,
		controllers.NewReservationController(reservationService, validator, log),
		controllers.NewStreamController(hub, cfg.StreamHeartbeat, log),
		validator,
		routes.Options{RequestTimeout: cfg.RequestTimeout},
	)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}

	go func() {
		log.Info("Reservation Service starting",
			zap.String("port", cfg.Port),
			zap.String("inventory_store", cfg.InventoryStore),
			zap.Duration("lease_ttl", cfg.LeaseTTL),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// --- Graceful shutdown ---
	<-ctx.Done()
	log.Info("Shutting down Reservation Service...")

	// Close streams first so Shutdown is not held open by SSE clients.
	hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	<-metricsDone
	log.Info("Reservation Service stopped gracefully")
}
