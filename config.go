package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	awspkg "github.com/TNZtims/bazaar-pos-sub001/pkg/aws"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the reservation service.
type Config struct {
	Port      string
	Env       string
	JWTSecret string

	InventoryStore string // "dynamodb" or "memory"
	DDBTable       string
	DDBAutoCreate  bool

	RedisURL string

	KafkaBrokers          []string
	KafkaReservationTopic string
	KafkaCatalogTopic     string
	KafkaGroupID          string

	MongoURI string
	MongoDB  string

	CheckoutQueueURL    string
	LowStockSNSTopicARN string

	LeaseTTL        time.Duration
	FanoutBuffer    int
	StreamHeartbeat time.Duration
	RequestTimeout  time.Duration
	RateLimitRPS    float64
	RateLimitBurst  int

	// MetricsFlushInterval is how often aggregated CloudWatch metrics are sent.
	MetricsFlushInterval time.Duration
}

// LoadConfig loads environment variables (and a local .env file, if any)
// into Config.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", "8090"),
		Env:                   getEnv("ENV", "development"),
		JWTSecret:             os.Getenv("JWT_SECRET"),
		InventoryStore:        strings.ToLower(getEnv("INVENTORY_STORE", "dynamodb")),
		DDBTable:              getEnv("DDB_TABLE_INVENTORY", "InventoryReservations"),
		DDBAutoCreate:         getEnv("DDB_AUTO_CREATE", "false") == "true",
		RedisURL:              os.Getenv("REDIS_URL"),
		KafkaBrokers:          splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaReservationTopic: getEnv("KAFKA_RESERVATION_TOPIC", "inventory.reservations"),
		KafkaCatalogTopic:     getEnv("KAFKA_CATALOG_TOPIC", "catalog.products"),
		KafkaGroupID:          getEnv("KAFKA_GROUP_ID", "reservation-service"),
		MongoURI:              os.Getenv("MONGO_URI"),
		MongoDB:               getEnv("MONGO_DB", "ecommerce"),
		CheckoutQueueURL:      os.Getenv("CHECKOUT_QUEUE_URL"),
		LowStockSNSTopicARN:   os.Getenv("LOW_STOCK_SNS_TOPIC_ARN"),
	}

	var err error
	if cfg.LeaseTTL, err = getDuration("RESERVATION_LEASE_TTL", 0); err != nil {
		return nil, err
	}
	if cfg.StreamHeartbeat, err = getDuration("STREAM_HEARTBEAT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout, err = getDuration("REQUEST_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.MetricsFlushInterval, err = getDuration("CLOUDWATCH_FLUSH_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.FanoutBuffer, err = getInt("FANOUT_BUFFER", 256); err != nil {
		return nil, err
	}
	if cfg.RateLimitBurst, err = getInt("RATE_LIMIT_BURST", 40); err != nil {
		return nil, err
	}
	rps, err := getInt("RATE_LIMIT_RPS", 20)
	if err != nil {
		return nil, err
	}
	cfg.RateLimitRPS = float64(rps)

	if os.Getenv("AWS_USE_SECRETS") == "true" {
		if awsCfg, err := awspkg.LoadAWSConfig(context.Background()); err == nil {
			sm := awspkg.NewSecretsClient(awsCfg)

			if jwt, err := awspkg.SecretValue(context.Background(), sm, "reservation/JWT_SECRET", "JWT_SECRET"); err == nil && jwt != "" {
				cfg.JWTSecret = jwt
			}
		}
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	switch cfg.InventoryStore {
	case "dynamodb", "memory":
	default:
		return nil, fmt.Errorf("INVENTORY_STORE must be dynamodb or memory, got %q", cfg.InventoryStore)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, val)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, val)
	}
	return n, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
