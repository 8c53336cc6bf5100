package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/TNZtims/bazaar-pos-sub001/common/logger"
	"github.com/TNZtims/bazaar-pos-sub001/database"
	"github.com/TNZtims/bazaar-pos-sub001/fanout"
	awspkg "github.com/TNZtims/bazaar-pos-sub001/pkg/aws"
	"github.com/TNZtims/bazaar-pos-sub001/repository"
	"github.com/TNZtims/bazaar-pos-sub001/services"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	var mongoURI, dbName, table, stores, redisURL string
	var create bool
	flag.StringVar(&mongoURI, "mongo", os.Getenv("MONGO_URI"), "MongoDB URI of the catalog")
	flag.StringVar(&dbName, "db", os.Getenv("MONGO_DB"), "catalog database name")
	flag.StringVar(&table, "table", os.Getenv("DDB_TABLE_INVENTORY"), "DynamoDB inventory table")
	flag.StringVar(&stores, "stores", os.Getenv("SEED_STORES"), "comma separated store ids")
	flag.StringVar(&redisURL, "redis", os.Getenv("REDIS_URL"), "Redis URL; when set, running instances see the changes live")
	flag.BoolVar(&create, "create-table", false, "create the inventory table if missing")
	flag.Parse()

	log, err := logger.Initialize(os.Getenv("ENV"), nil)
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer func() { _ = log.Sync() }()

	if mongoURI == "" || dbName == "" {
		log.Fatal("MONGO_URI and MONGO_DB must be set or provided via flags")
	}
	if table == "" {
		table = "InventoryReservations"
	}
	storeIDs := splitStores(stores)
	if len(storeIDs) == 0 {
		log.Fatal("at least one store is required (--stores or SEED_STORES)")
	}

	ctx := context.Background()
	mclient, db, err := database.ConnectMongo(ctx, mongoURI, dbName)
	if err != nil {
		log.Fatal("Failed to connect to MongoDB", zap.Error(err))
	}
	defer func() { _ = database.DisconnectMongo(mclient) }()

	awsCfg, err := awspkg.LoadAWSConfig(ctx)
	if err != nil {
		log.Fatal("Failed to load AWS config", zap.Error(err))
	}
	ddb := database.NewDynamoClient(awsCfg)
	if create {
		if err := database.EnsureInventoryTable(ctx, ddb, table); err != nil {
			log.Fatal("Failed to ensure inventory table", zap.Error(err), zap.String("table", table))
		}
	}

	deps := services.Dependencies{
		Repo:   repository.NewDynamoInventoryRepository(ddb, table),
		Logger: log,
	}
	if redisURL != "" {
		rc, err := database.NewRedisClient(ctx, redisURL)
		if err != nil {
			log.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer rc.Close()
		hub := fanout.NewHub(1, fanout.NewRedisBridge(rc, log), log)
		defer hub.Close()
		deps.Hub = hub
	}

	s := &seeder{
		catalog: repository.NewMongoCatalog(db),
		svc:     services.NewReservationService(deps),
		log:     log,
	}
	var total Summary
	for _, store := range storeIDs {
		sum, err := s.Seed(ctx, store)
		if err != nil {
			log.Fatal("Seeding failed", zap.String("store_id", store), zap.Error(err))
		}
		total.add(sum)
	}
	fmt.Printf("Seeding complete. seeded=%d skipped=%d failed=%d\n", total.Seeded, total.Skipped, total.Failed)
	if total.Failed > 0 {
		os.Exit(1)
	}
}

func splitStores(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
