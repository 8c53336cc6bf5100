package services

import (
	"context"
	"time"

	"github.com/TNZtims/bazaar-pos-sub001/models"
	awspkg "github.com/TNZtims/bazaar-pos-sub001/pkg/aws"
	"github.com/TNZtims/bazaar-pos-sub001/repository"
	"go.uber.org/zap"
)

// CatalogReader resolves products the inventory has no record of yet.
type CatalogReader interface {
	GetProduct(ctx context.Context, storeID, productID string) (*models.CatalogProduct, error)
	ListProducts(ctx context.Context, storeID string) ([]*models.CatalogProduct, error)
}

// Broadcaster delivers events to a store room.
type Broadcaster interface {
	Publish(ctx context.Context, storeID string, ev models.Event) error
}

// AuditPublisher records accepted reservation deltas downstream.
type AuditPublisher interface {
	PublishReservation(ctx context.Context, r models.Reservation) error
}

// Dependencies wires the reservation service. Repo and Hub are required;
// everything else is optional and skipped when nil.
type Dependencies struct {
	Repo          repository.InventoryRepository
	Hub           Broadcaster
	Catalog       CatalogReader
	Audit         AuditPublisher
	Metrics       awspkg.MetricsRecorder
	Alerts        awspkg.SNSPublisher
	AlertTopicARN string
	Idempotency   repository.IdempotencyStore
	Logger        *zap.Logger
	// LeaseTTL releases holds that were not touched for this long. Zero
	// disables leases; holds then live until released.
	LeaseTTL time.Duration
	Clock    func() time.Time
}
