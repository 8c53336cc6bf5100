package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/TNZtims/bazaar-pos-sub001/models"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageReader is the part of kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// CatalogHandler applies one catalog change to the inventory.
type CatalogHandler func(ctx context.Context, ev models.CatalogEvent) error

// CatalogConsumer reads product edits and deletions published by the catalog
// service. Offsets are committed only after the handler succeeds, so a
// message is redelivered after a crash.
type CatalogConsumer struct {
	reader MessageReader
	logger *zap.Logger
}

func NewCatalogConsumer(brokers []string, topic, groupID string, logger *zap.Logger) *CatalogConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 1e6,
		MaxWait:  500 * time.Millisecond,
	})
	return NewCatalogConsumerWithReader(reader, logger)
}

func NewCatalogConsumerWithReader(reader MessageReader, logger *zap.Logger) *CatalogConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CatalogConsumer{reader: reader, logger: logger}
}

// Run consumes until ctx is cancelled. Malformed messages are logged and
// skipped. A handler failure is retried with backoff before moving on.
func (c *CatalogConsumer) Run(ctx context.Context, handle CatalogHandler) error {
	c.logger.Info("Kafka catalog consumer started")
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("fetch catalog message: %w", err)
		}

		var ev models.CatalogEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			c.logger.Warn("Invalid catalog event", zap.Int64("offset", m.Offset), zap.Error(err))
		} else if err := c.handleWithRetry(ctx, handle, ev); err != nil {
			c.logger.Error("Catalog event dropped after retries",
				zap.String("event", ev.Event),
				zap.String("store_id", ev.StoreID),
				zap.String("product_id", ev.ProductID),
				zap.Error(err),
			)
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.logger.Warn("Failed to commit catalog offset", zap.Int64("offset", m.Offset), zap.Error(err))
		}
	}
}

func (c *CatalogConsumer) handleWithRetry(ctx context.Context, handle CatalogHandler, ev models.CatalogEvent) error {
	backoff := 100 * time.Millisecond
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = handle(ctx, ev); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

func (c *CatalogConsumer) Close() error {
	return c.reader.Close()
}
