package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/TNZtims/bazaar-pos-sub001/models"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPattern = "store:*:events"

// RedisBridge relays room events between instances over Redis pub/sub.
// Pub/sub keeps no history, which matches the room contract: sessions that
// miss events reconcile by polling.
type RedisBridge struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisBridge(client *redis.Client, logger *zap.Logger) *RedisBridge {
	return &RedisBridge{client: client, logger: logger}
}

func channelFor(storeID string) string {
	return fmt.Sprintf("store:%s:events", storeID)
}

func storeFromChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, "store:") || !strings.HasSuffix(channel, ":events") {
		return "", false
	}
	return strings.TrimSuffix(strings.TrimPrefix(channel, "store:"), ":events"), true
}

func (b *RedisBridge) Publish(ctx context.Context, storeID string, ev models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, channelFor(storeID), data).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

func (b *RedisBridge) Run(ctx context.Context, subscribed func(), deliver func(storeID string, ev models.Event)) error {
	pubsub := b.client.PSubscribe(ctx, channelPattern)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis psubscribe failed: %w", err)
	}
	b.logger.Info("fan-out bridge subscribed", zap.String("pattern", channelPattern))
	subscribed()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}
			storeID, ok := storeFromChannel(msg.Channel)
			if !ok {
				continue
			}
			var ev models.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.Warn("invalid bridged event", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			deliver(storeID, ev)
		}
	}
}
