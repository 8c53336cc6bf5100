package consumers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/TNZtims/bazaar-pos-sub001/models"
	awspkg "github.com/TNZtims/bazaar-pos-sub001/pkg/aws"
	"github.com/TNZtims/bazaar-pos-sub001/services"
	"go.uber.org/zap"
)

// CheckoutService is what the checkout consumer needs from the reservation
// service.
type CheckoutService interface {
	Confirm(ctx context.Context, storeID, actorID string, lines []models.CartLine) error
	ReleaseLines(ctx context.Context, storeID, actorID string, lines []models.CartLine) int
	ReleaseActor(ctx context.Context, storeID, actorID string) (int, error)
}

// CheckoutConsumer settles reservations when the order service reports the
// outcome of a checkout: completed sales consume the held stock, cancelled
// or failed checkouts give it back.
type CheckoutConsumer struct {
	sqs     *awspkg.SQSConsumer
	svc     CheckoutService
	metrics awspkg.MetricsRecorder
	logger  *zap.Logger
}

func NewCheckoutConsumer(sqs *awspkg.SQSConsumer, svc CheckoutService, metrics awspkg.MetricsRecorder, logger *zap.Logger) *CheckoutConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CheckoutConsumer{sqs: sqs, svc: svc, metrics: metrics, logger: logger}
}

// Start blocks polling the queue until ctx is done.
func (c *CheckoutConsumer) Start(ctx context.Context) error {
	return c.sqs.StartPolling(ctx, c.Handle)
}

// Handle processes one message body. Returning an error leaves the message
// on the queue for redelivery, so only transient failures are returned.
func (c *CheckoutConsumer) Handle(ctx context.Context, body string) error {
	var ev models.CheckoutEvent
	if err := json.Unmarshal([]byte(body), &ev); err != nil {
		c.logger.Warn("Discarding malformed checkout event", zap.Error(err))
		return nil
	}
	if ev.StoreID == "" || ev.ActorID == "" {
		c.logger.Warn("Discarding checkout event without store or actor", zap.String("order_id", ev.OrderID))
		return nil
	}

	log := c.logger.With(
		zap.String("event", ev.Event),
		zap.String("order_id", ev.OrderID),
		zap.String("store_id", ev.StoreID),
		zap.String("actor_id", ev.ActorID),
	)

	switch ev.Event {
	case models.CheckoutCompleted:
		if err := c.svc.Confirm(ctx, ev.StoreID, ev.ActorID, ev.Items); err != nil {
			if errors.Is(err, services.ErrPersistence) {
				return fmt.Errorf("confirm order %s: %w", ev.OrderID, err)
			}
			log.Warn("Checkout confirmed with errors", zap.Error(err))
		}
		log.Info("Checkout confirmed", zap.Int("lines", len(ev.Items)))

	case models.CheckoutCancelled, models.CheckoutFailed:
		var released int
		if len(ev.Items) > 0 {
			released = c.svc.ReleaseLines(ctx, ev.StoreID, ev.ActorID, ev.Items)
		} else {
			var err error
			if released, err = c.svc.ReleaseActor(ctx, ev.StoreID, ev.ActorID); err != nil {
				return fmt.Errorf("release order %s: %w", ev.OrderID, err)
			}
		}
		log.Info("Checkout reservations released", zap.Int("lines", released))

	default:
		log.Debug("Ignoring checkout event")
		return nil
	}

	if c.metrics != nil {
		c.metrics.Count(awspkg.MetricSQSMessages, map[string]string{"Event": ev.Event})
	}
	return nil
}
