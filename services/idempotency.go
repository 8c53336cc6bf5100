package services

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/TNZtims/bazaar-pos-sub001/common/logger"
	"github.com/TNZtims/bazaar-pos-sub001/models"
	awspkg "github.com/TNZtims/bazaar-pos-sub001/pkg/aws"
	"go.uber.org/zap"
)

const (
	idempotencyTTL = 24 * time.Hour
	// idempotencyClaimTTL bounds how long a crashed attempt blocks its key.
	idempotencyClaimTTL = 30 * time.Second
	idempotencyWait     = 10 * time.Second
	idempotencyPoll     = 25 * time.Millisecond
)

var idempotencyPending = []byte("pending")

type idempotencyKey struct{}

// WithIdempotencyKey attaches the client supplied Idempotency-Key to ctx.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, idempotencyKey{}, key)
}

func idempotencyKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKey{}).(string)
	return key
}

// idempotent returns the stored outcome for a retried key, or runs apply and
// stores its successful outcome. Keys are scoped per actor. The key is
// claimed before apply runs, so a retry that arrives while the first
// attempt is still working waits for that outcome instead of applying
// again. Failed attempts drop the claim so a retry re-evaluates against
// current stock.
func (s *ReservationService) idempotent(ctx context.Context, actorID string, apply func() (*models.ReservationResult, error)) (*models.ReservationResult, error) {
	key := idempotencyKeyFrom(ctx)
	store := s.deps.Idempotency
	if key == "" || store == nil {
		return apply()
	}
	scoped := actorID + ":" + key
	log := logger.For(ctx, s.logger)

	wait := time.NewTimer(idempotencyWait)
	defer wait.Stop()
	for {
		claimed, err := store.Claim(ctx, scoped, idempotencyPending, idempotencyClaimTTL)
		if err != nil {
			log.Warn("Idempotency claim failed", zap.Error(err))
			return apply()
		}
		if claimed {
			break
		}

		data, found, err := store.Get(ctx, scoped)
		if err != nil {
			log.Warn("Idempotency lookup failed", zap.Error(err))
			return apply()
		}
		if found && !bytes.Equal(data, idempotencyPending) {
			var res models.ReservationResult
			if err := json.Unmarshal(data, &res); err == nil {
				s.record(awspkg.MetricIdempotentReplays, nil)
				return &res, nil
			}
			log.Warn("Stored idempotent result unreadable, applying again", zap.String("key", key))
			if err := store.Delete(ctx, scoped); err != nil {
				return nil, ErrRequestInProgress
			}
			continue
		}
		if !found {
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait.C:
			return nil, ErrRequestInProgress
		case <-time.After(idempotencyPoll):
		}
	}

	// The outcome is recorded even when the caller went away meanwhile.
	bg := context.WithoutCancel(ctx)
	res, err := apply()
	if err != nil {
		if derr := store.Delete(bg, scoped); derr != nil {
			log.Warn("Failed to drop idempotency claim", zap.Error(derr))
		}
		return nil, err
	}
	data, err := json.Marshal(res)
	if err == nil {
		err = store.Set(bg, scoped, data, idempotencyTTL)
	}
	if err != nil {
		log.Warn("Failed to store idempotency key", zap.Error(err))
	}
	return res, nil
}
