package services

import (
	"context"
	"time"

	"github.com/TNZtims/bazaar-pos-sub001/common/auth"
	"github.com/TNZtims/bazaar-pos-sub001/ledger"
	"github.com/TNZtims/bazaar-pos-sub001/models"
	"go.uber.org/zap"
)

// ExpireLeases releases every hold that has not been touched within the
// lease TTL, in every store this instance has served. Expired holds go
// through the normal release path, so a hold released concurrently by its
// owner is simply not found. It returns the total quantity released.
func (s *ReservationService) ExpireLeases(ctx context.Context) int {
	ttl := s.deps.LeaseTTL
	if ttl <= 0 {
		return 0
	}

	stores := map[string]bool{}
	for _, k := range s.ledger.Keys("") {
		stores[k.StoreID] = true
	}

	now := s.now()
	total := 0
	for storeID := range stores {
		products, err := s.deps.Repo.List(ctx, storeID)
		if err != nil {
			s.logger.Warn("Lease sweep could not list store", zap.String("store_id", storeID), zap.Error(err))
			continue
		}
		for _, p := range products {
			if !hasExpiredHold(p, now, ttl) {
				continue
			}
			released := 0
			_, err := s.mutate(ctx, storeID, p.ProductID, loadExisting, func(p *models.Product, fx *effects) error {
				released = 0
				for _, e := range ledger.ExpireHolds(p, now, ttl) {
					fx.carts = append(fx.carts, models.CartReservation{ActorID: auth.PublicActorID(e.ActorID), Action: models.ActionRelease, Quantity: e.Quantity})
					fx.audit = append(fx.audit, models.Reservation{ActorID: e.ActorID, Action: models.ActionExpire, Quantity: e.Quantity})
					fx.stock = true
					released += e.Quantity
				}
				return nil
			})
			if err != nil {
				s.logger.Warn("Lease sweep failed", zap.String("store_id", storeID), zap.String("product_id", p.ProductID), zap.Error(err))
				continue
			}
			if released > 0 {
				s.logger.Info("Expired idle reservations",
					zap.String("store_id", storeID),
					zap.String("product_id", p.ProductID),
					zap.Int("released", released),
				)
			}
			total += released
		}
	}
	return total
}

func hasExpiredHold(p *models.Product, now time.Time, ttl time.Duration) bool {
	for _, h := range p.Holds {
		if now.Sub(h.TouchedAt) >= ttl {
			return true
		}
	}
	return false
}

// RunLeaseSweeper sweeps expired leases every interval until ctx is done.
func (s *ReservationService) RunLeaseSweeper(ctx context.Context, interval time.Duration) {
	if s.deps.LeaseTTL <= 0 {
		return
	}
	if interval <= 0 {
		interval = s.deps.LeaseTTL / 4
	}
	s.logger.Info("Reservation lease sweeper started",
		zap.Duration("ttl", s.deps.LeaseTTL),
		zap.Duration("interval", interval),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ExpireLeases(ctx)
		}
	}
}
