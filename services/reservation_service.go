package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TNZtims/bazaar-pos-sub001/common/auth"
	"github.com/TNZtims/bazaar-pos-sub001/common/logger"
	"github.com/TNZtims/bazaar-pos-sub001/ledger"
	"github.com/TNZtims/bazaar-pos-sub001/models"
	awspkg "github.com/TNZtims/bazaar-pos-sub001/pkg/aws"
	"github.com/TNZtims/bazaar-pos-sub001/repository"
	"go.uber.org/zap"
)

const maxConflictRetries = 3

// ReservationService applies reserve and release requests against the
// per-product ledger, persists the result and broadcasts it to the store.
type ReservationService struct {
	deps   Dependencies
	ledger *ledger.Ledger
	logger *zap.Logger
	now    func() time.Time
}

// NewReservationService creates a new ReservationService
func NewReservationService(deps Dependencies) *ReservationService {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	now := deps.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &ReservationService{
		deps:   deps,
		ledger: ledger.New(),
		logger: deps.Logger,
		now:    now,
	}
}

// effects describes what a mutation changed.
type effects struct {
	carts    []models.CartReservation
	audit    []models.Reservation
	stock    bool
	upserted bool
	deleted  bool
	persist  bool
}

func (e *effects) changed() bool {
	return e.stock || e.upserted || e.deleted || e.persist || len(e.carts) > 0 || len(e.audit) > 0
}

func (e *effects) reservation(actorID string, action models.ReservationAction, qty int) {
	if qty == 0 {
		return
	}
	e.carts = append(e.carts, models.CartReservation{ActorID: auth.PublicActorID(actorID), Action: action, Quantity: qty})
	e.audit = append(e.audit, models.Reservation{ActorID: actorID, Action: action, Quantity: qty})
	e.stock = true
}

type loadMode int

const (
	loadExisting loadMode = iota
	loadOrCreate
)

// mutate runs fn against a private copy of the product inside the product's
// critical section. When fn reports a change the copy is persisted with a
// version check and the resulting events are published before the section
// is released, which keeps per-product event order equal to commit order.
// A version conflict means another instance wrote first: the cached record
// is dropped and the whole operation is retried on fresh state.
func (s *ReservationService) mutate(ctx context.Context, storeID, productID string, mode loadMode, fn func(p *models.Product, fx *effects) error) (*models.Product, error) {
	key := ledger.Key{StoreID: storeID, ProductID: productID}

	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		var (
			before, after *models.Product
			fx            effects
		)
		err := s.ledger.Do(key, func(cur *models.Product) (*models.Product, error) {
			if cur == nil {
				loaded, err := s.load(ctx, storeID, productID, mode)
				if err != nil {
					return nil, err
				}
				cur = loaded
			}
			before = cur

			next := cur.Clone()
			if err := fn(next, &fx); err != nil {
				return cur, err
			}
			if !fx.changed() {
				after = cur
				return cur, nil
			}

			next.Version = cur.Version + 1
			next.UpdatedAt = s.now()

			if fx.deleted {
				if err := s.deps.Repo.Delete(ctx, storeID, productID); err != nil {
					return cur, fmt.Errorf("%w: %v", ErrPersistence, err)
				}
				after = next
				s.broadcast(ctx, next, &fx)
				return nil, nil
			}

			start := time.Now()
			if err := s.deps.Repo.Save(ctx, next, cur.Version); err != nil {
				if errors.Is(err, repository.ErrVersionConflict) {
					return nil, err
				}
				return cur, fmt.Errorf("%w: %v", ErrPersistence, err)
			}
			s.recordLatency(awspkg.MetricDatabaseLatency, time.Since(start))

			after = next
			s.broadcast(ctx, next, &fx)
			return next, nil
		})

		if errors.Is(err, repository.ErrVersionConflict) {
			lastErr = err
			s.record(awspkg.MetricVersionConflicts, map[string]string{"StoreID": storeID})
			logger.For(ctx, s.logger).Info("Inventory version conflict, retrying",
				zap.String("store_id", storeID),
				zap.String("product_id", productID),
				zap.Int("attempt", attempt+1),
			)
			continue
		}
		if err != nil {
			return before.Clone(), err
		}
		if fx.changed() {
			s.afterCommit(before, after, &fx)
		}
		return after.Clone(), nil
	}
	return nil, fmt.Errorf("%w: %v", ErrPersistence, lastErr)
}

// load resolves the product from the inventory store, falling back to the
// catalog for products that have never been reserved.
func (s *ReservationService) load(ctx context.Context, storeID, productID string, mode loadMode) (*models.Product, error) {
	p, err := s.deps.Repo.Get(ctx, storeID, productID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if s.deps.Catalog != nil {
		cp, err := s.deps.Catalog.GetProduct(ctx, storeID, productID)
		switch {
		case err == nil:
			return fromCatalog(cp), nil
		case !errors.Is(err, repository.ErrNotFound):
			return nil, fmt.Errorf("catalog lookup failed: %w", err)
		}
	}

	if mode == loadOrCreate {
		return &models.Product{StoreID: storeID, ProductID: productID}, nil
	}
	return nil, ErrProductNotFound
}

func fromCatalog(cp *models.CatalogProduct) *models.Product {
	total := cp.Quantity
	if total < 0 {
		total = 0
	}
	return &models.Product{
		StoreID:              cp.StoreID,
		ProductID:            cp.ProductID,
		Name:                 cp.Name,
		TotalQuantity:        total,
		AvailableForPreorder: cp.AvailableForPreorder,
		LowStockThreshold:    cp.LowStockThreshold,
	}
}

// broadcast publishes the events of a committed mutation. A fan-out failure
// never undoes the mutation; it is logged and counted.
func (s *ReservationService) broadcast(ctx context.Context, p *models.Product, fx *effects) {
	if s.deps.Hub == nil {
		return
	}
	base := models.Event{StoreID: p.StoreID, ProductID: p.ProductID, Seq: p.Version}

	var events []models.Event
	if fx.deleted {
		ev := base
		ev.Type = models.EventProductDeleted
		events = append(events, ev)
	} else {
		for i := range fx.carts {
			ev := base
			ev.Type = models.EventCartReservation
			ev.CartReservation = &fx.carts[i]
			events = append(events, ev)
		}
		if fx.upserted {
			ev := base
			ev.Type = models.EventProductUpserted
			avail := p.Availability()
			ev.Product = &avail
			events = append(events, ev)
		}
		if fx.stock || fx.upserted {
			ev := base
			ev.Type = models.EventStockDelta
			ev.StockDelta = &models.StockDelta{AvailableQuantity: p.AvailableQuantity()}
			events = append(events, ev)
		}
	}

	for _, ev := range events {
		if err := s.deps.Hub.Publish(ctx, p.StoreID, ev); err != nil {
			logger.For(ctx, s.logger).Warn("Fan-out channel unavailable",
				zap.String("store_id", p.StoreID),
				zap.String("product_id", p.ProductID),
				zap.String("event", string(ev.Type)),
				zap.Error(err),
			)
			s.record(awspkg.MetricFanoutUnavailable, map[string]string{"StoreID": p.StoreID})
		}
	}
}

// afterCommit runs the side effects that need not be ordered: audit,
// metrics and low-stock alerts.
func (s *ReservationService) afterCommit(before, after *models.Product, fx *effects) {
	for _, r := range fx.audit {
		r.StoreID = after.StoreID
		r.ProductID = after.ProductID
		r.Version = after.Version
		r.Timestamp = after.UpdatedAt
		s.audit(r)
		s.recordValue(metricFor(r.Action), float64(r.Quantity), map[string]string{"StoreID": r.StoreID})
	}
	if !fx.deleted {
		s.checkLowStock(before, after)
	}
}

func metricFor(action models.ReservationAction) string {
	switch action {
	case models.ActionReserve:
		return awspkg.MetricInventoryReserved
	case models.ActionConfirm:
		return awspkg.MetricInventoryConfirmed
	case models.ActionExpire:
		return awspkg.MetricInventoryExpired
	default:
		return awspkg.MetricInventoryReleased
	}
}

func (s *ReservationService) audit(r models.Reservation) {
	if s.deps.Audit == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.deps.Audit.PublishReservation(ctx, r); err != nil {
			s.logger.Warn("Failed to publish reservation audit",
				zap.String("store_id", r.StoreID),
				zap.String("product_id", r.ProductID),
				zap.Error(err),
			)
		}
	}()
}

// checkLowStock alerts when availability crosses below the threshold.
func (s *ReservationService) checkLowStock(before, after *models.Product) {
	threshold := after.LowStockThreshold
	if threshold <= 0 || after.AvailableForPreorder {
		return
	}
	prev, cur := before.AvailableQuantity(), after.AvailableQuantity()
	if !(prev >= threshold && cur < threshold) {
		return
	}

	alert := models.LowStockAlert{
		Event:     "inventory.low_stock",
		StoreID:   after.StoreID,
		ProductID: after.ProductID,
		Available: cur,
		Threshold: threshold,
		AlertedAt: s.now(),
	}
	s.record(awspkg.MetricInventoryLow, map[string]string{"StoreID": after.StoreID})
	s.logger.Info("Low stock",
		zap.String("store_id", alert.StoreID),
		zap.String("product_id", alert.ProductID),
		zap.Int("available", cur),
		zap.Int("threshold", threshold),
	)

	if s.deps.Alerts == nil || s.deps.AlertTopicARN == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := awspkg.PublishJSON(ctx, s.deps.Alerts, s.deps.AlertTopicARN, alert.Event, alert); err != nil {
			s.logger.Warn("Failed to publish low stock alert", zap.String("product_id", alert.ProductID), zap.Error(err))
		}
	}()
}

func (s *ReservationService) record(metric string, dims map[string]string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.Count(metric, dims)
	}
}

func (s *ReservationService) recordValue(metric string, v float64, dims map[string]string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.Add(metric, v, dims)
	}
}

func (s *ReservationService) recordLatency(metric string, d time.Duration) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.Latency(metric, d, map[string]string{"Table": "inventory"})
	}
}

func result(p *models.Product, actorID string, action models.ReservationAction, qty int) *models.ReservationResult {
	return &models.ReservationResult{
		StoreID:           p.StoreID,
		ProductID:         p.ProductID,
		ActorID:           actorID,
		Action:            action,
		Quantity:          qty,
		Held:              p.HeldBy(actorID),
		AvailableQuantity: p.AvailableQuantity(),
		Version:           p.Version,
	}
}

// ApplyReserve reserves qty of the product for actorID. On rejection the
// returned *InsufficientStockError carries the quantity still available.
func (s *ReservationService) ApplyReserve(ctx context.Context, storeID, productID, actorID string, qty int) (*models.ReservationResult, error) {
	if qty <= 0 {
		return nil, ErrInvalidQuantity
	}
	return s.idempotent(ctx, actorID, func() (*models.ReservationResult, error) {
		p, err := s.mutate(ctx, storeID, productID, loadExisting, func(p *models.Product, fx *effects) error {
			if _, err := ledger.ReserveFor(p, actorID, qty, s.now()); err != nil {
				return err
			}
			fx.reservation(actorID, models.ActionReserve, qty)
			return nil
		})
		if err != nil {
			if errors.Is(err, ErrInsufficientStock) {
				s.record(awspkg.MetricInventoryRejected, map[string]string{"StoreID": storeID})
			}
			return nil, err
		}
		return result(p, actorID, models.ActionReserve, qty), nil
	})
}

// ApplyRelease releases up to qty of what actorID holds. Releasing more than
// is held, or releasing twice, is not an error; Quantity in the result is
// what was actually released.
func (s *ReservationService) ApplyRelease(ctx context.Context, storeID, productID, actorID string, qty int) (*models.ReservationResult, error) {
	if qty <= 0 {
		return nil, ErrInvalidQuantity
	}
	return s.idempotent(ctx, actorID, func() (*models.ReservationResult, error) {
		released := 0
		p, err := s.mutate(ctx, storeID, productID, loadExisting, func(p *models.Product, fx *effects) error {
			n, _, err := ledger.ReleaseFor(p, actorID, qty)
			if err != nil {
				return err
			}
			released = n
			fx.reservation(actorID, models.ActionRelease, n)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return result(p, actorID, models.ActionRelease, released), nil
	})
}

// NetAdjust moves actorID's hold from fromQty to toQty as one mutation with
// one broadcast. The delta is computed against the hold the server knows
// about; fromQty only short-circuits the no-op case.
func (s *ReservationService) NetAdjust(ctx context.Context, storeID, productID, actorID string, fromQty, toQty int) (*models.ReservationResult, error) {
	if fromQty < 0 || toQty < 0 {
		return nil, ErrInvalidQuantity
	}
	if fromQty == toQty {
		a, err := s.Available(ctx, storeID, productID)
		if err != nil {
			return nil, err
		}
		return &models.ReservationResult{
			StoreID:           storeID,
			ProductID:         productID,
			ActorID:           actorID,
			Quantity:          0,
			Held:              toQty,
			AvailableQuantity: a.AvailableQuantity,
			Version:           a.Version,
		}, nil
	}

	return s.idempotent(ctx, actorID, func() (*models.ReservationResult, error) {
		applied := 0
		p, err := s.mutate(ctx, storeID, productID, loadExisting, func(p *models.Product, fx *effects) error {
			if held := p.HeldBy(actorID); held != fromQty {
				s.logger.Debug("Adjust baseline differs from server hold",
					zap.String("actor_id", actorID),
					zap.String("product_id", productID),
					zap.Int("client_from", fromQty),
					zap.Int("server_held", held),
				)
			}
			delta, _, err := ledger.AdjustFor(p, actorID, toQty, s.now())
			if err != nil {
				return err
			}
			applied = delta
			switch {
			case delta > 0:
				fx.reservation(actorID, models.ActionReserve, delta)
			case delta < 0:
				fx.reservation(actorID, models.ActionRelease, -delta)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		action := models.ActionReserve
		if applied < 0 {
			action = models.ActionRelease
			applied = -applied
		}
		return result(p, actorID, action, applied), nil
	})
}

// ReleaseLines releases several cart lines for one actor. Failures are
// logged and skipped so one bad line does not strand the others. It returns
// the number of lines that released stock.
func (s *ReservationService) ReleaseLines(ctx context.Context, storeID, actorID string, lines []models.CartLine) int {
	released := 0
	for _, line := range lines {
		if line.Quantity <= 0 || line.ProductID == "" {
			continue
		}
		res, err := s.ApplyRelease(ctx, storeID, line.ProductID, actorID, line.Quantity)
		if err != nil {
			if !errors.Is(err, ErrProductNotFound) {
				logger.For(ctx, s.logger).Warn("Failed to release cart line",
					zap.String("store_id", storeID),
					zap.String("product_id", line.ProductID),
					zap.String("actor_id", actorID),
					zap.Error(err),
				)
			}
			continue
		}
		if res.Quantity > 0 {
			released++
		}
	}
	return released
}

// ReleaseActor releases every hold actorID has in the store.
func (s *ReservationService) ReleaseActor(ctx context.Context, storeID, actorID string) (int, error) {
	products, err := s.deps.Repo.List(ctx, storeID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	var lines []models.CartLine
	for _, p := range products {
		if held := p.HeldBy(actorID); held > 0 {
			lines = append(lines, models.CartLine{ProductID: p.ProductID, Quantity: held})
		}
	}
	return s.ReleaseLines(ctx, storeID, actorID, lines), nil
}

// Confirm turns the actor's holds into a completed sale: the held quantity
// leaves both reserved and total, so availability does not move.
func (s *ReservationService) Confirm(ctx context.Context, storeID, actorID string, lines []models.CartLine) error {
	var errs []error
	for _, line := range lines {
		if line.Quantity <= 0 {
			continue
		}
		_, err := s.mutate(ctx, storeID, line.ProductID, loadExisting, func(p *models.Product, fx *effects) error {
			consumed, err := ledger.ConfirmFor(p, actorID, line.Quantity)
			if err != nil {
				return err
			}
			if consumed < line.Quantity {
				logger.For(ctx, s.logger).Warn("Confirmed less than requested",
					zap.String("product_id", line.ProductID),
					zap.String("actor_id", actorID),
					zap.Int("requested", line.Quantity),
					zap.Int("held", consumed),
				)
			}
			if consumed == 0 {
				return nil
			}
			fx.audit = append(fx.audit, models.Reservation{ActorID: actorID, Action: models.ActionConfirm, Quantity: consumed})
			fx.upserted = true
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("confirm %s: %w", line.ProductID, err))
		}
	}
	return errors.Join(errs...)
}

// Heartbeat keeps the actor's holds alive under a lease. It returns how
// many of the products had a hold to touch.
func (s *ReservationService) Heartbeat(ctx context.Context, storeID, actorID string, productIDs []string) (int, error) {
	if s.deps.LeaseTTL <= 0 {
		return 0, nil
	}
	touched := 0
	for _, productID := range productIDs {
		hit := false
		_, err := s.mutate(ctx, storeID, productID, loadExisting, func(p *models.Product, fx *effects) error {
			hit = ledger.Touch(p, actorID, s.now())
			fx.persist = hit
			return nil
		})
		if err != nil && !errors.Is(err, ErrProductNotFound) {
			return touched, err
		}
		if err == nil && hit {
			touched++
		}
	}
	return touched, nil
}

// Available returns the authoritative availability of one product.
func (s *ReservationService) Available(ctx context.Context, storeID, productID string) (*models.Availability, error) {
	p, err := s.load(ctx, storeID, productID, loadExisting)
	if err != nil {
		return nil, err
	}
	a := p.Availability()
	return &a, nil
}

// ListAvailability returns every product of the store. Products known only
// to the catalog are reported with their full quantity available.
func (s *ReservationService) ListAvailability(ctx context.Context, storeID string) ([]models.Availability, error) {
	products, err := s.deps.Repo.List(ctx, storeID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	out := make([]models.Availability, 0, len(products))
	seen := make(map[string]bool, len(products))
	for _, p := range products {
		seen[p.ProductID] = true
		out = append(out, p.Availability())
	}

	if s.deps.Catalog != nil {
		catalog, err := s.deps.Catalog.ListProducts(ctx, storeID)
		if err != nil {
			logger.For(ctx, s.logger).Warn("Catalog listing failed, returning inventory records only",
				zap.String("store_id", storeID), zap.Error(err))
		}
		for _, cp := range catalog {
			if !seen[cp.ProductID] {
				out = append(out, fromCatalog(cp).Availability())
			}
		}
	}
	return out, nil
}

// UpsertProduct applies an administrative edit, creating the record when
// needed. Lowering the total below what is reserved is rejected for
// products that do not accept preorders.
func (s *ReservationService) UpsertProduct(ctx context.Context, storeID, productID string, req models.UpsertProductRequest) (*models.Availability, error) {
	p, err := s.mutate(ctx, storeID, productID, loadOrCreate, func(p *models.Product, fx *effects) error {
		if req.Name != nil {
			p.Name = *req.Name
		}
		if req.AvailableForPreorder != nil {
			p.AvailableForPreorder = *req.AvailableForPreorder
		}
		if req.LowStockThreshold != nil {
			if *req.LowStockThreshold < 0 {
				return ErrInvalidQuantity
			}
			p.LowStockThreshold = *req.LowStockThreshold
		}
		if req.TotalQuantity != nil {
			if err := ledger.SetTotal(p, *req.TotalQuantity); err != nil {
				return err
			}
		}
		if !ledger.CountersOf(p).Valid() {
			return ErrStockBelowReserved
		}
		fx.upserted = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	a := p.Availability()
	return &a, nil
}

// DeleteProduct removes the inventory record. Outstanding holds go with it.
func (s *ReservationService) DeleteProduct(ctx context.Context, storeID, productID string) error {
	_, err := s.mutate(ctx, storeID, productID, loadExisting, func(p *models.Product, fx *effects) error {
		fx.deleted = true
		return nil
	})
	return err
}

// ResetReservations drops every hold on the product. It is the recovery
// path for holds stranded by clients that never came back.
func (s *ReservationService) ResetReservations(ctx context.Context, storeID, productID string) (int, *models.Availability, error) {
	released := 0
	p, err := s.mutate(ctx, storeID, productID, loadExisting, func(p *models.Product, fx *effects) error {
		holds := p.Holds
		released = ledger.ResetReservations(p)
		if released == 0 {
			return nil
		}
		for actor, h := range holds {
			fx.audit = append(fx.audit, models.Reservation{ActorID: actor, Action: models.ActionRelease, Quantity: h.Quantity})
		}
		fx.stock = true
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	a := p.Availability()
	return released, &a, nil
}

// ApplyCatalogEvent mirrors a catalog change into the inventory.
func (s *ReservationService) ApplyCatalogEvent(ctx context.Context, ev models.CatalogEvent) error {
	switch ev.Event {
	case models.CatalogProductUpserted:
		req := models.UpsertProductRequest{
			TotalQuantity:        ev.Quantity,
			AvailableForPreorder: ev.Preorder,
			LowStockThreshold:    ev.Threshold,
		}
		if ev.Name != "" {
			req.Name = &ev.Name
		}
		_, err := s.UpsertProduct(ctx, ev.StoreID, ev.ProductID, req)
		if errors.Is(err, ErrStockBelowReserved) {
			logger.For(ctx, s.logger).Warn("Catalog total below reserved, keeping current total",
				zap.String("store_id", ev.StoreID), zap.String("product_id", ev.ProductID))
			req.TotalQuantity = nil
			_, err = s.UpsertProduct(ctx, ev.StoreID, ev.ProductID, req)
		}
		return err
	case models.CatalogProductDeleted:
		err := s.DeleteProduct(ctx, ev.StoreID, ev.ProductID)
		if errors.Is(err, ErrProductNotFound) {
			return nil
		}
		return err
	default:
		s.logger.Debug("Ignoring catalog event", zap.String("event", ev.Event))
		return nil
	}
}
