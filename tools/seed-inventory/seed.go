package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/TNZtims/bazaar-pos-sub001/models"
	"github.com/TNZtims/bazaar-pos-sub001/services"
	"go.uber.org/zap"
)

type catalogLister interface {
	ListProducts(ctx context.Context, storeID string) ([]*models.CatalogProduct, error)
}

type upserter interface {
	UpsertProduct(ctx context.Context, storeID, productID string, req models.UpsertProductRequest) (*models.Availability, error)
}

// Summary counts the outcome of a seeding run.
type Summary struct {
	Seeded  int
	Skipped int
	Failed  int
}

func (s *Summary) add(o Summary) {
	s.Seeded += o.Seeded
	s.Skipped += o.Skipped
	s.Failed += o.Failed
}

// seeder copies catalog stock definitions into the inventory ledger.
// Existing holds are kept; a product whose new total is below what is
// reserved is skipped.
type seeder struct {
	catalog catalogLister
	svc     upserter
	log     *zap.Logger
}

func (s *seeder) Seed(ctx context.Context, storeID string) (Summary, error) {
	var sum Summary
	products, err := s.catalog.ListProducts(ctx, storeID)
	if err != nil {
		return sum, fmt.Errorf("list catalog: %w", err)
	}
	for _, p := range products {
		if p.ProductID == "" {
			s.log.Warn("Catalog product without id", zap.String("store_id", storeID), zap.String("name", p.Name))
			sum.Skipped++
			continue
		}
		name, total, preorder, threshold := p.Name, p.Quantity, p.AvailableForPreorder, p.LowStockThreshold
		_, err := s.svc.UpsertProduct(ctx, storeID, p.ProductID, models.UpsertProductRequest{
			Name:                 &name,
			TotalQuantity:        &total,
			AvailableForPreorder: &preorder,
			LowStockThreshold:    &threshold,
		})
		switch {
		case err == nil:
			sum.Seeded++
		case errors.Is(err, services.ErrStockBelowReserved), errors.Is(err, services.ErrInvalidQuantity):
			s.log.Warn("Skipping product", zap.String("store_id", storeID), zap.String("product_id", p.ProductID), zap.Error(err))
			sum.Skipped++
		default:
			s.log.Error("Failed to seed product", zap.String("store_id", storeID), zap.String("product_id", p.ProductID), zap.Error(err))
			sum.Failed++
		}
		if n := sum.Seeded; n > 0 && n%100 == 0 {
			s.log.Info("Seeding progress", zap.String("store_id", storeID), zap.Int("seeded", n))
		}
	}
	return sum, nil
}
