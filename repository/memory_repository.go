package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/TNZtims/bazaar-pos-sub001/models"
)

type memoryKey struct{ store, product string }

// MemoryInventoryRepository keeps records in process memory. It honours the
// same version semantics as the DynamoDB repository and backs local runs
// and tests.
type MemoryInventoryRepository struct {
	mu      sync.RWMutex
	records map[memoryKey]*models.Product
}

func NewMemoryInventoryRepository() *MemoryInventoryRepository {
	return &MemoryInventoryRepository{records: make(map[memoryKey]*models.Product)}
}

func (r *MemoryInventoryRepository) Get(_ context.Context, storeID, productID string) (*models.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.records[memoryKey{storeID, productID}]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (r *MemoryInventoryRepository) Save(_ context.Context, p *models.Product, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := memoryKey{p.StoreID, p.ProductID}
	cur, ok := r.records[key]
	switch {
	case expectedVersion == 0 && ok:
		return ErrVersionConflict
	case expectedVersion != 0 && (!ok || cur.Version != expectedVersion):
		return ErrVersionConflict
	}
	r.records[key] = p.Clone()
	return nil
}

func (r *MemoryInventoryRepository) Delete(_ context.Context, storeID, productID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, memoryKey{storeID, productID})
	return nil
}

func (r *MemoryInventoryRepository) List(_ context.Context, storeID string) ([]*models.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Product
	for k, p := range r.records {
		if k.store == storeID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}
