// Package ledger holds the authoritative per-product counters of every store
// served by this instance. Each product lives in its own cell behind its own
// mutex; there is no store-wide lock, so different products are mutated in
// parallel while mutations on the same product are strictly serialized.
package ledger

import (
	"sync"

	"github.com/TNZtims/bazaar-pos-sub001/models"
)

// Key addresses one product in one store.
type Key struct {
	StoreID   string
	ProductID string
}

type cell struct {
	mu      sync.Mutex
	product *models.Product
}

// Ledger is an arena of per-product cells.
type Ledger struct {
	mu    sync.RWMutex
	cells map[Key]*cell
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{cells: make(map[Key]*cell)}
}

func (l *Ledger) cell(key Key) *cell {
	l.mu.RLock()
	c, ok := l.cells[key]
	l.mu.RUnlock()
	if ok {
		return c
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok = l.cells[key]; !ok {
		c = &cell{}
		l.cells[key] = c
	}
	return c
}

// Do runs fn inside the product's critical section. fn receives the cached
// record (nil when the product is not loaded) and returns the record the
// cell keeps afterwards; returning nil evicts it. fn must not call back into
// the same key.
func (l *Ledger) Do(key Key, fn func(cur *models.Product) (*models.Product, error)) error {
	c := l.cell(key)
	c.mu.Lock()
	defer c.mu.Unlock()

	next, err := fn(c.product)
	c.product = next
	return err
}

// Get returns a copy of the cached record, if any.
func (l *Ledger) Get(key Key) (*models.Product, bool) {
	l.mu.RLock()
	c, ok := l.cells[key]
	l.mu.RUnlock()
	if !ok {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.product == nil {
		return nil, false
	}
	return c.product.Clone(), true
}

// Evict drops the cached record so the next access reloads it.
func (l *Ledger) Evict(key Key) {
	_ = l.Do(key, func(*models.Product) (*models.Product, error) { return nil, nil })
}

// Keys lists every loaded product, optionally restricted to one store.
func (l *Ledger) Keys(storeID string) []Key {
	l.mu.RLock()
	defer l.mu.RUnlock()
	keys := make([]Key, 0, len(l.cells))
	for k, c := range l.cells {
		if storeID != "" && k.StoreID != storeID {
			continue
		}
		c.mu.Lock()
		loaded := c.product != nil
		c.mu.Unlock()
		if loaded {
			keys = append(keys, k)
		}
	}
	return keys
}
