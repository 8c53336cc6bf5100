package models

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrInvalidQuantity is returned for non-positive or non-integer quantities.
var ErrInvalidQuantity = errors.New("quantity must be a positive integer")

// Hold is the quantity a single actor currently has reserved for a product.
type Hold struct {
	Quantity  int       `json:"quantity" dynamodbav:"quantity"`
	TouchedAt time.Time `json:"touched_at" dynamodbav:"touched_at"`
}

// Product is the inventory record of a product within one store.
// Available quantity is never stored; it is always derived from the counters.
type Product struct {
	StoreID              string          `json:"store_id" dynamodbav:"store_id"`
	ProductID            string          `json:"product_id" dynamodbav:"product_id"`
	Name                 string          `json:"name,omitempty" dynamodbav:"name,omitempty"`
	TotalQuantity        int             `json:"total_quantity" dynamodbav:"total_quantity"`
	ReservedQuantity     int             `json:"reserved_quantity" dynamodbav:"reserved_quantity"`
	AvailableForPreorder bool            `json:"available_for_preorder" dynamodbav:"available_for_preorder"`
	LowStockThreshold    int             `json:"low_stock_threshold" dynamodbav:"low_stock_threshold"`
	Holds                map[string]Hold `json:"-" dynamodbav:"holds,omitempty"`
	Version              int64           `json:"version" dynamodbav:"version"`
	UpdatedAt            time.Time       `json:"updated_at" dynamodbav:"updated_at"`
}

// AvailableQuantity returns max(0, total - reserved).
func (p *Product) AvailableQuantity() int {
	if avail := p.TotalQuantity - p.ReservedQuantity; avail > 0 {
		return avail
	}
	return 0
}

// HeldBy returns the quantity the actor currently holds.
func (p *Product) HeldBy(actorID string) int {
	if p.Holds == nil {
		return 0
	}
	return p.Holds[actorID].Quantity
}

// Clone returns a deep copy so a mutation can be prepared without touching
// the committed record.
func (p *Product) Clone() *Product {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Holds = make(map[string]Hold, len(p.Holds))
	for k, v := range p.Holds {
		cp.Holds[k] = v
	}
	return &cp
}

// Availability converts the record into its public read model.
func (p *Product) Availability() Availability {
	return Availability{
		StoreID:              p.StoreID,
		ProductID:            p.ProductID,
		Name:                 p.Name,
		TotalQuantity:        p.TotalQuantity,
		ReservedQuantity:     p.ReservedQuantity,
		AvailableQuantity:    p.AvailableQuantity(),
		AvailableForPreorder: p.AvailableForPreorder,
		Version:              p.Version,
		UpdatedAt:            p.UpdatedAt,
	}
}

// Availability is the read-only view returned by the query endpoints and
// carried in product_upserted events.
type Availability struct {
	StoreID              string    `json:"store_id"`
	ProductID            string    `json:"product_id"`
	Name                 string    `json:"name,omitempty"`
	TotalQuantity        int       `json:"total_quantity"`
	ReservedQuantity     int       `json:"reserved_quantity"`
	AvailableQuantity    int       `json:"available_quantity"`
	AvailableForPreorder bool      `json:"available_for_preorder"`
	Version              int64     `json:"version"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// CartLine is a single product + quantity held in a cart.
type CartLine struct {
	ProductID string `json:"product_id" binding:"required"`
	Quantity  int    `json:"quantity"`
}

// ParseQuantity converts a JSON number into a positive integer quantity.
func ParseQuantity(n json.Number) (int, error) {
	v, err := n.Int64()
	if err != nil || v <= 0 || v > int64(^uint32(0)>>1) {
		return 0, ErrInvalidQuantity
	}
	return int(v), nil
}

// ParseCount converts a JSON number into a non-negative integer, used for
// cart line targets where zero means "remove".
func ParseCount(n json.Number) (int, error) {
	if n == "" {
		return 0, nil
	}
	v, err := n.Int64()
	if err != nil || v < 0 || v > int64(^uint32(0)>>1) {
		return 0, ErrInvalidQuantity
	}
	return int(v), nil
}
