package ledger

import (
	"errors"
	"fmt"

	"github.com/TNZtims/bazaar-pos-sub001/models"
)

var (
	ErrInvalidQuantity    = models.ErrInvalidQuantity
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrStockBelowReserved = errors.New("total quantity cannot drop below reserved quantity")
)

// InsufficientStockError reports how much could still be reserved so the
// caller can offer the achievable quantity.
type InsufficientStockError struct {
	Requested int
	Remaining int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock: requested %d, only %d remaining", e.Requested, e.Remaining)
}

// Is makes errors.Is(err, ErrInsufficientStock) match.
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// Counters are the quantity fields of one product.
// Invariant: 0 <= Reserved <= Total unless Preorder is set.
type Counters struct {
	Total    int
	Reserved int
	Preorder bool
}

// CountersOf extracts the counters of a product record.
func CountersOf(p *models.Product) Counters {
	return Counters{Total: p.TotalQuantity, Reserved: p.ReservedQuantity, Preorder: p.AvailableForPreorder}
}

func (c Counters) applyTo(p *models.Product) {
	p.TotalQuantity = c.Total
	p.ReservedQuantity = c.Reserved
}

// Available returns max(0, Total - Reserved).
func (c Counters) Available() int {
	if a := c.Total - c.Reserved; a > 0 {
		return a
	}
	return 0
}

// Reserve increments Reserved by qty when the stock allows it (or the
// product is on preorder) and returns the new available quantity.
func (c *Counters) Reserve(qty int) (int, error) {
	if qty <= 0 {
		return c.Available(), ErrInvalidQuantity
	}
	if !c.Preorder && c.Reserved+qty > c.Total {
		return c.Available(), &InsufficientStockError{Requested: qty, Remaining: c.Available()}
	}
	c.Reserved += qty
	return c.Available(), nil
}

// Release decrements Reserved by qty, flooring at zero. Over-release is not
// an error: compensating releases may be replayed.
func (c *Counters) Release(qty int) int {
	if qty <= 0 {
		return c.Available()
	}
	c.Reserved -= qty
	if c.Reserved < 0 {
		c.Reserved = 0
	}
	return c.Available()
}

// Valid reports whether the invariant holds.
func (c Counters) Valid() bool {
	if c.Reserved < 0 || c.Total < 0 {
		return false
	}
	return c.Preorder || c.Reserved <= c.Total
}
