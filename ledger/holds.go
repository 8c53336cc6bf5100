package ledger

import (
	"sort"
	"time"

	"github.com/TNZtims/bazaar-pos-sub001/models"
)

// The functions below apply actor-level operations to a product record.
// They must run inside the product's critical section (see Ledger.Do).
// Reserved always equals the sum of all holds after any of them.

// ReserveFor reserves qty on behalf of actorID.
func ReserveFor(p *models.Product, actorID string, qty int, now time.Time) (int, error) {
	c := CountersOf(p)
	avail, err := c.Reserve(qty)
	if err != nil {
		return avail, err
	}
	c.applyTo(p)
	ensureHolds(p)
	h := p.Holds[actorID]
	h.Quantity += qty
	h.TouchedAt = now
	p.Holds[actorID] = h
	return avail, nil
}

// ReleaseFor releases up to qty of what actorID holds. An actor can never
// release more than it holds, so replays and stale releases are no-ops.
// It returns the quantity actually released.
func ReleaseFor(p *models.Product, actorID string, qty int) (released, available int, err error) {
	if qty <= 0 {
		return 0, p.AvailableQuantity(), ErrInvalidQuantity
	}
	held := p.HeldBy(actorID)
	released = min(qty, held)
	c := CountersOf(p)
	available = c.Release(released)
	c.applyTo(p)
	setHold(p, actorID, held-released)
	return released, available, nil
}

// AdjustFor moves actorID's hold to target in a single step. The delta is
// computed against the hold the ledger knows about, not the caller's view.
// It returns the signed delta that was applied.
func AdjustFor(p *models.Product, actorID string, target int, now time.Time) (int, int, error) {
	if target < 0 {
		return 0, p.AvailableQuantity(), ErrInvalidQuantity
	}
	held := p.HeldBy(actorID)
	delta := target - held
	switch {
	case delta > 0:
		avail, err := ReserveFor(p, actorID, delta, now)
		if err != nil {
			return 0, avail, err
		}
		return delta, avail, nil
	case delta < 0:
		released, avail, err := ReleaseFor(p, actorID, -delta)
		if err == nil && target > 0 {
			touch(p, actorID, now)
		}
		return -released, avail, err
	default:
		touch(p, actorID, now)
		return 0, p.AvailableQuantity(), nil
	}
}

// ConfirmFor converts up to qty of actorID's hold into a sale: the hold and
// the total both shrink, so availability is unchanged.
func ConfirmFor(p *models.Product, actorID string, qty int) (int, error) {
	if qty <= 0 {
		return 0, ErrInvalidQuantity
	}
	held := p.HeldBy(actorID)
	consumed := min(qty, held)
	p.ReservedQuantity -= consumed
	p.TotalQuantity -= consumed
	if p.TotalQuantity < 0 {
		p.TotalQuantity = 0
	}
	setHold(p, actorID, held-consumed)
	return consumed, nil
}

// SetTotal changes the nominal stock. Non-preorder products cannot drop
// below what is currently reserved.
func SetTotal(p *models.Product, total int) error {
	if total < 0 {
		return ErrInvalidQuantity
	}
	if !p.AvailableForPreorder && total < p.ReservedQuantity {
		return ErrStockBelowReserved
	}
	p.TotalQuantity = total
	return nil
}

// ResetReservations drops every hold. It returns the quantity released.
func ResetReservations(p *models.Product) int {
	released := p.ReservedQuantity
	p.ReservedQuantity = 0
	p.Holds = map[string]Hold{}
	return released
}

// Hold aliases the model type for callers that only import ledger.
type Hold = models.Hold

// ExpireHolds releases every hold not touched within ttl and returns the
// released quantity per actor, sorted by actor id.
func ExpireHolds(p *models.Product, now time.Time, ttl time.Duration) []Expired {
	if ttl <= 0 || len(p.Holds) == 0 {
		return nil
	}
	var out []Expired
	for actor, h := range p.Holds {
		if now.Sub(h.TouchedAt) < ttl {
			continue
		}
		released, _, _ := ReleaseFor(p, actor, h.Quantity)
		out = append(out, Expired{ActorID: actor, Quantity: released})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActorID < out[j].ActorID })
	return out
}

// Expired is one hold removed by ExpireHolds.
type Expired struct {
	ActorID  string
	Quantity int
}

// Touch marks the actor's hold as alive without changing quantities.
func Touch(p *models.Product, actorID string, now time.Time) bool {
	if p.HeldBy(actorID) == 0 {
		return false
	}
	touch(p, actorID, now)
	return true
}

func touch(p *models.Product, actorID string, now time.Time) {
	if h, ok := p.Holds[actorID]; ok {
		h.TouchedAt = now
		p.Holds[actorID] = h
	}
}

func setHold(p *models.Product, actorID string, qty int) {
	ensureHolds(p)
	if qty <= 0 {
		delete(p.Holds, actorID)
		return
	}
	h := p.Holds[actorID]
	h.Quantity = qty
	p.Holds[actorID] = h
}

func ensureHolds(p *models.Product) {
	if p.Holds == nil {
		p.Holds = map[string]Hold{}
	}
}
