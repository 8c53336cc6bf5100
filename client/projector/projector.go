// Package projector keeps a session's local view of what is available to
// buy right now. The server's available quantity already has every hold
// subtracted; the projector only narrows the window between authoritative
// reads using the faster broadcast events, and never subtracts anything the
// last authoritative value already reflects.
package projector

import (
	"sort"
	"sync"

	"github.com/TNZtims/bazaar-pos-sub001/common/auth"
	"github.com/TNZtims/bazaar-pos-sub001/models"
)

// Effective is the quantity shown as available now.
func Effective(base, own, others int) int {
	if v := base - own - others; v > 0 {
		return v
	}
	return 0
}

type pendingKey struct {
	seq   int64
	actor string
}

type confirm struct {
	version int64
	held    int
}

type entry struct {
	base    int
	baseSeq int64
	// pending holds other actors' deltas newer than base.
	pending map[pendingKey]int
	// own is the local cart quantity, including requests still in flight.
	own int
	// confirms are server-acknowledged holds of this actor, oldest first.
	confirms []confirm
}

// others is the tally of other actors' reservations not yet in base.
func (e *entry) others() int {
	sum := 0
	for _, d := range e.pending {
		sum += d
	}
	if sum < 0 {
		return 0
	}
	return sum
}

// ownAtBase is the hold of this actor that base already accounts for.
func (e *entry) ownAtBase() int {
	held := 0
	for _, c := range e.confirms {
		if c.version > e.baseSeq {
			break
		}
		held = c.held
	}
	return held
}

func (e *entry) effective() int {
	return Effective(e.base, e.own-e.ownAtBase(), e.others())
}

// setBase replaces the authoritative value and forgets every delta it covers.
func (e *entry) setBase(available int, seq int64) {
	e.base = available
	e.baseSeq = seq
	for k := range e.pending {
		if k.seq <= seq {
			delete(e.pending, k)
		}
	}
	// Keep the newest confirm at or below base and everything after it.
	keep := 0
	for i, c := range e.confirms {
		if c.version <= seq {
			keep = i
		}
	}
	e.confirms = e.confirms[keep:]
}

// Stats counts what the projector has seen.
type Stats struct {
	Applied          int
	Stale            int
	Duplicate        int
	Reconciles       int
	StaleProjections int
}

// Projector is safe for concurrent use.
type Projector struct {
	self string

	mu       sync.Mutex
	products map[string]*entry
	stats    Stats
}

// New creates a projector for the session whose reservations are owned by
// actorID. Events name the owner by its public id.
func New(actorID string) *Projector {
	return &Projector{self: auth.PublicActorID(actorID), products: make(map[string]*entry)}
}

func (p *Projector) entry(productID string) *entry {
	e, ok := p.products[productID]
	if !ok {
		e = &entry{pending: make(map[pendingKey]int)}
		p.products[productID] = e
	}
	return e
}

// Apply folds one broadcast event into the projection. It reports whether
// the event changed anything.
func (p *Projector) Apply(ev models.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Type {
	case models.EventStockDelta, models.EventProductUpserted:
		var available int
		switch {
		case ev.StockDelta != nil:
			available = ev.StockDelta.AvailableQuantity
		case ev.Product != nil:
			available = ev.Product.AvailableQuantity
		default:
			return false
		}
		e := p.entry(ev.ProductID)
		if ev.Seq <= e.baseSeq {
			p.stats.Stale++
			return false
		}
		e.setBase(available, ev.Seq)

	case models.EventCartReservation:
		cr := ev.CartReservation
		if cr == nil || cr.ActorID == p.self {
			return false
		}
		var delta int
		switch cr.Action {
		case models.ActionReserve:
			delta = cr.Quantity
		case models.ActionRelease, models.ActionExpire:
			delta = -cr.Quantity
		default:
			return false
		}
		e := p.entry(ev.ProductID)
		if ev.Seq <= e.baseSeq {
			p.stats.Stale++
			return false
		}
		key := pendingKey{seq: ev.Seq, actor: cr.ActorID}
		if _, seen := e.pending[key]; seen {
			p.stats.Duplicate++
			return false
		}
		e.pending[key] = delta

	case models.EventProductDeleted:
		if _, ok := p.products[ev.ProductID]; !ok {
			return false
		}
		delete(p.products, ev.ProductID)

	default:
		return false
	}
	p.stats.Applied++
	return true
}

// Reconcile replaces the projection with an authoritative snapshot of the
// whole store. Products missing from the snapshot are dropped. It returns
// how many products had a drifted tally that was silently reset.
func (p *Projector) Reconcile(snapshot []models.Availability) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[string]struct{}, len(snapshot))
	stale := 0
	for _, a := range snapshot {
		seen[a.ProductID] = struct{}{}
		e := p.entry(a.ProductID)
		if e.others() != 0 {
			stale++
		}
		// Versions restart when a product is recreated, so the snapshot
		// wins even when it looks older.
		e.pending = make(map[pendingKey]int)
		e.setBase(a.AvailableQuantity, a.Version)
	}
	for id := range p.products {
		if _, ok := seen[id]; !ok {
			delete(p.products, id)
		}
	}
	p.stats.Reconciles++
	p.stats.StaleProjections += stale
	return stale
}

// SetOwn records the local cart quantity of a product, before the server
// has acknowledged it.
func (p *Projector) SetOwn(productID string, qty int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entry(productID).own = qty
}

// ConfirmOwn records that the server holds held units for this actor as of
// record version.
func (p *Projector) ConfirmOwn(productID string, version int64, held int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.entry(productID)
	i := sort.Search(len(e.confirms), func(i int) bool { return e.confirms[i].version >= version })
	if i < len(e.confirms) && e.confirms[i].version == version {
		e.confirms[i].held = held
		return
	}
	e.confirms = append(e.confirms, confirm{})
	copy(e.confirms[i+1:], e.confirms[i:])
	e.confirms[i] = confirm{version: version, held: held}
}

// Available returns the effective availability of a product and whether
// the projector knows it.
func (p *Projector) Available(productID string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.products[productID]
	if !ok {
		return 0, false
	}
	return e.effective(), true
}

// Snapshot returns the effective availability of every known product.
func (p *Projector) Snapshot() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.products))
	for id, e := range p.products {
		out[id] = e.effective()
	}
	return out
}

func (p *Projector) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
