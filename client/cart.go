package client

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/TNZtims/bazaar-pos-sub001/client/projector"
	"github.com/TNZtims/bazaar-pos-sub001/models"
	"go.uber.org/zap"
)

// Checkpointer persists the cart so a crash still leaves releasable lines.
type Checkpointer interface {
	Checkpoint(ctx context.Context, storeID, actorID string, lines []models.CartLine) error
	MarkCleared(ctx context.Context, storeID, actorID string) error
}

// Cart holds exactly what the server has reserved for this actor. A line is
// only added or grown after the server accepted the reservation.
//
// Requests are serialized by ops; mu only guards the lines and is never
// held across a round trip, so Lines answers immediately while a request
// is in flight.
type Cart struct {
	client    *Client
	actorID   string
	projector *projector.Projector
	log       Checkpointer

	ops sync.Mutex

	mu      sync.Mutex
	lines   map[string]int
	pending map[string]int // upper bound of an in-flight request
	added   map[string]int
	seq     int
}

// CartOption configures a Cart.
type CartOption func(*Cart)

// WithProjector keeps the projector's own quantity in step with the cart.
func WithProjector(p *projector.Projector) CartOption {
	return func(c *Cart) { c.projector = p }
}

// WithCheckpointer writes every cart change to log.
func WithCheckpointer(log Checkpointer) CartOption {
	return func(c *Cart) { c.log = log }
}

func NewCart(c *Client, opts ...CartOption) *Cart {
	cart := &Cart{
		client:  c,
		actorID: c.ActorID(),
		lines:   make(map[string]int),
		pending: make(map[string]int),
		added:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(cart)
	}
	return cart
}

// Lines returns the cart lines in the order they were added. A line with a
// request in flight reports the most that request may leave held.
func (c *Cart) Lines() []models.CartLine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.linesLocked()
}

func (c *Cart) linesLocked() []models.CartLine {
	out := make([]models.CartLine, 0, len(c.lines)+len(c.pending))
	for id, qty := range c.lines {
		if p := c.pending[id]; p > qty {
			qty = p
		}
		out = append(out, models.CartLine{ProductID: id, Quantity: qty})
	}
	for id, p := range c.pending {
		if _, ok := c.lines[id]; !ok {
			out = append(out, models.CartLine{ProductID: id, Quantity: p})
		}
	}
	sort.Slice(out, func(i, j int) bool { return c.added[out[i].ProductID] < c.added[out[j].ProductID] })
	return out
}

// Quantity returns the held quantity of one product.
func (c *Cart) Quantity(productID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lines[productID]
}

// Add reserves qty more of a product. On InsufficientStock the cart is
// unchanged and Remaining(err) tells how many could be added instead.
func (c *Cart) Add(ctx context.Context, productID string, qty int) (*models.ReservationResult, error) {
	if qty <= 0 {
		return nil, ErrInvalidQuantity
	}
	c.ops.Lock()
	defer c.ops.Unlock()

	current := c.begin(ctx, productID, c.Quantity(productID)+qty)
	res, err := c.client.Reserve(ctx, productID, qty)
	return c.finish(ctx, productID, current, res, err)
}

// SetQuantity moves a line to qty in one request. Zero removes the line.
// It returns a nil result when the line already has qty.
func (c *Cart) SetQuantity(ctx context.Context, productID string, qty int) (*models.ReservationResult, error) {
	if qty < 0 {
		return nil, ErrInvalidQuantity
	}
	c.ops.Lock()
	defer c.ops.Unlock()
	return c.setQuantity(ctx, productID, qty)
}

func (c *Cart) setQuantity(ctx context.Context, productID string, qty int) (*models.ReservationResult, error) {
	if qty == c.Quantity(productID) {
		return nil, nil
	}
	current := c.begin(ctx, productID, qty)
	res, err := c.client.Adjust(ctx, productID, current, qty)
	return c.finish(ctx, productID, current, res, err)
}

// Remove releases a whole line.
func (c *Cart) Remove(ctx context.Context, productID string) error {
	c.ops.Lock()
	defer c.ops.Unlock()

	_, err := c.setQuantity(ctx, productID, 0)
	if errors.Is(err, ErrProductNotFound) {
		c.mu.Lock()
		c.drop(productID)
		lines := c.linesLocked()
		c.mu.Unlock()
		c.write(ctx, lines)
		return nil
	}
	return err
}

// Clear releases every line and marks the cart as intentionally emptied.
// Lines whose release fails stay in the intent log for the next start.
func (c *Cart) Clear(ctx context.Context) {
	c.ops.Lock()
	defer c.ops.Unlock()

	var failed []models.CartLine
	for _, line := range c.Lines() {
		_, err := c.client.Release(ctx, line.ProductID, line.Quantity)
		if err != nil && !errors.Is(err, ErrProductNotFound) {
			c.client.logger.Warn("Cart release failed, left for replay",
				zap.String("product_id", line.ProductID),
				zap.Error(err),
			)
			failed = append(failed, line)
		}
		c.mu.Lock()
		c.drop(line.ProductID)
		c.mu.Unlock()
	}
	if len(failed) > 0 {
		c.write(ctx, failed)
		return
	}
	c.cleared(ctx)
}

// CompleteCheckout empties the cart after the order service took over the
// holds. Nothing is released.
func (c *Cart) CompleteCheckout(ctx context.Context) {
	c.ops.Lock()
	defer c.ops.Unlock()

	c.mu.Lock()
	for id := range c.lines {
		c.drop(id)
	}
	c.mu.Unlock()
	c.cleared(ctx)
}

// Reacquire sets the server hold of every line back to the cart quantity,
// for instance when a hidden page becomes visible after its holds were
// released. Lines that no longer fit shrink to what is available; the
// shrunk lines are returned.
func (c *Cart) Reacquire(ctx context.Context) ([]models.CartLine, error) {
	c.ops.Lock()
	defer c.ops.Unlock()

	var shrunk []models.CartLine
	for _, line := range c.Lines() {
		c.begin(ctx, line.ProductID, line.Quantity)
		res, err := c.client.Adjust(ctx, line.ProductID, 0, line.Quantity)
		if errors.Is(err, ErrInsufficientStock) {
			if remaining, _ := Remaining(err); remaining > 0 {
				res, err = c.client.Adjust(ctx, line.ProductID, 0, remaining)
			}
		}
		switch {
		case errors.Is(err, ErrInsufficientStock), errors.Is(err, ErrProductNotFound):
			c.finish(ctx, line.ProductID, 0, &models.ReservationResult{ProductID: line.ProductID}, nil)
			shrunk = append(shrunk, models.CartLine{ProductID: line.ProductID})
			continue
		case err != nil:
			c.finish(ctx, line.ProductID, line.Quantity, nil, err)
			return shrunk, err
		}
		c.finish(ctx, line.ProductID, line.Quantity, res, nil)
		if res.Held < line.Quantity {
			shrunk = append(shrunk, models.CartLine{ProductID: line.ProductID, Quantity: res.Held})
		}
	}
	return shrunk, nil
}

// begin records a request that may leave up to upper held and writes that
// bound to the intent log before the request is sent. It returns the
// confirmed quantity.
func (c *Cart) begin(ctx context.Context, productID string, upper int) int {
	c.mu.Lock()
	current := c.lines[productID]
	if upper > current {
		c.pending[productID] = upper
		if _, ok := c.added[productID]; !ok {
			c.seq++
			c.added[productID] = c.seq
		}
	}
	c.setOwn(productID, upper)
	lines := c.linesLocked()
	c.mu.Unlock()

	if upper > current {
		c.write(ctx, lines)
	}
	return current
}

// finish settles a request started by begin. On error the line goes back
// to current.
func (c *Cart) finish(ctx context.Context, productID string, current int, res *models.ReservationResult, err error) (*models.ReservationResult, error) {
	c.mu.Lock()
	delete(c.pending, productID)
	if err != nil {
		if current > 0 {
			c.lines[productID] = current
		} else {
			delete(c.lines, productID)
			delete(c.added, productID)
		}
		c.setOwn(productID, current)
	} else {
		c.commitLocked(res)
	}
	lines := c.linesLocked()
	c.mu.Unlock()

	c.write(ctx, lines)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Cart) commitLocked(res *models.ReservationResult) {
	if res.Held > 0 {
		if _, ok := c.added[res.ProductID]; !ok {
			c.seq++
			c.added[res.ProductID] = c.seq
		}
		c.lines[res.ProductID] = res.Held
	} else {
		delete(c.lines, res.ProductID)
		delete(c.added, res.ProductID)
	}
	if c.projector != nil {
		if res.Version > 0 {
			c.projector.ConfirmOwn(res.ProductID, res.Version, res.Held)
		}
		c.projector.SetOwn(res.ProductID, res.Held)
	}
}

func (c *Cart) drop(productID string) {
	delete(c.lines, productID)
	delete(c.pending, productID)
	delete(c.added, productID)
	c.setOwn(productID, 0)
}

func (c *Cart) setOwn(productID string, qty int) {
	if c.projector != nil {
		c.projector.SetOwn(productID, qty)
	}
}

func (c *Cart) write(ctx context.Context, lines []models.CartLine) {
	if c.log == nil {
		return
	}
	if err := c.log.Checkpoint(ctx, c.client.storeID, c.actorID, lines); err != nil {
		c.client.logger.Warn("Cart checkpoint failed", zap.Error(err))
	}
}

func (c *Cart) cleared(ctx context.Context) {
	if c.log == nil {
		return
	}
	if err := c.log.MarkCleared(ctx, c.client.storeID, c.actorID); err != nil {
		c.client.logger.Warn("Cart clear marker not written", zap.Error(err))
	}
}
