// Package fanout implements the per-store broadcast rooms that keep every
// connected session's view of availability in sync.
//
// Delivery never blocks the publisher: each subscriber owns a bounded FIFO
// queue. A subscriber whose queue is full is dropped and must re-join and
// re-fetch authoritative state. Events for one product are published while
// that product's ledger cell is locked, so per-subscriber FIFO order is also
// per-product publish order.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/TNZtims/bazaar-pos-sub001/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrChannelUnavailable means an event could not be handed to the
// cross-instance bridge. Local sessions were still served.
var ErrChannelUnavailable = errors.New("broadcast channel unavailable")

const DefaultBuffer = 256

const (
	bridgeMinBackoff = 500 * time.Millisecond
	bridgeMaxBackoff = 30 * time.Second
)

// Bridge relays events between service instances.
type Bridge interface {
	Publish(ctx context.Context, storeID string, ev models.Event) error
	// Run calls subscribed once it receives events and returns when the
	// subscription ends.
	Run(ctx context.Context, subscribed func(), deliver func(storeID string, ev models.Event)) error
}

// Subscriber is one session joined to a store room.
type Subscriber struct {
	ID       string
	StoreID  string
	JoinedAt time.Time

	events    chan models.Event
	closeOnce sync.Once
	lagged    bool
}

// Events delivers the room's events in publish order. It is closed when the
// subscriber leaves or is dropped for lagging.
func (s *Subscriber) Events() <-chan models.Event { return s.events }

// Lagged reports whether the hub dropped this subscriber because its queue
// overflowed. Only meaningful after Events is closed.
func (s *Subscriber) Lagged() bool { return s.lagged }

func (s *Subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.events)
	})
}

// Hub owns every store room served by this instance.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]*Subscriber
	buffer int
	origin string
	bridge Bridge
	logger *zap.Logger
}

// NewHub creates a hub. bridge may be nil for single-instance deployments.
func NewHub(buffer int, bridge Bridge, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:  make(map[string]map[string]*Subscriber),
		buffer: buffer,
		origin: uuid.NewString(),
		bridge: bridge,
		logger: logger,
	}
}

// Origin identifies this instance on the bridge.
func (h *Hub) Origin() string { return h.origin }

// Join adds a subscriber to the store room. Joining twice with the same id
// returns the existing subscription, so callers serving several connections
// of one session give each connection its own id.
func (h *Hub) Join(storeID, sessionID string) *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[storeID]
	if !ok {
		room = make(map[string]*Subscriber)
		h.rooms[storeID] = room
	}
	if sub, ok := room[sessionID]; ok {
		return sub
	}

	sub := &Subscriber{
		ID:       sessionID,
		StoreID:  storeID,
		JoinedAt: time.Now(),
		events:   make(chan models.Event, h.buffer),
	}
	room[sessionID] = sub
	h.logger.Debug("session joined", zap.String("store_id", storeID), zap.String("session_id", sessionID))
	return sub
}

// Leave removes the subscriber from its room and closes its queue. It is a
// no-op when the subscriber was already replaced or dropped.
func (h *Hub) Leave(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub *Subscriber) {
	room := h.rooms[sub.StoreID]
	if room[sub.ID] == sub {
		delete(room, sub.ID)
		if len(room) == 0 {
			delete(h.rooms, sub.StoreID)
		}
	}
	sub.close()
}

// Sessions returns the number of subscribers joined to a store room.
func (h *Hub) Sessions(storeID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[storeID])
}

// Publish delivers ev to every local session of the store and hands it to
// the bridge. A bridge failure is reported as ErrChannelUnavailable; local
// delivery has already happened by then.
func (h *Hub) Publish(ctx context.Context, storeID string, ev models.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.StoreID = storeID
	ev.Origin = h.origin

	h.deliver(storeID, ev)

	if h.bridge == nil {
		return nil
	}
	if err := h.bridge.Publish(ctx, storeID, ev); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	return nil
}

func (h *Hub) deliver(storeID string, ev models.Event) {
	var laggards []*Subscriber

	h.mu.RLock()
	for _, sub := range h.rooms[storeID] {
		select {
		case sub.events <- ev:
		default:
			laggards = append(laggards, sub)
		}
	}
	h.mu.RUnlock()

	if len(laggards) == 0 {
		return
	}
	h.mu.Lock()
	for _, sub := range laggards {
		sub.lagged = true
		h.removeLocked(sub)
		h.logger.Warn("dropping lagging session",
			zap.String("store_id", storeID),
			zap.String("session_id", sub.ID),
			zap.Int("buffer", h.buffer),
		)
	}
	h.mu.Unlock()
}

// RunBridge delivers events received from other instances until ctx ends.
// A bridge that stops is restarted with backoff. Local sessions are dropped
// as lagged when the bridge stops and again when it is back, since remote
// events may have been missed in between; they reconnect and re-fetch.
func (h *Hub) RunBridge(ctx context.Context) error {
	if h.bridge == nil {
		return nil
	}
	backoff := bridgeMinBackoff
	outage := false
	for {
		started := time.Now()
		err := h.bridge.Run(ctx, func() {
			if outage {
				outage = false
				h.logger.Info("fan-out bridge restored")
				h.dropAll()
			}
		}, func(storeID string, ev models.Event) {
			if ev.Origin == h.origin {
				return
			}
			h.deliver(storeID, ev)
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) > bridgeMaxBackoff {
			backoff = bridgeMinBackoff
		}
		h.logger.Warn("fan-out bridge stopped, retrying", zap.Error(err), zap.Duration("backoff", backoff))
		if !outage {
			outage = true
			h.dropAll()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, bridgeMaxBackoff)
	}
}

// dropAll disconnects every local session as lagged.
func (h *Hub) dropAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, room := range h.rooms {
		for _, sub := range room {
			sub.lagged = true
			sub.close()
		}
	}
	h.rooms = make(map[string]map[string]*Subscriber)
}

// Close drops every session.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, room := range h.rooms {
		for _, sub := range room {
			sub.close()
		}
	}
	h.rooms = make(map[string]map[string]*Subscriber)
}
