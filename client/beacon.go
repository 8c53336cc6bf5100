package client

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/TNZtims/bazaar-pos-sub001/models"
	"go.uber.org/zap"
)

const (
	defaultBeaconQueue    = 16
	defaultBeaconDeadline = 2 * time.Second
)

// Beacon sends release requests that must not hold up a closing page or a
// terminating process. Send only enqueues; a background worker posts each
// payload once with a short deadline and never reads the answer. Delivery
// failures are not retried here: the intent log replays them on next start.
type Beacon struct {
	client   *Client
	deadline time.Duration
	queue    chan []byte
	wg       sync.WaitGroup
	once     sync.Once
	closed   chan struct{}
	mu       sync.RWMutex
	stopped  bool
}

// NewBeacon starts the beacon worker.
func NewBeacon(c *Client, queueSize int, deadline time.Duration) *Beacon {
	if queueSize <= 0 {
		queueSize = defaultBeaconQueue
	}
	if deadline <= 0 {
		deadline = defaultBeaconDeadline
	}
	b := &Beacon{
		client:   c,
		deadline: deadline,
		queue:    make(chan []byte, queueSize),
		closed:   make(chan struct{}),
	}
	go b.run()
	return b
}

// Send queues a release of lines. It never blocks and reports whether the
// payload was queued.
func (b *Beacon) Send(lines []models.CartLine) bool {
	if len(lines) == 0 {
		return true
	}
	body, err := b.client.beaconBody(lines)
	if err != nil {
		return false
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return false
	}
	b.wg.Add(1)
	select {
	case b.queue <- body:
		return true
	default:
		b.wg.Done()
		b.client.logger.Warn("Release beacon queue full, dropping", zap.Int("lines", len(lines)))
		return false
	}
}

func (b *Beacon) run() {
	defer close(b.closed)
	for body := range b.queue {
		b.post(body)
		b.wg.Done()
	}
}

func (b *Beacon) post(body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), b.deadline)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.client.storePath("/release-beacon"), bytes.NewReader(body))
	if err != nil {
		return
	}
	// Same content type a browser beacon uses.
	req.Header.Set("Content-Type", "text/plain;charset=UTF-8")

	resp, err := b.client.http.Do(req)
	if err != nil {
		b.client.logger.Debug("Release beacon not delivered", zap.Error(err))
		return
	}
	resp.Body.Close()
}

// Drain waits until every queued payload has been attempted or ctx ends.
func (b *Beacon) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting payloads and waits for queued ones up to the
// beacon deadline.
func (b *Beacon) Close() {
	b.once.Do(func() {
		b.mu.Lock()
		b.stopped = true
		close(b.queue)
		b.mu.Unlock()

		select {
		case <-b.closed:
		case <-time.After(b.deadline):
		}
	})
}
