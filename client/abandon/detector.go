// Package abandon releases the holds of a cart whose session ends without
// a checkout or a deliberate clear. Releases on teardown are fire and
// forget; anything that may not have reached the server is replayed from a
// durable intent log on the next start.
package abandon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/TNZtims/bazaar-pos-sub001/client"
	"github.com/TNZtims/bazaar-pos-sub001/models"
	"go.uber.org/zap"
)

// Reason is the lifecycle signal that ended or paused a session.
type Reason string

const (
	ReasonUnload Reason = "unload"
	ReasonHide   Reason = "hide"
	ReasonExit   Reason = "exit"
)

// Cart is the source of the lines to release.
type Cart interface {
	Lines() []models.CartLine
}

// Reacquirer restores holds after the session becomes active again.
type Reacquirer interface {
	Reacquire(ctx context.Context) ([]models.CartLine, error)
}

// BeaconSender queues a release without waiting for it.
type BeaconSender interface {
	Send(lines []models.CartLine) bool
}

// Releaser performs an acknowledged release during recovery.
type Releaser interface {
	Release(ctx context.Context, productID string, qty int) (*models.ReservationResult, error)
}

// Config wires a Detector. StoreID, ActorID, Cart and Log are required.
type Config struct {
	StoreID  string
	ActorID  string
	Cart     Cart
	Log      *IntentLog
	Beacon   BeaconSender
	Releaser Releaser
	Logger   *zap.Logger
	// CheckpointTimeout bounds the log write done on a signal.
	CheckpointTimeout time.Duration
}

// Detector turns lifecycle signals into releases.
type Detector struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	hidden bool
}

func NewDetector(cfg Config) *Detector {
	if cfg.CheckpointTimeout <= 0 {
		cfg.CheckpointTimeout = 500 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		cfg: cfg,
		logger: logger.With(
			zap.String("store_id", cfg.StoreID),
			zap.String("actor_id", cfg.ActorID),
		),
	}
}

// Signal handles a lifecycle signal: the cart is written to the intent log
// first and then a release beacon is queued. It never waits for the server
// and reports whether the beacon was queued.
func (d *Detector) Signal(reason Reason) bool {
	lines := d.cfg.Cart.Lines()
	if len(lines) == 0 {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.CheckpointTimeout)
	defer cancel()
	if err := d.cfg.Log.Checkpoint(ctx, d.cfg.StoreID, d.cfg.ActorID, lines); err != nil {
		d.logger.Warn("Intent log write failed on teardown", zap.String("reason", string(reason)), zap.Error(err))
	}

	if reason == ReasonHide {
		d.mu.Lock()
		d.hidden = true
		d.mu.Unlock()
	}

	if d.cfg.Beacon == nil {
		return false
	}
	queued := d.cfg.Beacon.Send(lines)
	d.logger.Debug("Release beacon queued",
		zap.String("reason", string(reason)),
		zap.Int("lines", len(lines)),
		zap.Bool("queued", queued),
	)
	return queued
}

// Resume reacquires the cart after a hide signal released it. It does
// nothing when the session was not hidden.
func (d *Detector) Resume(ctx context.Context) ([]models.CartLine, error) {
	d.mu.Lock()
	hidden := d.hidden
	d.hidden = false
	d.mu.Unlock()
	if !hidden {
		return nil, nil
	}
	r, ok := d.cfg.Cart.(Reacquirer)
	if !ok {
		return nil, nil
	}
	return r.Reacquire(ctx)
}

// MarkCleared records a deliberate clear or a completed checkout so the
// next start does not replay anything.
func (d *Detector) MarkCleared(ctx context.Context) error {
	return d.cfg.Log.MarkCleared(ctx, d.cfg.StoreID, d.cfg.ActorID)
}

// Recover replays the releases left in the intent log by a session that
// ended without a clear. Each released line is removed from the log; the
// lines that could not be released stay for the next attempt. It returns
// the number of lines released.
func (d *Detector) Recover(ctx context.Context) (int, error) {
	if d.cfg.Releaser == nil {
		return 0, errors.New("abandon: no releaser configured")
	}
	cleared, err := d.cfg.Log.Cleared(ctx, d.cfg.StoreID, d.cfg.ActorID)
	if err != nil {
		return 0, err
	}
	if cleared {
		return 0, nil
	}
	lines, err := d.cfg.Log.Pending(ctx, d.cfg.StoreID, d.cfg.ActorID)
	if err != nil {
		return 0, err
	}

	released := 0
	var failed []string
	for _, line := range lines {
		_, err := d.cfg.Releaser.Release(ctx, line.ProductID, line.Quantity)
		if err != nil && !errors.Is(err, client.ErrProductNotFound) {
			d.logger.Warn("Replayed release failed",
				zap.String("product_id", line.ProductID),
				zap.Int("quantity", line.Quantity),
				zap.Error(err),
			)
			failed = append(failed, line.ProductID)
			continue
		}
		if err := d.cfg.Log.Clear(ctx, d.cfg.StoreID, d.cfg.ActorID, line.ProductID); err != nil {
			return released, err
		}
		released++
	}
	if len(failed) > 0 {
		return released, fmt.Errorf("abandon: %d of %d releases not delivered", len(failed), len(lines))
	}
	if released > 0 {
		d.logger.Info("Recovered abandoned cart", zap.Int("lines", released))
	}
	return released, nil
}

// NotifyOnExit handles SIGINT and SIGTERM as an exit signal. The returned
// channel receives the signal once the release was queued, so the caller
// can flush the beacon and stop.
func (d *Detector) NotifyOnExit(ctx context.Context) <-chan os.Signal {
	sigs := make(chan os.Signal, 1)
	out := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigs)
		select {
		case <-ctx.Done():
		case sig := <-sigs:
			d.Signal(ReasonExit)
			out <- sig
		}
	}()
	return out
}
