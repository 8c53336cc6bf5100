package abandon_test

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TNZtims/bazaar-pos-sub001/client"
	"github.com/TNZtims/bazaar-pos-sub001/client/abandon"
	"github.com/TNZtims/bazaar-pos-sub001/client/clienttest"
	"github.com/TNZtims/bazaar-pos-sub001/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type store struct {
	*clienttest.Server
	url string
}

func newStore(t *testing.T) *store {
	t.Helper()
	srv := clienttest.NewServer(t, clienttest.Options{Totals: map[string]int{"P": 10}})
	return &store{Server: srv, url: srv.URL}
}

func (s *store) reserved(t *testing.T) int {
	t.Helper()
	return s.Reserved(t, "P")
}

// lostBeacon never reaches the server, as when a tab dies mid teardown.
type lostBeacon struct {
	mu    sync.Mutex
	sends [][]models.CartLine
}

func (b *lostBeacon) Send(lines []models.CartLine) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sends = append(b.sends, lines)
	return true
}

type failingReleaser struct{}

func (failingReleaser) Release(context.Context, string, int) (*models.ReservationResult, error) {
	return nil, errors.New("connection refused")
}

// session starts a page load: it opens the log, restores the visitor id
// and wires the cart and detector the way a storefront does.
func session(t *testing.T, s *store, path string, beacon abandon.BeaconSender) (*client.Cart, *abandon.Detector, *abandon.IntentLog, *client.Client) {
	t.Helper()
	log, err := abandon.OpenIntentLog(path)
	require.NoError(t, err)
	id, err := log.SessionID(context.Background())
	require.NoError(t, err)

	c := client.New(s.url, "s1", client.WithSessionID(id))
	cart := client.NewCart(c, client.WithCheckpointer(log))
	if beacon == nil {
		beacon = client.NewBeacon(c, 0, time.Second)
	}
	d := abandon.NewDetector(abandon.Config{
		StoreID:  "s1",
		ActorID:  c.ActorID(),
		Cart:     cart,
		Log:      log,
		Beacon:   beacon,
		Releaser: c,
	})
	return cart, d, log, c
}

func TestTabClosed_ReplayRestoresReserved(t *testing.T) {
	s := newStore(t)
	path := filepath.Join(t.TempDir(), "intents.db")
	ctx := context.Background()
	before := s.reserved(t)

	beacon := &lostBeacon{}
	cart, d, log, _ := session(t, s, path, beacon)
	_, err := cart.Add(ctx, "P", 3)
	require.NoError(t, err)
	require.Equal(t, before+3, s.reserved(t))

	assert.True(t, d.Signal(abandon.ReasonUnload))
	assert.Equal(t, [][]models.CartLine{{{ProductID: "P", Quantity: 3}}}, beacon.sends)
	require.NoError(t, log.Close())
	assert.Equal(t, before+3, s.reserved(t), "the beacon was lost")

	// Next load.
	_, d, log, _ = session(t, s, path, &lostBeacon{})
	defer log.Close()
	released, err := d.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, released)
	assert.Equal(t, before, s.reserved(t))

	// Recovery is done once.
	released, err = d.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, released)
	assert.Equal(t, before, s.reserved(t))
}

func TestTabClosed_BeaconReleasesImmediately(t *testing.T) {
	s := newStore(t)
	path := filepath.Join(t.TempDir(), "intents.db")
	ctx := context.Background()

	cart, d, log, c := session(t, s, path, nil)
	defer log.Close()
	_, err := cart.Add(ctx, "P", 3)
	require.NoError(t, err)

	beacon := client.NewBeacon(c, 0, time.Second)
	d = abandon.NewDetector(abandon.Config{StoreID: "s1", ActorID: c.ActorID(), Cart: cart, Log: log, Beacon: beacon, Releaser: c})
	assert.True(t, d.Signal(abandon.ReasonUnload))
	beacon.Close()
	assert.Equal(t, 0, s.reserved(t))

	// The replay on the next start finds nothing left to release.
	released, err := d.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, released, "already released lines are settled")
	assert.Equal(t, 0, s.reserved(t))
}

func TestMarkCleared_SkipsReplay(t *testing.T) {
	s := newStore(t)
	path := filepath.Join(t.TempDir(), "intents.db")
	ctx := context.Background()

	cart, d, log, _ := session(t, s, path, &lostBeacon{})
	_, err := cart.Add(ctx, "P", 2)
	require.NoError(t, err)
	cart.CompleteCheckout(ctx)
	require.NoError(t, d.MarkCleared(ctx))
	require.NoError(t, log.Close())

	_, d, log, _ = session(t, s, path, &lostBeacon{})
	defer log.Close()
	released, err := d.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, released)
	assert.Equal(t, 2, s.reserved(t), "checked out holds stay with the order")
}

func TestRecover_FailedReplayKeepsLog(t *testing.T) {
	s := newStore(t)
	path := filepath.Join(t.TempDir(), "intents.db")
	ctx := context.Background()

	cart, d, log, c := session(t, s, path, &lostBeacon{})
	defer log.Close()
	_, err := cart.Add(ctx, "P", 3)
	require.NoError(t, err)
	d.Signal(abandon.ReasonUnload)

	offline := abandon.NewDetector(abandon.Config{
		StoreID: "s1", ActorID: c.ActorID(), Cart: cart, Log: log, Releaser: failingReleaser{},
	})
	released, err := offline.Recover(ctx)
	require.Error(t, err)
	assert.Zero(t, released)

	lines, err := log.Pending(ctx, "s1", c.ActorID())
	require.NoError(t, err)
	assert.Equal(t, []models.CartLine{{ProductID: "P", Quantity: 3}}, lines)

	released, err = d.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, released)
	assert.Equal(t, 0, s.reserved(t))
}

func TestHideThenResume(t *testing.T) {
	s := newStore(t)
	path := filepath.Join(t.TempDir(), "intents.db")
	ctx := context.Background()

	cart, d, log, c := session(t, s, path, nil)
	defer log.Close()
	_, err := cart.Add(ctx, "P", 2)
	require.NoError(t, err)

	beacon := client.NewBeacon(c, 0, time.Second)
	d = abandon.NewDetector(abandon.Config{StoreID: "s1", ActorID: c.ActorID(), Cart: cart, Log: log, Beacon: beacon, Releaser: c})
	d.Signal(abandon.ReasonHide)
	require.NoError(t, beacon.Drain(ctx))
	assert.Equal(t, 0, s.reserved(t))

	shrunk, err := d.Resume(ctx)
	require.NoError(t, err)
	assert.Empty(t, shrunk)
	assert.Equal(t, 2, s.reserved(t))

	shrunk, err = d.Resume(ctx)
	require.NoError(t, err)
	assert.Nil(t, shrunk, "not hidden anymore")
}

func TestSignal_DoesNotWaitForInFlightRequest(t *testing.T) {
	var slow atomic.Bool
	entered := make(chan struct{}, 1)
	unblock := make(chan struct{})
	var once sync.Once
	release := func() { once.Do(func() { close(unblock) }) }
	defer release()

	srv := clienttest.NewServer(t, clienttest.Options{
		Totals: map[string]int{"P": 10, "Q": 10},
		Wrap: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if slow.Load() && strings.HasSuffix(r.URL.Path, "/reserve") {
					entered <- struct{}{}
					<-unblock
				}
				next.ServeHTTP(w, r)
			})
		},
	})
	s := &store{Server: srv, url: srv.URL}
	path := filepath.Join(t.TempDir(), "intents.db")
	ctx := context.Background()

	beacon := &lostBeacon{}
	cart, d, log, c := session(t, s, path, beacon)
	defer log.Close()
	_, err := cart.Add(ctx, "P", 2)
	require.NoError(t, err)

	slow.Store(true)
	done := make(chan error, 1)
	go func() {
		_, err := cart.Add(ctx, "Q", 3)
		done <- err
	}()
	<-entered

	start := time.Now()
	assert.True(t, d.Signal(abandon.ReasonUnload))
	assert.Less(t, time.Since(start), 300*time.Millisecond)

	want := []models.CartLine{{ProductID: "P", Quantity: 2}, {ProductID: "Q", Quantity: 3}}
	require.Len(t, beacon.sends, 1)
	assert.Equal(t, want, beacon.sends[0], "the in-flight line is released too")
	lines, err := log.Pending(ctx, "s1", c.ActorID())
	require.NoError(t, err)
	assert.ElementsMatch(t, want, lines)

	release()
	require.NoError(t, <-done)
	lines, err = log.Pending(ctx, "s1", c.ActorID())
	require.NoError(t, err)
	assert.ElementsMatch(t, want, lines, "a hold that landed after teardown stays replayable")
	assert.Equal(t, 3, srv.Reserved(t, "Q"))
}
