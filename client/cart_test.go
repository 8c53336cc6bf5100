package client_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/TNZtims/bazaar-pos-sub001/client"
	"github.com/TNZtims/bazaar-pos-sub001/client/projector"
	"github.com/TNZtims/bazaar-pos-sub001/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryLog struct {
	mu      sync.Mutex
	lines   []models.CartLine
	cleared bool
	writes  int
}

func (m *memoryLog) Checkpoint(_ context.Context, _, _ string, lines []models.CartLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = append([]models.CartLine(nil), lines...)
	m.cleared = false
	m.writes++
	return nil
}

func (m *memoryLog) MarkCleared(_ context.Context, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = nil
	m.cleared = true
	return nil
}

func TestCart_AddAndInsufficientStock(t *testing.T) {
	srv := newServer(t, nil)
	ctx := context.Background()
	log := &memoryLog{}
	cart := client.NewCart(client.New(srv.URL, "s1", client.WithSessionID("a")), client.WithCheckpointer(log))
	other := client.New(srv.URL, "s1", client.WithSessionID("b"))

	_, err := other.Reserve(ctx, "p2", 3)
	require.NoError(t, err)

	_, err = cart.Add(ctx, "p1", 2)
	require.NoError(t, err)
	_, err = cart.Add(ctx, "p2", 4)
	require.True(t, errors.Is(err, client.ErrInsufficientStock))
	remaining, _ := client.Remaining(err)
	assert.Equal(t, 2, remaining)

	_, err = cart.Add(ctx, "p2", remaining)
	require.NoError(t, err)
	_, err = cart.Add(ctx, "p1", 1)
	require.NoError(t, err)

	want := []models.CartLine{{ProductID: "p1", Quantity: 3}, {ProductID: "p2", Quantity: 2}}
	assert.Equal(t, want, cart.Lines())
	assert.Equal(t, want, log.lines, "every change is checkpointed")
	assert.Equal(t, 3, srv.Reserved(t, "p1"))

	_, err = cart.Add(ctx, "p1", 0)
	assert.True(t, errors.Is(err, client.ErrInvalidQuantity))
}

func TestCart_SetQuantityAndRemove(t *testing.T) {
	srv := newServer(t, nil)
	ctx := context.Background()
	cart := client.NewCart(client.New(srv.URL, "s1"))

	_, err := cart.Add(ctx, "p1", 5)
	require.NoError(t, err)

	res, err := cart.SetQuantity(ctx, "p1", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Held)
	assert.Equal(t, models.ActionRelease, res.Action)
	assert.Equal(t, 2, srv.Reserved(t, "p1"))

	res, err = cart.SetQuantity(ctx, "p1", 2)
	require.NoError(t, err)
	assert.Nil(t, res)

	require.NoError(t, cart.Remove(ctx, "p1"))
	assert.Empty(t, cart.Lines())
	assert.Equal(t, 0, srv.Reserved(t, "p1"))
}

func TestCart_ClearAndCheckout(t *testing.T) {
	srv := newServer(t, nil)
	ctx := context.Background()
	log := &memoryLog{}
	cart := client.NewCart(client.New(srv.URL, "s1"), client.WithCheckpointer(log))

	_, err := cart.Add(ctx, "p1", 4)
	require.NoError(t, err)
	cart.Clear(ctx)
	assert.Empty(t, cart.Lines())
	assert.True(t, log.cleared)
	assert.Equal(t, 0, srv.Reserved(t, "p1"))

	_, err = cart.Add(ctx, "p1", 2)
	require.NoError(t, err)
	assert.False(t, log.cleared)
	cart.CompleteCheckout(ctx)
	assert.Empty(t, cart.Lines())
	assert.True(t, log.cleared)
	assert.Equal(t, 2, srv.Reserved(t, "p1"), "checkout hands the hold to the order service")
}

func TestCart_KeepsProjectorInStep(t *testing.T) {
	srv := newServer(t, nil)
	ctx := context.Background()
	c := client.New(srv.URL, "s1")
	proj := projector.New(c.ActorID())
	list, err := c.Products(ctx)
	require.NoError(t, err)
	proj.Reconcile(list)

	cart := client.NewCart(c, client.WithProjector(proj))
	_, err = cart.Add(ctx, "p1", 3)
	require.NoError(t, err)
	got, _ := proj.Available("p1")
	assert.Equal(t, 7, got, "own hold shows before the broadcast arrives")

	// A failed add leaves the projection untouched.
	_, err = cart.Add(ctx, "p1", 50)
	require.Error(t, err)
	got, _ = proj.Available("p1")
	assert.Equal(t, 7, got)

	list, err = c.Products(ctx)
	require.NoError(t, err)
	proj.Reconcile(list)
	got, _ = proj.Available("p1")
	assert.Equal(t, 7, got, "authoritative value already includes the hold")
}

func TestCart_Reacquire(t *testing.T) {
	srv := newServer(t, nil)
	ctx := context.Background()
	c := client.New(srv.URL, "s1", client.WithSessionID("hidden-tab"))
	cart := client.NewCart(c)

	_, err := cart.Add(ctx, "p1", 4)
	require.NoError(t, err)
	_, err = cart.Add(ctx, "p2", 3)
	require.NoError(t, err)

	// The page was hidden and its holds released.
	_, err = c.Release(ctx, "p1", 4)
	require.NoError(t, err)
	_, err = c.Release(ctx, "p2", 3)
	require.NoError(t, err)
	_, err = client.New(srv.URL, "s1").Reserve(ctx, "p2", 4)
	require.NoError(t, err)

	shrunk, err := cart.Reacquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.CartLine{{ProductID: "p2", Quantity: 1}}, shrunk)
	assert.Equal(t, []models.CartLine{{ProductID: "p1", Quantity: 4}, {ProductID: "p2", Quantity: 1}}, cart.Lines())
	assert.Equal(t, 4, srv.Reserved(t, "p1"))
	assert.Equal(t, 5, srv.Reserved(t, "p2"))
}
