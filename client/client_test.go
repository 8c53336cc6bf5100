package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TNZtims/bazaar-pos-sub001/client"
	"github.com/TNZtims/bazaar-pos-sub001/client/clienttest"
	"github.com/TNZtims/bazaar-pos-sub001/common/auth"
	"github.com/TNZtims/bazaar-pos-sub001/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, wrap func(http.Handler) http.Handler) *clienttest.Server {
	t.Helper()
	return clienttest.NewServer(t, clienttest.Options{
		Totals: map[string]int{"p1": 10, "p2": 5},
		Wrap:   wrap,
	})
}

func TestClient_ReserveAndInsufficientStock(t *testing.T) {
	srv := newServer(t, nil)
	ctx := context.Background()
	a := client.New(srv.URL, "s1", client.WithSessionID("a"))
	b := client.New(srv.URL, "s1", client.WithSessionID("b"))

	res, err := a.Reserve(ctx, "p1", 6)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Held)
	assert.Equal(t, 4, res.AvailableQuantity)

	_, err = b.Reserve(ctx, "p1", 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, client.ErrInsufficientStock))
	remaining, ok := client.Remaining(err)
	require.True(t, ok)
	assert.Equal(t, 4, remaining)
	assert.Contains(t, err.Error(), "4")

	res, err = b.Reserve(ctx, "p1", remaining)
	require.NoError(t, err)
	assert.Equal(t, 0, res.AvailableQuantity)

	res, err = a.Release(ctx, "p1", 6)
	require.NoError(t, err)
	assert.Equal(t, 6, res.AvailableQuantity)
}

func TestClient_ErrorMapping(t *testing.T) {
	srv := newServer(t, nil)
	ctx := context.Background()
	c := client.New(srv.URL, "s1")

	_, err := c.Reserve(ctx, "p1", 0)
	assert.True(t, errors.Is(err, client.ErrInvalidQuantity))

	_, err = c.Reserve(ctx, "nope", 1)
	assert.True(t, errors.Is(err, client.ErrProductNotFound))

	bad := client.New(srv.URL, "s1", client.WithToken("not-a-jwt"))
	_, err = bad.Reserve(ctx, "p1", 1)
	assert.True(t, errors.Is(err, client.ErrUnauthorized))
}

func TestClient_RetryIsAppliedOnce(t *testing.T) {
	var failed atomic.Bool
	srv := newServer(t, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasSuffix(r.URL.Path, "/reserve") && failed.CompareAndSwap(false, true) {
				// The reservation commits but the answer is lost.
				next.ServeHTTP(httptest.NewRecorder(), r)
				http.Error(w, "upstream reset", http.StatusBadGateway)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	c := client.New(srv.URL, "s1", client.WithSessionID("a"), client.WithRetries(2))

	res, err := c.Reserve(context.Background(), "p1", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Held)
	assert.Equal(t, 2, srv.Reserved(t, "p1"))
}

func TestClient_AdjustAndQueries(t *testing.T) {
	srv := newServer(t, nil)
	ctx := context.Background()
	c := client.New(srv.URL, "s1")

	_, err := c.Reserve(ctx, "p1", 5)
	require.NoError(t, err)
	res, err := c.Adjust(ctx, "p1", 5, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Held)
	assert.Equal(t, 8, res.AvailableQuantity)

	touched, err := c.Heartbeat(ctx, []string{"p1", "p2"})
	require.NoError(t, err)
	assert.Equal(t, 0, touched, "leases are off by default")

	p, err := c.Product(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, p.ReservedQuantity)

	list, err := c.Products(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestClient_ActorID(t *testing.T) {
	srv := newServer(t, nil)

	anon := client.New(srv.URL, "s1", client.WithSessionID("abc"))
	assert.Equal(t, auth.AnonymousActorID("abc"), anon.ActorID())

	id := auth.Identity{Subject: "u1", Role: auth.RoleCashier, StoreID: "s1"}
	tok := srv.Token(t, id)
	cashier := client.New(srv.URL, "s1", client.WithToken(tok))
	assert.Equal(t, auth.ActorID(id, "s1"), cashier.ActorID())

	res, err := cashier.Reserve(context.Background(), "p1", 1)
	require.NoError(t, err)
	assert.Equal(t, cashier.ActorID(), res.ActorID)
}

func TestBeacon_ReleasesWithoutWaiting(t *testing.T) {
	srv := newServer(t, nil)
	ctx := context.Background()
	c := client.New(srv.URL, "s1", client.WithSessionID("tab-1"))

	_, err := c.Reserve(ctx, "p1", 3)
	require.NoError(t, err)
	_, err = c.Reserve(ctx, "p2", 1)
	require.NoError(t, err)

	b := client.NewBeacon(c, 4, time.Second)
	assert.True(t, b.Send([]models.CartLine{{ProductID: "p1", Quantity: 3}, {ProductID: "p2", Quantity: 1}}))

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, b.Drain(drainCtx))
	b.Close()

	assert.Equal(t, 0, srv.Reserved(t, "p1"))
	assert.Equal(t, 0, srv.Reserved(t, "p2"))
	assert.False(t, b.Send([]models.CartLine{{ProductID: "p1", Quantity: 1}}), "closed beacon")
}
