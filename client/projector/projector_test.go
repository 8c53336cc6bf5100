package projector_test

import (
	"context"
	"testing"

	"github.com/TNZtims/bazaar-pos-sub001/client/projector"
	"github.com/TNZtims/bazaar-pos-sub001/common/auth"
	"github.com/TNZtims/bazaar-pos-sub001/fanout"
	"github.com/TNZtims/bazaar-pos-sub001/models"
	"github.com/TNZtims/bazaar-pos-sub001/repository"
	"github.com/TNZtims/bazaar-pos-sub001/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stock(productID string, seq int64, available int) models.Event {
	return models.Event{
		Type: models.EventStockDelta, StoreID: "s1", ProductID: productID, Seq: seq,
		StockDelta: &models.StockDelta{AvailableQuantity: available},
	}
}

func cart(productID string, seq int64, actor string, action models.ReservationAction, qty int) models.Event {
	return models.Event{
		Type: models.EventCartReservation, StoreID: "s1", ProductID: productID, Seq: seq,
		CartReservation: &models.CartReservation{ActorID: actor, Action: action, Quantity: qty},
	}
}

func TestEffective(t *testing.T) {
	cases := []struct {
		base, own, others, want int
	}{
		{10, 0, 0, 10},
		{10, 3, 2, 5},
		{4, 3, 2, 0},
		{0, 0, 0, 0},
		{5, -2, 0, 7},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, projector.Effective(tc.base, tc.own, tc.others), "%+v", tc)
	}
}

func TestApply_OthersTally(t *testing.T) {
	p := projector.New("me")
	require.True(t, p.Apply(stock("p1", 1, 10)))

	assert.True(t, p.Apply(cart("p1", 2, "B", models.ActionReserve, 4)))
	got, ok := p.Available("p1")
	require.True(t, ok)
	assert.Equal(t, 6, got)

	// Own reservations are tracked through the cart, not the broadcast.
	assert.False(t, p.Apply(cart("p1", 3, "me", models.ActionReserve, 2)))
	got, _ = p.Available("p1")
	assert.Equal(t, 6, got)

	assert.True(t, p.Apply(cart("p1", 4, "B", models.ActionRelease, 4)))
	got, _ = p.Available("p1")
	assert.Equal(t, 10, got)
}

func TestApply_RecognizesOwnAnonymousHolds(t *testing.T) {
	self := auth.AnonymousActorID("tab-1")
	p := projector.New(self)
	p.Apply(stock("p1", 1, 10))

	assert.False(t, p.Apply(cart("p1", 2, auth.PublicActorID(self), models.ActionReserve, 3)))
	assert.True(t, p.Apply(cart("p1", 3, auth.PublicActorID(auth.AnonymousActorID("tab-2")), models.ActionReserve, 2)))
	got, _ := p.Available("p1")
	assert.Equal(t, 8, got)
}

func TestApply_OthersFloorAtZero(t *testing.T) {
	p := projector.New("me")
	p.Apply(stock("p1", 1, 10))
	p.Apply(cart("p1", 2, "B", models.ActionRelease, 5))

	got, _ := p.Available("p1")
	assert.Equal(t, 10, got)
}

func TestApply_DropsStaleAndDuplicates(t *testing.T) {
	p := projector.New("me")
	p.Apply(stock("p1", 5, 10))

	assert.False(t, p.Apply(stock("p1", 4, 99)))
	assert.False(t, p.Apply(stock("p1", 5, 99)))
	assert.False(t, p.Apply(cart("p1", 5, "B", models.ActionReserve, 3)), "already in base")

	assert.True(t, p.Apply(cart("p1", 6, "B", models.ActionReserve, 3)))
	assert.False(t, p.Apply(cart("p1", 6, "B", models.ActionReserve, 3)))

	got, _ := p.Available("p1")
	assert.Equal(t, 7, got)

	st := p.Stats()
	assert.Equal(t, 3, st.Stale)
	assert.Equal(t, 1, st.Duplicate)
}

func TestApply_StockDeltaResetsTally(t *testing.T) {
	p := projector.New("me")
	p.Apply(stock("p1", 1, 10))
	p.Apply(cart("p1", 2, "B", models.ActionReserve, 4))
	p.Apply(cart("p1", 3, "C", models.ActionReserve, 1))

	// The server value at seq 2 includes B but not C.
	p.Apply(stock("p1", 2, 6))
	got, _ := p.Available("p1")
	assert.Equal(t, 5, got)

	p.Apply(stock("p1", 3, 5))
	got, _ = p.Available("p1")
	assert.Equal(t, 5, got)
}

func TestOwn_NotDoubleSubtracted(t *testing.T) {
	p := projector.New("me")
	p.Apply(stock("p1", 1, 10))

	p.SetOwn("p1", 3)
	got, _ := p.Available("p1")
	assert.Equal(t, 7, got, "in-flight reserve shows immediately")

	p.ConfirmOwn("p1", 2, 3)
	got, _ = p.Available("p1")
	assert.Equal(t, 7, got)

	p.Apply(stock("p1", 2, 7))
	got, _ = p.Available("p1")
	assert.Equal(t, 7, got, "base now includes the hold")

	p.SetOwn("p1", 1)
	got, _ = p.Available("p1")
	assert.Equal(t, 9, got, "in-flight decrease")
}

func TestProductLifecycle(t *testing.T) {
	p := projector.New("me")
	avail := models.Availability{ProductID: "p1", AvailableQuantity: 8, Version: 1}
	p.Apply(models.Event{Type: models.EventProductUpserted, ProductID: "p1", Seq: 1, Product: &avail})

	got, ok := p.Available("p1")
	require.True(t, ok)
	assert.Equal(t, 8, got)

	assert.True(t, p.Apply(models.Event{Type: models.EventProductDeleted, ProductID: "p1", Seq: 2}))
	_, ok = p.Available("p1")
	assert.False(t, ok)
	assert.False(t, p.Apply(models.Event{Type: models.EventProductDeleted, ProductID: "p1", Seq: 2}))
}

func TestReconcile_ResetsDriftAndDropsMissing(t *testing.T) {
	p := projector.New("me")
	p.Apply(stock("p1", 1, 10))
	p.Apply(stock("p2", 1, 5))
	p.Apply(cart("p1", 2, "B", models.ActionReserve, 4))

	stale := p.Reconcile([]models.Availability{{ProductID: "p1", AvailableQuantity: 8, Version: 3}})
	assert.Equal(t, 1, stale)
	assert.Equal(t, map[string]int{"p1": 8}, p.Snapshot())

	// A recreated product restarts its versions; the snapshot still wins.
	p.Reconcile([]models.Availability{{ProductID: "p1", AvailableQuantity: 2, Version: 1}})
	got, _ := p.Available("p1")
	assert.Equal(t, 2, got)

	st := p.Stats()
	assert.Equal(t, 2, st.Reconciles)
	assert.Equal(t, 1, st.StaleProjections)
}

// --- Against the reservation service ---

type store struct {
	svc *services.ReservationService
	sub *fanout.Subscriber
}

func newStore(t *testing.T, totals map[string]int) *store {
	t.Helper()
	hub := fanout.NewHub(4096, nil, nil)
	t.Cleanup(hub.Close)
	svc := services.NewReservationService(services.Dependencies{
		Repo: repository.NewMemoryInventoryRepository(),
		Hub:  hub,
	})
	for id, total := range totals {
		total := total
		_, err := svc.UpsertProduct(context.Background(), "s1", id, models.UpsertProductRequest{TotalQuantity: &total})
		require.NoError(t, err)
	}
	return &store{svc: svc, sub: hub.Join("s1", "observer")}
}

func (s *store) events() []models.Event {
	var out []models.Event
	for {
		select {
		case ev := <-s.sub.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (s *store) truth(t *testing.T) ([]models.Availability, map[string]int) {
	t.Helper()
	list, err := s.svc.ListAvailability(context.Background(), "s1")
	require.NoError(t, err)
	want := make(map[string]int, len(list))
	for _, a := range list {
		want[a.ProductID] = a.AvailableQuantity
	}
	return list, want
}

func traffic(t *testing.T, svc *services.ReservationService) {
	t.Helper()
	ctx := context.Background()
	steps := []struct {
		product, actor string
		reserve        bool
		qty            int
	}{
		{"p1", "A", true, 3},
		{"p2", "B", true, 2},
		{"p1", "B", true, 4},
		{"p2", "A", true, 5},
		{"p1", "A", false, 2},
		{"p2", "B", false, 2},
		{"p1", "C", true, 1},
		{"p2", "C", true, 1},
	}
	for _, st := range steps {
		var err error
		if st.reserve {
			_, err = svc.ApplyReserve(ctx, "s1", st.product, st.actor, st.qty)
		} else {
			_, err = svc.ApplyRelease(ctx, "s1", st.product, st.actor, st.qty)
		}
		require.NoError(t, err)
	}
}

func TestConverges_InOrderDelivery(t *testing.T) {
	s := newStore(t, map[string]int{"p1": 10, "p2": 8})
	p := projector.New("observer")
	for _, ev := range s.events() {
		p.Apply(ev)
	}

	traffic(t, s.svc)
	for _, ev := range s.events() {
		p.Apply(ev)
	}

	_, want := s.truth(t)
	assert.Equal(t, want, p.Snapshot())
}

func TestConverges_AfterDroppedDuplicatedReorderedEvents(t *testing.T) {
	s := newStore(t, map[string]int{"p1": 10, "p2": 8})
	p := projector.New("observer")
	for _, ev := range s.events() {
		p.Apply(ev)
	}
	traffic(t, s.svc)

	// Per product order is kept; products are delivered out of order
	// relative to each other, one in three events is lost and one in
	// four arrives twice.
	byProduct := map[string][]models.Event{}
	for _, ev := range s.events() {
		byProduct[ev.ProductID] = append(byProduct[ev.ProductID], ev)
	}
	var delivered []models.Event
	for i, ev := range append(byProduct["p2"], byProduct["p1"]...) {
		if i%3 == 2 {
			continue
		}
		delivered = append(delivered, ev)
		if i%4 == 0 {
			delivered = append(delivered, ev)
		}
	}
	for _, ev := range delivered {
		p.Apply(ev)
	}

	snapshot, want := s.truth(t)
	p.Reconcile(snapshot)
	assert.Equal(t, want, p.Snapshot())

	// Later events on top of the poll keep it converged.
	_, err := s.svc.ApplyReserve(context.Background(), "s1", "p1", "D", 1)
	require.NoError(t, err)
	for _, ev := range s.events() {
		p.Apply(ev)
	}
	_, want = s.truth(t)
	assert.Equal(t, want, p.Snapshot())
}

func TestConverges_OwnCart(t *testing.T) {
	s := newStore(t, map[string]int{"p1": 10})
	p := projector.New("A")
	for _, ev := range s.events() {
		p.Apply(ev)
	}

	p.SetOwn("p1", 3)
	res, err := s.svc.ApplyReserve(context.Background(), "s1", "p1", "A", 3)
	require.NoError(t, err)
	p.ConfirmOwn("p1", res.Version, res.Held)

	_, err = s.svc.ApplyReserve(context.Background(), "s1", "p1", "B", 2)
	require.NoError(t, err)

	for _, ev := range s.events() {
		p.Apply(ev)
	}
	got, _ := p.Available("p1")
	assert.Equal(t, 5, got)
}
