package consumers_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/TNZtims/bazaar-pos-sub001/consumers"
	"github.com/TNZtims/bazaar-pos-sub001/models"
	"github.com/TNZtims/bazaar-pos-sub001/services"
	"github.com/stretchr/testify/assert"
)

type mockCheckoutService struct {
	confirmed     []models.CartLine
	released      []models.CartLine
	releasedAll   []string
	confirmErr    error
	releaseAllErr error
}

func (m *mockCheckoutService) Confirm(_ context.Context, _, _ string, lines []models.CartLine) error {
	m.confirmed = append(m.confirmed, lines...)
	return m.confirmErr
}

func (m *mockCheckoutService) ReleaseLines(_ context.Context, _, _ string, lines []models.CartLine) int {
	m.released = append(m.released, lines...)
	return len(lines)
}

func (m *mockCheckoutService) ReleaseActor(_ context.Context, _, actorID string) (int, error) {
	m.releasedAll = append(m.releasedAll, actorID)
	return 1, m.releaseAllErr
}

func TestCheckoutConsumer_CompletedConfirms(t *testing.T) {
	svc := &mockCheckoutService{}
	c := consumers.NewCheckoutConsumer(nil, svc, nil, nil)

	err := c.Handle(context.Background(), `{"event":"checkout.completed","store_id":"s1","actor_id":"customer:u1","order_id":"o1","items":[{"product_id":"p1","quantity":2}]}`)
	assert.NoError(t, err)
	assert.Equal(t, []models.CartLine{{ProductID: "p1", Quantity: 2}}, svc.confirmed)
}

func TestCheckoutConsumer_PersistenceFailureIsRetried(t *testing.T) {
	svc := &mockCheckoutService{confirmErr: fmt.Errorf("confirm p1: %w", services.ErrPersistence)}
	c := consumers.NewCheckoutConsumer(nil, svc, nil, nil)

	err := c.Handle(context.Background(), `{"event":"checkout.completed","store_id":"s1","actor_id":"customer:u1","items":[{"product_id":"p1","quantity":2}]}`)
	assert.ErrorIs(t, err, services.ErrPersistence)
}

func TestCheckoutConsumer_NotFoundIsNotRetried(t *testing.T) {
	svc := &mockCheckoutService{confirmErr: fmt.Errorf("confirm p1: %w", services.ErrProductNotFound)}
	c := consumers.NewCheckoutConsumer(nil, svc, nil, nil)

	err := c.Handle(context.Background(), `{"event":"checkout.completed","store_id":"s1","actor_id":"customer:u1","items":[{"product_id":"p1","quantity":2}]}`)
	assert.NoError(t, err)
}

func TestCheckoutConsumer_CancelledReleases(t *testing.T) {
	svc := &mockCheckoutService{}
	c := consumers.NewCheckoutConsumer(nil, svc, nil, nil)

	assert.NoError(t, c.Handle(context.Background(), `{"event":"checkout.cancelled","store_id":"s1","actor_id":"anon:x","items":[{"product_id":"p1","quantity":1}]}`))
	assert.Len(t, svc.released, 1)

	assert.NoError(t, c.Handle(context.Background(), `{"event":"checkout.failed","store_id":"s1","actor_id":"anon:y"}`))
	assert.Equal(t, []string{"anon:y"}, svc.releasedAll)
}

func TestCheckoutConsumer_DiscardsGarbage(t *testing.T) {
	svc := &mockCheckoutService{}
	c := consumers.NewCheckoutConsumer(nil, svc, nil, nil)

	assert.NoError(t, c.Handle(context.Background(), `{{{`))
	assert.NoError(t, c.Handle(context.Background(), `{"event":"checkout.completed"}`))
	assert.NoError(t, c.Handle(context.Background(), `{"event":"order.shipped","store_id":"s1","actor_id":"a"}`))
	assert.Empty(t, svc.confirmed)
	assert.Empty(t, svc.released)
}
