package kafka_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	bkafka "github.com/TNZtims/bazaar-pos-sub001/kafka"
	"github.com/TNZtims/bazaar-pos-sub001/models"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeReader struct {
	msgs      []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestProducer_KeysByStoreAndProduct(t *testing.T) {
	w := &fakeWriter{}
	p := bkafka.NewProducerWithWriter(w, "inventory.reservations")

	require.NoError(t, p.PublishReservation(context.Background(), models.Reservation{
		StoreID: "s1", ProductID: "p1", ActorID: "customer:u1", Action: models.ActionReserve, Quantity: 2,
	}))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "s1/p1", string(w.msgs[0].Key))
	var r models.Reservation
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &r))
	assert.Equal(t, 2, r.Quantity)
}

func TestCatalogConsumer_AppliesAndCommits(t *testing.T) {
	qty := 7
	good, _ := json.Marshal(models.CatalogEvent{Event: models.CatalogProductUpserted, StoreID: "s1", ProductID: "p1", Quantity: &qty})
	reader := &fakeReader{msgs: []kafka.Message{
		{Offset: 1, Value: []byte("not json")},
		{Offset: 2, Value: good},
	}}
	consumer := bkafka.NewCatalogConsumerWithReader(reader, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var applied []models.CatalogEvent
	err := consumer.Run(ctx, func(_ context.Context, ev models.CatalogEvent) error {
		applied = append(applied, ev)
		cancel()
		return nil
	})
	require.NoError(t, err)

	require.Len(t, applied, 1)
	assert.Equal(t, 7, *applied[0].Quantity)
	assert.Equal(t, []int64{1, 2}, reader.committed)
}

func TestCatalogConsumer_RetriesHandler(t *testing.T) {
	ev, _ := json.Marshal(models.CatalogEvent{Event: models.CatalogProductDeleted, StoreID: "s1", ProductID: "p1"})
	reader := &fakeReader{msgs: []kafka.Message{{Offset: 5, Value: ev}}}
	consumer := bkafka.NewCatalogConsumerWithReader(reader, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	calls := 0
	_ = consumer.Run(ctx, func(context.Context, models.CatalogEvent) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		cancel()
		return nil
	})
	assert.Equal(t, 2, calls)
}
