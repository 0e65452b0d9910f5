package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	exchange, key string
	msg           amqp.Publishing
}

type fakeChannel struct {
	published  []published
	deliveries chan amqp.Delivery
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.published = append(f.published, published{exchange, key, msg})
	return nil
}

func (f *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeChannel) Close() error { return nil }

type fakeAcker struct {
	acked  []uint64
	nacked []uint64
}

func (a *fakeAcker) Ack(tag uint64, _ bool) error { a.acked = append(a.acked, tag); return nil }
func (a *fakeAcker) Nack(tag uint64, _ bool, _ bool) error {
	a.nacked = append(a.nacked, tag)
	return nil
}
func (a *fakeAcker) Reject(tag uint64, _ bool) error { a.nacked = append(a.nacked, tag); return nil }

func TestAMQPBrokerPublishesDelay(t *testing.T) {
	ch := &fakeChannel{}
	b := newAMQPBroker(ch, "campaign.delayed")

	task, err := NewTask(QueueDispatch, map[string]string{"campaign_id": "c1"})
	require.NoError(t, err)
	require.NoError(t, b.Enqueue(context.Background(), task, 2*time.Second))

	require.Len(t, ch.published, 1)
	p := ch.published[0]
	assert.Equal(t, "campaign.delayed", p.exchange)
	assert.Equal(t, QueueDispatch, p.key)
	assert.Equal(t, int64(2000), p.msg.Headers["x-delay"])
	assert.Equal(t, amqp.Persistent, p.msg.DeliveryMode)
	assert.Equal(t, task.ID, p.msg.MessageId)
}

func TestAMQPBrokerDequeueAckAndRequeue(t *testing.T) {
	ch := &fakeChannel{deliveries: make(chan amqp.Delivery, 2)}
	b := newAMQPBroker(ch, "campaign.delayed")
	b.wait = 10 * time.Millisecond
	acker := &fakeAcker{}
	ctx := context.Background()

	task, err := NewTask(QueueDelivery, "x")
	require.NoError(t, err)
	body, _ := json.Marshal(task)
	ch.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 7, Body: body}
	ch.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 8, Body: []byte("{not json")}

	got, err := b.Dequeue(ctx, QueueDelivery)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task.ID, got.ID)

	got.Attempt = 1
	require.NoError(t, b.Requeue(ctx, got, time.Second))
	assert.Equal(t, []uint64{7}, acker.acked)
	require.Len(t, ch.published, 1)

	_, err = b.Dequeue(ctx, QueueDelivery)
	assert.Error(t, err)
	assert.Equal(t, []uint64{8}, acker.nacked)

	got, err = b.Dequeue(ctx, QueueDelivery)
	require.NoError(t, err)
	assert.Nil(t, got)

	n, err := b.Recover(ctx, QueueDelivery)
	require.NoError(t, err)
	assert.Zero(t, n)
}
