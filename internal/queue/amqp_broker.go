package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
)

// amqpChannel is the subset of *amqp.Channel the broker uses.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// AMQPBroker runs queues on RabbitMQ. Delays use the delayed-message
// exchange plugin: every queue is bound to one x-delayed-message exchange
// with its own name as routing key. Unacked deliveries are redelivered by
// the server when the channel drops, so Recover has nothing to do.
type AMQPBroker struct {
	conn     *amqp.Connection
	ch       amqpChannel
	exchange string
	wait     time.Duration

	mu        sync.Mutex
	consumers map[string]<-chan amqp.Delivery
	inflight  map[string]amqp.Delivery
}

// DialAMQP connects, declares the delayed exchange and binds queues.
func DialAMQP(url, exchange string, queues []string, prefetch int) (*AMQPBroker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			conn.Close()
			return nil, fmt.Errorf("amqp qos: %w", err)
		}
	}
	if err := ch.ExchangeDeclare(exchange, "x-delayed-message", true, false, false, false,
		amqp.Table{"x-delayed-type": "direct"}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	for _, q := range queues {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("declare queue %s: %w", q, err)
		}
		if err := ch.QueueBind(q, q, exchange, false, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("bind queue %s: %w", q, err)
		}
	}
	logger.Info("[AMQPBroker] connected", "exchange", exchange, "queues", len(queues), "prefetch", prefetch)

	b := newAMQPBroker(ch, exchange)
	b.conn = conn
	return b, nil
}

func newAMQPBroker(ch amqpChannel, exchange string) *AMQPBroker {
	return &AMQPBroker{
		ch:        ch,
		exchange:  exchange,
		wait:      250 * time.Millisecond,
		consumers: make(map[string]<-chan amqp.Delivery),
		inflight:  make(map[string]amqp.Delivery),
	}
}

func (b *AMQPBroker) publish(ctx context.Context, t *Task, delay time.Duration) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    t.ID,
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	}
	if delay > 0 {
		msg.Headers = amqp.Table{"x-delay": delay.Milliseconds()}
	}
	if err := b.ch.PublishWithContext(ctx, b.exchange, t.Queue, false, false, msg); err != nil {
		return fmt.Errorf("publish %s task %s: %w", t.Queue, t.ID, err)
	}
	return nil
}

func (b *AMQPBroker) Enqueue(ctx context.Context, t *Task, delay time.Duration) error {
	return b.publish(ctx, t, delay)
}

func (b *AMQPBroker) consumer(queue string) (<-chan amqp.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.consumers[queue]; ok {
		return c, nil
	}
	c, err := b.ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}
	b.consumers[queue] = c
	return c, nil
}

func (b *AMQPBroker) Dequeue(ctx context.Context, queue string) (*Task, error) {
	c, err := b.consumer(queue)
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(b.wait):
		return nil, nil
	case d, ok := <-c:
		if !ok {
			return nil, fmt.Errorf("consumer for %s closed", queue)
		}
		var t Task
		if err := json.Unmarshal(d.Body, &t); err != nil {
			_ = d.Nack(false, false)
			return nil, fmt.Errorf("decode delivery on %s: %w", queue, err)
		}
		b.mu.Lock()
		b.inflight[t.ID] = d
		b.mu.Unlock()
		return &t, nil
	}
}

func (b *AMQPBroker) take(t *Task) (amqp.Delivery, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.inflight[t.ID]
	delete(b.inflight, t.ID)
	return d, ok
}

func (b *AMQPBroker) Ack(ctx context.Context, t *Task) error {
	d, ok := b.take(t)
	if !ok {
		return fmt.Errorf("task %s is not leased", t.ID)
	}
	return d.Ack(false)
}

// Requeue publishes the new task state before acking the old delivery, so
// a crash in between duplicates rather than loses the task.
func (b *AMQPBroker) Requeue(ctx context.Context, t *Task, delay time.Duration) error {
	if err := b.publish(ctx, t, delay); err != nil {
		return err
	}
	d, ok := b.take(t)
	if !ok {
		return nil
	}
	return d.Ack(false)
}

func (b *AMQPBroker) Recover(context.Context, string) (int, error) { return 0, nil }

func (b *AMQPBroker) Close() error {
	err := b.ch.Close()
	if b.conn != nil {
		if cerr := b.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
