package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Keys per queue:
//
//	queue:{name}:tasks       hash id -> task JSON
//	queue:{name}:ready       list of ready ids
//	queue:{name}:delayed     zset id scored by ready time (ms)
//	queue:{name}:processing  zset id scored by lease deadline (ms)
func queueKey(name, part string) string { return "queue:" + name + ":" + part }

const dequeueLuaScript = `
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, id in ipairs(due) do
    redis.call("ZREM", KEYS[1], id)
    redis.call("RPUSH", KEYS[2], id)
end
local id = redis.call("LPOP", KEYS[2])
if not id then
    return false
end
redis.call("ZADD", KEYS[3], ARGV[2], id)
return id
`

const recoverLuaScript = `
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 500)
for _, id in ipairs(expired) do
    redis.call("ZREM", KEYS[1], id)
    redis.call("RPUSH", KEYS[2], id)
end
return #expired
`

// RedisBroker is a Broker on plain Redis data structures.
type RedisBroker struct {
	rdb   redis.Cmdable
	lease time.Duration
	now   func() time.Time

	dequeueScript *redis.Script
	recoverScript *redis.Script
}

// NewRedisBroker creates a broker whose leases last lease (default 5m).
func NewRedisBroker(rdb redis.Cmdable, lease time.Duration) *RedisBroker {
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	return &RedisBroker{
		rdb:           rdb,
		lease:         lease,
		now:           time.Now,
		dequeueScript: redis.NewScript(dequeueLuaScript),
		recoverScript: redis.NewScript(recoverLuaScript),
	}
}

// SetClock replaces the time source.
func (b *RedisBroker) SetClock(now func() time.Time) { b.now = now }

func (b *RedisBroker) Enqueue(ctx context.Context, t *Task, delay time.Duration) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, queueKey(t.Queue, "tasks"), t.ID, raw)
	b.schedule(ctx, pipe, t, delay)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue %s task %s: %w", t.Queue, t.ID, err)
	}
	return nil
}

func (b *RedisBroker) schedule(ctx context.Context, pipe redis.Pipeliner, t *Task, delay time.Duration) {
	if delay > 0 {
		pipe.ZAdd(ctx, queueKey(t.Queue, "delayed"), redis.Z{
			Score:  float64(b.now().Add(delay).UnixMilli()),
			Member: t.ID,
		})
		return
	}
	pipe.RPush(ctx, queueKey(t.Queue, "ready"), t.ID)
}

func (b *RedisBroker) Dequeue(ctx context.Context, queue string) (*Task, error) {
	now := b.now()
	for {
		id, err := b.dequeueScript.Run(ctx, b.rdb,
			[]string{queueKey(queue, "delayed"), queueKey(queue, "ready"), queueKey(queue, "processing")},
			now.UnixMilli(), now.Add(b.lease).UnixMilli(),
		).Text()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("dequeue %s: %w", queue, err)
		}

		raw, err := b.rdb.HGet(ctx, queueKey(queue, "tasks"), id).Bytes()
		if errors.Is(err, redis.Nil) {
			// body already acked elsewhere; drop the orphan id
			b.rdb.ZRem(ctx, queueKey(queue, "processing"), id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load task %s: %w", id, err)
		}
		var t Task
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("decode task %s: %w", id, err)
		}
		return &t, nil
	}
}

func (b *RedisBroker) Ack(ctx context.Context, t *Task) error {
	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, queueKey(t.Queue, "processing"), t.ID)
	pipe.HDel(ctx, queueKey(t.Queue, "tasks"), t.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack %s task %s: %w", t.Queue, t.ID, err)
	}
	return nil
}

func (b *RedisBroker) Requeue(ctx context.Context, t *Task, delay time.Duration) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, queueKey(t.Queue, "processing"), t.ID)
	pipe.HSet(ctx, queueKey(t.Queue, "tasks"), t.ID, raw)
	b.schedule(ctx, pipe, t, delay)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeue %s task %s: %w", t.Queue, t.ID, err)
	}
	return nil
}

func (b *RedisBroker) Recover(ctx context.Context, queue string) (int, error) {
	n, err := b.recoverScript.Run(ctx, b.rdb,
		[]string{queueKey(queue, "processing"), queueKey(queue, "ready")},
		b.now().UnixMilli(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("recover %s: %w", queue, err)
	}
	return n, nil
}

// Depth reports ready, delayed and leased counts of queue.
func (b *RedisBroker) Depth(ctx context.Context, queue string) (ready, delayed, leased int64, err error) {
	pipe := b.rdb.Pipeline()
	r := pipe.LLen(ctx, queueKey(queue, "ready"))
	d := pipe.ZCard(ctx, queueKey(queue, "delayed"))
	l := pipe.ZCard(ctx, queueKey(queue, "processing"))
	if _, err = pipe.Exec(ctx); err != nil {
		return 0, 0, 0, err
	}
	return r.Val(), d.Val(), l.Val(), nil
}

func (b *RedisBroker) Close() error { return nil }
