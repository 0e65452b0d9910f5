package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
)

// LogSink writes events as structured log lines.
type LogSink struct{}

func (LogSink) Write(_ context.Context, batch []Event) error {
	for _, e := range batch {
		logger.Info("[Events] "+string(e.Type),
			"campaign_id", e.CampaignID, "recipient_id", e.RecipientID, "provider", e.Provider, "detail", e.Detail)
	}
	return nil
}

// RedisStreamSink appends events to a capped Redis stream.
type RedisStreamSink struct {
	rdb    redis.Cmdable
	stream string
	maxLen int64
}

// NewRedisStreamSink caps the stream at roughly maxLen entries.
func NewRedisStreamSink(rdb redis.Cmdable, stream string, maxLen int64) *RedisStreamSink {
	if stream == "" {
		stream = "events:dispatch"
	}
	if maxLen <= 0 {
		maxLen = 100000
	}
	return &RedisStreamSink{rdb: rdb, stream: stream, maxLen: maxLen}
}

func (s *RedisStreamSink) Write(ctx context.Context, batch []Event) error {
	pipe := s.rdb.Pipeline()
	for _, e := range batch {
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.stream,
			MaxLen: s.maxLen,
			Approx: true,
			Values: map[string]interface{}{"type": string(e.Type), "campaign_id": e.CampaignID, "data": raw},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}
