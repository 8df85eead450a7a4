package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/acrylic-style/gptx-api/internal/application/metering"
)

// usageLogKey is the redis list holding appended usage events
const usageLogKey = "metering:usage_log"

// RedisUsageSink appends usage events to a capped redis list. The list is an
// export buffer for the external analytics pipeline, not a query surface;
// consumers drain it out of band.
type RedisUsageSink struct {
	client  *redis.Client
	maxSize int64
}

// NewRedisUsageSink creates a new redis usage sink. maxSize bounds the list
// length; 0 means unbounded.
func NewRedisUsageSink(client *redis.Client, maxSize int64) *RedisUsageSink {
	return &RedisUsageSink{client: client, maxSize: maxSize}
}

var _ metering.UsageSink = (*RedisUsageSink)(nil)

// Append pushes a usage event onto the log
func (s *RedisUsageSink) Append(ctx context.Context, record metering.SinkRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("usage sink: encode record: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, usageLogKey, raw)
	if s.maxSize > 0 {
		pipe.LTrim(ctx, usageLogKey, -s.maxSize, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("usage sink: append record: %w", err)
	}
	return nil
}
