package streaming

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisMirror wraps a Publisher and additionally appends every event to a
// per-task Redis stream so out-of-process consumers can tail task progress.
// Mirroring is best effort: a Redis failure never blocks or fails the task.
type RedisMirror struct {
	next   Publisher
	client redis.UniversalClient
	logger *zap.Logger
	ttl    time.Duration
	maxLen int64
}

// NewRedisMirror creates a mirror in front of next. ttl bounds how long a
// task's stream key lives after its last event.
func NewRedisMirror(next Publisher, client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *RedisMirror {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisMirror{
		next:   next,
		client: client,
		logger: logger,
		ttl:    ttl,
		maxLen: 1024,
	}
}

func (m *RedisMirror) Publish(taskID string, evt Event) {
	m.next.Publish(taskID, evt)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := streamKey(taskID)
	if err := m.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: m.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":    evt.Type,
			"payload": string(evt.Marshal()),
		},
	}).Err(); err != nil {
		m.logger.Warn("Failed to mirror event to Redis",
			zap.String("task_id", taskID),
			zap.String("type", evt.Type),
			zap.Error(err),
		)
		return
	}
	m.client.Expire(ctx, key, m.ttl)
}

func streamKey(taskID string) string {
	return "webrunner:events:" + taskID
}
