package streaming

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRedisMirrorPublish(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	inner := NewManager(8)
	mirror := NewRedisMirror(inner, client, time.Minute, zap.NewNop())

	ch := inner.Subscribe("task-m", 4)
	defer inner.Unsubscribe("task-m", ch)

	mirror.Publish("task-m", Event{Type: EventStepComplete, Data: map[string]interface{}{"step": 1}})

	// In-process delivery still happens.
	ev := <-ch
	assert.Equal(t, EventStepComplete, ev.Type)

	// And the event landed in the per-task Redis stream.
	ctx := context.Background()
	entries, err := client.XRange(ctx, streamKey("task-m"), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, EventStepComplete, entries[0].Values["type"])

	var decoded Event
	require.NoError(t, json.Unmarshal([]byte(entries[0].Values["payload"].(string)), &decoded))
	assert.Equal(t, "task-m", decoded.TaskID)
	assert.Equal(t, uint64(1), decoded.Seq)
}

func TestRedisMirrorSurvivesRedisOutage(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	inner := NewManager(8)
	mirror := NewRedisMirror(inner, client, time.Minute, zap.NewNop())

	mr.Close() // simulate outage

	ch := inner.Subscribe("task-x", 4)
	defer inner.Unsubscribe("task-x", ch)

	mirror.Publish("task-x", Event{Type: EventLog, Message: "still here"})

	ev := <-ch
	assert.Equal(t, "still here", ev.Message)
}
