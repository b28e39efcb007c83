package progress

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportflow/internal/runner"
)

func TestRedisPublisherMirrorsEvents(t *testing.T) {
	url := os.Getenv("PROGRESS_TEST_REDIS_URL")
	if url == "" {
		t.Skip("PROGRESS_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	sub := redis.NewClient(opts)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ps := sub.Subscribe(ctx, "reportflow:test")
	defer ps.Close()
	_, err = ps.Receive(ctx)
	require.NoError(t, err)

	pub, err := NewRedisPublisherFromURL(url, "reportflow:test", nil)
	require.NoError(t, err)
	defer pub.Close()
	pub.Emit(runner.Event{RunID: "r1", Type: runner.EventRunStarted, TS: time.Now()})

	msg, err := ps.ReceiveMessage(ctx)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, "run_started", got["event"])
	assert.Equal(t, "r1", got["runId"])
}

func TestNewRedisPublisherRejectsBadURL(t *testing.T) {
	_, err := NewRedisPublisherFromURL("not-a-url", "c", nil)
	assert.Error(t, err)
}
