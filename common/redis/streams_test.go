package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) *redis.Client {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestStreams_PublishReadAck(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, CreateConsumerGroup(ctx, client, "events", "group"))
	// 组已存在时忽略
	require.NoError(t, CreateConsumerGroup(ctx, client, "events", "group"))

	id, err := PublishJSONToStream(ctx, client, "events", map[string]string{"id": "A1"}, map[string]string{"event": "attention.created"})
	require.NoError(t, err)

	messages, err := ReadFromStream(ctx, client, "events", "group", "c1", 10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, id, messages[0].ID)
	assert.Equal(t, "attention.created", messages[0].Values["event"])
	assert.JSONEq(t, `{"id":"A1"}`, messages[0].Values["data"].(string))
	assert.NotEmpty(t, messages[0].Values["timestamp"])

	require.NoError(t, Ack(ctx, client, "events", "group", id))

	messages, err = ReadFromStream(ctx, client, "events", "group", "c1", 10, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestPubSub_SubscribeAndPublish(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	sub, err := Subscribe(ctx, client, "hospitalization")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, PublishJSON(ctx, client, "hospitalization", map[string]string{"event": "created"}))

	select {
	case msg := <-sub.Channel():
		assert.JSONEq(t, `{"event":"created"}`, msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}
}

func TestPing(t *testing.T) {
	client := setupTestRedis(t)
	assert.NoError(t, Ping(context.Background(), client))
}
