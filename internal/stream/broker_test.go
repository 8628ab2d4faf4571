package stream

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisclient "github.com/staffdesk/agent-server-go/internal/redis"
)

// These tests require a running Redis instance; DB 15 is reserved for tests.
func setupTestRedis(t *testing.T) *redisclient.Client {
	t.Helper()
	opts, err := goredis.ParseURL("redis://localhost:6379/15")
	require.NoError(t, err)

	client := goredis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		t.Skip("Redis not available for testing")
	}
	client.FlushDB(context.Background())
	return &redisclient.Client{Client: client}
}

func receiveEvent(t *testing.T, client *Client) Event {
	t.Helper()
	select {
	case event := <-client.Events:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func assertNoEvent(t *testing.T, client *Client) {
	t.Helper()
	select {
	case event := <-client.Events:
		t.Fatalf("unexpected extra event: %s", event.Type)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestBroker_PublishReachesAllWatchers(t *testing.T) {
	redisClient := setupTestRedis(t)
	defer redisClient.Close()

	broker := NewBroker(redisClient)
	defer broker.Close()

	first := broker.Subscribe("chat-1")
	second := broker.Subscribe("chat-1")
	defer broker.Unsubscribe(first)
	defer broker.Unsubscribe(second)

	// give the pubsub goroutine time to establish the subscription
	time.Sleep(100 * time.Millisecond)

	ctx := context.Background()
	require.NoError(t, broker.Publish(ctx, "chat-1", NewEvent(EventActionConfirmed, map[string]any{"actionId": "a-1"})))

	assert.Equal(t, EventActionConfirmed, receiveEvent(t, first).Type)
	assert.Equal(t, EventActionConfirmed, receiveEvent(t, second).Type)
}

func TestBroker_ResubscribeDoesNotDuplicateEvents(t *testing.T) {
	redisClient := setupTestRedis(t)
	defer redisClient.Close()

	broker := NewBroker(redisClient)
	defer broker.Close()

	ctx := context.Background()

	// churn the watcher set a few times; each empty-to-nonempty cycle must
	// leave exactly one live subscription behind
	for i := 0; i < 3; i++ {
		client := broker.Subscribe("chat-1")
		time.Sleep(100 * time.Millisecond)
		broker.Unsubscribe(client)
	}
	assert.Equal(t, 0, broker.ClientCount("chat-1"))

	client := broker.Subscribe("chat-1")
	defer broker.Unsubscribe(client)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, broker.Publish(ctx, "chat-1", NewEvent(EventConfirmationRequired, map[string]any{"actionId": "a-1"})))

	assert.Equal(t, EventConfirmationRequired, receiveEvent(t, client).Type)
	assertNoEvent(t, client)
}

func TestBroker_ChatsAreIsolated(t *testing.T) {
	redisClient := setupTestRedis(t)
	defer redisClient.Close()

	broker := NewBroker(redisClient)
	defer broker.Close()

	watcher := broker.Subscribe("chat-2")
	defer broker.Unsubscribe(watcher)
	time.Sleep(100 * time.Millisecond)

	ctx := context.Background()
	require.NoError(t, broker.Publish(ctx, "chat-1", NewEvent(EventActionConfirmed, map[string]any{"actionId": "a-1"})))

	assertNoEvent(t, watcher)
}
