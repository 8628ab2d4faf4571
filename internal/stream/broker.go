package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	redisclient "github.com/staffdesk/agent-server-go/internal/redis"
)

const (
	HeartbeatInterval = 30 * time.Second
)

// Client is one watcher of a chat session's live events.
type Client struct {
	ChatID string
	Events chan Event
	Done   chan struct{}
}

// Broker fans chat-session events out to watchers through redis pub/sub,
// so a watcher connected to one backend process sees events produced on
// another. Request-scoped turn streams do not pass through here; the broker
// only mirrors them for secondary listeners.
type Broker struct {
	redis   *redisclient.Client
	clients map[string]map[*Client]bool   // chatID -> set of clients
	subs    map[string]context.CancelFunc // chatID -> pubsub goroutine cancel
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewBroker(redisClient *redisclient.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:   redisClient,
		clients: make(map[string]map[*Client]bool),
		subs:    make(map[string]context.CancelFunc),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (b *Broker) Subscribe(chatID string) *Client {
	client := &Client{
		ChatID: chatID,
		Events: make(chan Event, 100),
		Done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.clients[chatID] == nil {
		b.clients[chatID] = make(map[*Client]bool)
		subCtx, subCancel := context.WithCancel(b.ctx)
		b.subs[chatID] = subCancel
		go b.subscribeToRedis(subCtx, chatID)
	}
	b.clients[chatID][client] = true
	clientCount := len(b.clients[chatID])
	b.mu.Unlock()

	log.Info().
		Str("chatId", chatID).
		Int("clientCount", clientCount).
		Msg("event watcher subscribed")

	return client
}

func (b *Broker) Unsubscribe(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if clients, ok := b.clients[client.ChatID]; ok {
		delete(clients, client)
		close(client.Done)

		// the last watcher leaving tears down the redis subscription, so the
		// next Subscribe for this chat starts exactly one fresh goroutine
		if len(clients) == 0 {
			delete(b.clients, client.ChatID)
			if subCancel, ok := b.subs[client.ChatID]; ok {
				subCancel()
				delete(b.subs, client.ChatID)
			}
		}

		log.Info().
			Str("chatId", client.ChatID).
			Int("clientCount", len(clients)).
			Msg("event watcher unsubscribed")
	}
}

func (b *Broker) Publish(ctx context.Context, chatID string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	channel := redisclient.ChatChannel(chatID)
	return b.redis.Publish(ctx, channel, data).Err()
}

func (b *Broker) subscribeToRedis(ctx context.Context, chatID string) {
	channel := redisclient.ChatChannel(chatID)
	pubsub := b.redis.Subscribe(ctx, channel)
	defer pubsub.Close()

	log.Debug().
		Str("chatId", chatID).
		Str("channel", channel).
		Msg("redis pubsub subscribed")

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Error().Err(err).Msg("failed to unmarshal event")
				continue
			}

			b.broadcast(chatID, event)
		}
	}
}

func (b *Broker) broadcast(chatID string, event Event) {
	b.mu.RLock()
	clients := b.clients[chatID]
	b.mu.RUnlock()

	for client := range clients {
		select {
		case client.Events <- event:
		default:
			log.Warn().
				Str("chatId", chatID).
				Msg("watcher event buffer full, dropping event")
		}
	}
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, clients := range b.clients {
		for client := range clients {
			close(client.Done)
		}
	}
	b.clients = make(map[string]map[*Client]bool)
	b.subs = make(map[string]context.CancelFunc)
}

func (b *Broker) ClientCount(chatID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients[chatID])
}
