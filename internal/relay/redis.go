package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"syncroom/internal/wire"
)

const publishTimeout = 5 * time.Second

// ChannelName is the pub/sub channel carrying a room's traffic. The server's
// redis bridge publishes and subscribes on the same name.
func ChannelName(roomID string) string {
	return "syncroom:" + roomID
}

// Redis relays room traffic over a Redis pub/sub channel, one channel per
// room. Redis delivers published messages back to the publisher, so the
// inbound origin check in dispatch is what keeps a client from seeing its
// own frames.
type Redis struct {
	client   *redis.Client
	clientID uint32

	mu       sync.Mutex
	pubsub   *redis.PubSub
	roomID   string
	closed   bool
	handlers []Handler
	onClose  []CloseHandler
}

// NewRedis creates a relay over an existing Redis client.
func NewRedis(client *redis.Client, clientID uint32) *Redis {
	return &Redis{client: client, clientID: clientID}
}

// Connect subscribes to the room channel. It resolves only after Redis
// acknowledges the subscription, not merely after issuing it.
func (r *Redis) Connect(ctx context.Context, roomID string) error {
	r.mu.Lock()
	if r.pubsub != nil {
		r.mu.Unlock()
		return fmt.Errorf("already connected to room %q", r.roomID)
	}
	r.closed = false
	r.mu.Unlock()

	pubsub := r.client.Subscribe(ctx, ChannelName(roomID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe room %q: %w", roomID, err)
	}

	r.mu.Lock()
	r.pubsub = pubsub
	r.roomID = roomID
	r.mu.Unlock()

	go r.readLoop(pubsub, roomID)
	return nil
}

// Send publishes an envelope to the room channel. No-op while disconnected.
func (r *Redis) Send(env wire.Envelope) error {
	r.mu.Lock()
	connected, roomID := r.pubsub != nil, r.roomID
	r.mu.Unlock()
	if !connected {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, ChannelName(roomID), wire.Encode(env)).Err(); err != nil {
		return fmt.Errorf("publish frame: %w", err)
	}
	return nil
}

// OnMessage registers an inbound handler.
func (r *Redis) OnMessage(h Handler) {
	r.mu.Lock()
	r.handlers = append(r.handlers, h)
	r.mu.Unlock()
}

// OnClose registers a transport-loss handler.
func (r *Redis) OnClose(h CloseHandler) {
	r.mu.Lock()
	r.onClose = append(r.onClose, h)
	r.mu.Unlock()
}

// Close unsubscribes cleanly without firing close handlers. The underlying
// Redis client is owned by the caller and stays open.
func (r *Redis) Close() error {
	r.mu.Lock()
	r.closed = true
	pubsub := r.pubsub
	r.pubsub = nil
	r.mu.Unlock()
	if pubsub == nil {
		return nil
	}
	return pubsub.Close()
}

func (r *Redis) readLoop(pubsub *redis.PubSub, roomID string) {
	for msg := range pubsub.Channel() {
		r.mu.Lock()
		handlers := r.handlers
		r.mu.Unlock()
		dispatch(handlers, r.clientID, roomID, []byte(msg.Payload))
	}

	r.mu.Lock()
	closed := r.closed
	if r.pubsub == pubsub {
		r.pubsub = nil
	}
	cbs := r.onClose
	r.mu.Unlock()
	if !closed {
		for _, fn := range cbs {
			fn(fmt.Errorf("redis subscription closed"))
		}
	}
}
