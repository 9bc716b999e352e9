package server

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"syncroom/internal/relay"
)

const bridgePublishTimeout = 5 * time.Second

// RedisBridge spans rooms across server instances: inbound frames are
// published to the room's Redis channel instead of broadcast locally, and
// the bridge's subscription delivers them back to every instance, this one
// included. That round trip keeps delivery single-path, so no client sees a
// frame twice.
type RedisBridge struct {
	client *redis.Client

	mu   sync.Mutex
	subs map[string]*redis.PubSub
}

// NewRedisBridge creates a bridge over an existing Redis client. The client
// is owned by the caller.
func NewRedisBridge(client *redis.Client) *RedisBridge {
	return &RedisBridge{client: client, subs: make(map[string]*redis.PubSub)}
}

// Subscribe starts forwarding the room's Redis channel into deliver. It is
// a no-op when the room is already subscribed.
func (b *RedisBridge) Subscribe(ctx context.Context, roomID string, deliver func([]byte)) error {
	b.mu.Lock()
	if _, ok := b.subs[roomID]; ok {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	pubsub := b.client.Subscribe(ctx, relay.ChannelName(roomID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe room %q: %w", roomID, err)
	}

	b.mu.Lock()
	if _, ok := b.subs[roomID]; ok {
		// Lost the race to another handler; keep its subscription.
		b.mu.Unlock()
		pubsub.Close()
		return nil
	}
	b.subs[roomID] = pubsub
	b.mu.Unlock()

	go func() {
		for msg := range pubsub.Channel() {
			deliver([]byte(msg.Payload))
		}
	}()
	return nil
}

// Unsubscribe stops forwarding a room. Called when its last member leaves.
func (b *RedisBridge) Unsubscribe(roomID string) {
	b.mu.Lock()
	pubsub, ok := b.subs[roomID]
	delete(b.subs, roomID)
	b.mu.Unlock()
	if !ok {
		return
	}
	if err := pubsub.Close(); err != nil {
		log.Printf("bridge: unsubscribe room %s: %v", roomID, err)
	}
}

// Publish pushes an inbound frame onto the room's channel.
func (b *RedisBridge) Publish(roomID string, frame []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), bridgePublishTimeout)
	defer cancel()
	if err := b.client.Publish(ctx, relay.ChannelName(roomID), frame).Err(); err != nil {
		return fmt.Errorf("publish frame: %w", err)
	}
	return nil
}

// Close drops every subscription.
func (b *RedisBridge) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*redis.PubSub)
	b.mu.Unlock()
	for roomID, pubsub := range subs {
		if err := pubsub.Close(); err != nil {
			log.Printf("bridge: close room %s: %v", roomID, err)
		}
	}
}
