// Package relay abstracts the bidirectional channel connecting a client to a
// room, whatever the concrete transport: a WebSocket relay server, a Redis
// broadcast channel, or an in-process bus.
//
// Self-exclusion is enforced here and only here: every backend filters
// inbound envelopes whose origin is the relay's own client ID, so a client
// never receives its own broadcast back. Servers and buses fan out to all
// subscribers without filtering.
package relay

import (
	"context"
	"log"

	"syncroom/internal/wire"
)

// Handler receives inbound room messages of all kinds.
type Handler func(wire.Envelope)

// CloseHandler is notified when the transport drops; err is nil on a clean
// local close.
type CloseHandler func(err error)

// Relay is one logical channel per room. Connect resolves only after the
// underlying transport has confirmed the room subscription; Send is a no-op
// while disconnected rather than an error, so callers never crash on
// backpressure or a dropped link.
type Relay interface {
	Connect(ctx context.Context, roomID string) error
	Send(env wire.Envelope) error
	OnMessage(Handler)
	OnClose(CloseHandler)
	Close() error
}

// dispatch decodes a raw frame and routes it to the handlers. Malformed
// frames and frames for other rooms are dropped with a log line; frames
// originating from selfID are dropped silently (the self-exclusion check).
func dispatch(handlers []Handler, selfID uint32, roomID string, raw []byte) {
	env, err := wire.Decode(raw)
	if err != nil {
		log.Printf("relay: dropping malformed frame: %v", err)
		return
	}
	if env.ClientID == selfID {
		return
	}
	if env.RoomID != "" && env.RoomID != roomID {
		log.Printf("relay: dropping frame for foreign room %q", env.RoomID)
		return
	}
	for _, h := range handlers {
		h(env)
	}
}
