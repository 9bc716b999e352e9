package relay

import (
	"context"
	"fmt"
	"sync"

	"syncroom/internal/wire"
)

// Broadcaster is the room registry a Local relay attaches to. The server's
// hub satisfies it, which lets in-process participants (such as a snapshot
// archiver) join rooms without a socket.
type Broadcaster interface {
	Join(roomID string, send chan<- []byte) int
	Leave(roomID string, send chan<- []byte) int
	Broadcast(roomID string, frame []byte)
}

// Local is a relay endpoint attached directly to a Broadcaster.
type Local struct {
	b        Broadcaster
	clientID uint32

	mu        sync.Mutex
	roomID    string
	in        chan []byte
	connected bool
	handlers  []Handler
	onClose   []CloseHandler
}

// NewLocal creates a relay for one in-process client.
func NewLocal(b Broadcaster, clientID uint32) *Local {
	return &Local{b: b, clientID: clientID}
}

// Connect joins the room. Reconnecting after a Close is allowed.
func (l *Local) Connect(ctx context.Context, roomID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	if l.connected {
		l.mu.Unlock()
		return fmt.Errorf("already connected to room %q", l.roomID)
	}
	l.roomID = roomID
	l.in = make(chan []byte, 256)
	l.connected = true
	in := l.in
	l.mu.Unlock()

	l.b.Join(roomID, in)
	go l.pump(in, roomID)
	return nil
}

// Send broadcasts a frame to the room. No-op while disconnected.
func (l *Local) Send(env wire.Envelope) error {
	l.mu.Lock()
	connected, roomID := l.connected, l.roomID
	l.mu.Unlock()
	if !connected {
		return nil
	}
	l.b.Broadcast(roomID, wire.Encode(env))
	return nil
}

// OnMessage registers an inbound handler.
func (l *Local) OnMessage(h Handler) {
	l.mu.Lock()
	l.handlers = append(l.handlers, h)
	l.mu.Unlock()
}

// OnClose registers a transport-loss handler. A Local relay shares the
// process with its broadcaster, so the transport never drops on its own.
func (l *Local) OnClose(h CloseHandler) {
	l.mu.Lock()
	l.onClose = append(l.onClose, h)
	l.mu.Unlock()
}

// Close leaves the room without firing close handlers.
func (l *Local) Close() error {
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return nil
	}
	l.connected = false
	roomID, in := l.roomID, l.in
	l.mu.Unlock()
	l.b.Leave(roomID, in)
	close(in)
	return nil
}

func (l *Local) pump(in chan []byte, roomID string) {
	for raw := range in {
		l.mu.Lock()
		handlers := l.handlers
		l.mu.Unlock()
		dispatch(handlers, l.clientID, roomID, raw)
	}
}
