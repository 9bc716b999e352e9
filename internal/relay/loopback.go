package relay

import (
	"context"
	"fmt"
	"log"
	"sync"

	"syncroom/internal/wire"
)

// Bus is an in-process broadcast bus. It backs single-process deployments
// and tests: every relay joined to the same room sees every frame.
type Bus struct {
	mu    sync.Mutex
	rooms map[string]map[*Loopback]struct{}
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{rooms: make(map[string]map[*Loopback]struct{})}
}

// Relay creates a relay endpoint for one client. The endpoint is not
// connected until Connect is called.
func (b *Bus) Relay(clientID uint32) *Loopback {
	return &Loopback{bus: b, clientID: clientID}
}

func (b *Bus) join(roomID string, r *Loopback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	members, ok := b.rooms[roomID]
	if !ok {
		members = make(map[*Loopback]struct{})
		b.rooms[roomID] = members
	}
	members[r] = struct{}{}
}

func (b *Bus) leave(roomID string, r *Loopback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	members, ok := b.rooms[roomID]
	if !ok {
		return
	}
	if _, in := members[r]; !in {
		return
	}
	delete(members, r)
	if len(members) == 0 {
		delete(b.rooms, roomID)
	}
	close(r.in)
}

func (b *Bus) broadcast(roomID string, raw []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for r := range b.rooms[roomID] {
		select {
		case r.in <- raw:
		default:
			log.Printf("relay: loopback client %d inbound queue full, dropping frame", r.clientID)
		}
	}
}

// Loopback is one client's endpoint on a Bus.
type Loopback struct {
	bus      *Bus
	clientID uint32

	mu        sync.Mutex
	roomID    string
	in        chan []byte
	connected bool
	handlers  []Handler
	onClose   []CloseHandler
}

// Connect joins the room on the bus. Reconnecting after a drop is allowed.
func (l *Loopback) Connect(ctx context.Context, roomID string) error {
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

	l.bus.join(roomID, l)
	go l.pump(in)
	return nil
}

// Send broadcasts a frame to the room. No-op while disconnected.
func (l *Loopback) Send(env wire.Envelope) error {
	l.mu.Lock()
	connected, roomID := l.connected, l.roomID
	l.mu.Unlock()
	if !connected {
		return nil
	}
	l.bus.broadcast(roomID, wire.Encode(env))
	return nil
}

// OnMessage registers an inbound handler.
func (l *Loopback) OnMessage(h Handler) {
	l.mu.Lock()
	l.handlers = append(l.handlers, h)
	l.mu.Unlock()
}

// OnClose registers a transport-loss handler.
func (l *Loopback) OnClose(h CloseHandler) {
	l.mu.Lock()
	l.onClose = append(l.onClose, h)
	l.mu.Unlock()
}

// Close leaves the room cleanly without firing close handlers.
func (l *Loopback) Close() error {
	l.disconnect()
	return nil
}

// Drop simulates transport loss: leaves the room and notifies close
// handlers so a reconnection manager kicks in. Used by tests.
func (l *Loopback) Drop(err error) {
	if !l.disconnect() {
		return
	}
	l.mu.Lock()
	cbs := l.onClose
	l.mu.Unlock()
	for _, fn := range cbs {
		fn(err)
	}
}

func (l *Loopback) disconnect() bool {
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return false
	}
	l.connected = false
	roomID := l.roomID
	l.mu.Unlock()
	l.bus.leave(roomID, l)
	return true
}

func (l *Loopback) pump(in chan []byte) {
	for raw := range in {
		l.mu.Lock()
		handlers := l.handlers
		roomID := l.roomID
		l.mu.Unlock()
		dispatch(handlers, l.clientID, roomID, raw)
	}
}
