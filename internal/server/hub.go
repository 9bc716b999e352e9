// Package server is the relay backend: a WebSocket endpoint that fans every
// frame out to all clients attached to the same room. The server never
// inspects document content; filtering a client's own frames is the client
// relay's job.
package server

import (
	"log"
	"sync"
)

// Hub tracks room membership and broadcasts frames. A member is identified
// by its send channel; the websocket handler owns the channel and drains it
// in its write pump.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]map[chan<- []byte]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[chan<- []byte]struct{})}
}

// Join adds a member to a room and returns the new member count.
func (h *Hub) Join(roomID string, send chan<- []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[chan<- []byte]struct{})
		h.rooms[roomID] = members
	}
	members[send] = struct{}{}
	return len(members)
}

// Leave removes a member and returns the remaining count. Empty rooms are
// dropped so idle documents cost nothing.
func (h *Hub) Leave(roomID string, send chan<- []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[roomID]
	if !ok {
		return 0
	}
	delete(members, send)
	if len(members) == 0 {
		delete(h.rooms, roomID)
		return 0
	}
	return len(members)
}

// Broadcast delivers a frame to every member of the room, the sender
// included. A member whose queue is full loses the frame; the client-side
// join protocol recovers lost state on reconnect.
func (h *Hub) Broadcast(roomID string, frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for send := range h.rooms[roomID] {
		select {
		case send <- frame:
		default:
			log.Printf("hub: room %s member queue full, dropping frame", roomID)
		}
	}
}

// Rooms returns the number of active rooms.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Members returns the member count of one room.
func (h *Hub) Members(roomID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[roomID])
}
