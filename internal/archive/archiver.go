// Package archive persists room snapshots server-side. The archiver joins
// each open room as a headless participant: it folds the room's updates
// into its own replica, saves snapshots on a debounce, answers sync
// requests from joiners, and restores the room from the store when it is
// the first one in.
package archive

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"syncroom/internal/persist"
	"syncroom/internal/relay"
	"syncroom/internal/session"
)

// RelayFactory builds a relay endpoint for one headless participant. With
// a Redis deployment it returns a Redis relay so archived state follows
// the room across instances; otherwise a hub-attached Local relay.
type RelayFactory func(clientID uint32) relay.Relay

// Archiver manages one headless session per open room.
type Archiver struct {
	store    persist.SnapshotStore
	relays   RelayFactory
	debounce time.Duration

	mu       sync.Mutex
	sessions map[string]*session.Session
	closed   bool
}

// New creates an archiver. debounce <= 0 uses the saver default.
func New(store persist.SnapshotStore, relays RelayFactory, debounce time.Duration) *Archiver {
	return &Archiver{
		store:    store,
		relays:   relays,
		debounce: debounce,
		sessions: make(map[string]*session.Session),
	}
}

// RoomOpened attaches a headless session to the room. Idempotent.
func (a *Archiver) RoomOpened(roomID string) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	if _, ok := a.sessions[roomID]; ok {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	var clientID uint32
	for clientID == 0 {
		clientID = uuid.New().ID()
	}
	s, err := session.New(session.Config{
		Room:         roomID,
		ClientID:     clientID,
		Headless:     true,
		Relay:        a.relays(clientID),
		Store:        a.store,
		SaveDebounce: a.debounce,
	})
	if err != nil {
		log.Printf("archive: attach room %s: %v", roomID, err)
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		s.Close()
		return
	}
	if _, ok := a.sessions[roomID]; ok {
		// Lost the race to a concurrent open; keep the first session.
		a.mu.Unlock()
		s.Close()
		return
	}
	a.sessions[roomID] = s
	a.mu.Unlock()

	s.Start(context.Background())
	log.Printf("archive: attached to room %s", roomID)
}

// RoomClosed detaches from the room, flushing a final snapshot.
func (a *Archiver) RoomClosed(roomID string) {
	a.mu.Lock()
	s, ok := a.sessions[roomID]
	delete(a.sessions, roomID)
	a.mu.Unlock()
	if !ok {
		return
	}
	s.Close()
	log.Printf("archive: detached from room %s", roomID)
}

// Rooms returns the number of attached rooms.
func (a *Archiver) Rooms() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// Close detaches from every room, flushing final snapshots.
func (a *Archiver) Close() {
	a.mu.Lock()
	a.closed = true
	sessions := a.sessions
	a.sessions = make(map[string]*session.Session)
	a.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}
