// Package persist provides optional snapshot persistence for crash
// recovery. The sync core calls Save opportunistically after edit activity
// settles, and Load once at session bootstrap when no peer answers the
// sync request in time.
package persist

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// ErrNotFound is returned by Load when no snapshot exists for a document.
var ErrNotFound = errors.New("snapshot not found")

// SnapshotStore persists full-state document snapshots keyed by document ID.
type SnapshotStore interface {
	Load(ctx context.Context, docID string) ([]byte, error)
	Save(ctx context.Context, docID string, snapshot []byte) error
}

const (
	// DefaultDebounce is how long edit activity must settle before a save.
	DefaultDebounce = 3 * time.Second

	saveTimeout = 10 * time.Second
)

// Saver debounces snapshot writes: each Touch re-arms the timer, so a burst
// of edits produces one save after the burst settles. Saves are
// fire-and-forget with logging; a failed save never disturbs the session.
type Saver struct {
	store    SnapshotStore
	docID    string
	debounce time.Duration
	snapshot func() []byte

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

// NewSaver creates a debounced saver. snapshot is called at save time to
// capture current state.
func NewSaver(store SnapshotStore, docID string, debounce time.Duration, snapshot func() []byte) *Saver {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Saver{
		store:    store,
		docID:    docID,
		debounce: debounce,
		snapshot: snapshot,
	}
}

// Touch notes edit activity and (re)arms the debounce timer.
func (s *Saver) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(s.debounce, s.save)
		return
	}
	s.timer.Reset(s.debounce)
}

// Flush saves immediately, cancelling any pending debounce.
func (s *Saver) Flush() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	s.save()
}

// Close stops the timer and performs a final save.
func (s *Saver) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	s.save()
}

func (s *Saver) save() {
	s.mu.Lock()
	s.timer = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := s.store.Save(ctx, s.docID, s.snapshot()); err != nil {
		log.Printf("persist: save snapshot for %s: %v", s.docID, err)
	}
}
