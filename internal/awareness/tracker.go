// Package awareness tracks ephemeral per-client presence (cursor, identity)
// for a room. Presence is last-writer-wins per client and never enters the
// CRDT merge: there is no meaningful historical conflict to resolve for a
// cursor position.
package awareness

import (
	"sort"
	"sync"
	"time"
)

const (
	// DefaultExpiry is how stale an entry may get before the sweep removes
	// it. Guards against zombie cursors from clients that vanished without a
	// clean close frame.
	DefaultExpiry = 30 * time.Second
	// DefaultSweepInterval is how often stale entries are collected.
	DefaultSweepInterval = 10 * time.Second
)

// Cursor is a caret or selection inside the document, in visible rune
// offsets.
type Cursor struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

// State is the client-controlled portion of a presence entry.
type State struct {
	UserID      string  `json:"userId"`
	DisplayName string  `json:"displayName"`
	Color       string  `json:"color"`
	Cursor      *Cursor `json:"cursor,omitempty"`
}

// Entry is one live client's presence as seen by this tracker.
type Entry struct {
	ClientID uint32
	State    State
	LastSeen time.Time
}

// Tracker maintains the presence map for one room.
type Tracker struct {
	mu       sync.Mutex
	clientID uint32
	local    State
	remote   map[uint32]Entry
	onChange []func([]Entry)
	onLocal  []func(State)

	expiry time.Duration
	now    func() time.Time
	ticker *time.Ticker
	done   chan struct{}
	closed bool
}

// Option adjusts tracker construction; used by tests to inject a clock.
type Option func(*Tracker)

// WithClock substitutes the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithExpiry overrides the stale-entry threshold.
func WithExpiry(d time.Duration) Option {
	return func(t *Tracker) { t.expiry = d }
}

// NewTracker creates a tracker for the given client and starts the periodic
// sweep. Callers must Close it to stop the sweep timer.
func NewTracker(clientID uint32, sweepInterval time.Duration, opts ...Option) *Tracker {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	t := &Tracker{
		clientID: clientID,
		remote:   make(map[uint32]Entry),
		expiry:   DefaultExpiry,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.ticker = time.NewTicker(sweepInterval)
	go t.sweepLoop()
	return t
}

// OnChange registers an observer of the remote presence set; the editor UI
// uses it to render remote cursors.
func (t *Tracker) OnChange(fn func([]Entry)) {
	t.mu.Lock()
	t.onChange = append(t.onChange, fn)
	t.mu.Unlock()
}

// OnLocalChange registers an observer of the local state; the session uses
// it to broadcast the local entry.
func (t *Tracker) OnLocalChange(fn func(State)) {
	t.mu.Lock()
	t.onLocal = append(t.onLocal, fn)
	t.mu.Unlock()
}

// SetLocal replaces the local presence state and triggers a broadcast.
func (t *Tracker) SetLocal(s State) {
	t.mu.Lock()
	t.local = s
	cbs := t.onLocal
	t.mu.Unlock()
	for _, fn := range cbs {
		fn(s)
	}
}

// Local returns the local presence state.
func (t *Tracker) Local() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

// ApplyRemote upserts a remote client's presence and refreshes its LastSeen.
// Presence from the tracker's own client is ignored.
func (t *Tracker) ApplyRemote(clientID uint32, s State) {
	if clientID == t.clientID {
		return
	}
	t.mu.Lock()
	t.remote[clientID] = Entry{ClientID: clientID, State: s, LastSeen: t.now()}
	t.mu.Unlock()
	t.notify()
}

// Remove drops a remote client, e.g. on its clean disconnect.
func (t *Tracker) Remove(clientID uint32) {
	t.mu.Lock()
	_, ok := t.remote[clientID]
	delete(t.remote, clientID)
	t.mu.Unlock()
	if ok {
		t.notify()
	}
}

// Entries enumerates live remote presence, ordered by client ID.
func (t *Tracker) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entriesLocked()
}

// Sweep removes entries whose LastSeen exceeded the expiry threshold. It is
// called periodically but exported so tests can force a pass.
func (t *Tracker) Sweep() {
	t.mu.Lock()
	cutoff := t.now().Add(-t.expiry)
	removed := false
	for id, e := range t.remote {
		if e.LastSeen.Before(cutoff) {
			delete(t.remote, id)
			removed = true
		}
	}
	t.mu.Unlock()
	if removed {
		t.notify()
	}
}

// Close stops the sweep timer synchronously. Safe to call more than once.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()
	t.ticker.Stop()
	close(t.done)
}

func (t *Tracker) sweepLoop() {
	for {
		select {
		case <-t.ticker.C:
			t.Sweep()
		case <-t.done:
			return
		}
	}
}

func (t *Tracker) notify() {
	t.mu.Lock()
	entries := t.entriesLocked()
	cbs := t.onChange
	t.mu.Unlock()
	for _, fn := range cbs {
		fn(entries)
	}
}

func (t *Tracker) entriesLocked() []Entry {
	out := make([]Entry, 0, len(t.remote))
	for _, e := range t.remote {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}
