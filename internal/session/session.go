// Package session ties one client's replica to a room: it owns the join
// protocol, the reconnect loop with backoff, and the plumbing between the
// CRDT document, the awareness tracker and the transport relay.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"syncroom/internal/awareness"
	"syncroom/internal/crdt"
	"syncroom/internal/persist"
	"syncroom/internal/relay"
	"syncroom/internal/wire"
)

const (
	// DefaultSyncTimeout bounds how long a joining client waits for a peer
	// to answer its sync request before assuming it is the first
	// participant. The session must never deadlock waiting for a peer that
	// will never arrive.
	DefaultSyncTimeout = time.Second
	// DefaultSyncCooldown is the per-requester window in which a peer
	// answers at most one sync request.
	DefaultSyncCooldown = time.Second
	// DefaultCooldownExpiry is how long served-requester entries are kept.
	DefaultCooldownExpiry = 30 * time.Second
	// DefaultBackoffBase and DefaultBackoffCap bound the reconnect delay.
	DefaultBackoffBase = time.Second
	DefaultBackoffCap  = 30 * time.Second

	loadTimeout = 5 * time.Second
)

// Config assembles a session. Relay, TenantID, DocType and DocID are
// required; everything else has defaults.
type Config struct {
	TenantID string
	DocType  string
	DocID    string

	// Room overrides the derived room key. Server-side participants that
	// learn the key from the transport set it instead of the triple.
	Room string

	// ClientID must be unique within the room; zero means generate one.
	ClientID uint32
	// Presence is the local user's initial awareness state.
	Presence awareness.State
	// Headless suppresses presence broadcasts. Server-side participants
	// set it so they never show up as a ghost collaborator.
	Headless bool

	Relay relay.Relay
	// Store, when set, enables opportunistic snapshot persistence and the
	// bootstrap load when no peer answers the sync request.
	Store persist.SnapshotStore

	SyncTimeout     time.Duration
	SyncCooldown    time.Duration
	CooldownExpiry  time.Duration
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	SweepInterval   time.Duration
	AwarenessExpiry time.Duration
	SaveDebounce    time.Duration

	// Clock substitutes the time source in tests.
	Clock func() time.Time
}

func (c *Config) applyDefaults() {
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = DefaultSyncTimeout
	}
	if c.SyncCooldown <= 0 {
		c.SyncCooldown = DefaultSyncCooldown
	}
	if c.CooldownExpiry <= 0 {
		c.CooldownExpiry = DefaultCooldownExpiry
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultBackoffCap
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Presence.UserID == "" {
		c.Presence.UserID = uuid.NewString()
	}
}

// Session is one client's live attachment to a room.
type Session struct {
	cfg      Config
	roomID   string
	clientID uint32
	doc      *crdt.Document
	tracker  *awareness.Tracker
	rly      relay.Relay
	saver    *persist.Saver
	now      func() time.Time
	ctx      context.Context

	mu            sync.Mutex
	status        Status
	awaiting      bool
	syncGen       int
	syncTimer     *time.Timer
	served        map[uint32]time.Time
	outbox        [][]byte
	everConnected bool
	closed        bool
	onStatus      []func(Status)
	stop          chan struct{}
}

// New assembles a session. Call Start to connect.
func New(cfg Config) (*Session, error) {
	if cfg.Relay == nil {
		return nil, errors.New("session needs a relay")
	}
	roomID := cfg.Room
	if roomID == "" {
		var err error
		roomID, err = RoomID(cfg.TenantID, cfg.DocType, cfg.DocID)
		if err != nil {
			return nil, err
		}
	}
	cfg.applyDefaults()

	clientID := cfg.ClientID
	for clientID == 0 {
		clientID = uuid.New().ID()
	}

	trackerOpts := []awareness.Option{awareness.WithClock(cfg.Clock)}
	if cfg.AwarenessExpiry > 0 {
		trackerOpts = append(trackerOpts, awareness.WithExpiry(cfg.AwarenessExpiry))
	}

	s := &Session{
		cfg:      cfg,
		roomID:   roomID,
		clientID: clientID,
		doc:      crdt.New(clientID),
		tracker:  awareness.NewTracker(clientID, cfg.SweepInterval, trackerOpts...),
		rly:      cfg.Relay,
		now:      cfg.Clock,
		served:   make(map[uint32]time.Time),
		stop:     make(chan struct{}),
	}
	// Snapshots are keyed by the room key, not the bare document ID, so
	// documents from different tenants never collide in the store.
	if cfg.Store != nil {
		s.saver = persist.NewSaver(cfg.Store, roomID, cfg.SaveDebounce, s.doc.EncodeFullState)
	}

	s.doc.OnUpdate(s.onDocUpdate)
	if !cfg.Headless {
		s.tracker.OnLocalChange(s.broadcastPresence)
	}
	s.tracker.SetLocal(cfg.Presence)
	s.rly.OnMessage(s.handleEnvelope)
	s.rly.OnClose(s.handleTransportLoss)
	return s, nil
}

// Start connects in the background. The session keeps reconnecting until
// Close is called or ctx is cancelled; local editing works throughout.
func (s *Session) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx = ctx
	go s.connectLoop()
}

// Doc returns the replicated document. The editor applies local changes
// through it and subscribes to its updates to re-render.
func (s *Session) Doc() *crdt.Document { return s.doc }

// Awareness returns the presence tracker for rendering remote cursors.
func (s *Session) Awareness() *awareness.Tracker { return s.tracker }

// RoomID returns the derived room key.
func (s *Session) RoomID() string { return s.roomID }

// ClientID returns the session's client ID.
func (s *Session) ClientID() uint32 { return s.clientID }

// Status returns the current connection status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// OnStatus registers a status observer; the editor uses it to show a
// transient reconnecting indicator.
func (s *Session) OnStatus(fn func(Status)) {
	s.mu.Lock()
	s.onStatus = append(s.onStatus, fn)
	s.mu.Unlock()
}

// SetPresence updates and broadcasts the local awareness state.
func (s *Session) SetPresence(st awareness.State) {
	s.tracker.SetLocal(st)
}

// Close tears the session down: it stops the sync timer and awareness
// sweep, detaches from the transport and flushes a final snapshot. All of
// that happens before Close returns, so re-mounting a fresh session leaks
// neither timers nor sockets.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.awaiting = false
	if s.syncTimer != nil {
		s.syncTimer.Stop()
		s.syncTimer = nil
	}
	s.mu.Unlock()

	close(s.stop)
	s.tracker.Close()
	if err := s.rly.Close(); err != nil {
		log.Printf("session %s: close relay: %v", s.roomID, err)
	}
	if s.saver != nil {
		s.saver.Close()
	}
	s.setStatus(StatusDisconnected)
}

func (s *Session) connectLoop() {
	backoff := s.cfg.BackoffBase
	for {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}

		s.setStatus(StatusConnecting)
		err := s.rly.Connect(s.ctx, s.roomID)
		if err == nil {
			s.onConnected()
			return
		}
		log.Printf("session %s: connect: %v (retrying in %s)", s.roomID, err, backoff)
		s.setStatus(StatusDisconnected)

		select {
		case <-time.After(backoff):
		case <-s.stop:
			return
		case <-s.ctx.Done():
			return
		}
		backoff *= 2
		if backoff > s.cfg.BackoffCap {
			backoff = s.cfg.BackoffCap
		}
	}
}

func (s *Session) onConnected() {
	s.setStatus(StatusConnected)

	s.mu.Lock()
	outbox := s.outbox
	s.outbox = nil
	reconnected := s.everConnected
	s.everConnected = true
	s.mu.Unlock()

	if reconnected && !s.doc.IsEmpty() {
		// Sends that were in flight when the transport dropped are presumed
		// lost, so offer everything we have; over-delivery is absorbed by
		// the merge.
		s.sendUpdate(crdt.EncodeDelta(s.doc.DiffSince(crdt.VersionVector{})))
	} else {
		for _, encoded := range outbox {
			s.sendUpdate(encoded)
		}
	}
	if !s.cfg.Headless {
		s.broadcastPresence(s.tracker.Local())
	}
	s.beginJoin()
}

// beginJoin runs the join protocol: one sync request, then either a peer's
// answer or the timeout moves the session to synced.
func (s *Session) beginJoin() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.awaiting = true
	s.syncGen++
	gen := s.syncGen
	s.mu.Unlock()

	if err := s.rly.Send(wire.SyncRequest(s.roomID, s.clientID)); err != nil {
		log.Printf("session %s: send sync request: %v", s.roomID, err)
	}

	s.mu.Lock()
	if s.awaiting && gen == s.syncGen {
		s.syncTimer = time.AfterFunc(s.cfg.SyncTimeout, func() { s.syncTimedOut(gen) })
	}
	s.mu.Unlock()
}

func (s *Session) syncTimedOut(gen int) {
	s.mu.Lock()
	if s.closed || !s.awaiting || gen != s.syncGen {
		s.mu.Unlock()
		return
	}
	s.awaiting = false
	s.syncTimer = nil
	s.mu.Unlock()

	// Nobody answered: this client is the first participant. Fall back to
	// the snapshot store when there is one and nothing local yet.
	if s.cfg.Store != nil && s.doc.IsEmpty() {
		ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
		snapshot, err := s.cfg.Store.Load(ctx, s.roomID)
		cancel()
		switch {
		case errors.Is(err, persist.ErrNotFound):
		case err != nil:
			log.Printf("session %s: load snapshot: %v", s.roomID, err)
		default:
			if err := s.doc.ApplySnapshot(snapshot); err != nil {
				log.Printf("session %s: apply persisted snapshot: %v", s.roomID, err)
			}
			// Announce the restored state so a replica that joined during
			// the restore converges without asking again.
			if !s.doc.IsEmpty() {
				if err := s.rly.Send(wire.Sync(s.roomID, s.clientID, s.doc.EncodeFullState())); err != nil {
					log.Printf("session %s: announce restored snapshot: %v", s.roomID, err)
				}
			}
		}
	}
	s.setStatus(StatusSynced)
}

func (s *Session) markSynced() {
	s.mu.Lock()
	if !s.awaiting {
		s.mu.Unlock()
		return
	}
	s.awaiting = false
	if s.syncTimer != nil {
		s.syncTimer.Stop()
		s.syncTimer = nil
	}
	s.mu.Unlock()
	s.setStatus(StatusSynced)
}

func (s *Session) handleTransportLoss(err error) {
	log.Printf("session %s: transport lost: %v", s.roomID, err)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.awaiting = false
	if s.syncTimer != nil {
		s.syncTimer.Stop()
		s.syncTimer = nil
	}
	s.mu.Unlock()

	s.setStatus(StatusDisconnected)
	go s.connectLoop()
}

func (s *Session) handleEnvelope(env wire.Envelope) {
	switch env.Kind {
	case wire.KindUpdate:
		raw, err := env.Bytes()
		if err != nil {
			log.Printf("session %s: bad update payload from %d: %v", s.roomID, env.ClientID, err)
			return
		}
		if err := s.doc.ApplyRemoteDelta(raw); err != nil {
			return
		}
		s.markSynced()
	case wire.KindSync:
		raw, err := env.Bytes()
		if err != nil {
			log.Printf("session %s: bad sync payload from %d: %v", s.roomID, env.ClientID, err)
			return
		}
		if err := s.doc.ApplySnapshot(raw); err != nil {
			return
		}
		s.markSynced()
	case wire.KindSyncRequest:
		s.maybeRespond(env.ClientID)
	case wire.KindAwareness:
		var st awareness.State
		if err := json.Unmarshal(env.Payload, &st); err != nil {
			log.Printf("session %s: bad awareness payload from %d: %v", s.roomID, env.ClientID, err)
			return
		}
		s.tracker.ApplyRemote(env.ClientID, st)
	}
}

// maybeRespond answers a peer's sync request with full state, at most once
// per requester within the cooldown window. This dedup is the room's only
// defense against a sync storm when many clients join at once, so it is
// enforced unconditionally.
func (s *Session) maybeRespond(requester uint32) {
	if s.doc.IsEmpty() {
		// A replica that never held content must not answer: its "state"
		// could race a real response and would offer nothing.
		return
	}

	now := s.now()
	s.mu.Lock()
	for id, at := range s.served {
		if now.Sub(at) > s.cfg.CooldownExpiry {
			delete(s.served, id)
		}
	}
	if at, ok := s.served[requester]; ok && now.Sub(at) < s.cfg.SyncCooldown {
		s.mu.Unlock()
		return
	}
	s.served[requester] = now
	s.mu.Unlock()

	if err := s.rly.Send(wire.Sync(s.roomID, s.clientID, s.doc.EncodeFullState())); err != nil {
		log.Printf("session %s: send sync response: %v", s.roomID, err)
	}
}

func (s *Session) onDocUpdate(d crdt.Delta, remote bool) {
	if s.saver != nil {
		s.saver.Touch()
	}
	if remote {
		return
	}
	encoded := crdt.EncodeDelta(d)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.status < StatusConnected {
		// Offline edits are kept, not discarded; they flush on reconnect.
		s.outbox = append(s.outbox, encoded)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.sendUpdate(encoded)
}

func (s *Session) sendUpdate(encoded []byte) {
	if err := s.rly.Send(wire.Update(s.roomID, s.clientID, encoded)); err != nil {
		log.Printf("session %s: send update: %v", s.roomID, err)
	}
}

func (s *Session) broadcastPresence(st awareness.State) {
	env, err := wire.Awareness(s.roomID, s.clientID, st)
	if err != nil {
		log.Printf("session %s: %v", s.roomID, err)
		return
	}
	if err := s.rly.Send(env); err != nil {
		log.Printf("session %s: send awareness: %v", s.roomID, err)
	}
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	if s.status == st {
		s.mu.Unlock()
		return
	}
	s.status = st
	cbs := s.onStatus
	s.mu.Unlock()
	for _, fn := range cbs {
		fn(st)
	}
}

// String describes the session for logs.
func (s *Session) String() string {
	return fmt.Sprintf("session(room=%s client=%d)", s.roomID, s.clientID)
}
