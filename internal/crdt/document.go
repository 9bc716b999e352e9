package crdt

import (
	"log"
	"math"
	"sort"
	"strings"
	"sync"
)

// UpdateFunc observes document mutations. remote is true when the delta was
// merged from the network and false for local edits; subscribers use it to
// decide what to re-broadcast, so a remote merge is never echoed back out.
type UpdateFunc func(d Delta, remote bool)

// Document is the mutable replicated state for one room. All mutation goes
// through InsertAt/DeleteAt (local) and Merge/ApplyRemoteDelta (remote);
// nothing else may touch the internal representation.
type Document struct {
	mu       sync.Mutex
	client   uint32
	clock    uint32
	atoms    []Atom
	seen     map[ID]struct{}
	deleted  map[ID]struct{}
	pending  map[ID]struct{} // deletes that arrived before their insert
	versions VersionVector
	onUpdate []UpdateFunc
}

// New creates an empty document replica. client must be nonzero and unique
// among the replicas of a room.
func New(client uint32) *Document {
	return &Document{
		client:   client,
		seen:     make(map[ID]struct{}),
		deleted:  make(map[ID]struct{}),
		pending:  make(map[ID]struct{}),
		versions: make(VersionVector),
	}
}

// Client returns the replica's client ID.
func (d *Document) Client() uint32 { return d.client }

// OnUpdate registers a mutation observer.
func (d *Document) OnUpdate(fn UpdateFunc) {
	d.mu.Lock()
	d.onUpdate = append(d.onUpdate, fn)
	d.mu.Unlock()
}

// Text returns the visible document text.
func (d *Document) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var b strings.Builder
	for i := range d.atoms {
		if !d.atoms[i].Deleted {
			b.WriteString(d.atoms[i].Value)
		}
	}
	return b.String()
}

// Len returns the number of visible atoms.
func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.visibleLen()
}

// IsEmpty reports whether the replica has never held any content. A replica
// whose atoms were all deleted is not empty: its tombstones are still state
// worth sharing.
func (d *Document) IsEmpty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.atoms) == 0
}

// Versions returns a copy of the replica's version vector.
func (d *Document) Versions() VersionVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.versions.Copy()
}

// InsertAt inserts text before the index-th visible rune and returns the
// delta to broadcast. Indexes out of range clamp to the document bounds.
// Works regardless of connection state and never blocks on the network.
func (d *Document) InsertAt(index int, text string) Delta {
	if text == "" {
		return Delta{}
	}
	d.mu.Lock()
	if index < 0 {
		index = 0
	}
	if n := d.visibleLen(); index > n {
		index = n
	}
	leftPos, rightPos := d.neighborPositions(index)

	var delta Delta
	for _, r := range text {
		d.clock++
		atom := Atom{
			ID:    ID{Client: d.client, Clock: d.clock},
			Value: string(r),
			Pos:   d.newPos(leftPos, rightPos),
		}
		d.insertAtom(atom)
		delta.Inserts = append(delta.Inserts, atom)
		leftPos = atom.Pos
	}
	cbs := d.onUpdate
	d.mu.Unlock()

	for _, fn := range cbs {
		fn(delta, false)
	}
	return delta
}

// DeleteAt removes up to n visible runes starting at index and returns the
// delta to broadcast.
func (d *Document) DeleteAt(index, n int) Delta {
	d.mu.Lock()
	var delta Delta
	remaining := n
	visible := 0
	for i := range d.atoms {
		if d.atoms[i].Deleted {
			continue
		}
		if visible >= index && remaining > 0 {
			d.atoms[i].Deleted = true
			d.deleted[d.atoms[i].ID] = struct{}{}
			delta.Deletes = append(delta.Deletes, d.atoms[i].ID)
			remaining--
		}
		visible++
	}
	cbs := d.onUpdate
	d.mu.Unlock()

	if delta.Empty() {
		return delta
	}
	for _, fn := range cbs {
		fn(delta, false)
	}
	return delta
}

// Merge applies a remote delta. Applying the same delta any number of times,
// in any interleaving with other deltas, converges to the same state: inserts
// dedupe on atom ID, deletes are tombstones, and ordering is a pure function
// of the atom set.
func (d *Document) Merge(delta Delta) {
	d.mu.Lock()
	var applied Delta
	for _, atom := range delta.Inserts {
		if _, ok := d.seen[atom.ID]; ok {
			continue
		}
		if _, ok := d.pending[atom.ID]; ok {
			atom.Deleted = true
			delete(d.pending, atom.ID)
		}
		if atom.Deleted {
			d.deleted[atom.ID] = struct{}{}
		}
		d.insertAtom(atom)
		applied.Inserts = append(applied.Inserts, atom)
	}
	for _, id := range delta.Deletes {
		if _, ok := d.deleted[id]; ok {
			continue
		}
		d.deleted[id] = struct{}{}
		if _, ok := d.seen[id]; ok {
			d.tombstone(id)
		} else {
			d.pending[id] = struct{}{}
		}
		applied.Deletes = append(applied.Deletes, id)
	}
	cbs := d.onUpdate
	d.mu.Unlock()

	if applied.Empty() {
		return
	}
	for _, fn := range cbs {
		fn(applied, true)
	}
}

// ApplyRemoteDelta decodes and merges delta bytes from another replica.
// Malformed bytes are logged and dropped; local state is never touched by
// input that fails to decode.
func (d *Document) ApplyRemoteDelta(b []byte) error {
	delta, err := DecodeDelta(b)
	if err != nil {
		log.Printf("crdt: dropping malformed delta: %v", err)
		return err
	}
	d.Merge(delta)
	return nil
}

// ApplySnapshot decodes and merges a full-state snapshot. Like deltas,
// snapshots merge rather than overwrite, so a stale snapshot can never roll
// back state the replica already has.
func (d *Document) ApplySnapshot(b []byte) error {
	snap, err := DecodeSnapshot(b)
	if err != nil {
		log.Printf("crdt: dropping malformed snapshot: %v", err)
		return err
	}
	delta := Delta{Inserts: snap.Atoms}
	for _, atom := range snap.Atoms {
		if atom.Deleted {
			delta.Deletes = append(delta.Deletes, atom.ID)
		}
	}
	d.Merge(delta)

	d.mu.Lock()
	for c, k := range snap.Versions {
		d.versions.Observe(c, k)
	}
	if d.clock < d.versions[d.client] {
		d.clock = d.versions[d.client]
	}
	d.mu.Unlock()
	return nil
}

// Snapshot returns the full replicated state including tombstones.
func (d *Document) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	atoms := make([]Atom, len(d.atoms))
	copy(atoms, d.atoms)
	return Snapshot{Atoms: atoms, Versions: d.versions.Copy()}
}

// EncodeFullState returns snapshot bytes sufficient to reconstruct the
// document in a fresh replica with no prior history.
func (d *Document) EncodeFullState() []byte {
	return EncodeSnapshot(d.Snapshot())
}

// DiffSince returns the changes a peer at the given version vector is
// missing: atoms it has not seen, plus tombstones for atoms it has. The
// result is safe to over-deliver; merging is idempotent.
func (d *Document) DiffSince(vv VersionVector) Delta {
	d.mu.Lock()
	defer d.mu.Unlock()
	var delta Delta
	for i := range d.atoms {
		if !vv.Contains(d.atoms[i].ID) {
			delta.Inserts = append(delta.Inserts, d.atoms[i])
		}
	}
	for id := range d.deleted {
		if vv.Contains(id) {
			delta.Deletes = append(delta.Deletes, id)
		}
	}
	sort.Slice(delta.Deletes, func(i, j int) bool {
		a, b := delta.Deletes[i], delta.Deletes[j]
		if a.Client != b.Client {
			return a.Client < b.Client
		}
		return a.Clock < b.Clock
	})
	return delta
}

// visibleLen counts non-deleted atoms. Caller holds d.mu.
func (d *Document) visibleLen() int {
	n := 0
	for i := range d.atoms {
		if !d.atoms[i].Deleted {
			n++
		}
	}
	return n
}

// neighborPositions finds the positions bracketing the index-th visible
// atom. Caller holds d.mu.
func (d *Document) neighborPositions(index int) (left, right []uint32) {
	visible := 0
	for i := range d.atoms {
		if d.atoms[i].Deleted {
			continue
		}
		if visible == index {
			right = d.atoms[i].Pos
			return left, right
		}
		left = d.atoms[i].Pos
		visible++
	}
	return left, nil
}

// insertAtom places an atom at its ordered position and records it in the
// bookkeeping maps. Caller holds d.mu.
func (d *Document) insertAtom(atom Atom) {
	at := sort.Search(len(d.atoms), func(i int) bool {
		return compareAtoms(&d.atoms[i], &atom) >= 0
	})
	d.atoms = append(d.atoms, Atom{})
	copy(d.atoms[at+1:], d.atoms[at:])
	d.atoms[at] = atom
	d.seen[atom.ID] = struct{}{}
	d.versions.Observe(atom.ID.Client, atom.ID.Clock)
	if atom.ID.Client == d.client && d.clock < atom.ID.Clock {
		d.clock = atom.ID.Clock
	}
}

// tombstone marks an existing atom deleted. Caller holds d.mu.
func (d *Document) tombstone(id ID) {
	for i := range d.atoms {
		if d.atoms[i].ID == id {
			d.atoms[i].Deleted = true
			return
		}
	}
}

// newPos generates a position strictly between left and right. nil bounds
// mean the start or end of the sequence. The replica's client ID is appended
// as the final digit, which keeps positions from distinct replicas distinct
// even when they pick the same midpoint concurrently. Caller holds d.mu.
func (d *Document) newPos(left, right []uint32) []uint32 {
	const top = math.MaxUint32
	var pos []uint32
	boundedRight := right != nil
	for i := 0; ; i++ {
		var lo uint32
		if i < len(left) {
			lo = left[i]
		}
		hi := uint32(top)
		if boundedRight && i < len(right) {
			hi = right[i]
		}
		if hi-lo > 1 {
			pos = append(pos, lo+(hi-lo)/2)
			break
		}
		// No room at this depth; keep left's digit and go deeper. Once we
		// sit strictly below right's digit, right no longer constrains us.
		pos = append(pos, lo)
		if boundedRight && lo < hi {
			boundedRight = false
		}
	}
	return append(pos, d.client)
}
