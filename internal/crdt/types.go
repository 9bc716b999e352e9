// Package crdt implements the replicated document: a sequence CRDT over
// runes whose merge is commutative, associative and idempotent, so every
// replica that sees the same set of deltas converges to the same text.
package crdt

// ID uniquely identifies an atom across all replicas. Clock is a per-client
// counter, so (Client, Clock) never repeats.
type ID struct {
	Client uint32 `json:"c"`
	Clock  uint32 `json:"k"`
}

// Atom is a single rune in the sequence. Pos is a dense fractional position;
// atoms are ordered by Pos with ID as tiebreak. Deleted atoms stay in the
// sequence as tombstones.
type Atom struct {
	ID      ID       `json:"id"`
	Value   string   `json:"v"`
	Pos     []uint32 `json:"p"`
	Deleted bool     `json:"d,omitempty"`
}

// Delta carries the changes one replica needs to send to another: newly
// inserted atoms plus the IDs of deleted ones.
type Delta struct {
	Inserts []Atom `json:"ins,omitempty"`
	Deletes []ID   `json:"del,omitempty"`
}

// Empty reports whether the delta carries no changes.
func (d Delta) Empty() bool {
	return len(d.Inserts) == 0 && len(d.Deletes) == 0
}

// Snapshot is the full replicated state: every atom including tombstones,
// plus the version vector. It is sufficient to bootstrap a fresh replica.
type Snapshot struct {
	Atoms    []Atom        `json:"atoms"`
	Versions VersionVector `json:"versions"`
}

// VersionVector maps a client ID to the highest clock value observed from
// that client.
type VersionVector map[uint32]uint32

// Copy returns an independent copy of the vector.
func (vv VersionVector) Copy() VersionVector {
	out := make(VersionVector, len(vv))
	for c, k := range vv {
		out[c] = k
	}
	return out
}

// Observe records that clock k from client c has been seen.
func (vv VersionVector) Observe(c, k uint32) {
	if vv[c] < k {
		vv[c] = k
	}
}

// Contains reports whether the vector already covers the given ID.
func (vv VersionVector) Contains(id ID) bool {
	return vv[id.Client] >= id.Clock
}

// comparePos orders two atoms. Positions compare lexicographically, a shorter
// position sorting before its extensions; equal positions fall back to the
// atom ID so the order is total and identical on every replica.
func compareAtoms(a, b *Atom) int {
	n := len(a.Pos)
	if len(b.Pos) < n {
		n = len(b.Pos)
	}
	for i := 0; i < n; i++ {
		if a.Pos[i] != b.Pos[i] {
			if a.Pos[i] < b.Pos[i] {
				return -1
			}
			return 1
		}
	}
	if len(a.Pos) != len(b.Pos) {
		if len(a.Pos) < len(b.Pos) {
			return -1
		}
		return 1
	}
	if a.ID.Client != b.ID.Client {
		if a.ID.Client < b.ID.Client {
			return -1
		}
		return 1
	}
	if a.ID.Clock != b.ID.Clock {
		if a.ID.Clock < b.ID.Clock {
			return -1
		}
		return 1
	}
	return 0
}
