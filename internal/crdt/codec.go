package crdt

import (
	"encoding/json"
	"fmt"
)

// CodecError marks bytes that could not be decoded as a delta or snapshot.
// Callers match it with errors.As and drop the offending message instead of
// crashing the session.
type CodecError struct {
	What string
	Err  error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.What, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

// EncodeDelta serializes a delta for transit.
func EncodeDelta(d Delta) []byte {
	buf, err := json.Marshal(d)
	if err != nil {
		// Delta contains only plain values; Marshal cannot fail on it.
		panic(fmt.Sprintf("marshal delta: %v", err))
	}
	return buf
}

// DecodeDelta parses delta bytes produced by EncodeDelta. Corrupt input
// yields a *CodecError.
func DecodeDelta(b []byte) (Delta, error) {
	var d Delta
	if err := json.Unmarshal(b, &d); err != nil {
		return Delta{}, &CodecError{What: "delta", Err: err}
	}
	for _, a := range d.Inserts {
		if len(a.Pos) == 0 {
			return Delta{}, &CodecError{What: "delta", Err: fmt.Errorf("atom %v has no position", a.ID)}
		}
	}
	return d, nil
}

// EncodeSnapshot serializes the full replicated state.
func EncodeSnapshot(s Snapshot) []byte {
	buf, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("marshal snapshot: %v", err))
	}
	return buf
}

// DecodeSnapshot parses snapshot bytes produced by EncodeSnapshot. Corrupt
// input yields a *CodecError.
func DecodeSnapshot(b []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return Snapshot{}, &CodecError{What: "snapshot", Err: err}
	}
	for _, a := range s.Atoms {
		if len(a.Pos) == 0 {
			return Snapshot{}, &CodecError{What: "snapshot", Err: fmt.Errorf("atom %v has no position", a.ID)}
		}
	}
	return s, nil
}
