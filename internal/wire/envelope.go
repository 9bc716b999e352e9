// Package wire defines the message envelope exchanged over any relay
// backend: JSON over a WebSocket frame or a broadcast-bus payload. Delta and
// snapshot bytes travel base64-encoded so the envelope stays safe on
// text-oriented channels.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"syncroom/internal/crdt"
)

// Kind discriminates the message types a room channel carries.
type Kind string

const (
	// KindUpdate carries an incremental document delta.
	KindUpdate Kind = "update"
	// KindAwareness carries a client's ephemeral presence state.
	KindAwareness Kind = "awareness"
	// KindSyncRequest asks peers for full state; it has no payload.
	KindSyncRequest Kind = "sync-request"
	// KindSync carries a full-state snapshot answering a sync request.
	KindSync Kind = "sync"
)

// Envelope is the wire format for every room message.
type Envelope struct {
	Kind     Kind            `json:"kind"`
	RoomID   string          `json:"roomId"`
	ClientID uint32          `json:"clientId"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Update wraps delta bytes in an update envelope.
func Update(roomID string, clientID uint32, delta []byte) Envelope {
	return Envelope{Kind: KindUpdate, RoomID: roomID, ClientID: clientID, Payload: encodeBytes(delta)}
}

// Sync wraps snapshot bytes in a sync envelope.
func Sync(roomID string, clientID uint32, snapshot []byte) Envelope {
	return Envelope{Kind: KindSync, RoomID: roomID, ClientID: clientID, Payload: encodeBytes(snapshot)}
}

// SyncRequest builds the payload-less join request.
func SyncRequest(roomID string, clientID uint32) Envelope {
	return Envelope{Kind: KindSyncRequest, RoomID: roomID, ClientID: clientID}
}

// Awareness wraps a presence state in an awareness envelope.
func Awareness(roomID string, clientID uint32, state any) (Envelope, error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal awareness state: %w", err)
	}
	return Envelope{Kind: KindAwareness, RoomID: roomID, ClientID: clientID, Payload: payload}, nil
}

// Bytes extracts delta/snapshot bytes from an update or sync payload.
func (e Envelope) Bytes() ([]byte, error) {
	var s string
	if err := json.Unmarshal(e.Payload, &s); err != nil {
		return nil, &crdt.CodecError{What: "payload", Err: err}
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &crdt.CodecError{What: "payload", Err: err}
	}
	return b, nil
}

// Encode serializes the envelope for transit.
func Encode(e Envelope) []byte {
	buf, err := json.Marshal(e)
	if err != nil {
		panic(fmt.Sprintf("marshal envelope: %v", err))
	}
	return buf
}

// Decode parses envelope bytes. Corrupt bytes or an unknown kind yield a
// *crdt.CodecError so relays can drop the message without killing the
// session.
func Decode(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, &crdt.CodecError{What: "envelope", Err: err}
	}
	switch e.Kind {
	case KindUpdate, KindAwareness, KindSyncRequest, KindSync:
	default:
		return Envelope{}, &crdt.CodecError{What: "envelope", Err: fmt.Errorf("unknown kind %q", e.Kind)}
	}
	return e, nil
}

func encodeBytes(b []byte) json.RawMessage {
	s := base64.StdEncoding.EncodeToString(b)
	buf, _ := json.Marshal(s)
	return buf
}
