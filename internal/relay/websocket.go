package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"syncroom/internal/wire"
)

// Websocket connects to a relay server's /ws/{roomID} endpoint. The
// completed upgrade handshake is the server's confirmation that the client
// is subscribed to the room; Connect does not resolve before it.
type Websocket struct {
	baseURL  string
	clientID uint32
	dialer   *websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	roomID   string
	closed   bool
	handlers []Handler
	onClose  []CloseHandler
}

// NewWebsocket creates a relay that dials baseURL (e.g. "ws://host:8787").
func NewWebsocket(baseURL string, clientID uint32) *Websocket {
	return &Websocket{
		baseURL:  baseURL,
		clientID: clientID,
		dialer:   websocket.DefaultDialer,
	}
}

// Connect dials the room endpoint. Reconnecting after a drop is allowed.
func (w *Websocket) Connect(ctx context.Context, roomID string) error {
	w.mu.Lock()
	if w.conn != nil {
		w.mu.Unlock()
		return fmt.Errorf("already connected to room %q", w.roomID)
	}
	w.closed = false
	w.mu.Unlock()

	conn, resp, err := w.dialer.DialContext(ctx, w.baseURL+"/ws/"+roomID, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial room %q: %w (status %d)", roomID, err, resp.StatusCode)
		}
		return fmt.Errorf("dial room %q: %w", roomID, err)
	}

	w.mu.Lock()
	w.conn = conn
	w.roomID = roomID
	w.mu.Unlock()

	go w.readLoop(conn, roomID)
	return nil
}

// Send writes an envelope to the socket. No-op while disconnected.
func (w *Websocket) Send(env wire.Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	if err := w.conn.WriteMessage(websocket.TextMessage, wire.Encode(env)); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// OnMessage registers an inbound handler.
func (w *Websocket) OnMessage(h Handler) {
	w.mu.Lock()
	w.handlers = append(w.handlers, h)
	w.mu.Unlock()
}

// OnClose registers a transport-loss handler.
func (w *Websocket) OnClose(h CloseHandler) {
	w.mu.Lock()
	w.onClose = append(w.onClose, h)
	w.mu.Unlock()
}

// Close shuts the socket down cleanly without firing close handlers.
func (w *Websocket) Close() error {
	w.mu.Lock()
	w.closed = true
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (w *Websocket) readLoop(conn *websocket.Conn, roomID string) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			closed := w.closed
			if w.conn == conn {
				w.conn = nil
			}
			cbs := w.onClose
			w.mu.Unlock()
			conn.Close()
			if !closed {
				for _, fn := range cbs {
					fn(err)
				}
			}
			return
		}
		w.mu.Lock()
		handlers := w.handlers
		w.mu.Unlock()
		dispatch(handlers, w.clientID, roomID, raw)
	}
}
