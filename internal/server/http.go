package server

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	// sendQueueSize bounds the per-client outbound queue.
	sendQueueSize = 256
	// maxFrameSize bounds inbound frames. Full-state sync responses are the
	// largest frames on the wire.
	maxFrameSize = 4 << 20

	writeTimeout = 10 * time.Second
)

// Server exposes the relay over HTTP: a WebSocket endpoint per room and a
// health check. With a RedisBridge attached, rooms span server instances;
// without one, the in-process hub is the whole room.
type Server struct {
	hub      *Hub
	bridge   *RedisBridge
	upgrader websocket.Upgrader

	// Room lifecycle counts websocket clients only, so in-process
	// participants attached through the hub never hold a room open.
	mu           sync.Mutex
	wsMembers    map[string]int
	onRoomOpened func(roomID string)
	onRoomClosed func(roomID string)
}

// New creates a server. bridge may be nil for single-instance deployments.
func New(bridge *RedisBridge) *Server {
	return &Server{
		hub:       NewHub(),
		bridge:    bridge,
		wsMembers: make(map[string]int),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// OnRoomLifecycle registers hooks fired when a room gains its first
// websocket client and when it loses its last one. Set before serving.
func (s *Server) OnRoomLifecycle(opened, closed func(roomID string)) {
	s.onRoomOpened = opened
	s.onRoomClosed = closed
}

func (s *Server) trackJoin(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wsMembers[roomID]++
	return s.wsMembers[roomID] == 1
}

func (s *Server) trackLeave(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wsMembers[roomID]--
	if s.wsMembers[roomID] <= 0 {
		delete(s.wsMembers, roomID)
		return true
	}
	return false
}

// Hub exposes the membership registry, mainly for tests and stats.
func (s *Server) Hub() *Hub { return s.hub }

// Router builds the HTTP routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ws/{roomID}", s.handleWS)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleWS attaches one client to a room for the lifetime of its socket.
// Frames are opaque here: the server forwards them without decoding, to
// every room member including the sender.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomID"]
	if roomID == "" {
		http.Error(w, "missing room id", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("server: upgrade %s: %v", roomID, err)
		return
	}
	conn.SetReadLimit(maxFrameSize)

	send := make(chan []byte, sendQueueSize)
	if s.bridge != nil {
		if err := s.bridge.Subscribe(r.Context(), roomID, func(frame []byte) {
			s.hub.Broadcast(roomID, frame)
		}); err != nil {
			log.Printf("server: bridge subscribe %s: %v", roomID, err)
			conn.Close()
			return
		}
	}
	members := s.hub.Join(roomID, send)
	log.Printf("server: client joined room %s (%d members)", roomID, members)
	if s.trackJoin(roomID) && s.onRoomOpened != nil {
		s.onRoomOpened(roomID)
	}

	go s.writePump(conn, send)
	s.readPump(conn, roomID)

	remaining := s.hub.Leave(roomID, send)
	close(send)
	if s.trackLeave(roomID) {
		if s.bridge != nil {
			s.bridge.Unsubscribe(roomID)
		}
		if s.onRoomClosed != nil {
			s.onRoomClosed(roomID)
		}
	}
	log.Printf("server: client left room %s (%d members)", roomID, remaining)
}

// readPump forwards inbound frames until the socket dies. With a bridge the
// frame goes through Redis and comes back via the subscription; without one
// it is broadcast directly. Either way delivery is single-path.
func (s *Server) readPump(conn *websocket.Conn, roomID string) {
	defer conn.Close()
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("server: room %s read: %v", roomID, err)
			}
			return
		}
		if s.bridge != nil {
			if err := s.bridge.Publish(roomID, frame); err != nil {
				log.Printf("server: room %s publish: %v", roomID, err)
			}
			continue
		}
		s.hub.Broadcast(roomID, frame)
	}
}

func (s *Server) writePump(conn *websocket.Conn, send <-chan []byte) {
	for frame := range send {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
