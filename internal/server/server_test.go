package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"syncroom/internal/relay"
	"syncroom/internal/session"
)

func startServer(t *testing.T, bridge *RedisBridge) (*Server, *httptest.Server, string) {
	t.Helper()
	srv := New(bridge)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	return srv, ts, wsURL
}

func dialRoom(t *testing.T, wsURL, roomID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/"+roomID, nil)
	if err != nil {
		t.Fatalf("dial room %s: %v", roomID, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestHealthEndpoint(t *testing.T) {
	_, ts, _ := startServer(t, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Fatalf("body = %q, want ok", body)
	}
}

func TestBroadcastIncludesSender(t *testing.T) {
	_, _, wsURL := startServer(t, nil)

	a := dialRoom(t, wsURL, "room-1")
	b := dialRoom(t, wsURL, "room-1")

	if err := a.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatal(err)
	}

	// The server fans out to everyone; dropping the sender's own frames is
	// the client relay's job.
	if got := readFrame(t, a); string(got) != "hello" {
		t.Errorf("sender got %q", got)
	}
	if got := readFrame(t, b); string(got) != "hello" {
		t.Errorf("peer got %q", got)
	}
}

func TestRoomIsolation(t *testing.T) {
	_, _, wsURL := startServer(t, nil)

	a := dialRoom(t, wsURL, "room-1")
	other := dialRoom(t, wsURL, "room-2")

	if err := a.WriteMessage(websocket.TextMessage, []byte("private")); err != nil {
		t.Fatal(err)
	}
	readFrame(t, a) // own echo proves delivery happened

	other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, frame, err := other.ReadMessage(); err == nil {
		t.Fatalf("room-2 client received foreign frame %q", frame)
	}
}

func TestEmptyRoomCleanup(t *testing.T) {
	srv, _, wsURL := startServer(t, nil)

	conn := dialRoom(t, wsURL, "room-1")
	deadline := time.Now().Add(2 * time.Second)
	for srv.Hub().Members("room-1") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("member never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn.Close()
	for srv.Hub().Rooms() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("room not cleaned up, %d rooms remain", srv.Hub().Rooms())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMissingRoomIDRejected(t *testing.T) {
	_, ts, _ := startServer(t, nil)

	resp, err := http.Get(ts.URL + "/ws/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusSwitchingProtocols {
		t.Fatal("upgrade succeeded without a room id")
	}
}

func TestRedisBridgeSpansServers(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb1 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rdb2 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb1.Close(); rdb2.Close() })

	bridge1 := NewRedisBridge(rdb1)
	bridge2 := NewRedisBridge(rdb2)
	t.Cleanup(bridge1.Close)
	t.Cleanup(bridge2.Close)

	_, _, wsURL1 := startServer(t, bridge1)
	_, _, wsURL2 := startServer(t, bridge2)

	a := dialRoom(t, wsURL1, "room-1")
	b := dialRoom(t, wsURL2, "room-1")

	if err := a.WriteMessage(websocket.TextMessage, []byte("cross-instance")); err != nil {
		t.Fatal(err)
	}

	// The frame goes through Redis once and comes back to both instances.
	if got := readFrame(t, b); string(got) != "cross-instance" {
		t.Errorf("peer on other instance got %q", got)
	}
	if got := readFrame(t, a); string(got) != "cross-instance" {
		t.Errorf("sender got %q", got)
	}

	// Single-path delivery: the sender must not see the frame twice.
	a.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, dup, err := a.ReadMessage(); err == nil {
		t.Fatalf("sender received duplicate frame %q", dup)
	}
}

func TestSessionsConvergeOverWebsocket(t *testing.T) {
	_, _, wsURL := startServer(t, nil)

	newSession := func(clientID uint32) *session.Session {
		s, err := session.New(session.Config{
			TenantID:    "acme",
			DocType:     "prd",
			DocID:       "doc-1",
			ClientID:    clientID,
			Relay:       relay.NewWebsocket(wsURL, clientID),
			SyncTimeout: 100 * time.Millisecond,
			BackoffBase: 10 * time.Millisecond,
		})
		if err != nil {
			t.Fatalf("new session: %v", err)
		}
		t.Cleanup(s.Close)
		s.Start(context.Background())
		return s
	}

	a := newSession(1)
	b := newSession(2)

	waitFor(t, "sessions synced", func() bool {
		return a.Status() == session.StatusSynced && b.Status() == session.StatusSynced
	})

	a.Doc().InsertAt(0, "hello")
	waitFor(t, "edit reached peer", func() bool {
		return b.Doc().Text() == "hello"
	})

	b.Doc().InsertAt(5, " world")
	waitFor(t, "replicas converged", func() bool {
		return a.Doc().Text() == "hello world" && b.Doc().Text() == "hello world"
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
