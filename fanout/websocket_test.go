package fanout

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jonwraymond/paneflow/stream"
)

// newWebSocketServer registers every upgraded request under session "S"
// and keeps its read loop running until the peer goes away.
func newWebSocketServer(t *testing.T, m *Manager) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn := NewWebSocketConn(w, r, nil)
		id, err := m.Register(r.Context(), conn, "S")
		if err != nil {
			return
		}
		_ = conn.ReadLoop(context.Background(), nil)
		m.Unregister(id, ReasonClientClose)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocketConn_BroadcastDelivers(t *testing.T) {
	m := NewManager(ManagerConfig{})
	srv := newWebSocketServer(t, m)
	client := dial(t, srv)

	waitFor(t, func() bool { return m.SessionConnections("S") == 1 })

	ok, err := m.Broadcast(context.Background(), "S", stream.NewToken("p1", "hi", 0))
	if err != nil || !ok {
		t.Fatalf("Broadcast() = %v, %v", ok, err)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if msgType != websocket.TextMessage {
		t.Errorf("message type = %d, want text", msgType)
	}

	var ev stream.Event
	if err := ev.UnmarshalJSON(data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.PaneID != "p1" || ev.Type() != stream.TypeToken {
		t.Errorf("event = %+v", ev)
	}
}

func TestWebSocketConn_ClientCloseUnregisters(t *testing.T) {
	m := NewManager(ManagerConfig{})
	srv := newWebSocketServer(t, m)
	client := dial(t, srv)

	waitFor(t, func() bool { return m.SessionConnections("S") == 1 })

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = client.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))

	waitFor(t, func() bool { return m.Stats().TotalConnections == 0 })
}

func TestWebSocketConn_SendAfterClose(t *testing.T) {
	var server *WebSocketConn
	ready := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		server = NewWebSocketConn(w, r, nil)
		if err := server.Accept(r.Context()); err != nil {
			return
		}
		close(ready)
	}))
	t.Cleanup(srv.Close)
	dial(t, srv)
	<-ready

	_ = server.Close()
	if err := server.SendText(context.Background(), []byte("x")); !errors.Is(err, ErrDisconnected) {
		t.Errorf("SendText() after Close = %v, want ErrDisconnected", err)
	}
	if err := server.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
}

func TestWebSocketConn_AcceptRejectsPlainHTTP(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws/S", nil)

	conn := NewWebSocketConn(rec, req, nil)
	if err := conn.Accept(context.Background()); err == nil {
		t.Error("Accept() on a non-upgrade request succeeded")
	}
}

// newReadLoopServer registers every upgraded request under session "S" with
// the given pong wait, passes text frames to handle and reports the read
// loop's result on the returned channel.
func newReadLoopServer(t *testing.T, m *Manager, pongWait time.Duration, handle func([]byte)) (*httptest.Server, <-chan error) {
	t.Helper()

	results := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn := NewWebSocketConn(w, r, nil)
		conn.PongWait = pongWait
		id, err := m.Register(r.Context(), conn, "S")
		if err != nil {
			return
		}
		err = conn.ReadLoop(context.Background(), handle)
		m.Unregister(id, ReasonClientClose)
		results <- err
	}))
	t.Cleanup(srv.Close)
	return srv, results
}

func TestWebSocketConn_IdleReaderStaysRegistered(t *testing.T) {
	const pongWait = 500 * time.Millisecond
	m := NewManager(ManagerConfig{})
	srv, _ := newReadLoopServer(t, m, pongWait, nil)
	client := dial(t, srv)

	// Reading lets the client answer pings.
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	waitFor(t, func() bool { return m.SessionConnections("S") == 1 })
	time.Sleep(2 * pongWait)

	if got := m.SessionConnections("S"); got != 1 {
		t.Fatalf("SessionConnections = %d after %v idle, want 1", got, 2*pongWait)
	}
	ok, err := m.Broadcast(context.Background(), "S", stream.NewToken("p1", "still here", 0))
	if err != nil || !ok {
		t.Errorf("Broadcast() = %v, %v; want true", ok, err)
	}
}

func TestWebSocketConn_UnansweredPingsTimeOut(t *testing.T) {
	const pongWait = 100 * time.Millisecond
	m := NewManager(ManagerConfig{})
	srv, results := newReadLoopServer(t, m, pongWait, nil)
	dial(t, srv) // never reads, so pings go unanswered

	select {
	case err := <-results:
		if !errors.Is(err, ErrPongTimeout) {
			t.Errorf("ReadLoop() = %v, want ErrPongTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ReadLoop did not time out")
	}
	waitFor(t, func() bool { return m.SessionConnections("S") == 0 })
}

func TestWrapWebSocket_SendsToPeer(t *testing.T) {
	m := NewManager(ManagerConfig{})
	received := make(chan string, 1)
	srv, _ := newReadLoopServer(t, m, time.Second, func(data []byte) {
		received <- string(data)
	})

	client := WrapWebSocket(dial(t, srv))
	if err := client.Accept(context.Background()); err != nil {
		t.Fatalf("Accept() on wrapped conn = %v", err)
	}
	if err := client.SendText(context.Background(), []byte(`{"type":"pong"}`)); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}

	select {
	case got := <-received:
		if got != `{"type":"pong"}` {
			t.Errorf("server received %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive the frame")
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	waitFor(t, func() bool { return m.SessionConnections("S") == 0 })
}
