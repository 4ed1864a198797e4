package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hazyhaar/nous/lifecycle"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m Message
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	return m
}

func TestGreetingAndBroadcast(t *testing.T) {
	h := New(Options{Greeting: func() []Message { return []Message{Connectivity(true)} }})
	srv := httptest.NewServer(h)
	defer srv.Close()
	defer h.Close()

	conn := dial(t, srv)
	hello := read(t, conn)
	if hello.Type != TypeConnectivity || hello.Reachable == nil || !*hello.Reachable {
		t.Fatalf("greeting = %+v", hello)
	}
	if h.Count() != 1 {
		t.Fatalf("Count = %d, want 1", h.Count())
	}

	if n := h.Broadcast(SyncResult(3, 1, 2)); n != 1 {
		t.Fatalf("Broadcast delivered to %d", n)
	}
	m := read(t, conn)
	if m.Type != TypeSyncResult || m.Result == nil || *m.Result != (SyncCounts{Synced: 3, Failed: 1, Pending: 2}) {
		t.Fatalf("sync result = %+v", m)
	}
}

func TestNotifyAnnouncesUpdate(t *testing.T) {
	h := New(Options{Greeting: func() []Message { return []Message{Connectivity(false)} }})
	srv := httptest.NewServer(h)
	defer srv.Close()
	defer h.Close()

	a, b := dial(t, srv), dial(t, srv)
	read(t, a)
	read(t, b)

	var _ lifecycle.Notifier = h
	h.Notify(context.Background(), lifecycle.Update{Generation: "g2", Previous: "g1"})
	for _, c := range []*websocket.Conn{a, b} {
		m := read(t, c)
		if m.Type != TypeUpdateAvailable || m.Version != "g2" || m.Previous != "g1" {
			t.Fatalf("update = %+v", m)
		}
	}
}

func TestMessageWireFormat(t *testing.T) {
	b, err := json.Marshal(SyncResult(0, 0, 0))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"type":"SYNC_RESULT","result":{"synced":0,"failed":0,"pending":0}}`
	if string(b) != want {
		t.Fatalf("got %s, want %s", b, want)
	}
	b, _ = json.Marshal(Connectivity(false))
	if string(b) != `{"type":"CONNECTIVITY","reachable":false}` {
		t.Fatalf("connectivity = %s", b)
	}
}

func TestSlowClientDropped(t *testing.T) {
	h := New(Options{})
	slow := &client{id: "slow", send: make(chan []byte, 1)}
	h.clients[slow.id] = slow

	if n := h.Broadcast(Connectivity(true)); n != 1 {
		t.Fatalf("first broadcast delivered to %d", n)
	}
	if n := h.Broadcast(Connectivity(false)); n != 0 {
		t.Fatalf("second broadcast delivered to %d", n)
	}
	if h.Count() != 0 {
		t.Fatal("slow client still registered")
	}
	<-slow.send
	if _, ok := <-slow.send; ok {
		t.Fatal("send queue not closed")
	}
}

func TestClose(t *testing.T) {
	h := New(Options{Greeting: func() []Message { return []Message{Connectivity(true)} }})
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv)
	read(t, conn)
	h.Close()

	if h.Count() != 0 {
		t.Fatalf("Count after Close = %d", h.Count())
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("read after Close = %v, want normal closure", err)
	}

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status after Close = %d", resp.StatusCode)
	}
}
