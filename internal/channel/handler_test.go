package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"m3u8-remux/internal/platform/logger"
)

func newTestServer(t *testing.T, reg *Registry) *httptest.Server {
	t.Helper()
	h := NewHandler(reg, logger.Discard(), []string{"*"})
	r := chi.NewRouter()
	r.Get("/ws/{channel}", h.ServeChannel)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dialTest(t *testing.T, srv *httptest.Server, name string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + name
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHandler_relays_to_others_only(t *testing.T) {
	reg := NewRegistry(logger.Discard())
	srv := newTestServer(t, reg)

	a := dialTest(t, srv, "room")
	b := dialTest(t, srv, "room")
	waitFor(t, func() bool { return reg.SubscriberCount("room") == 2 })

	if err := a.WriteMessage(websocket.TextMessage, []byte(`{"message":"hi","progress":10}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = b.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := b.ReadMessage()
	if err != nil {
		t.Fatalf("b read: %v", err)
	}
	if string(data) != `{"message":"hi","progress":10}` {
		t.Errorf("unexpected payload %s", data)
	}

	_ = a.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, data, err := a.ReadMessage(); err == nil {
		t.Errorf("sender received its own message: %s", data)
	}
}

func TestHandler_disconnect_removes_channel(t *testing.T) {
	reg := NewRegistry(logger.Discard())
	srv := newTestServer(t, reg)

	conn := dialTest(t, srv, "solo")
	waitFor(t, func() bool { return reg.ChannelCount() == 1 })

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	waitFor(t, func() bool { return reg.ChannelCount() == 0 })
}

func TestClient_publishes_to_channel(t *testing.T) {
	reg := NewRegistry(logger.Discard())
	srv := newTestServer(t, reg)

	watcher := dialTest(t, srv, "job")
	waitFor(t, func() bool { return reg.SubscriberCount("job") == 1 })

	client, err := Dial(context.Background(), srv.URL, "job")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()
	waitFor(t, func() bool { return reg.SubscriberCount("job") == 2 })

	if err := client.Send(context.Background(), []byte(`{"message":"Done","progress":100}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	_ = watcher.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := watcher.ReadMessage()
	if err != nil {
		t.Fatalf("watcher read: %v", err)
	}
	if !strings.Contains(string(data), `"progress":100`) {
		t.Errorf("unexpected payload %s", data)
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/ws/x", nil)
	if !check(req) {
		t.Error("request without Origin should pass")
	}
	req.Header.Set("Origin", "https://app.example.com")
	if !check(req) {
		t.Error("listed origin should pass")
	}
	req.Header.Set("Origin", "https://evil.example.com")
	if check(req) {
		t.Error("unlisted origin should be rejected")
	}
}

func TestChannelURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8080":      "ws://localhost:8080/ws/abc",
		"https://relay.example.com/": "wss://relay.example.com/ws/abc",
		"wss://relay.example.com":    "wss://relay.example.com/ws/abc",
	}
	for in, want := range cases {
		got, err := channelURL(in, "abc")
		if err != nil || got != want {
			t.Errorf("channelURL(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := channelURL("ftp://x", "abc"); err == nil {
		t.Error("expected error for ftp scheme")
	}
}
