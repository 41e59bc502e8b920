package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"CoSign-Agent/internal/conversation"
	xerrors "CoSign-Agent/internal/errors"

	"github.com/gorilla/websocket"
)

// agentServer 为每个连接执行一段脚本，脚本返回时关闭连接。
type agentServer struct {
	t       *testing.T
	mu      sync.Mutex
	paths   []string
	queries chan Outbound
	scripts []func(conn *websocket.Conn)
}

func newAgentServer(t *testing.T, scripts ...func(conn *websocket.Conn)) (*agentServer, string) {
	t.Helper()
	s := &agentServer{t: t, queries: make(chan Outbound, 8), scripts: scripts}
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		s.mu.Lock()
		idx := len(s.paths)
		s.paths = append(s.paths, r.URL.Path)
		s.mu.Unlock()
		if idx < len(s.scripts) {
			s.scripts[idx](conn)
			return
		}
		// 其余连接保持打开并转发收到的查询。
		for {
			var out Outbound
			if err := conn.ReadJSON(&out); err != nil {
				return
			}
			s.queries <- out
		}
	}))
	t.Cleanup(server.Close)
	return s, "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func (s *agentServer) connections() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths...)
}

func receive(t *testing.T, events <-chan conversation.Event) conversation.Event {
	t.Helper()
	select {
	case e, ok := <-events:
		if !ok {
			t.Fatal("event stream closed unexpectedly")
		}
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return conversation.Event{}
}

func waitForState(t *testing.T, ch *Channel, want ConnState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ch.State().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("channel never reached %s, last %+v", want, ch.State())
}

func TestChannelDeliversOrderedEventsAndSurvivesMalformedFrames(t *testing.T) {
	server, url := newAgentServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"message_type":"status","text":"one"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{not json`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"message_type":"thinking","text":"two"}`))
		var out Outbound
		if err := conn.ReadJSON(&out); err == nil {
			_ = conn.WriteJSON(map[string]string{"message_type": "normal", "text": "echo " + out.Query})
		}
		_, _, _ = conn.ReadMessage()
	})

	ch, err := New(Config{URL: url})
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })

	events, err := ch.Open(context.Background(), "0xUser")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	first := receive(t, events)
	malformed := receive(t, events)
	second := receive(t, events)
	if first.Text != "one" || second.Text != "two" {
		t.Fatalf("events out of order: %q %q", first.Text, second.Text)
	}
	if malformed.Kind != conversation.KindError {
		t.Fatalf("malformed frame should become an error event, got %s", malformed.Kind)
	}

	waitForState(t, ch, StateConnected)
	if err := ch.Send(context.Background(), Outbound{Query: "hi"}); err != nil {
		t.Fatalf("send after malformed frame: %v", err)
	}
	if echo := receive(t, events); echo.Text != "echo hi" {
		t.Fatalf("unexpected echo %q", echo.Text)
	}
	if paths := server.connections(); len(paths) != 1 || paths[0] != "/ws/0xUser" {
		t.Fatalf("malformed frame must not force a reconnect, connections %v", paths)
	}
}

func TestChannelReconnectsAfterDrop(t *testing.T) {
	server, url := newAgentServer(t,
		func(conn *websocket.Conn) {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"message_type":"status","text":"before"}`))
		},
		func(conn *websocket.Conn) {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"message_type":"status","text":"after"}`))
			_, _, _ = conn.ReadMessage()
		},
	)

	ch, err := New(Config{URL: url, ReconnectDelay: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })
	states, unsubscribe := ch.Subscribe()
	defer unsubscribe()

	events, err := ch.Open(context.Background(), "alice")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if e := receive(t, events); e.Text != "before" {
		t.Fatalf("unexpected first event %q", e.Text)
	}
	if e := receive(t, events); e.Text != "after" {
		t.Fatalf("unexpected event after reconnect %q", e.Text)
	}
	waitForState(t, ch, StateConnected)

	status := ch.State()
	if status.Reconnects != 1 || status.LastError != "" {
		t.Fatalf("unexpected status after reconnect %+v", status)
	}
	if got := len(server.connections()); got != 2 {
		t.Fatalf("expected two connections, got %d", got)
	}

	seen := map[ConnState]bool{}
	for len(states) > 0 {
		seen[(<-states).State] = true
	}
	if !seen[StateConnecting] || !seen[StateConnected] {
		t.Fatalf("subscriber missed transitions: %v", seen)
	}
}

func TestChannelStopsWhenSessionInactive(t *testing.T) {
	_, url := newAgentServer(t, func(conn *websocket.Conn) {})

	ch, err := New(Config{URL: url, ReconnectDelay: time.Millisecond, Active: func() bool { return false }})
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}
	events, err := ch.Open(context.Background(), "bob")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("no events expected")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("inactive session should stop reconnecting")
	}
	if ch.State().State != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", ch.State().State)
	}
	_ = ch.Close()
}

func TestSendRequiresConnection(t *testing.T) {
	ch, err := New(Config{URL: "ws://127.0.0.1:1/ws"})
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}
	if err := ch.Send(context.Background(), Outbound{Query: "hello"}); !xerrors.HasCode(err, xerrors.CodeNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
	if _, err := ch.Open(context.Background(), " "); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid identity, got %v", err)
	}
}

func TestBuildURL(t *testing.T) {
	got, err := buildURL("wss://agent.example/session/{identity}?v=2", "0xAbC")
	if err != nil || got != "wss://agent.example/session/0xAbC?v=2" {
		t.Fatalf("unexpected url %q %v", got, err)
	}
	got, err = buildURL("ws://agent.example/ws/", "0xAbC")
	if err != nil || got != "ws://agent.example/ws/0xAbC" {
		t.Fatalf("unexpected url %q %v", got, err)
	}
}
