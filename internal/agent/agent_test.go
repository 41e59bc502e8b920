package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"CoSign-Agent/internal/conversation"
	xerrors "CoSign-Agent/internal/errors"
	"CoSign-Agent/internal/session"
)

type stubHistory struct {
	events []conversation.Event
	err    error
}

func (s *stubHistory) FetchHistory(context.Context, string) ([]conversation.Event, error) {
	return s.events, s.err
}

type stubChannel struct {
	events   chan conversation.Event
	statuses chan session.Status

	mu       sync.Mutex
	identity string
	sent     []session.Outbound
	sendErr  error
	closed   bool
}

func newStubChannel() *stubChannel {
	return &stubChannel{
		events:   make(chan conversation.Event, 16),
		statuses: make(chan session.Status, 16),
	}
}

func (c *stubChannel) Open(_ context.Context, identity string) (<-chan conversation.Event, error) {
	c.mu.Lock()
	c.identity = identity
	c.mu.Unlock()
	return c.events, nil
}

func (c *stubChannel) Send(_ context.Context, msg session.Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *stubChannel) State() session.Status {
	return session.Status{State: session.StateConnected}
}

func (c *stubChannel) Subscribe() (<-chan session.Status, func()) {
	var once sync.Once
	return c.statuses, func() { once.Do(func() { close(c.statuses) }) }
}

func (c *stubChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.events)
		c.closed = true
	}
	return nil
}

func waitForLen(t *testing.T, m *conversation.Machine, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.Len() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d events, got %d", n, m.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAgentSeedsWelcomeWhenHistoryFails(t *testing.T) {
	machine := conversation.NewMachine()
	ch := newStubChannel()
	ag, err := New(machine, ch, &stubHistory{err: errors.New("502 bad gateway")}, "user-1")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := ag.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer ag.Close()

	log := machine.Snapshot()
	if len(log) != 1 || log[0].Sender != conversation.SenderAgent || log[0].Text != conversation.WelcomeText {
		t.Fatalf("expected a single welcome event, got %+v", log)
	}
	if ch.identity != "user-1" {
		t.Fatalf("channel opened with identity %q", ch.identity)
	}
}

func TestAgentPumpsEventsAfterHistory(t *testing.T) {
	machine := conversation.NewMachine()
	ch := newStubChannel()
	history := &stubHistory{events: []conversation.Event{
		{ID: "h1", Kind: conversation.KindNormal, Sender: conversation.SenderAgent, Text: "earlier"},
	}}
	ag, err := New(machine, ch, history, "user-1")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := ag.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	ch.events <- conversation.Event{ID: "a1", Kind: conversation.KindThinking, Text: "checking balance"}
	ch.events <- conversation.Event{ID: "a2", Kind: conversation.KindTransaction, Text: "sign this",
		Action: &conversation.Action{Kind: conversation.ActionNeedUserSignature}}
	waitForLen(t, machine, 3)

	// 断线重连只改变连接状态，日志与待决动作保持不变。
	ch.statuses <- session.Status{State: session.StateDisconnected, Reconnects: 0}
	ch.statuses <- session.Status{State: session.StateConnected, Reconnects: 1}
	ch.events <- conversation.Event{ID: "a3", Kind: conversation.KindStatus, Text: "back"}
	waitForLen(t, machine, 4)

	if err := ag.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	log := machine.Snapshot()
	for i, want := range []string{"h1", "a1", "a2", "a3"} {
		if log[i].ID != want || log[i].Seq != uint64(i+1) {
			t.Fatalf("event %d = %s/%d, want %s", i, log[i].ID, log[i].Seq, want)
		}
	}
	pending := machine.Pending()
	if len(pending) != 1 || pending[0].Event.ID != "a2" {
		t.Fatalf("expected a2 to stay pending, got %+v", pending)
	}
}

func TestSendQueryAppendsLocalEventFirst(t *testing.T) {
	machine := conversation.NewMachine()
	ch := newStubChannel()
	ag, err := New(machine, ch, nil, "user-1")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := ag.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer ag.Close()

	local, err := ag.SendQuery(context.Background(), "  send 10 USDC to 0xabc  ")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !local.Local || local.Sender != conversation.SenderUser || local.Text != "send 10 USDC to 0xabc" {
		t.Fatalf("unexpected local event %+v", local)
	}
	if len(ch.sent) != 1 || ch.sent[0].Query != "send 10 USDC to 0xabc" {
		t.Fatalf("unexpected outbound %+v", ch.sent)
	}
	if _, err := ag.SendQuery(context.Background(), "   "); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT for empty query, got %v", err)
	}
}

func TestSendQueryFailureAppendsErrorEvent(t *testing.T) {
	machine := conversation.NewMachine()
	ch := newStubChannel()
	ch.sendErr = xerrors.New(xerrors.CodeNotConnected, "not connected")
	ag, err := New(machine, ch, nil, "user-1")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := ag.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer ag.Close()

	if _, err := ag.SendQuery(context.Background(), "hello"); !xerrors.HasCode(err, xerrors.CodeNotConnected) {
		t.Fatalf("expected NOT_CONNECTED, got %v", err)
	}
	log := machine.Snapshot()
	if len(log) != 3 {
		t.Fatalf("expected welcome, user and error events, got %d", len(log))
	}
	if log[1].Sender != conversation.SenderUser || log[2].Kind != conversation.KindError {
		t.Fatalf("unexpected log tail %+v", log[1:])
	}
}

func TestStartTwiceConflicts(t *testing.T) {
	ag, err := New(conversation.NewMachine(), newStubChannel(), nil, "user-1")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := ag.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer ag.Close()
	if err := ag.Start(context.Background()); !xerrors.HasCode(err, xerrors.CodeConflict) {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
}
