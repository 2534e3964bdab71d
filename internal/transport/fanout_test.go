package transport

import (
	"context"
	"testing"
)

type stubTransport struct {
	ok    bool
	count int
	calls int
}

func (s *stubTransport) Send(ctx context.Context, threadID string, payload map[string]any) bool {
	s.calls++
	return s.ok
}

func (s *stubTransport) Broadcast(ctx context.Context, payload map[string]any) int {
	s.calls++
	return s.count
}

func TestFanoutSendSucceedsWhenAnyChildDoes(t *testing.T) {
	failing := &stubTransport{ok: false}
	hub := NewHub()
	client := hub.Attach("thread-1", "alice")
	defer client.Close()

	f := NewFanout(failing, hub)
	if !f.Send(context.Background(), "thread-1", map[string]any{"type": "work_started"}) {
		t.Fatalf("send should succeed via the hub child")
	}
	if failing.calls != 1 {
		t.Fatalf("failing child calls = %d, want 1", failing.calls)
	}
	frame := recv(t, client)
	if frame["type"] != "work_started" {
		t.Fatalf("frame type = %v", frame["type"])
	}

	allFail := NewFanout(&stubTransport{}, &stubTransport{})
	if allFail.Send(context.Background(), "thread-1", map[string]any{"type": "x"}) {
		t.Fatalf("send should fail when every child fails")
	}
}

func TestFanoutBroadcastSumsReceivers(t *testing.T) {
	a := &stubTransport{count: 1}
	b := &stubTransport{count: 2}
	f := NewFanout(a, b)
	if got := f.Broadcast(context.Background(), map[string]any{"type": "system_notice"}); got != 3 {
		t.Fatalf("broadcast receivers = %d, want 3", got)
	}
}
