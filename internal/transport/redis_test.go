package transport

import (
	"context"
	"testing"
)

// These cover the paths that never reach the Redis server; publish
// and the bridge need a live instance and are exercised in deployment.

func TestRedisChannelNaming(t *testing.T) {
	r := NewRedis(nil, "")
	if got := r.threadChannel("thread-1"); got != "relay:thread:thread-1" {
		t.Fatalf("thread channel = %q", got)
	}
	if got := r.broadcastChannel(); got != "relay:broadcast" {
		t.Fatalf("broadcast channel = %q", got)
	}

	r = NewRedis(nil, "staging")
	if got := r.threadChannel("t"); got != "staging:thread:t" {
		t.Fatalf("prefixed thread channel = %q", got)
	}
}

func TestRedisSendGuards(t *testing.T) {
	r := NewRedis(nil, "")

	if r.Send(context.Background(), "", map[string]any{"type": "x"}) {
		t.Fatalf("send with empty thread should fail")
	}

	// A payload json cannot encode fails before the client is touched.
	bad := map[string]any{"ch": make(chan int)}
	if r.Send(context.Background(), "thread-1", bad) {
		t.Fatalf("send with unencodable payload should fail")
	}
	if r.Broadcast(context.Background(), bad) != 0 {
		t.Fatalf("broadcast with unencodable payload should reach no one")
	}
}
