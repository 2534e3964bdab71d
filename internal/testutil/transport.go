package testutil

import (
	"context"
	"sync"
	"time"
)

// SendCall records one delivery attempt seen by a RecorderTransport.
type SendCall struct {
	ThreadID string
	Payload  map[string]any
	At       time.Time
}

// RecorderTransport is a scriptable in-memory transport. Each Send
// pops one scripted outcome; when the script is exhausted every Send
// succeeds unless SetFail is active.
type RecorderTransport struct {
	mu         sync.Mutex
	calls      []SendCall
	broadcasts []map[string]any
	outcomes   []bool
	failAll    bool

	// Clients is the count Broadcast reports.
	Clients int
}

func NewRecorderTransport(outcomes ...bool) *RecorderTransport {
	return &RecorderTransport{outcomes: outcomes, Clients: 1}
}

// SetFail forces every Send to fail until cleared, regardless of the
// scripted outcomes.
func (rt *RecorderTransport) SetFail(fail bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.failAll = fail
}

func (rt *RecorderTransport) Send(_ context.Context, threadID string, payload map[string]any) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.calls = append(rt.calls, SendCall{ThreadID: threadID, Payload: payload, At: time.Now()})
	if rt.failAll {
		return false
	}
	if len(rt.outcomes) == 0 {
		return true
	}
	ok := rt.outcomes[0]
	rt.outcomes = rt.outcomes[1:]
	return ok
}

func (rt *RecorderTransport) Broadcast(_ context.Context, payload map[string]any) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.broadcasts = append(rt.broadcasts, payload)
	return rt.Clients
}

func (rt *RecorderTransport) Calls() []SendCall {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]SendCall, len(rt.calls))
	copy(out, rt.calls)
	return out
}

func (rt *RecorderTransport) Broadcasts() []map[string]any {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]map[string]any, len(rt.broadcasts))
	copy(out, rt.broadcasts)
	return out
}

// CallsFor filters recorded sends by thread.
func (rt *RecorderTransport) CallsFor(threadID string) []SendCall {
	var out []SendCall
	for _, call := range rt.Calls() {
		if call.ThreadID == threadID {
			out = append(out, call)
		}
	}
	return out
}

// KindsFor returns the envelope types sent to a thread, in order.
func (rt *RecorderTransport) KindsFor(threadID string) []string {
	var out []string
	for _, call := range rt.CallsFor(threadID) {
		kind, _ := call.Payload["type"].(string)
		out = append(out, kind)
	}
	return out
}

// WaitCalls blocks until at least n sends are recorded or the timeout
// passes, returning the snapshot either way.
func (rt *RecorderTransport) WaitCalls(n int, timeout time.Duration) []SendCall {
	deadline := time.Now().Add(timeout)
	for {
		calls := rt.Calls()
		if len(calls) >= n || time.Now().After(deadline) {
			return calls
		}
		time.Sleep(5 * time.Millisecond)
	}
}
