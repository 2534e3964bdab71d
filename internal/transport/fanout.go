package transport

import "context"

// Fanout delivers through every child transport. Send succeeds when
// any child accepted the payload; Broadcast sums receiver counts.
//
// Use it when sessions are pinned to one relay process and Redis is
// only a tap for peers or monitors, with the bridge disabled so local
// sessions do not see replayed copies of their own events.
type Fanout struct {
	children []Transport
}

func NewFanout(children ...Transport) *Fanout {
	return &Fanout{children: children}
}

func (f *Fanout) Send(ctx context.Context, threadID string, payload map[string]any) bool {
	delivered := false
	for _, c := range f.children {
		if c.Send(ctx, threadID, payload) {
			delivered = true
		}
	}
	return delivered
}

func (f *Fanout) Broadcast(ctx context.Context, payload map[string]any) int {
	total := 0
	for _, c := range f.children {
		total += c.Broadcast(ctx, payload)
	}
	return total
}
