// Package transport moves event payloads to connected user sessions.
// Implementations are fail-quiet: delivery outcome is reported through
// return values and a failed send never panics into the caller.
package transport

import "context"

// Transport delivers an event payload to the sessions watching a
// thread. Send reports whether at least one session accepted the
// payload; Broadcast returns how many sessions did.
type Transport interface {
	Send(ctx context.Context, threadID string, payload map[string]any) bool
	Broadcast(ctx context.Context, payload map[string]any) int
}
