package schema

import "time"

// ExecutionContext identifies one execution attempt bound to a
// conversation thread. Callers build it once per attempt; the relay
// components only read it.
type ExecutionContext struct {
	RunID         string    `json:"run_id"`
	ThreadID      string    `json:"thread_id"`
	UserID        string    `json:"user_id"`
	AgentName     string    `json:"agent_name"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	StartTime     time.Time `json:"start_time"`
}

// Envelope builds the wire payload for one event: the kind under
// "type", and the event fields merged with the execution identity and
// a float epoch-seconds timestamp under "payload".
func Envelope(kind string, ec ExecutionContext, fields map[string]any, now time.Time) map[string]any {
	payload := make(map[string]any, len(fields)+4)
	for k, v := range fields {
		payload[k] = v
	}
	payload["agent_name"] = ec.AgentName
	payload["run_id"] = ec.RunID
	if ec.CorrelationID != "" {
		payload["correlation_id"] = ec.CorrelationID
	}
	payload["timestamp"] = float64(now.UnixNano()) / 1e9
	return map[string]any{"type": kind, "payload": payload}
}
