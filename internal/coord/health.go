package coord

import "time"

// ConnectionHealth is a rolling reliability score for one user/thread
// connection.
type ConnectionHealth struct {
	UserID              string    `json:"user_id"`
	ThreadID            string    `json:"thread_id"`
	ConnectedAt         time.Time `json:"connected_at"`
	LastHeartbeat       time.Time `json:"last_heartbeat"`
	SuccessRate         float64   `json:"success_rate"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	IsHealthy           bool      `json:"is_healthy"`
}

func healthKey(userID, threadID string) string {
	return userID + "|" + threadID
}

// TrackConnectionHealth folds one delivery outcome into the rolling
// score for a connection. Success decays the rate toward 1
// (rate*0.95 + 0.05) and clears the failure streak; failure decays the
// rate by 0.9 and extends it. A connection counts as healthy while the
// streak is under 3 and the rate above 0.5.
func (c *Coordinator) TrackConnectionHealth(userID, threadID string, success bool) {
	now := c.now()
	key := healthKey(userID, threadID)
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.health[key]
	if !ok {
		h = &ConnectionHealth{
			UserID:        userID,
			ThreadID:      threadID,
			ConnectedAt:   now,
			LastHeartbeat: now,
			SuccessRate:   1.0,
		}
		c.health[key] = h
	}
	if success {
		h.SuccessRate = h.SuccessRate*0.95 + 0.05
		if h.SuccessRate > 1 {
			h.SuccessRate = 1
		}
		h.ConsecutiveFailures = 0
		h.LastHeartbeat = now
	} else {
		h.SuccessRate *= 0.9
		h.ConsecutiveFailures++
	}
	h.IsHealthy = h.ConsecutiveFailures < 3 && h.SuccessRate > 0.5
}

// Heartbeat records a transport keepalive for a connection, creating
// the entry if needed. Wired to the hub so open websocket and SSE
// streams keep their connection from being swept.
func (c *Coordinator) Heartbeat(userID, threadID string) {
	now := c.now()
	key := healthKey(userID, threadID)
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.health[key]
	if !ok {
		h = &ConnectionHealth{
			UserID:      userID,
			ThreadID:    threadID,
			ConnectedAt: now,
			SuccessRate: 1.0,
			IsHealthy:   true,
		}
		c.health[key] = h
	}
	h.LastHeartbeat = now
}

// Health returns the record for one connection.
func (c *Coordinator) Health(userID, threadID string) (ConnectionHealth, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.health[healthKey(userID, threadID)]
	if !ok {
		return ConnectionHealth{}, false
	}
	return *h, true
}
