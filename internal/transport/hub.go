package transport

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Hub is the in-process Transport: a registry of attached client
// sessions keyed by thread. Payloads fan out to per-client buffered
// channels; slow clients drop rather than block the sender.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client

	// OnHeartbeat, when set, is invoked with the client's user and
	// thread ids on every keepalive. Wire it before serving traffic.
	OnHeartbeat func(userID, threadID string)
}

// Client is one attached session. Consume delivered payloads from Ch;
// call Close (usually deferred) to detach.
type Client struct {
	ID       string
	ThreadID string
	UserID   string

	hub  *Hub
	ch   chan []byte
	once sync.Once
}

func NewHub() *Hub {
	return &Hub{clients: map[string]*Client{}}
}

// Attach registers a session for a thread. An empty threadID receives
// broadcasts only.
func (h *Hub) Attach(threadID, userID string) *Client {
	c := &Client{
		ID:       ulid.Make().String(),
		ThreadID: threadID,
		UserID:   userID,
		hub:      h,
		ch:       make(chan []byte, 64),
	}
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	return c
}

func (c *Client) Ch() <-chan []byte { return c.ch }

// Close detaches the client and closes its channel. Safe to call more
// than once.
func (c *Client) Close() {
	c.once.Do(func() {
		c.hub.mu.Lock()
		delete(c.hub.clients, c.ID)
		c.hub.mu.Unlock()
		close(c.ch)
	})
}

// Heartbeat records a keepalive from this client.
func (c *Client) Heartbeat() {
	if fn := c.hub.OnHeartbeat; fn != nil {
		fn(c.UserID, c.ThreadID)
	}
}

func (h *Hub) Send(ctx context.Context, threadID string, payload map[string]any) bool {
	if threadID == "" {
		return false
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := false
	for _, c := range h.clients {
		if c.ThreadID != threadID {
			continue
		}
		select {
		case c.ch <- data:
			delivered = true
		default:
			// Drop if the client is slow.
		}
	}
	return delivered
}

func (h *Hub) Broadcast(ctx context.Context, payload map[string]any) int {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, c := range h.clients {
		select {
		case c.ch <- data:
			count++
		default:
		}
	}
	return count
}

// ClientCount returns the number of attached sessions.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ThreadClientCount returns the number of sessions attached to one
// thread.
func (h *Hub) ThreadClientCount(threadID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.clients {
		if c.ThreadID == threadID {
			n++
		}
	}
	return n
}
