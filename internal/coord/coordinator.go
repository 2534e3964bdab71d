// Package coord guarantees at-most-one active execution per
// conversation thread. It registers execution contexts with atomic
// dedup, tracks per-connection delivery reliability, reclaims state
// left behind by crashed or stalled executions, and offers a
// delivery-with-retry helper for events that must land.
package coord

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/flitsinc/go-relay/internal/idgen"
	"github.com/flitsinc/go-relay/internal/schema"
	"github.com/flitsinc/go-relay/internal/transport"
)

type Config struct {
	HealthCheckInterval time.Duration
	ContextIdleTimeout  time.Duration
	HeartbeatTimeout    time.Duration
	EnsureMaxAttempts   int
	EnsureBaseDelay     time.Duration
}

func DefaultConfig() Config {
	return Config{
		HealthCheckInterval: 30 * time.Second,
		ContextIdleTimeout:  10 * time.Minute,
		HeartbeatTimeout:    5 * time.Minute,
		EnsureMaxAttempts:   3,
		EnsureBaseDelay:     100 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = def.HealthCheckInterval
	}
	if c.ContextIdleTimeout <= 0 {
		c.ContextIdleTimeout = def.ContextIdleTimeout
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.EnsureMaxAttempts <= 0 {
		c.EnsureMaxAttempts = def.EnsureMaxAttempts
	}
	if c.EnsureBaseDelay <= 0 {
		c.EnsureBaseDelay = def.EnsureBaseDelay
	}
	return c
}

// ConfigInfo is the config snapshot exposed through Metrics.
type ConfigInfo struct {
	HealthCheckInterval string `json:"health_check_interval"`
	ContextIdleTimeout  string `json:"context_idle_timeout"`
	HeartbeatTimeout    string `json:"heartbeat_timeout"`
	EnsureMaxAttempts   int    `json:"ensure_max_attempts"`
}

func (c Config) info() ConfigInfo {
	return ConfigInfo{
		HealthCheckInterval: c.HealthCheckInterval.String(),
		ContextIdleTimeout:  c.ContextIdleTimeout.String(),
		HeartbeatTimeout:    c.HeartbeatTimeout.String(),
		EnsureMaxAttempts:   c.EnsureMaxAttempts,
	}
}

// ContextState is the registry's record of one active execution bound
// to a thread.
type ContextState struct {
	ContextID    string    `json:"context_id"`
	AgentName    string    `json:"agent_name"`
	UserID       string    `json:"user_id"`
	ThreadID     string    `json:"thread_id"`
	RunID        string    `json:"run_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	IsActive     bool      `json:"is_active"`
	EventCount   int       `json:"event_count"`
	ErrorCount   int       `json:"error_count"`
}

type Counters struct {
	DuplicatesPrevented     int64 `json:"duplicates_prevented"`
	CompletedRuns           int64 `json:"completed_runs"`
	FailedRuns              int64 `json:"failed_runs"`
	HealthChecksRun         int64 `json:"health_checks_run"`
	StaleContextsReclaimed  int64 `json:"stale_contexts_reclaimed"`
	StaleConnectionsDropped int64 `json:"stale_connections_dropped"`
}

// Metrics is the coordinator's introspection snapshot.
type Metrics struct {
	ActiveContexts        int                `json:"active_contexts"`
	RegisteredConnections int                `json:"registered_connections"`
	HealthMetrics         []ConnectionHealth `json:"health_metrics"`
	Counters              Counters           `json:"counters"`
	Config                ConfigInfo         `json:"config"`
}

type Coordinator struct {
	transport transport.Transport
	cfg       Config

	nowFn   func() time.Time
	newIDFn func() string

	mu       sync.Mutex
	contexts map[string]*ContextState
	byThread map[string]string
	health   map[string]*ConnectionHealth
	counters Counters
	started  bool
	stopped  bool

	stop     chan struct{}
	stopOnce sync.Once
	loopDone chan struct{}
}

type Option func(*Coordinator)

func WithConfig(cfg Config) Option {
	return func(c *Coordinator) {
		c.cfg = cfg
	}
}

func WithClock(nowFn func() time.Time) Option {
	return func(c *Coordinator) {
		if nowFn != nil {
			c.nowFn = nowFn
		}
	}
}

func WithIDGenerator(newIDFn func() string) Option {
	return func(c *Coordinator) {
		if newIDFn != nil {
			c.newIDFn = newIDFn
		}
	}
}

// New builds a coordinator. The transport is used by EnsureDelivery
// and may be nil, in which case EnsureDelivery always reports false.
// Call Start to run the reclamation loop.
func New(t transport.Transport, opts ...Option) *Coordinator {
	c := &Coordinator{
		transport: t,
		cfg:       DefaultConfig(),
		nowFn:     func() time.Time { return time.Now().UTC() },
		newIDFn:   idgen.New,
		contexts:  map[string]*ContextState{},
		byThread:  map[string]string{},
		health:    map[string]*ConnectionHealth{},
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.cfg = c.cfg.withDefaults()
	return c
}

func (c *Coordinator) now() time.Time {
	if c.nowFn == nil {
		return time.Now().UTC()
	}
	return c.nowFn().UTC()
}

// Start launches the periodic health-check loop. Later calls are
// no-ops.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.loopDone = make(chan struct{})
	c.mu.Unlock()

	go c.healthLoop()
}

func (c *Coordinator) healthLoop() {
	defer close(c.loopDone)
	ticker := time.NewTicker(c.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Register claims the thread for one execution. The check-then-insert
// runs under the coordinator lock, so concurrent attempts for the same
// thread serialize: the loser gets the winner's id back and the
// duplicate counter moves.
func (c *Coordinator) Register(ec schema.ExecutionContext) string {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if existingID, ok := c.byThread[ec.ThreadID]; ok {
		if state, ok := c.contexts[existingID]; ok && state.IsActive {
			c.counters.DuplicatesPrevented++
			log.Printf("coord: duplicate registration for thread %s, reusing %s", ec.ThreadID, existingID)
			return existingID
		}
	}

	id := c.newIDFn()
	c.contexts[id] = &ContextState{
		ContextID:    id,
		AgentName:    ec.AgentName,
		UserID:       ec.UserID,
		ThreadID:     ec.ThreadID,
		RunID:        ec.RunID,
		CreatedAt:    now,
		LastActivity: now,
		IsActive:     true,
	}
	c.byThread[ec.ThreadID] = id
	return id
}

// Unregister releases a context and counts the run's outcome. Unknown
// ids are a no-op.
func (c *Coordinator) Unregister(contextID string, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.contexts[contextID]
	if !ok {
		return
	}
	delete(c.contexts, contextID)
	if c.byThread[state.ThreadID] == contextID {
		delete(c.byThread, state.ThreadID)
	}
	if success {
		c.counters.CompletedRuns++
	} else {
		c.counters.FailedRuns++
	}
}

// IsActive reports whether a thread has a registered execution.
func (c *Coordinator) IsActive(threadID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byThread[threadID]
	if !ok {
		return false
	}
	state, ok := c.contexts[id]
	return ok && state.IsActive
}

// Context returns a snapshot of one context state.
func (c *Coordinator) Context(contextID string) (ContextState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.contexts[contextID]
	if !ok {
		return ContextState{}, false
	}
	return *state, true
}

// ThreadContext returns the active context id for a thread.
func (c *Coordinator) ThreadContext(threadID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byThread[threadID]
	return id, ok
}

// Touch bumps a context's activity clock and event count.
func (c *Coordinator) Touch(contextID string) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok := c.contexts[contextID]; ok {
		state.LastActivity = now
		state.EventCount++
	}
}

// NoteError bumps a context's error count alongside its activity.
func (c *Coordinator) NoteError(contextID string) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok := c.contexts[contextID]; ok {
		state.LastActivity = now
		state.EventCount++
		state.ErrorCount++
	}
}

// Sweep runs one reclamation pass: contexts idle past the idle timeout
// are treated as failed executions and removed, and connections whose
// last heartbeat is older than the heartbeat timeout are dropped. The
// loop calls this on its interval; tests and operators may call it
// directly.
func (c *Coordinator) Sweep() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters.HealthChecksRun++

	for id, state := range c.contexts {
		idle := now.Sub(state.LastActivity)
		if idle <= c.cfg.ContextIdleTimeout {
			continue
		}
		delete(c.contexts, id)
		if c.byThread[state.ThreadID] == id {
			delete(c.byThread, state.ThreadID)
		}
		c.counters.FailedRuns++
		c.counters.StaleContextsReclaimed++
		log.Printf("coord: reclaimed stale context %s (thread %s, idle %s)", id, state.ThreadID, idle.Round(time.Second))
	}

	for key, h := range c.health {
		if now.Sub(h.LastHeartbeat) <= c.cfg.HeartbeatTimeout {
			continue
		}
		delete(c.health, key)
		c.counters.StaleConnectionsDropped++
	}
}

// EnsureDelivery pushes one event with bounded retries, folding every
// attempt into the connection health and backing off exponentially
// between failures. Returns the final outcome; exhaustion logs once.
func (c *Coordinator) EnsureDelivery(ctx context.Context, ec schema.ExecutionContext, kind string, fields map[string]any) bool {
	if c.transport == nil || ec.ThreadID == "" {
		return false
	}
	payload := schema.Envelope(kind, ec, fields, c.now())
	for attempt := 1; attempt <= c.cfg.EnsureMaxAttempts; attempt++ {
		ok := c.transport.Send(ctx, ec.ThreadID, payload)
		c.TrackConnectionHealth(ec.UserID, ec.ThreadID, ok)
		if ok {
			return true
		}
		if attempt == c.cfg.EnsureMaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-c.stop:
			return false
		case <-time.After(backoffDelay(c.cfg.EnsureBaseDelay, attempt)):
		}
	}
	log.Printf("coord: delivery of %s to thread %s failed after %d attempts", kind, ec.ThreadID, c.cfg.EnsureMaxAttempts)
	return false
}

// backoffDelay returns base*2^(attempt-1): the wait after the given
// attempt fails.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << uint(attempt-1)
}

// Shutdown stops the loop, reclaims every active context as failed,
// and clears all maps. Idempotent; ctx bounds the wait for the loop.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stop) })

	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if started {
		select {
		case <-c.loopDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	c.stopped = true
	if n := len(c.contexts); n > 0 {
		log.Printf("coord: shutdown reclaiming %d active contexts", n)
		c.counters.FailedRuns += int64(n)
	}
	c.contexts = map[string]*ContextState{}
	c.byThread = map[string]string{}
	c.health = map[string]*ConnectionHealth{}
	return nil
}

// Contexts returns a snapshot of the active context states, oldest
// first.
func (c *Coordinator) Contexts() []ContextState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ContextState, 0, len(c.contexts))
	for _, state := range c.contexts {
		out = append(out, *state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (c *Coordinator) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	healthOut := make([]ConnectionHealth, 0, len(c.health))
	for _, h := range c.health {
		healthOut = append(healthOut, *h)
	}
	sort.Slice(healthOut, func(i, j int) bool {
		if healthOut[i].UserID != healthOut[j].UserID {
			return healthOut[i].UserID < healthOut[j].UserID
		}
		return healthOut[i].ThreadID < healthOut[j].ThreadID
	})
	return Metrics{
		ActiveContexts:        len(c.contexts),
		RegisteredConnections: len(c.health),
		HealthMetrics:         healthOut,
		Counters:              c.counters,
		Config:                c.cfg.info(),
	}
}
