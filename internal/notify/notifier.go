// Package notify delivers lifecycle events from an executing agent to
// the sessions watching its thread. Guaranteed kinds are retried with
// exponential backoff through a bounded queue; everything else is
// best-effort. No method here returns an error or panics: a broken
// real-time channel must never abort the execution it reports on.
package notify

import (
	"context"
	"log"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/flitsinc/go-relay/internal/journal"
	"github.com/flitsinc/go-relay/internal/relayctx"
	"github.com/flitsinc/go-relay/internal/schema"
	"github.com/flitsinc/go-relay/internal/transport"
)

// Config holds the notifier's tunables. Zero fields fall back to the
// defaults below.
type Config struct {
	QueueCapacity      int
	RetryBaseDelay     time.Duration
	RetryMaxAttempts   int // total transport attempts per guaranteed event, immediate try included
	BacklogThreshold   int
	BacklogNoticeEvery time.Duration
	OperationGrace     time.Duration // how long finished operation entries linger
	OperationTTL       time.Duration // upper bound on any operation entry's lifetime
}

func DefaultConfig() Config {
	return Config{
		QueueCapacity:      1000,
		RetryBaseDelay:     100 * time.Millisecond,
		RetryMaxAttempts:   3,
		BacklogThreshold:   10,
		BacklogNoticeEvery: 30 * time.Second,
		OperationGrace:     time.Minute,
		OperationTTL:       time.Hour,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = def.QueueCapacity
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = def.RetryBaseDelay
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = def.RetryMaxAttempts
	}
	if c.BacklogThreshold <= 0 {
		c.BacklogThreshold = def.BacklogThreshold
	}
	if c.BacklogNoticeEvery <= 0 {
		c.BacklogNoticeEvery = def.BacklogNoticeEvery
	}
	if c.OperationGrace <= 0 {
		c.OperationGrace = def.OperationGrace
	}
	if c.OperationTTL <= 0 {
		c.OperationTTL = def.OperationTTL
	}
	return c
}

// QueuedEvent is one guaranteed event awaiting redelivery.
type QueuedEvent struct {
	Kind       string
	Context    schema.ExecutionContext
	Payload    map[string]any
	EnqueuedAt time.Time
	Attempts   int // transport attempts made so far
}

// OperationState tracks whether an agent is mid-run on a thread.
type OperationState struct {
	AgentName  string    `json:"agent_name"`
	RunID      string    `json:"run_id"`
	Processing bool      `json:"processing"`
	StartedAt  time.Time `json:"started_at"`
}

// DeliveryStats is the notifier's introspection snapshot.
type DeliveryStats struct {
	QueuedEvents          int   `json:"queued_events"`
	ActiveOperations      int   `json:"active_operations"`
	DeliveryConfirmations int64 `json:"delivery_confirmations"`
	BacklogNoticesSent    int64 `json:"backlog_notifications_sent"`
	FailedDeliveries      int64 `json:"failed_deliveries"`
}

type Notifier struct {
	transport transport.Transport
	journal   *journal.Journal
	cfg       Config

	nowFn func() time.Time

	queue chan QueuedEvent
	ops   *gocache.Cache

	mu            sync.Mutex
	confirmations int64
	failed        int64
	notices       int64
	lastNotice    map[string]time.Time

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

type Option func(*Notifier)

func WithConfig(cfg Config) Option {
	return func(n *Notifier) {
		n.cfg = cfg
	}
}

func WithClock(nowFn func() time.Time) Option {
	return func(n *Notifier) {
		if nowFn != nil {
			n.nowFn = nowFn
		}
	}
}

// WithJournal records guaranteed-event outcomes and backlog drops in
// the given journal.
func WithJournal(j *journal.Journal) Option {
	return func(n *Notifier) {
		n.journal = j
	}
}

// New builds a notifier and starts its retry worker. Call Shutdown to
// stop it. A nil transport is allowed: every emit becomes a silent
// no-op returning false.
func New(t transport.Transport, opts ...Option) *Notifier {
	n := &Notifier{
		transport:  t,
		cfg:        DefaultConfig(),
		nowFn:      func() time.Time { return time.Now().UTC() },
		lastNotice: map[string]time.Time{},
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	n.cfg = n.cfg.withDefaults()
	n.queue = make(chan QueuedEvent, n.cfg.QueueCapacity)
	n.ops = gocache.New(n.cfg.OperationTTL, 10*time.Minute)
	go n.retryLoop()
	return n
}

func (n *Notifier) now() time.Time {
	if n.nowFn == nil {
		return time.Now().UTC()
	}
	return n.nowFn().UTC()
}

// Send builds the wire envelope for kind and attempts immediate
// delivery. Best-effort kinds report the transport outcome and are
// dropped on failure; guaranteed kinds that fail are queued for retry,
// and the return value then reports whether the queue accepted the
// event.
func (n *Notifier) Send(ctx context.Context, kind string, ec schema.ExecutionContext, fields map[string]any) bool {
	if n.transport == nil || ec.ThreadID == "" {
		return false
	}
	if ec.CorrelationID == "" {
		ec.CorrelationID = relayctx.CorrelationIDFromContext(ctx)
	}
	payload := schema.Envelope(kind, ec, fields, n.now())
	n.noteOperation(kind, ec)

	if n.transport.Send(ctx, ec.ThreadID, payload) {
		if schema.Critical(kind) {
			n.mu.Lock()
			n.confirmations++
			n.mu.Unlock()
		}
		if schema.Critical(kind) || kind == schema.KindError {
			n.journalOutcome(kind, ec, payload, true, 1)
		}
		return true
	}
	if !schema.Critical(kind) {
		// Error events land in the journal even when undelivered.
		if kind == schema.KindError {
			n.journalOutcome(kind, ec, payload, false, 1)
		}
		return false
	}
	return n.enqueue(ctx, QueuedEvent{
		Kind:       kind,
		Context:    ec,
		Payload:    payload,
		EnqueuedAt: n.now(),
		Attempts:   1,
	})
}

// SystemBroadcast pushes a best-effort system notice to every attached
// session, returning how many received it.
func (n *Notifier) SystemBroadcast(ctx context.Context, message string) int {
	if n.transport == nil {
		return 0
	}
	system := schema.ExecutionContext{AgentName: "system"}
	payload := schema.Envelope(schema.KindSystemNotice, system, map[string]any{"message": message}, n.now())
	return n.transport.Broadcast(ctx, payload)
}

// Operation reports the tracked processing state for a thread.
func (n *Notifier) Operation(threadID string) (OperationState, bool) {
	v, ok := n.ops.Get(threadID)
	if !ok {
		return OperationState{}, false
	}
	op, ok := v.(OperationState)
	if !ok {
		return OperationState{}, false
	}
	return op, true
}

func (n *Notifier) DeliveryStats() DeliveryStats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return DeliveryStats{
		QueuedEvents:          len(n.queue),
		ActiveOperations:      n.ops.ItemCount(),
		DeliveryConfirmations: n.confirmations,
		BacklogNoticesSent:    n.notices,
		FailedDeliveries:      n.failed,
	}
}

// Shutdown stops the retry worker and waits for it. Queued events that
// have not been attempted yet are abandoned; ctx bounds the wait.
// Safe to call more than once.
func (n *Notifier) Shutdown(ctx context.Context) error {
	n.stopOnce.Do(func() { close(n.stop) })
	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// noteOperation keeps the per-thread processing flag current. A start
// marks the thread busy; a finish flips the flag and lets the entry
// age out after the grace period.
func (n *Notifier) noteOperation(kind string, ec schema.ExecutionContext) {
	switch kind {
	case schema.KindWorkStarted:
		n.ops.Set(ec.ThreadID, OperationState{
			AgentName:  ec.AgentName,
			RunID:      ec.RunID,
			Processing: true,
			StartedAt:  n.now(),
		}, gocache.DefaultExpiration)
	case schema.KindWorkFinished:
		state := OperationState{AgentName: ec.AgentName, RunID: ec.RunID}
		if v, ok := n.ops.Get(ec.ThreadID); ok {
			if op, ok := v.(OperationState); ok {
				state = op
			}
		}
		state.Processing = false
		n.ops.Set(ec.ThreadID, state, n.cfg.OperationGrace)
	}
}

func (n *Notifier) enqueue(ctx context.Context, ev QueuedEvent) bool {
	select {
	case n.queue <- ev:
		n.maybeNotifyBacklog(ctx, ev.Context)
		return true
	default:
		n.mu.Lock()
		n.failed++
		n.mu.Unlock()
		log.Printf("notify: retry queue full, dropping %s for thread %s", ev.Kind, ev.Context.ThreadID)
		n.journalOutcome(ev.Kind, ev.Context, ev.Payload, false, ev.Attempts)
		return false
	}
}

// maybeNotifyBacklog emits one best-effort "system under load" notice
// to the affected thread when the queue is past its threshold or the
// per-thread notice interval has elapsed, whichever comes first.
func (n *Notifier) maybeNotifyBacklog(ctx context.Context, ec schema.ExecutionContext) {
	depth := len(n.queue)
	now := n.now()

	n.mu.Lock()
	last, seen := n.lastNotice[ec.ThreadID]
	overdue := seen && now.Sub(last) >= n.cfg.BacklogNoticeEvery
	if !overdue && (seen || depth < n.cfg.BacklogThreshold) {
		n.mu.Unlock()
		return
	}
	n.lastNotice[ec.ThreadID] = now
	n.notices++
	n.mu.Unlock()

	payload := schema.Envelope(schema.KindSystemNotice, ec, map[string]any{
		"message":       "The system is under load; updates may arrive with a delay.",
		"queued_events": depth,
	}, now)
	n.transport.Send(ctx, ec.ThreadID, payload)
}

func (n *Notifier) retryLoop() {
	defer close(n.done)
	for {
		select {
		case <-n.stop:
			return
		case ev := <-n.queue:
			n.redeliver(ev)
		}
	}
}

// redeliver walks the remaining attempts for one queued event, waiting
// base*2^n between tries. Shutdown abandons the wait promptly.
func (n *Notifier) redeliver(ev QueuedEvent) {
	ctx := context.Background()
	for ev.Attempts < n.cfg.RetryMaxAttempts {
		select {
		case <-n.stop:
			return
		case <-time.After(backoffDelay(n.cfg.RetryBaseDelay, ev.Attempts)):
		}
		ev.Attempts++
		if n.transport.Send(ctx, ev.Context.ThreadID, ev.Payload) {
			n.mu.Lock()
			n.confirmations++
			n.mu.Unlock()
			n.journalOutcome(ev.Kind, ev.Context, ev.Payload, true, ev.Attempts)
			return
		}
	}
	n.mu.Lock()
	n.failed++
	n.mu.Unlock()
	log.Printf("notify: giving up on %s for thread %s after %d attempts", ev.Kind, ev.Context.ThreadID, ev.Attempts)
	n.journalOutcome(ev.Kind, ev.Context, ev.Payload, false, ev.Attempts)
}

// backoffDelay returns base*2^(attempt-1): the wait before the attempt
// following the given one.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << uint(attempt-1)
}

// journalOutcome records a final outcome. Journal writes outlive the
// caller's request on purpose.
func (n *Notifier) journalOutcome(kind string, ec schema.ExecutionContext, envelope map[string]any, delivered bool, attempts int) {
	if n.journal == nil {
		return
	}
	fields, _ := envelope["payload"].(map[string]any)
	if _, err := n.journal.Append(context.Background(), journal.Entry{
		ThreadID:  ec.ThreadID,
		UserID:    ec.UserID,
		Kind:      kind,
		Payload:   fields,
		Delivered: delivered,
		Attempts:  attempts,
	}); err != nil {
		log.Printf("notify: journal append: %v", err)
	}
}
