// Package progress keeps long-running operations from appearing
// silent. While a tracked scope is open, a background loop pushes
// contextual status updates at a fixed cadence; closing the scope
// emits one completion summary with a duration bucket.
package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flitsinc/go-relay/internal/idgen"
	"github.com/flitsinc/go-relay/internal/notify"
	"github.com/flitsinc/go-relay/internal/schema"
)

type Config struct {
	UpdateInterval  time.Duration // cadence of periodic updates
	LongOpThreshold time.Duration // expected durations above this get a loop
}

func DefaultConfig() Config {
	return Config{
		UpdateInterval:  5 * time.Second,
		LongOpThreshold: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = def.UpdateInterval
	}
	if c.LongOpThreshold <= 0 {
		c.LongOpThreshold = def.LongOpThreshold
	}
	return c
}

// Spec describes one operation to track. A zero ExpectedDuration means
// unknown, which always gets a periodic loop.
type Spec struct {
	Name             string
	Type             string // picks the status message templates
	ExpectedDuration time.Duration
	Description      string
}

type Tracker struct {
	notifier *notify.Notifier
	cfg      Config
	nowFn    func() time.Time

	mu  sync.Mutex
	ops map[string]*Operation // threadID/name -> open scope

	wg sync.WaitGroup
}

type Option func(*Tracker)

func WithConfig(cfg Config) Option {
	return func(t *Tracker) {
		t.cfg = cfg
	}
}

func WithClock(nowFn func() time.Time) Option {
	return func(t *Tracker) {
		if nowFn != nil {
			t.nowFn = nowFn
		}
	}
}

func New(n *notify.Notifier, opts ...Option) *Tracker {
	t := &Tracker{
		notifier: n,
		cfg:      DefaultConfig(),
		nowFn:    func() time.Time { return time.Now().UTC() },
		ops:      map[string]*Operation{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	t.cfg = t.cfg.withDefaults()
	return t
}

func (t *Tracker) now() time.Time {
	if t.nowFn == nil {
		return time.Now().UTC()
	}
	return t.nowFn().UTC()
}

// Operation is one tracked scope. End it (usually deferred) to stop
// the loop and emit the completion summary.
type Operation struct {
	ID      string
	Context schema.ExecutionContext
	Spec    Spec

	tracker   *Tracker
	startedAt time.Time

	mu          sync.Mutex
	updateCount int

	cancel   chan struct{} // nil when no loop runs
	done     chan struct{}
	loopOnce sync.Once
	endOnce  sync.Once
}

// Begin opens a tracked scope and emits the starting update. When the
// expected duration is unknown or beyond the long-op threshold, a
// background loop emits periodic updates until End. Beginning the same
// thread and name again replaces the open scope and stops its loop.
func (t *Tracker) Begin(ctx context.Context, ec schema.ExecutionContext, spec Spec) *Operation {
	op := &Operation{
		ID:        idgen.New(),
		Context:   ec,
		Spec:      spec,
		tracker:   t,
		startedAt: t.now(),
	}

	t.mu.Lock()
	key := opKey(ec.ThreadID, spec.Name)
	prev := t.ops[key]
	t.ops[key] = op
	t.mu.Unlock()
	if prev != nil {
		// A repeated Begin supersedes the open scope. Its loop stops
		// here; only the handle holder may still End it.
		prev.stopLoop()
		if prev.done != nil {
			<-prev.done
		}
	}

	fields := map[string]any{
		"operation": spec.Name,
		"status":    "started",
		"update":    0,
	}
	if spec.Type != "" {
		fields["operation_type"] = spec.Type
	}
	if spec.Description != "" {
		fields["description"] = spec.Description
	}
	if spec.ExpectedDuration > 0 {
		fields["expected_duration_ms"] = spec.ExpectedDuration.Milliseconds()
	}
	t.notifier.Send(ctx, schema.KindProgress, ec, fields)

	if spec.ExpectedDuration == 0 || spec.ExpectedDuration > t.cfg.LongOpThreshold {
		op.cancel = make(chan struct{})
		op.done = make(chan struct{})
		t.wg.Add(1)
		go op.loop()
	}
	return op
}

// ForceUpdate pushes an out-of-band status update for a tracked
// operation, independent of the timer. A negative percent omits the
// progress field. Reports whether a matching open operation was found.
func (t *Tracker) ForceUpdate(ctx context.Context, ec schema.ExecutionContext, name, message string, percent float64) bool {
	t.mu.Lock()
	op, ok := t.ops[opKey(ec.ThreadID, name)]
	t.mu.Unlock()
	if !ok {
		return false
	}

	op.mu.Lock()
	op.updateCount++
	count := op.updateCount
	op.mu.Unlock()

	fields := map[string]any{
		"operation":       name,
		"status":          "running",
		"update":          count,
		"message":         message,
		"elapsed_seconds": int64(t.now().Sub(op.startedAt) / time.Second),
	}
	if percent >= 0 {
		fields["progress_percentage"] = percent
	}
	t.notifier.Send(ctx, schema.KindProgress, ec, fields)
	return true
}

// Finish ends the operation registered under the thread and name, if
// one is open. Reports whether it was found.
func (t *Tracker) Finish(ctx context.Context, threadID, name string) bool {
	t.mu.Lock()
	op, ok := t.ops[opKey(threadID, name)]
	t.mu.Unlock()
	if !ok {
		return false
	}
	op.End(ctx)
	return true
}

// ActiveOperations returns the number of open scopes.
func (t *Tracker) ActiveOperations() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ops)
}

// Shutdown cancels every outstanding loop and waits for all of them
// before clearing state. ctx bounds the wait.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	ops := make([]*Operation, 0, len(t.ops))
	for _, op := range t.ops {
		ops = append(ops, op)
	}
	t.ops = map[string]*Operation{}
	t.mu.Unlock()

	for _, op := range ops {
		op.stopLoop()
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// End closes the scope: stops the loop, waits for it, and emits the
// completion summary. Idempotent.
func (op *Operation) End(ctx context.Context) {
	op.endOnce.Do(func() {
		op.stopLoop()
		if op.done != nil {
			<-op.done
		}

		t := op.tracker
		key := opKey(op.Context.ThreadID, op.Spec.Name)
		t.mu.Lock()
		if cur, ok := t.ops[key]; ok && cur == op {
			delete(t.ops, key)
		}
		t.mu.Unlock()

		duration := t.now().Sub(op.startedAt)
		bucket := schema.BucketForDuration(duration)
		op.mu.Lock()
		count := op.updateCount
		op.mu.Unlock()

		t.notifier.Send(ctx, schema.KindProgress, op.Context, map[string]any{
			"operation":    op.Spec.Name,
			"status":       "completed",
			"duration_ms":  duration.Milliseconds(),
			"update_count": count,
			"speed":        string(bucket),
			"message":      completionMessage(op.Spec.Name, duration, bucket),
		})
	})
}

func (op *Operation) stopLoop() {
	if op.cancel == nil {
		return
	}
	op.loopOnce.Do(func() { close(op.cancel) })
}

func (op *Operation) loop() {
	defer op.tracker.wg.Done()
	defer close(op.done)
	ticker := time.NewTicker(op.tracker.cfg.UpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-op.cancel:
			return
		case <-ticker.C:
			op.emitPeriodic()
		}
	}
}

// emitPeriodic pushes one cadence update: elapsed time, progress
// capped at 95% when the expected duration is known, and a status
// message cycled through the type's templates.
func (op *Operation) emitPeriodic() {
	elapsed := op.tracker.now().Sub(op.startedAt)

	op.mu.Lock()
	op.updateCount++
	count := op.updateCount
	op.mu.Unlock()

	fields := map[string]any{
		"operation":       op.Spec.Name,
		"status":          "running",
		"update":          count,
		"elapsed_seconds": int64(elapsed / time.Second),
		"message":         statusMessage(op.Spec.Type, elapsed, count),
	}
	if op.Spec.ExpectedDuration > 0 {
		pct := float64(elapsed) / float64(op.Spec.ExpectedDuration) * 100
		if pct > 95 {
			pct = 95
		}
		fields["progress_percentage"] = pct
	}
	op.tracker.notifier.Send(context.Background(), schema.KindProgress, op.Context, fields)
}

func opKey(threadID, name string) string {
	return threadID + "/" + name
}

// Each template consumes exactly one %d: the elapsed seconds. The
// update count cycles which template is used.
var statusTemplates = map[string][]string{
	"analysis": {
		"Still analyzing, %d seconds in.",
		"Working through the data (%ds elapsed).",
		"Analysis continues after %ds.",
	},
	"generation": {
		"Still writing, %d seconds in.",
		"Composing the response (%ds elapsed).",
		"Generation continues after %ds.",
	},
	"retrieval": {
		"Still gathering sources, %d seconds in.",
		"Collecting results (%ds elapsed).",
		"Retrieval continues after %ds.",
	},
	"default": {
		"Still working, %d seconds in.",
		"Processing continues (%ds elapsed).",
		"Hang tight, %ds and counting.",
	},
}

func statusMessage(opType string, elapsed time.Duration, count int) string {
	templates, ok := statusTemplates[opType]
	if !ok {
		templates = statusTemplates["default"]
	}
	idx := 0
	if count > 0 {
		idx = (count - 1) % len(templates)
	}
	return fmt.Sprintf(templates[idx], int64(elapsed/time.Second))
}

func completionMessage(name string, d time.Duration, bucket schema.DurationBucket) string {
	secs := d.Seconds()
	switch bucket {
	case schema.BucketFast:
		return fmt.Sprintf("%s finished in %.1fs.", name, secs)
	case schema.BucketMedium:
		return fmt.Sprintf("%s completed after %.0f seconds.", name, secs)
	case schema.BucketSlow:
		return fmt.Sprintf("%s took a while (%.0f seconds) but is done.", name, secs)
	default:
		return fmt.Sprintf("%s finally completed after %.0f seconds.", name, secs)
	}
}
