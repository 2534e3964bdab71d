package notify

import (
	"context"
	"testing"
	"time"

	"github.com/flitsinc/go-relay/internal/journal"
	"github.com/flitsinc/go-relay/internal/relayctx"
	"github.com/flitsinc/go-relay/internal/schema"
	"github.com/flitsinc/go-relay/internal/testutil"
)

func execCtx() schema.ExecutionContext {
	return schema.ExecutionContext{
		RunID:     "run-1",
		ThreadID:  "thread-1",
		UserID:    "alice",
		AgentName: "researcher",
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestBestEffortFailureIsDropped(t *testing.T) {
	tr := testutil.NewRecorderTransport(false)
	n := New(tr)
	defer n.Shutdown(context.Background())

	if n.Thinking(context.Background(), execCtx(), ThinkingUpdate{StepNumber: 1}) {
		t.Fatalf("expected failed best-effort send to report false")
	}

	time.Sleep(50 * time.Millisecond)
	if got := len(tr.Calls()); got != 1 {
		t.Fatalf("expected no retries for best-effort events, got %d calls", got)
	}
	stats := n.DeliveryStats()
	if stats.QueuedEvents != 0 || stats.FailedDeliveries != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestNilTransportIsSilentNoOp(t *testing.T) {
	n := New(nil)
	defer n.Shutdown(context.Background())
	ctx := context.Background()

	if n.WorkStarted(ctx, execCtx(), "hello") {
		t.Fatalf("expected false with nil transport")
	}
	if n.SystemBroadcast(ctx, "maintenance") != 0 {
		t.Fatalf("expected zero recipients with nil transport")
	}
	if _, ok := n.Operation("thread-1"); ok {
		t.Fatalf("no operation state should be tracked")
	}
}

func TestEmptyThreadIsRejected(t *testing.T) {
	tr := testutil.NewRecorderTransport()
	n := New(tr)
	defer n.Shutdown(context.Background())

	ec := execCtx()
	ec.ThreadID = ""
	if n.WorkStarted(context.Background(), ec, "hello") {
		t.Fatalf("expected false for empty thread id")
	}
	if len(tr.Calls()) != 0 {
		t.Fatalf("transport should not be touched without a thread")
	}
}

func TestGuaranteedRetrySucceeds(t *testing.T) {
	tr := testutil.NewRecorderTransport(false, false, true)
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	jrnl := journal.New(db)

	n := New(tr, WithJournal(jrnl), WithConfig(Config{RetryBaseDelay: 20 * time.Millisecond}))
	defer n.Shutdown(context.Background())

	if !n.WorkStarted(context.Background(), execCtx(), "long analysis") {
		t.Fatalf("expected the retry queue to accept the event")
	}

	calls := tr.WaitCalls(3, 2*time.Second)
	if len(calls) != 3 {
		t.Fatalf("expected 3 delivery attempts, got %d", len(calls))
	}
	for _, call := range calls {
		if call.ThreadID != "thread-1" || call.Payload["type"] != schema.KindWorkStarted {
			t.Fatalf("unexpected attempt: %+v", call)
		}
	}
	if gap := calls[1].At.Sub(calls[0].At); gap < 20*time.Millisecond {
		t.Fatalf("first retry after %s, want >= 20ms", gap)
	}
	if gap := calls[2].At.Sub(calls[1].At); gap < 40*time.Millisecond {
		t.Fatalf("second retry after %s, want >= 40ms", gap)
	}

	waitFor(t, 2*time.Second, func() bool {
		entries, err := jrnl.Recent(context.Background(), "thread-1", 10)
		return err == nil && len(entries) == 1
	})
	entries, err := jrnl.Recent(context.Background(), "thread-1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if !entries[0].Delivered || entries[0].Attempts != 3 {
		t.Fatalf("unexpected journal entry: %+v", entries[0])
	}
	stats := n.DeliveryStats()
	if stats.DeliveryConfirmations != 1 || stats.FailedDeliveries != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestGuaranteedRetryExhausted(t *testing.T) {
	tr := testutil.NewRecorderTransport()
	tr.SetFail(true)
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	jrnl := journal.New(db)

	n := New(tr, WithJournal(jrnl), WithConfig(Config{RetryBaseDelay: 10 * time.Millisecond}))
	defer n.Shutdown(context.Background())

	if !n.SubTaskRunning(context.Background(), execCtx(), SubTask{Name: "web_search"}) {
		t.Fatalf("expected the retry queue to accept the event")
	}

	tr.WaitCalls(3, 2*time.Second)
	waitFor(t, 2*time.Second, func() bool { return n.DeliveryStats().FailedDeliveries == 1 })
	time.Sleep(50 * time.Millisecond)
	if got := len(tr.Calls()); got != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", got)
	}

	entries, err := jrnl.Recent(context.Background(), "thread-1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 1 || entries[0].Delivered || entries[0].Attempts != 3 {
		t.Fatalf("unexpected journal entry: %+v", entries)
	}
	if entries[0].Kind != schema.KindSubTaskRunning {
		t.Fatalf("unexpected kind: %s", entries[0].Kind)
	}
}

func TestQueueOverflowDropsNewest(t *testing.T) {
	tr := testutil.NewRecorderTransport()
	tr.SetFail(true)
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	jrnl := journal.New(db)

	n := New(tr, WithJournal(jrnl), WithConfig(Config{
		QueueCapacity:    2,
		RetryBaseDelay:   5 * time.Second, // parks the worker on its first event
		BacklogThreshold: 100,
	}))
	defer n.Shutdown(context.Background())

	ctx := context.Background()
	ec := execCtx()

	if !n.WorkStarted(ctx, ec, "one") {
		t.Fatalf("first event should queue")
	}
	waitFor(t, 2*time.Second, func() bool { return n.DeliveryStats().QueuedEvents == 0 })

	if !n.SubTaskRunning(ctx, ec, SubTask{Name: "a"}) {
		t.Fatalf("second event should queue")
	}
	if !n.SubTaskDone(ctx, ec, SubTaskResult{Name: "a", Succeeded: true}) {
		t.Fatalf("third event should queue")
	}
	if n.WorkFinished(ctx, ec, "done", 10) {
		t.Fatalf("expected overflow drop once the queue is full")
	}

	stats := n.DeliveryStats()
	if stats.QueuedEvents != 2 || stats.FailedDeliveries != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	entries, err := jrnl.Recent(ctx, ec.ThreadID, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != schema.KindWorkFinished || entries[0].Delivered {
		t.Fatalf("expected the dropped event journaled as failed, got %+v", entries)
	}
}

func TestProcessingStateToggle(t *testing.T) {
	tr := testutil.NewRecorderTransport()
	n := New(tr)
	defer n.Shutdown(context.Background())

	ctx := context.Background()
	ec := execCtx()

	if _, ok := n.Operation(ec.ThreadID); ok {
		t.Fatalf("no state expected before start")
	}

	n.WorkStarted(ctx, ec, "")
	op, ok := n.Operation(ec.ThreadID)
	if !ok || !op.Processing {
		t.Fatalf("start should mark the thread busy: %+v", op)
	}
	if op.AgentName != "researcher" || op.RunID != "run-1" {
		t.Fatalf("identity not tracked: %+v", op)
	}

	n.Thinking(ctx, ec, ThinkingUpdate{StepNumber: 1})
	if op, _ := n.Operation(ec.ThreadID); !op.Processing {
		t.Fatalf("thinking must not flip processing")
	}

	n.WorkFinished(ctx, ec, "done", 5)
	op, ok = n.Operation(ec.ThreadID)
	if !ok {
		t.Fatalf("entry should linger for the grace period")
	}
	if op.Processing {
		t.Fatalf("finish must clear processing")
	}

	if got := n.DeliveryStats().ActiveOperations; got != 1 {
		t.Fatalf("active operations: got %d, want 1", got)
	}
}

func TestBacklogNoticeRateLimited(t *testing.T) {
	tr := testutil.NewRecorderTransport()
	tr.SetFail(true)
	n := New(tr, WithConfig(Config{
		QueueCapacity:      10,
		RetryBaseDelay:     5 * time.Second,
		BacklogThreshold:   2,
		BacklogNoticeEvery: time.Second,
	}))
	defer n.Shutdown(context.Background())

	ctx := context.Background()
	ec := execCtx()
	for i := 0; i < 5; i++ {
		n.SubTaskRunning(ctx, ec, SubTask{Name: "step"})
	}

	countNotices := func() int {
		notices := 0
		for _, kind := range tr.KindsFor(ec.ThreadID) {
			if kind == schema.KindSystemNotice {
				notices++
			}
		}
		return notices
	}

	if got := countNotices(); got != 1 {
		t.Fatalf("expected exactly one load notice for the burst, got %d", got)
	}
	if got := n.DeliveryStats().BacklogNoticesSent; got != 1 {
		t.Fatalf("notice counter: got %d, want 1", got)
	}

	// Once the per-thread interval elapses the next queued event may
	// notify again even if the queue stayed small.
	time.Sleep(1100 * time.Millisecond)
	n.SubTaskRunning(ctx, ec, SubTask{Name: "later"})
	if got := countNotices(); got != 2 {
		t.Fatalf("expected a second notice after the interval, got %d", got)
	}
}

func TestSystemBroadcast(t *testing.T) {
	tr := testutil.NewRecorderTransport()
	tr.Clients = 3
	n := New(tr)
	defer n.Shutdown(context.Background())

	if got := n.SystemBroadcast(context.Background(), "deploy at noon"); got != 3 {
		t.Fatalf("broadcast recipients: got %d, want 3", got)
	}
	bcasts := tr.Broadcasts()
	if len(bcasts) != 1 || bcasts[0]["type"] != schema.KindSystemNotice {
		t.Fatalf("unexpected broadcast: %+v", bcasts)
	}
	payload, ok := bcasts[0]["payload"].(map[string]any)
	if !ok || payload["message"] != "deploy at noon" {
		t.Fatalf("unexpected broadcast payload: %+v", bcasts[0])
	}
}

func TestSendCarriesCorrelationID(t *testing.T) {
	tr := testutil.NewRecorderTransport()
	n := New(tr)
	defer n.Shutdown(context.Background())

	ctx := relayctx.WithCorrelationID(context.Background(), "corr-42")
	n.Thinking(ctx, execCtx(), ThinkingUpdate{StepNumber: 2})

	calls := tr.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected one call, got %d", len(calls))
	}
	payload := calls[0].Payload["payload"].(map[string]any)
	if payload["correlation_id"] != "corr-42" {
		t.Fatalf("correlation id not propagated: %v", payload)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	n := New(testutil.NewRecorderTransport())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := n.Shutdown(ctx); err != nil {
		t.Fatalf("first shutdown: %v", err)
	}
	if err := n.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}
