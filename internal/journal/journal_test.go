package journal_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flitsinc/go-relay/internal/journal"
	"github.com/flitsinc/go-relay/internal/testutil"
)

func TestJournalAppendAndRecent(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	jrnl := journal.New(db)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	first, err := jrnl.Append(ctx, journal.Entry{
		ThreadID:  "thread-1",
		UserID:    "alice",
		Kind:      "work_started",
		Payload:   map[string]any{"description": "kicking off"},
		Delivered: true,
		Attempts:  1,
		CreatedAt: base,
	})
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	if first.ID == "" {
		t.Fatalf("expected generated id")
	}

	_, err = jrnl.Append(ctx, journal.Entry{
		ThreadID:  "thread-1",
		Kind:      "work_finished",
		Delivered: false,
		Attempts:  3,
		CreatedAt: base.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("append second: %v", err)
	}
	_, err = jrnl.Append(ctx, journal.Entry{
		ThreadID:  "thread-2",
		Kind:      "work_started",
		Delivered: true,
		Attempts:  1,
		CreatedAt: base,
	})
	if err != nil {
		t.Fatalf("append other thread: %v", err)
	}

	entries, err := jrnl.Recent(ctx, "thread-1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Kind != "work_finished" || entries[1].Kind != "work_started" {
		t.Fatalf("expected newest first, got %s then %s", entries[0].Kind, entries[1].Kind)
	}
	if entries[1].Payload["description"] != "kicking off" {
		t.Fatalf("payload not preserved: %v", entries[1].Payload)
	}
	if entries[1].UserID != "alice" {
		t.Fatalf("user id not preserved: %q", entries[1].UserID)
	}
	if !entries[1].Delivered || entries[0].Delivered {
		t.Fatalf("delivered flags not preserved")
	}
}

func TestJournalGet(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	jrnl := journal.New(db)
	ctx := context.Background()

	entry, err := jrnl.Append(ctx, journal.Entry{
		ThreadID:  "thread-1",
		Kind:      "sub_task_done",
		Delivered: true,
		Attempts:  2,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := jrnl.Get(ctx, entry.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Kind != "sub_task_done" || got.Attempts != 2 {
		t.Fatalf("unexpected entry: %+v", got)
	}

	_, err = jrnl.Get(ctx, "missing-id")
	if !errors.Is(err, journal.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestJournalStats(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	jrnl := journal.New(db)
	ctx := context.Background()

	for i, delivered := range []bool{true, true, false} {
		_, err := jrnl.Append(ctx, journal.Entry{
			ThreadID:  "thread-1",
			Kind:      "work_started",
			Delivered: delivered,
			Attempts:  i + 1,
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	stats, err := jrnl.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Delivered != 2 || stats.Failed != 1 {
		t.Fatalf("stats: got %+v, want 2 delivered / 1 failed", stats)
	}
}

func TestJournalAppendValidation(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	jrnl := journal.New(db)
	ctx := context.Background()

	if _, err := jrnl.Append(ctx, journal.Entry{Kind: "work_started"}); err == nil {
		t.Fatalf("expected error for missing thread id")
	}
	if _, err := jrnl.Append(ctx, journal.Entry{ThreadID: "thread-1"}); err == nil {
		t.Fatalf("expected error for missing kind")
	}
}
