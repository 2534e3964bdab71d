package notify

import (
	"context"
	"testing"

	"github.com/flitsinc/go-relay/internal/testutil"
)

func lastEventFields(t *testing.T, tr *testutil.RecorderTransport) map[string]any {
	t.Helper()
	calls := tr.Calls()
	if len(calls) == 0 {
		t.Fatalf("no transport calls recorded")
	}
	fields, ok := calls[len(calls)-1].Payload["payload"].(map[string]any)
	if !ok {
		t.Fatalf("payload is not a map: %+v", calls[len(calls)-1].Payload)
	}
	return fields
}

func TestThinkingUrgency(t *testing.T) {
	cases := []struct {
		remainingMS int64
		want        string
	}{
		{3000, "high"},
		{7000, "medium"},
		{20000, "low"},
	}
	for _, tc := range cases {
		tr := testutil.NewRecorderTransport()
		n := New(tr)
		n.Thinking(context.Background(), execCtx(), ThinkingUpdate{
			StepNumber:           1,
			EstimatedRemainingMS: tc.remainingMS,
		})
		fields := lastEventFields(t, tr)
		if fields["urgency"] != tc.want {
			t.Fatalf("urgency for %dms: got %v, want %s", tc.remainingMS, fields["urgency"], tc.want)
		}
		if fields["estimated_remaining_ms"] != tc.remainingMS {
			t.Fatalf("estimate missing for %dms: %v", tc.remainingMS, fields)
		}
		n.Shutdown(context.Background())
	}

	tr := testutil.NewRecorderTransport()
	n := New(tr)
	defer n.Shutdown(context.Background())
	n.Thinking(context.Background(), execCtx(), ThinkingUpdate{StepNumber: 2, Summary: "weighing options"})
	fields := lastEventFields(t, tr)
	if _, found := fields["urgency"]; found {
		t.Fatalf("urgency should be omitted without an estimate")
	}
	if fields["summary"] != "weighing options" || fields["step_number"] != 2 {
		t.Fatalf("unexpected fields: %v", fields)
	}
}

func TestErrorEnrichment(t *testing.T) {
	tr := testutil.NewRecorderTransport()
	n := New(tr)
	defer n.Shutdown(context.Background())
	ctx := context.Background()

	n.Error(ctx, execCtx(), ErrorReport{Type: "timeout", Details: "upstream call exceeded 30s"})
	fields := lastEventFields(t, tr)
	if fields["severity"] != "high" {
		t.Fatalf("timeout severity: got %v", fields["severity"])
	}
	if fields["message"] != "researcher is taking longer than expected." {
		t.Fatalf("unexpected user message: %v", fields["message"])
	}
	if fields["error_details"] != "upstream call exceeded 30s" {
		t.Fatalf("details not preserved: %v", fields)
	}
	suggestions, ok := fields["recovery_suggestions"].([]string)
	if !ok || len(suggestions) == 0 {
		t.Fatalf("expected default suggestions, got %v", fields["recovery_suggestions"])
	}
	if fields["is_recoverable"] != false {
		t.Fatalf("recoverable should default to false")
	}

	n.Error(ctx, execCtx(), ErrorReport{
		Type:                "authentication",
		Recoverable:         true,
		RetryDelayMS:        1500,
		RecoverySuggestions: []string{"sign in again"},
	})
	fields = lastEventFields(t, tr)
	if fields["severity"] != "critical" {
		t.Fatalf("authentication severity: got %v", fields["severity"])
	}
	suggestions = fields["recovery_suggestions"].([]string)
	if len(suggestions) != 1 || suggestions[0] != "sign in again" {
		t.Fatalf("caller suggestions overridden: %v", suggestions)
	}
	if fields["is_recoverable"] != true || fields["estimated_retry_delay_ms"] != int64(1500) {
		t.Fatalf("recovery hints missing: %v", fields)
	}

	anon := execCtx()
	anon.AgentName = ""
	n.Error(ctx, anon, ErrorReport{Type: "gremlins"})
	fields = lastEventFields(t, tr)
	if fields["severity"] != "medium" {
		t.Fatalf("unknown type severity: got %v", fields["severity"])
	}
	if fields["message"] != "The assistant ran into a problem and is recovering." {
		t.Fatalf("unexpected fallback message: %v", fields["message"])
	}
}

func TestSubTaskHints(t *testing.T) {
	tr := testutil.NewRecorderTransport()
	n := New(tr)
	defer n.Shutdown(context.Background())

	n.SubTaskRunning(context.Background(), execCtx(), SubTask{
		Name:                "web_search",
		Purpose:             "find recent coverage",
		EstimatedDurationMS: 2500,
	})
	fields := lastEventFields(t, tr)
	if fields["tool_name"] != "web_search" {
		t.Fatalf("tool name missing: %v", fields)
	}
	if fields["category"] != "retrieval" || fields["expected_duration"] != "short" {
		t.Fatalf("unexpected hint: %v/%v", fields["category"], fields["expected_duration"])
	}
	if fields["tool_purpose"] != "find recent coverage" || fields["estimated_duration_ms"] != int64(2500) {
		t.Fatalf("optional fields missing: %v", fields)
	}

	n.SubTaskDone(context.Background(), execCtx(), SubTaskResult{
		Name:       "web_search",
		DurationMS: 1800,
		Succeeded:  true,
		Summary:    "12 results",
	})
	fields = lastEventFields(t, tr)
	if fields["succeeded"] != true || fields["duration_ms"] != int64(1800) || fields["result_summary"] != "12 results" {
		t.Fatalf("unexpected completion fields: %v", fields)
	}
}
