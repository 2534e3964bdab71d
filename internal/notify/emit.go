package notify

import (
	"context"

	"github.com/flitsinc/go-relay/internal/schema"
)

// ThinkingUpdate describes one reasoning step in flight.
// EstimatedRemainingMS drives the urgency hint; zero omits both.
type ThinkingUpdate struct {
	StepNumber           int     `json:"step_number"`
	ProgressPercent      float64 `json:"progress_percent"`
	EstimatedRemainingMS int64   `json:"estimated_remaining_ms"`
	Summary              string  `json:"summary"`
}

// SubTask describes a tool invocation about to run.
type SubTask struct {
	Name                string `json:"name"`
	Purpose             string `json:"purpose"`
	EstimatedDurationMS int64  `json:"estimated_duration_ms"`
	ParametersSummary   string `json:"parameters_summary"`
}

// SubTaskResult describes a finished tool invocation.
type SubTaskResult struct {
	Name       string `json:"name"`
	DurationMS int64  `json:"duration_ms"`
	Succeeded  bool   `json:"succeeded"`
	Summary    string `json:"summary"`
}

// ErrorReport describes a failure worth telling the user about.
// Severity and user-facing wording are derived from Type; Details are
// for operators and never shown verbatim.
type ErrorReport struct {
	Type                string   `json:"type"`
	Details             string   `json:"details"`
	RecoverySuggestions []string `json:"recovery_suggestions"`
	Recoverable         bool     `json:"recoverable"`
	RetryDelayMS        int64    `json:"retry_delay_ms"`
}

// WorkStarted announces that the agent began handling the thread.
// Guaranteed delivery.
func (n *Notifier) WorkStarted(ctx context.Context, ec schema.ExecutionContext, description string) bool {
	fields := map[string]any{}
	if description != "" {
		fields["description"] = description
	}
	return n.Send(ctx, schema.KindWorkStarted, ec, fields)
}

// Thinking reports reasoning progress. Best-effort.
func (n *Notifier) Thinking(ctx context.Context, ec schema.ExecutionContext, update ThinkingUpdate) bool {
	return n.Send(ctx, schema.KindThinking, ec, thinkingFields(update))
}

// SubTaskRunning announces a tool invocation. Guaranteed delivery.
func (n *Notifier) SubTaskRunning(ctx context.Context, ec schema.ExecutionContext, task SubTask) bool {
	return n.Send(ctx, schema.KindSubTaskRunning, ec, subTaskFields(task))
}

// SubTaskDone reports a finished tool invocation. Guaranteed delivery.
func (n *Notifier) SubTaskDone(ctx context.Context, ec schema.ExecutionContext, result SubTaskResult) bool {
	fields := map[string]any{
		"tool_name": result.Name,
		"succeeded": result.Succeeded,
	}
	if result.DurationMS > 0 {
		fields["duration_ms"] = result.DurationMS
	}
	if result.Summary != "" {
		fields["result_summary"] = result.Summary
	}
	return n.Send(ctx, schema.KindSubTaskDone, ec, fields)
}

// WorkFinished announces the end of the run. Guaranteed delivery.
func (n *Notifier) WorkFinished(ctx context.Context, ec schema.ExecutionContext, summary string, durationMS int64) bool {
	fields := map[string]any{}
	if summary != "" {
		fields["summary"] = summary
	}
	if durationMS > 0 {
		fields["duration_ms"] = durationMS
	}
	return n.Send(ctx, schema.KindWorkFinished, ec, fields)
}

// Error reports a failure with derived severity, default recovery
// suggestions, and a non-technical user-facing message. Best-effort.
func (n *Notifier) Error(ctx context.Context, ec schema.ExecutionContext, report ErrorReport) bool {
	return n.Send(ctx, schema.KindError, ec, errorFields(report, ec.AgentName))
}

// SubAgentStarted announces a delegated agent starting. Best-effort.
func (n *Notifier) SubAgentStarted(ctx context.Context, ec schema.ExecutionContext, name, purpose string) bool {
	fields := map[string]any{"sub_agent": name}
	if purpose != "" {
		fields["purpose"] = purpose
	}
	return n.Send(ctx, schema.KindSubAgentStarted, ec, fields)
}

// SubAgentDone reports a delegated agent finishing. Best-effort.
func (n *Notifier) SubAgentDone(ctx context.Context, ec schema.ExecutionContext, name, summary string) bool {
	fields := map[string]any{"sub_agent": name}
	if summary != "" {
		fields["result_summary"] = summary
	}
	return n.Send(ctx, schema.KindSubAgentDone, ec, fields)
}

// StreamChunk pushes one chunk of streaming output. Best-effort.
func (n *Notifier) StreamChunk(ctx context.Context, ec schema.ExecutionContext, index int, chunk string) bool {
	return n.Send(ctx, schema.KindStreamChunk, ec, map[string]any{
		"index":   index,
		"content": chunk,
	})
}

// StreamDone marks the end of streaming output. Best-effort.
func (n *Notifier) StreamDone(ctx context.Context, ec schema.ExecutionContext, totalChunks int) bool {
	return n.Send(ctx, schema.KindStreamDone, ec, map[string]any{
		"total_chunks": totalChunks,
	})
}
