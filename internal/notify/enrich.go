package notify

import (
	"fmt"
	"strings"

	"github.com/flitsinc/go-relay/internal/schema"
)

func thinkingFields(u ThinkingUpdate) map[string]any {
	fields := map[string]any{
		"step_number": u.StepNumber,
	}
	if u.Summary != "" {
		fields["summary"] = u.Summary
	}
	if u.ProgressPercent > 0 {
		fields["progress_percentage"] = u.ProgressPercent
	}
	if u.EstimatedRemainingMS > 0 {
		fields["estimated_remaining_ms"] = u.EstimatedRemainingMS
		fields["urgency"] = string(schema.UrgencyForRemaining(u.EstimatedRemainingMS))
	}
	return fields
}

func subTaskFields(task SubTask) map[string]any {
	hint := schema.HintForTool(task.Name)
	fields := map[string]any{
		"tool_name":         task.Name,
		"category":          hint.Category,
		"expected_duration": hint.Expected,
	}
	if task.Purpose != "" {
		fields["tool_purpose"] = task.Purpose
	}
	if task.EstimatedDurationMS > 0 {
		fields["estimated_duration_ms"] = task.EstimatedDurationMS
	}
	if task.ParametersSummary != "" {
		fields["parameters_summary"] = task.ParametersSummary
	}
	return fields
}

// errorFields grades the failure and fills the user-facing guidance.
// The synthesized message names the agent and the failure class only;
// Details stay under error_details for operators.
func errorFields(report ErrorReport, agentName string) map[string]any {
	suggestions := report.RecoverySuggestions
	if len(suggestions) == 0 {
		suggestions = defaultRecoverySuggestions(report.Type)
	}
	fields := map[string]any{
		"error_type":           report.Type,
		"severity":             string(schema.SeverityForError(report.Type)),
		"recovery_suggestions": suggestions,
		"is_recoverable":       report.Recoverable,
		"message":              userFacingErrorMessage(report.Type, agentName),
	}
	if report.Details != "" {
		fields["error_details"] = report.Details
	}
	if report.RetryDelayMS > 0 {
		fields["estimated_retry_delay_ms"] = report.RetryDelayMS
	}
	return fields
}

func defaultRecoverySuggestions(errorType string) []string {
	switch strings.ToLower(strings.TrimSpace(errorType)) {
	case "timeout":
		return []string{
			"This is taking longer than usual.",
			"Try again with a smaller request.",
		}
	case "rate_limit":
		return []string{
			"Too many requests right now.",
			"Wait a moment before retrying.",
		}
	case "authentication":
		return []string{
			"Your session may have expired.",
			"Sign in again and retry.",
		}
	case "database":
		return []string{
			"A backend service is unavailable.",
			"Retry in a few minutes.",
		}
	case "validation":
		return []string{
			"Part of the request could not be understood.",
			"Rephrase and try again.",
		}
	default:
		return []string{
			"Try again; if the problem persists, start a new conversation.",
		}
	}
}

func userFacingErrorMessage(errorType, agentName string) string {
	if agentName == "" {
		agentName = "The assistant"
	}
	switch strings.ToLower(strings.TrimSpace(errorType)) {
	case "timeout":
		return fmt.Sprintf("%s is taking longer than expected.", agentName)
	case "rate_limit":
		return fmt.Sprintf("%s is handling a lot of requests right now.", agentName)
	case "authentication":
		return fmt.Sprintf("%s could not verify your session.", agentName)
	case "database":
		return fmt.Sprintf("%s hit a temporary storage problem.", agentName)
	case "validation":
		return fmt.Sprintf("%s could not process part of your request.", agentName)
	default:
		return fmt.Sprintf("%s ran into a problem and is recovering.", agentName)
	}
}
