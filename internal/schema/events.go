package schema

const (
	KindWorkStarted     = "work_started"
	KindThinking        = "thinking"
	KindSubTaskRunning  = "sub_task_running"
	KindSubTaskDone     = "sub_task_done"
	KindWorkFinished    = "work_finished"
	KindError           = "error"
	KindSubAgentStarted = "sub_agent_started"
	KindSubAgentDone    = "sub_agent_done"
	KindStreamChunk     = "stream_chunk"
	KindStreamDone      = "stream_done"
	KindProgress        = "progress"
	KindSystemNotice    = "system_notice"
)

// CriticalKinds are the lifecycle events whose delivery is guaranteed
// via the retry queue. Everything else is best-effort and may be
// dropped silently when the transport fails.
var CriticalKinds = []string{
	KindWorkStarted,
	KindSubTaskRunning,
	KindSubTaskDone,
	KindWorkFinished,
}

// Critical reports whether kind belongs to the guaranteed set.
func Critical(kind string) bool {
	for _, k := range CriticalKinds {
		if k == kind {
			return true
		}
	}
	return false
}
