package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flitsinc/go-relay/internal/coord"
	"github.com/flitsinc/go-relay/internal/journal"
	"github.com/flitsinc/go-relay/internal/notify"
	"github.com/flitsinc/go-relay/internal/progress"
	"github.com/flitsinc/go-relay/internal/relayctx"
	"github.com/flitsinc/go-relay/internal/schema"
	"github.com/flitsinc/go-relay/internal/transport"
)

type Server struct {
	Notifier    *notify.Notifier
	Coordinator *coord.Coordinator
	Tracker     *progress.Tracker
	Hub         *transport.Hub
	Journal     *journal.Journal
	StartedAt   time.Time
	Info        DiagnosticsInfo
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/contexts", s.handleContexts)
	mux.HandleFunc("/api/contexts/", s.handleContextItem)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/events/recent", s.handleEventsRecent)
	mux.HandleFunc("/api/operations", s.handleOperations)
	mux.HandleFunc("/api/progress", s.handleProgressBegin)
	mux.HandleFunc("/api/progress/update", s.handleProgressUpdate)
	mux.HandleFunc("/api/progress/finish", s.handleProgressFinish)
	mux.HandleFunc("/api/broadcast", s.handleBroadcast)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/metrics", s.handleMetrics)
	mux.HandleFunc("/api/streams/subscribe", s.handleStreamSubscribe)
	mux.HandleFunc("/api/streams/ws", s.handleStreamWS)
	mux.HandleFunc("/api/diagnostics", s.handleDiagnostics)

	return mux
}

var (
	errEventTypeRequired = errors.New("event type required")
	errThreadRequired    = errors.New("thread id required")
	errOperationRequired = errors.New("operation name and thread id required")
)

func errSectionRequired(section string) error {
	return errors.New(section + " payload required")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleContexts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.Coordinator.Contexts())
	case http.MethodPost:
		var ec schema.ExecutionContext
		if err := decodeJSON(r.Body, &ec); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if ec.ThreadID == "" {
			writeError(w, http.StatusBadRequest, errThreadRequired)
			return
		}
		id := s.Coordinator.Register(ec)
		state, ok := s.Coordinator.Context(id)
		if !ok {
			writeJSON(w, http.StatusCreated, map[string]any{"context_id": id})
			return
		}
		writeJSON(w, http.StatusCreated, state)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleContextItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/contexts/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("context"))
		return
	}
	contextID := segments[0]
	if len(segments) == 1 {
		switch r.Method {
		case http.MethodGet:
			state, ok := s.Coordinator.Context(contextID)
			if !ok {
				writeError(w, http.StatusNotFound, errNotFound("context"))
				return
			}
			writeJSON(w, http.StatusOK, state)
		case http.MethodDelete:
			success := r.URL.Query().Get("success") != "false"
			s.Coordinator.Unregister(contextID, success)
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeMethodNotAllowed(w)
		}
		return
	}

	action := segments[1]
	switch action {
	case "touch":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		s.Coordinator.Touch(contextID)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusNotFound, errNotFound("context action"))
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		Type        string                  `json:"type"`
		Context     schema.ExecutionContext `json:"context"`
		Thinking    *notify.ThinkingUpdate  `json:"thinking"`
		Task        *notify.SubTask         `json:"task"`
		Result      *notify.SubTaskResult   `json:"result"`
		Error       *notify.ErrorReport     `json:"error"`
		Description string                  `json:"description"`
		Summary     string                  `json:"summary"`
		DurationMS  int64                   `json:"duration_ms"`
		Fields      map[string]any          `json:"fields"`
		Ensure      bool                    `json:"ensure"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.Type == "" {
		writeError(w, http.StatusBadRequest, errEventTypeRequired)
		return
	}
	if payload.Context.ThreadID == "" {
		writeError(w, http.StatusBadRequest, errThreadRequired)
		return
	}

	ctx := r.Context()
	if cid := r.Header.Get("X-Correlation-ID"); cid != "" {
		ctx = relayctx.WithCorrelationID(ctx, cid)
	}

	var delivered bool
	switch {
	case payload.Ensure:
		delivered = s.Coordinator.EnsureDelivery(ctx, payload.Context, payload.Type, payload.Fields)
	case payload.Type == schema.KindWorkStarted:
		delivered = s.Notifier.WorkStarted(ctx, payload.Context, payload.Description)
	case payload.Type == schema.KindThinking:
		if payload.Thinking == nil {
			writeError(w, http.StatusBadRequest, errSectionRequired("thinking"))
			return
		}
		delivered = s.Notifier.Thinking(ctx, payload.Context, *payload.Thinking)
	case payload.Type == schema.KindSubTaskRunning:
		if payload.Task == nil {
			writeError(w, http.StatusBadRequest, errSectionRequired("task"))
			return
		}
		delivered = s.Notifier.SubTaskRunning(ctx, payload.Context, *payload.Task)
	case payload.Type == schema.KindSubTaskDone:
		if payload.Result == nil {
			writeError(w, http.StatusBadRequest, errSectionRequired("result"))
			return
		}
		delivered = s.Notifier.SubTaskDone(ctx, payload.Context, *payload.Result)
	case payload.Type == schema.KindWorkFinished:
		delivered = s.Notifier.WorkFinished(ctx, payload.Context, payload.Summary, payload.DurationMS)
	case payload.Type == schema.KindError:
		if payload.Error == nil {
			writeError(w, http.StatusBadRequest, errSectionRequired("error"))
			return
		}
		delivered = s.Notifier.Error(ctx, payload.Context, *payload.Error)
	default:
		delivered = s.Notifier.Send(ctx, payload.Type, payload.Context, payload.Fields)
	}

	if s.Coordinator != nil {
		if id, ok := s.Coordinator.ThreadContext(payload.Context.ThreadID); ok {
			if payload.Type == schema.KindError {
				s.Coordinator.NoteError(id)
			} else {
				s.Coordinator.Touch(id)
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"delivered": delivered})
}

func (s *Server) handleEventsRecent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if s.Journal == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("journal"))
		return
	}
	thread := r.URL.Query().Get("thread")
	if thread == "" {
		writeError(w, http.StatusBadRequest, errThreadRequired)
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	entries, err := s.Journal.Recent(r.Context(), thread, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	thread := r.URL.Query().Get("thread")
	if thread == "" {
		writeError(w, http.StatusBadRequest, errThreadRequired)
		return
	}
	state, ok := s.Notifier.Operation(thread)
	if !ok {
		writeError(w, http.StatusNotFound, errNotFound("operation"))
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleProgressBegin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		Context            schema.ExecutionContext `json:"context"`
		Name               string                  `json:"name"`
		Type               string                  `json:"type"`
		ExpectedDurationMS int64                   `json:"expected_duration_ms"`
		Description        string                  `json:"description"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.Name == "" || payload.Context.ThreadID == "" {
		writeError(w, http.StatusBadRequest, errOperationRequired)
		return
	}
	op := s.Tracker.Begin(r.Context(), payload.Context, progress.Spec{
		Name:             payload.Name,
		Type:             payload.Type,
		ExpectedDuration: time.Duration(payload.ExpectedDurationMS) * time.Millisecond,
		Description:      payload.Description,
	})
	writeJSON(w, http.StatusCreated, map[string]any{"operation_id": op.ID, "operation": op.Spec.Name})
}

func (s *Server) handleProgressUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		Context schema.ExecutionContext `json:"context"`
		Name    string                  `json:"name"`
		Message string                  `json:"message"`
		Percent *float64                `json:"percent"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	percent := -1.0
	if payload.Percent != nil {
		percent = *payload.Percent
	}
	if !s.Tracker.ForceUpdate(r.Context(), payload.Context, payload.Name, payload.Message, percent) {
		writeError(w, http.StatusNotFound, errNotFound("operation"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleProgressFinish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		ThreadID string `json:"thread_id"`
		Name     string `json:"name"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !s.Tracker.Finish(r.Context(), payload.ThreadID, payload.Name) {
		writeError(w, http.StatusNotFound, errNotFound("operation"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		Message string `json:"message"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	clients := s.Notifier.SystemBroadcast(r.Context(), payload.Message)
	writeJSON(w, http.StatusOK, map[string]any{"clients": clients})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	resp := map[string]any{
		"delivery": s.Notifier.DeliveryStats(),
	}
	if s.Tracker != nil {
		resp["tracked_operations"] = s.Tracker.ActiveOperations()
	}
	if s.Hub != nil {
		resp["stream_clients"] = s.Hub.ClientCount()
	}
	if s.Journal != nil {
		stats, err := s.Journal.Stats(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		resp["journal"] = stats
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.Coordinator.Metrics())
}

func (s *Server) handleStreamSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if s.Hub == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("stream hub"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errNotFound("streaming support"))
		return
	}

	client := s.Hub.Attach(r.URL.Query().Get("thread"), r.URL.Query().Get("user"))
	defer client.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	_, _ = w.Write([]byte(":ok\n\n"))
	flusher.Flush()
	client.Heartbeat()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-client.Ch():
			if !ok {
				return
			}
			client.Heartbeat()
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(data)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
