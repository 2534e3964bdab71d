package api

import (
	"net/http"
	"runtime"
	"time"
)

type DiagnosticsInfo struct {
	HTTPAddr  string `json:"http_addr"`
	DataDir   string `json:"data_dir"`
	DBPath    string `json:"db_path"`
	RedisAddr string `json:"redis_addr,omitempty"`
}

type DiagnosticsResponse struct {
	Time          time.Time       `json:"time"`
	StartedAt     time.Time       `json:"started_at"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	GoVersion     string          `json:"go_version"`
	Info          DiagnosticsInfo `json:"info"`
	Streams       map[string]any  `json:"streams"`
	Delivery      map[string]any  `json:"delivery"`
	Coordination  map[string]any  `json:"coordination"`
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	now := time.Now().UTC()
	started := s.StartedAt
	if started.IsZero() {
		started = now
	}
	resp := DiagnosticsResponse{
		Time:          now,
		StartedAt:     started,
		UptimeSeconds: int64(now.Sub(started).Seconds()),
		GoVersion:     runtime.Version(),
		Info:          s.Info,
		Streams:       map[string]any{},
		Delivery:      map[string]any{},
		Coordination:  map[string]any{},
	}
	if s.Hub != nil {
		resp.Streams["clients"] = s.Hub.ClientCount()
	}
	if s.Notifier != nil {
		stats := s.Notifier.DeliveryStats()
		resp.Delivery["queued_events"] = stats.QueuedEvents
		resp.Delivery["failed_deliveries"] = stats.FailedDeliveries
	}
	if s.Tracker != nil {
		resp.Delivery["tracked_operations"] = s.Tracker.ActiveOperations()
	}
	if s.Coordinator != nil {
		m := s.Coordinator.Metrics()
		resp.Coordination["active_contexts"] = m.ActiveContexts
		resp.Coordination["registered_connections"] = m.RegisteredConnections
	}
	writeJSON(w, http.StatusOK, resp)
}
