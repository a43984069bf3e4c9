package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"larkstream/internal/domain"
)

// StatusResponse is the JSON body returned by GET /status.
type StatusResponse struct {
	State             string           `json:"state"`
	ConnID            string           `json:"conn_id,omitempty"`
	ServiceID         int32            `json:"service_id,omitempty"`
	ConnectedAt       *time.Time       `json:"connected_at,omitempty"`
	UptimeSeconds     int64            `json:"uptime_seconds"`
	ReconnectAttempts int              `json:"reconnect_attempts"`
	LastError         string           `json:"last_error,omitempty"`
	PendingFragments  int              `json:"pending_fragments"`
	OutboxDepth       int              `json:"outbox_depth"`
	Settings          SettingsResponse `json:"settings"`
}

// SettingsResponse mirrors domain.ConnectionSettings with durations as
// strings.
type SettingsResponse struct {
	ReconnectCount    int    `json:"reconnect_count"`
	ReconnectInterval string `json:"reconnect_interval"`
	ReconnectNonce    string `json:"reconnect_nonce"`
	PingInterval      string `json:"ping_interval"`
}

type healthResponse struct {
	Status string `json:"status"`
	State  string `json:"state"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.source.Status()
	resp := StatusResponse{
		State:             st.State.String(),
		ConnID:            st.ConnID,
		ServiceID:         st.ServiceID,
		UptimeSeconds:     int64(time.Since(s.started).Seconds()),
		ReconnectAttempts: st.ReconnectAttempts,
		LastError:         st.LastError,
		PendingFragments:  st.PendingFragments,
		OutboxDepth:       st.OutboxDepth,
		Settings: SettingsResponse{
			ReconnectCount:    st.Settings.ReconnectCount,
			ReconnectInterval: st.Settings.ReconnectInterval.String(),
			ReconnectNonce:    st.Settings.ReconnectNonce.String(),
			PingInterval:      st.Settings.PingInterval.String(),
		},
	}
	if st.State == domain.StateConnected && !st.ConnectedAt.IsZero() {
		at := st.ConnectedAt.UTC()
		resp.ConnectedAt = &at
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleHealth reports liveness: the process is up and serving.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", State: s.source.Status().State.String()})
}

// handleReady reports 200 only while a connection is established.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	state := s.source.Status().State
	if state != domain.StateConnected {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", State: state.String()})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", State: state.String()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
