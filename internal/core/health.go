package core

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"
)

// HealthStatus represents the health state of the service
type HealthStatus struct {
	Status         string       `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds  int64        `json:"uptime_seconds"`
	Session        string       `json:"session"`
	TransportBound bool         `json:"transport_bound"`
	MQTTConnected  bool         `json:"mqtt_connected"`
	JournalEnabled bool         `json:"journal_enabled"`
	WSClients      int          `json:"ws_clients"`
	Engine         EngineStatus `json:"engine"`
}

// JSON encodes the status
func (h HealthStatus) JSON() ([]byte, error) {
	return json.Marshal(h)
}

// HealthCheck returns the current health status of the service
func (s *Service) HealthCheck() HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := HealthStatus{
		Status:         "healthy",
		Session:        s.session,
		TransportBound: s.isRunning && s.transport != nil,
		JournalEnabled: s.journal != nil,
		Engine:         s.engine.Status(),
	}
	if !s.started.IsZero() {
		status.UptimeSeconds = int64(time.Since(s.started).Seconds())
	}
	if s.emitter != nil && s.emitter.Stats().Connected {
		status.MQTTConnected = true
	}
	if s.hub != nil {
		status.WSClients = s.hub.ClientCount()
	}

	if !status.TransportBound {
		status.Status = "unhealthy"
	} else if s.cfg.MQTT.Broker != "" && !status.MQTTConnected {
		status.Status = "degraded"
	}

	return status
}

// LivenessHandler handles /health (the process is alive)
func (s *Service) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()

	response := map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(started).Seconds()),
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// ReadinessHandler handles /readiness; 503 until the transport is bound
func (s *Service) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	health := s.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

// MetricsHandler handles /metrics with plaintext counters
func (s *Service) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")

	st := s.engine.Status()
	label := fmt.Sprintf("{instance=%q}", s.cfg.InstanceID)
	solving := 0
	if st.Mode.String() == "solving" {
		solving = 1
	}

	w.WriteHeader(http.StatusOK)
	for _, m := range []struct {
		name  string
		value string
	}{
		{"neurarig_packets_total", strconv.FormatUint(st.Packets, 10)},
		{"neurarig_pings_total", strconv.FormatUint(st.Pings, 10)},
		{"neurarig_rig_setups_total", strconv.FormatUint(st.RigSetups, 10)},
		{"neurarig_training_steps_total", strconv.FormatUint(st.Steps, 10)},
		{"neurarig_solves_total", strconv.FormatUint(st.Solves, 10)},
		{"neurarig_replies_total", strconv.FormatUint(st.Replies, 10)},
		{"neurarig_malformed_total", strconv.FormatUint(st.Malformed, 10)},
		{"neurarig_errors_total", strconv.FormatUint(st.Errors, 10)},
		{"neurarig_solving_mode", strconv.Itoa(solving)},
		{"neurarig_last_loss", strconv.FormatFloat(st.LastLoss, 'g', -1, 64)},
	} {
		fmt.Fprintf(w, "%s%s %s\n", m.name, label, m.value)
	}
}

// HealthMux returns the health endpoints; /ws is present when the websocket
// hub is running
func (s *Service) HealthMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.LivenessHandler)
	mux.HandleFunc("/readiness", s.ReadinessHandler)
	mux.HandleFunc("/metrics", s.MetricsHandler)
	if s.hub != nil {
		mux.Handle("/ws", s.hub)
	}
	return mux
}

// StartHealthServer starts the HTTP health server on port without blocking
func (s *Service) StartHealthServer(port int) error {
	addr := ":" + strconv.Itoa(port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind health server: %w", err)
	}

	server := &http.Server{
		Handler:      s.HealthMux(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.mu.Lock()
	s.server = server
	s.mu.Unlock()

	slog.Info("starting health check server",
		"port", port,
		"endpoints", []string{"/health", "/readiness", "/metrics", "/ws"},
	)

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("health check server failed", "error", err)
		}
	}()

	return nil
}
