// Package statusapi exposes the observability HTTP surface (§10 supplemented
// features): a health check, a JSON snapshot of every device's current
// state, and a Prometheus /metrics endpoint.
//
// Grounded on internal/api.Server's mux-plus-http.Server-with-timeouts shape
// and its graceful Start/Stop (context.WithTimeout + Shutdown), trimmed of
// the shadow-state/dashboard/sitemap endpoints that belonged to automations
// out of scope here.
package statusapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"pvloadctl/internal/device"
	"pvloadctl/internal/supervisor"
)

// DeviceSnapshot is one device's reported state for /api/state.
type DeviceSnapshot struct {
	Name               string  `json:"name"`
	Priority           int     `json:"priority"`
	ManagementEnabled  bool    `json:"management_enabled"`
	CurrentConsumption float64 `json:"current_consumption"`
	ChangeState        string  `json:"change_state"`
}

// StateResponse is the /api/state response body.
type StateResponse struct {
	SupervisorState string           `json:"supervisor_state"`
	Devices         []DeviceSnapshot `json:"devices"`
}

// Server provides the status HTTP API.
type Server struct {
	devices    []device.Device
	supervisor *supervisor.Supervisor
	logger     *zap.Logger
	server     *http.Server

	deviceConsumption *prometheus.GaugeVec
	supervisorUp      prometheus.Gauge
}

// NewServer creates a status API server bound to addr (e.g. ":9100").
func NewServer(devices []device.Device, sup *supervisor.Supervisor, logger *zap.Logger, addr string) *Server {
	s := &Server{
		devices:    devices,
		supervisor: sup,
		logger:     logger.Named("statusapi"),
		deviceConsumption: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pvloadctl_device_consumption_watts",
			Help: "Current reported consumption per device, in watts.",
		}, []string{"device"}),
		supervisorUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pvloadctl_supervisor_running",
			Help: "1 if the supervisory state manager is committed RUNNING, else 0.",
		}),
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(s.deviceConsumption, s.supervisorUp)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/state", s.handleState)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) snapshot() StateResponse {
	resp := StateResponse{
		SupervisorState: s.supervisor.State().String(),
		Devices:         make([]DeviceSnapshot, 0, len(s.devices)),
	}

	up := 0.0
	if s.supervisor.State() == supervisor.Running {
		up = 1.0
	}
	s.supervisorUp.Set(up)

	for _, d := range s.devices {
		consumption := d.CurrentConsumption()
		s.deviceConsumption.WithLabelValues(d.Name()).Set(consumption)
		resp.Devices = append(resp.Devices, DeviceSnapshot{
			Name:               d.Name(),
			Priority:           d.Priority(),
			ManagementEnabled:  d.BaseControls().ManagementEnabled(),
			CurrentConsumption: consumption,
			ChangeState:        d.ChangeState().Kind.String(),
		})
	}
	return resp
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.snapshot()); err != nil {
		s.logger.Error("failed to encode state response", zap.Error(err))
	}
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	s.logger.Info("starting status API server", zap.String("addr", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("status API server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.logger.Info("stopping status API server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown status API server: %w", err)
	}
	return nil
}
