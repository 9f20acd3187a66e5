package server

import (
	"net/http"
	"time"

	"github.com/signcast/host/internal/pairing"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string        `json:"status"`
	Stats         pairing.Stats `json:"stats"`
	UptimeSeconds int64         `json:"uptime_seconds"`
}

// handleHealth is unauthenticated and carries only counters.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		Stats:         s.lc.Stats(),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	})
}

// DevicesResponse is the body of GET /api/devices.
type DevicesResponse struct {
	Devices []pairing.DeviceStatus `json:"devices"`
	Stats   pairing.Stats          `json:"stats"`
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, DevicesResponse{
		Devices: s.lc.Devices(),
		Stats:   s.lc.Stats(),
	})
}
