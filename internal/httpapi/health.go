package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

type handlers struct {
	opts   Options
	logger *slog.Logger
}

type healthResponse struct {
	Status                    string            `json:"status"`
	UptimeS                   float64           `json:"uptime_seconds"`
	Version                   string            `json:"version"`
	ActualPort                int               `json:"actual_port"`
	Subsystems                []SubsystemStatus `json:"subsystems"`
	ActiveTerminalConnections int               `json:"active_terminal_connections"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	var subsystems []SubsystemStatus
	if h.opts.SubsystemStatus != nil {
		subsystems = h.opts.SubsystemStatus()
	}

	var activeTerminals int
	if h.opts.ActiveTerminalConnections != nil {
		activeTerminals = h.opts.ActiveTerminalConnections()
	}

	resp := healthResponse{
		Status:                    "ok",
		UptimeS:                   time.Since(h.opts.StartedAt).Seconds(),
		Version:                   h.opts.Version.String(),
		ActualPort:                h.opts.ActualPort,
		Subsystems:                subsystems,
		ActiveTerminalConnections: activeTerminals,
	}

	writeJSON(w, http.StatusOK, resp)
}

// ready returns 200 quickly for test rendezvous (spec §4.K "GET /ready").
func (h *handlers) ready(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// shutdown schedules process exit after a short delay so the response is
// delivered before the process exits (spec §4.K "POST /api/shutdown").
func (h *handlers) shutdown(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusAccepted)

	if h.opts.Shutdown != nil {
		go func() {
			time.Sleep(75 * time.Millisecond)
			h.opts.Shutdown()
		}()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
