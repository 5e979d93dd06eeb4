package metrics

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/kinorez/stagehand/pkg/types"
)

var startTime = time.Now()

// HealthReport is the JSON shape served by the introspection endpoints
type HealthReport struct {
	Status    string            `json:"status"` // "healthy", "degraded", "unhealthy"
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services,omitempty"`
	Message   string            `json:"message,omitempty"`
	Version   string            `json:"version,omitempty"`
	Uptime    string            `json:"uptime,omitempty"`
}

var version string

// SetVersion sets the version string for health responses
func SetVersion(v string) {
	version = v
}

// Snapshot supplies per-service health states, usually Monitor.Snapshot
type Snapshot func() map[string]types.HealthState

// HealthzHandler reports per-service health so operators can distinguish
// which backend is down. Returns 503 when any service is failed or
// unhealthy, 200 otherwise (degraded services still report 200 with
// status "degraded" while they are starting).
func HealthzHandler(snapshot Snapshot) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		states := snapshot()

		report := HealthReport{
			Status:    "healthy",
			Timestamp: time.Now(),
			Services:  make(map[string]string, len(states)),
			Version:   version,
			Uptime:    time.Since(startTime).String(),
		}

		statusCode := http.StatusOK
		for name, state := range states {
			report.Services[name] = string(state.Status)
			switch state.Status {
			case types.HealthFailed, types.HealthUnhealthy:
				report.Status = "unhealthy"
				statusCode = http.StatusServiceUnavailable
			case types.HealthStarting, types.HealthUnknown:
				if report.Status == "healthy" {
					report.Status = "degraded"
				}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(report)
	}
}

// ReadyzHandler reports whether the orchestration plan has fully reached
// Ready. Returns 503 until then.
func ReadyzHandler(ready func() bool, snapshot Snapshot) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		states := snapshot()

		report := HealthReport{
			Status:    "ready",
			Timestamp: time.Now(),
			Services:  make(map[string]string, len(states)),
			Version:   version,
			Uptime:    time.Since(startTime).String(),
		}
		for name, state := range states {
			report.Services[name] = string(state.Status)
		}

		statusCode := http.StatusOK
		if !ready() {
			report.Status = "not_ready"
			report.Message = "startup plan has not reached Ready"
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(report)
	}
}

// LivenessHandler returns a simple liveness check (always 200 if the
// process is running)
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"uptime": time.Since(startTime).String(),
		})
	}
}
