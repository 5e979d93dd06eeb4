package health

import (
	"context"
	"time"

	"github.com/kinorez/stagehand/pkg/types"
)

// Result represents the outcome of a single probe
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface that all health probes must implement
type Checker interface {
	// Check performs the probe and returns the result
	Check(ctx context.Context) Result

	// Kind returns the probe kind
	Kind() types.ProbeKind
}

// DefaultProbe returns probe settings matching the original deployment's
// health check cadence (pg_isready / redis-cli ping every 5s).
func DefaultProbe() types.Probe {
	return types.Probe{
		Interval:         5 * time.Second,
		Timeout:          3 * time.Second,
		SuccessThreshold: 2,
		MaxRetries:       10,
	}
}

// Apply transitions a HealthState with a new probe result.
//
// Hysteresis rules:
//   - Starting/Unknown/Unhealthy become Healthy only after SuccessThreshold
//     consecutive successes.
//   - Healthy becomes Unhealthy on a single failure.
//   - MaxRetries consecutive failures from any non-Healthy state become
//     Failed, which is terminal until a manual reset.
func Apply(state *types.HealthState, result Result, probe types.Probe) {
	state.LastChecked = result.CheckedAt
	state.Message = result.Message

	if state.Status == types.HealthFailed {
		// Terminal. Counters keep accumulating for introspection only.
		if result.Healthy {
			state.ConsecutiveSuccesses++
			state.ConsecutiveFailures = 0
		} else {
			state.ConsecutiveFailures++
			state.ConsecutiveSuccesses = 0
		}
		return
	}

	if result.Healthy {
		state.ConsecutiveSuccesses++
		state.ConsecutiveFailures = 0

		if state.Status != types.HealthHealthy &&
			state.ConsecutiveSuccesses >= probe.SuccessThreshold {
			state.Status = types.HealthHealthy
		}
		return
	}

	state.ConsecutiveFailures++
	state.ConsecutiveSuccesses = 0

	if state.Status == types.HealthHealthy {
		state.Status = types.HealthUnhealthy
		return
	}

	if state.ConsecutiveFailures >= probe.MaxRetries {
		state.Status = types.HealthFailed
	}
}
