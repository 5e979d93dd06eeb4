package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kinorez/stagehand/pkg/events"
	"github.com/kinorez/stagehand/pkg/log"
	"github.com/kinorez/stagehand/pkg/metrics"
	"github.com/kinorez/stagehand/pkg/types"
)

// ErrUnknownService is returned when a service name was never registered
var ErrUnknownService = errors.New("health: unknown service")

// CheckFailedError reports a service whose probes exhausted MaxRetries
type CheckFailedError struct {
	Service string
}

func (e *CheckFailedError) Error() string {
	return fmt.Sprintf("health checks for %q exhausted retries", e.Service)
}

// Monitor polls registered services on their probe intervals and applies
// the hysteresis rules to each service's HealthState. It is the single
// writer of all HealthState values; readers get snapshot copies.
type Monitor struct {
	broker *events.Broker

	mu      sync.RWMutex
	entries map[string]*entry
	started bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// entry tracks probe state for a single service
type entry struct {
	spec    types.ServiceSpec
	checker Checker
	state   types.HealthState

	// updated is closed and replaced on every status transition so that
	// readiness waiters can re-check without polling.
	updated chan struct{}
}

// NewMonitor creates a new health monitor. The broker is optional; when
// set, status transitions are published as events.
func NewMonitor(broker *events.Broker) *Monitor {
	return &Monitor{
		broker:  broker,
		entries: make(map[string]*entry),
		stopCh:  make(chan struct{}),
	}
}

// Register adds a service to the monitor. Must be called with a checker
// matching the spec's probe kind. Registering after Start begins polling
// immediately.
func (m *Monitor) Register(spec types.ServiceSpec, checker Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[spec.Name]; exists {
		return fmt.Errorf("health: service %q already registered", spec.Name)
	}

	e := &entry{
		spec:    spec,
		checker: checker,
		state: types.HealthState{
			Service: spec.Name,
			Status:  types.HealthStarting,
		},
		updated: make(chan struct{}),
	}
	m.entries[spec.Name] = e

	if m.started {
		m.wg.Add(1)
		go m.pollLoop(e)
	}

	return nil
}

// Start launches one polling goroutine per registered service
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return
	}
	m.started = true

	for _, e := range m.entries {
		m.wg.Add(1)
		go m.pollLoop(e)
	}
}

// Stop stops all polling loops and waits for them to exit
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// pollLoop runs probes for a single service on its interval
func (m *Monitor) pollLoop(e *entry) {
	defer m.wg.Done()

	interval := e.spec.Probe.Interval
	if interval <= 0 {
		interval = DefaultProbe().Interval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run the first probe immediately so dependents don't wait a full
	// interval for the initial readiness signal.
	m.runCheck(e)

	for {
		select {
		case <-ticker.C:
			m.runCheck(e)
		case <-m.stopCh:
			return
		}
	}
}

// runCheck performs one probe and applies the result
func (m *Monitor) runCheck(e *entry) {
	timeout := e.spec.Probe.Timeout
	if timeout <= 0 {
		timeout = DefaultProbe().Timeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result := e.checker.Check(ctx)

	outcome := "failure"
	if result.Healthy {
		outcome = "success"
	}
	metrics.HealthChecksTotal.WithLabelValues(e.spec.Name, outcome).Inc()

	m.mu.Lock()
	prev := e.state.Status
	Apply(&e.state, result, e.spec.Probe)
	next := e.state.Status
	if next != prev {
		close(e.updated)
		e.updated = make(chan struct{})
	}
	m.mu.Unlock()

	if next == prev {
		return
	}

	if next == types.HealthHealthy {
		metrics.ServiceHealthy.WithLabelValues(e.spec.Name).Set(1)
	} else {
		metrics.ServiceHealthy.WithLabelValues(e.spec.Name).Set(0)
	}

	logger := log.WithService(e.spec.Name)
	switch next {
	case types.HealthHealthy:
		logger.Info().Str("from", string(prev)).Msg("service became healthy")
	case types.HealthFailed:
		logger.Error().Str("message", result.Message).Msg("service failed health checks permanently")
	default:
		logger.Warn().Str("from", string(prev)).Str("to", string(next)).
			Str("message", result.Message).Msg("health transition")
	}

	if m.broker != nil {
		m.broker.Publish(&types.Event{
			Type:    "health." + string(next),
			Service: e.spec.Name,
			Message: result.Message,
		})
	}
}

// WaitHealthy blocks until the service is Healthy, the service fails
// permanently, or the context is cancelled.
func (m *Monitor) WaitHealthy(ctx context.Context, name string) error {
	for {
		m.mu.RLock()
		e, ok := m.entries[name]
		if !ok {
			m.mu.RUnlock()
			return fmt.Errorf("%w: %s", ErrUnknownService, name)
		}
		status := e.state.Status
		updated := e.updated
		m.mu.RUnlock()

		switch status {
		case types.HealthHealthy:
			return nil
		case types.HealthFailed:
			return &CheckFailedError{Service: name}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-updated:
		}
	}
}

// Status returns a snapshot copy of one service's HealthState
func (m *Monitor) Status(name string) (types.HealthState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[name]
	if !ok {
		return types.HealthState{}, false
	}
	return e.state, true
}

// Snapshot returns snapshot copies of all HealthStates keyed by service
func (m *Monitor) Snapshot() map[string]types.HealthState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]types.HealthState, len(m.entries))
	for name, e := range m.entries {
		states[name] = e.state
	}
	return states
}

// Reset clears a Failed service back to Starting with zeroed counters.
// This is the manual operator action required after MaxRetries is hit.
func (m *Monitor) Reset(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	if e.state.Status != types.HealthFailed {
		return fmt.Errorf("health: service %q is %s, not failed", name, e.state.Status)
	}

	e.state.Status = types.HealthStarting
	e.state.ConsecutiveFailures = 0
	e.state.ConsecutiveSuccesses = 0
	close(e.updated)
	e.updated = make(chan struct{})

	return nil
}
