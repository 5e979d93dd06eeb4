package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/kinorez/stagehand/pkg/log"
	"github.com/kinorez/stagehand/pkg/metrics"
	"github.com/kinorez/stagehand/pkg/types"
)

// AdminServer exposes the operator surface on a separate listener:
// /healthz, /readyz, /livez, /metrics and /statusz. It never carries
// bot traffic, so it can use ordinary short timeouts.
type AdminServer struct {
	addr         string
	snapshot     metrics.Snapshot
	ready        func() bool
	nodeStates   func() map[string]types.NodeState
	recentEvents func(n int) ([]types.Event, error)
	httpServer   *http.Server
}

// NewAdminServer creates the admin server. recentEvents is optional;
// when set, /statusz includes the tail of the event journal.
func NewAdminServer(addr string, snapshot metrics.Snapshot, ready func() bool,
	nodeStates func() map[string]types.NodeState,
	recentEvents func(n int) ([]types.Event, error)) *AdminServer {
	return &AdminServer{
		addr:         addr,
		snapshot:     snapshot,
		ready:        ready,
		nodeStates:   nodeStates,
		recentEvents: recentEvents,
	}
}

// Start begins listening. Non-blocking; pair with Shutdown.
func (a *AdminServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", metrics.HealthzHandler(a.snapshot))
	mux.HandleFunc("/readyz", metrics.ReadyzHandler(a.ready, a.snapshot))
	mux.HandleFunc("/livez", metrics.LivenessHandler())
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/statusz", a.handleStatus)

	a.httpServer = &http.Server{
		Addr:         a.addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("ingress: admin listen on %s: %w", a.addr, err)
	}

	log.WithComponent("admin").Info().Str("addr", a.addr).Msg("admin endpoint listening")

	go func() {
		if err := a.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithComponent("admin").Error().Err(err).Msg("admin server error")
		}
	}()

	return nil
}

// Shutdown stops the admin listener
func (a *AdminServer) Shutdown(ctx context.Context) error {
	if a.httpServer == nil {
		return nil
	}
	return a.httpServer.Shutdown(ctx)
}

// handleStatus reports orchestration plan node states and the tail of
// the event journal
func (a *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"timestamp": time.Now(),
		"nodes":     a.nodeStates(),
	}
	if a.recentEvents != nil {
		if recent, err := a.recentEvents(20); err == nil {
			status["events"] = recent
		} else {
			log.WithComponent("admin").Error().Err(err).Msg("event journal read failed")
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}
