package health

import (
	"context"
	"errors"
	"io"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kinorez/stagehand/pkg/log"
	"github.com/kinorez/stagehand/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

// fakeChecker reports whatever its flag says
type fakeChecker struct {
	healthy atomic.Bool
}

func (f *fakeChecker) Check(_ context.Context) Result {
	return Result{Healthy: f.healthy.Load(), CheckedAt: time.Now()}
}

func (f *fakeChecker) Kind() types.ProbeKind { return types.ProbeTCP }

func fastSpec(name string) types.ServiceSpec {
	return types.ServiceSpec{
		Name: name,
		Probe: types.Probe{
			Kind:             types.ProbeTCP,
			Interval:         5 * time.Millisecond,
			Timeout:          time.Second,
			SuccessThreshold: 2,
			MaxRetries:       3,
		},
	}
}

func TestMonitor_WaitHealthy(t *testing.T) {
	checker := &fakeChecker{}
	checker.healthy.Store(true)

	m := NewMonitor(nil)
	if err := m.Register(fastSpec("postgres"), checker); err != nil {
		t.Fatal(err)
	}
	m.Start()
	defer m.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := m.WaitHealthy(ctx, "postgres"); err != nil {
		t.Fatalf("WaitHealthy: %v", err)
	}

	state, ok := m.Status("postgres")
	if !ok || state.Status != types.HealthHealthy {
		t.Errorf("expected healthy status, got %+v", state)
	}
}

func TestMonitor_WaitHealthyFailure(t *testing.T) {
	checker := &fakeChecker{} // never healthy

	m := NewMonitor(nil)
	if err := m.Register(fastSpec("api-gateway"), checker); err != nil {
		t.Fatal(err)
	}
	m.Start()
	defer m.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := m.WaitHealthy(ctx, "api-gateway")
	var checkFailed *CheckFailedError
	if !errors.As(err, &checkFailed) {
		t.Fatalf("expected CheckFailedError, got %v", err)
	}
	if checkFailed.Service != "api-gateway" {
		t.Errorf("wrong service in error: %s", checkFailed.Service)
	}
}

func TestMonitor_WaitHealthyUnknownService(t *testing.T) {
	m := NewMonitor(nil)
	err := m.WaitHealthy(context.Background(), "nope")
	if !errors.Is(err, ErrUnknownService) {
		t.Fatalf("expected ErrUnknownService, got %v", err)
	}
}

func TestMonitor_WaitHealthyContextCancelled(t *testing.T) {
	checker := &fakeChecker{} // stays unhealthy, below MaxRetries is slow enough

	spec := fastSpec("redis")
	spec.Probe.Interval = time.Hour // only the immediate first probe runs

	m := NewMonitor(nil)
	if err := m.Register(spec, checker); err != nil {
		t.Fatal(err)
	}
	m.Start()
	defer m.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := m.WaitHealthy(ctx, "redis"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestMonitor_Reset(t *testing.T) {
	checker := &fakeChecker{}

	m := NewMonitor(nil)
	if err := m.Register(fastSpec("api-gateway"), checker); err != nil {
		t.Fatal(err)
	}
	m.Start()
	defer m.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.WaitHealthy(ctx, "api-gateway"); err == nil {
		t.Fatal("expected failure")
	}

	// Reset rearms the service; with the checker now green it recovers
	checker.healthy.Store(true)
	if err := m.Reset("api-gateway"); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if err := m.WaitHealthy(ctx2, "api-gateway"); err != nil {
		t.Fatalf("WaitHealthy after reset: %v", err)
	}
}

func TestMonitor_ResetRequiresFailed(t *testing.T) {
	checker := &fakeChecker{}
	m := NewMonitor(nil)
	if err := m.Register(fastSpec("postgres"), checker); err != nil {
		t.Fatal(err)
	}

	if err := m.Reset("postgres"); err == nil {
		t.Error("reset of a non-failed service should be rejected")
	}
	if err := m.Reset("ghost"); !errors.Is(err, ErrUnknownService) {
		t.Errorf("expected ErrUnknownService, got %v", err)
	}
}
