package supervisor

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/kinorez/stagehand/pkg/log"
	"github.com/kinorez/stagehand/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func workerSpec(command []string, policy types.RestartPolicy) types.ServiceSpec {
	return types.ServiceSpec{
		Name:          "bot-worker",
		Kind:          types.ServiceKindWorker,
		Command:       command,
		RestartPolicy: &policy,
	}
}

func fastPolicy() types.RestartPolicy {
	return types.RestartPolicy{
		MaxRestarts: 2,
		Window:      time.Minute,
		Backoff:     time.Millisecond,
		GracePeriod: 2 * time.Second,
	}
}

// waitFor polls until cond is true or the deadline passes
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestNew_RequiresCommand(t *testing.T) {
	if _, err := New(workerSpec(nil, fastPolicy()), nil); err == nil {
		t.Error("expected error for empty command")
	}
}

func TestSupervisor_StartFailsForMissingBinary(t *testing.T) {
	sup, err := New(workerSpec([]string{"/no/such/binary"}, fastPolicy()), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := sup.Start(context.Background()); err == nil {
		t.Error("expected start error for missing binary")
	}
}

func TestSupervisor_CleanExitStopsSupervision(t *testing.T) {
	sup, err := New(workerSpec([]string{"/bin/sh", "-c", "exit 0"}, fastPolicy()), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := sup.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return !sup.Check(context.Background()).Healthy
	}, "worker should report not running after clean exit")

	if err := sup.Err(); err != nil {
		t.Errorf("clean exit must not record an error, got %v", err)
	}
}

func TestSupervisor_CrashLoopGivesUp(t *testing.T) {
	sup, err := New(workerSpec([]string{"/bin/false"}, fastPolicy()), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := sup.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 10*time.Second, func() bool {
		return sup.Err() != nil
	}, "supervisor should give up after the restart budget")

	var crash *CrashLoopError
	if !errors.As(sup.Err(), &crash) {
		t.Fatalf("expected CrashLoopError, got %v", sup.Err())
	}
	if crash.Restarts != 2 {
		t.Errorf("unexpected restart count in error: %d", crash.Restarts)
	}
	if sup.Check(context.Background()).Healthy {
		t.Error("a crash-looping worker must not report healthy")
	}
}

func TestSupervisor_StopTerminatesWorker(t *testing.T) {
	sup, err := New(workerSpec([]string{"/bin/sh", "-c", "sleep 60"}, fastPolicy()), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := sup.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return sup.Check(context.Background()).Healthy
	}, "worker should be running")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if sup.Check(context.Background()).Healthy {
		t.Error("worker should not report running after Stop")
	}
	if err := sup.Err(); err != nil {
		t.Errorf("graceful stop must not record an error, got %v", err)
	}
}

func TestRecordRestart_SlidingWindow(t *testing.T) {
	sup := &Supervisor{policy: types.RestartPolicy{MaxRestarts: 2, Window: 50 * time.Millisecond}}

	if sup.recordRestart() {
		t.Error("first restart should be within budget")
	}
	if sup.recordRestart() {
		t.Error("second restart should be within budget")
	}
	if !sup.recordRestart() {
		t.Error("third restart within the window should exhaust the budget")
	}

	// Once the earlier restarts age out of the window, the budget frees up
	time.Sleep(60 * time.Millisecond)
	if sup.recordRestart() {
		t.Error("restarts outside the window must not count")
	}
}
