// Package supervisor owns the bot worker process: it starts the child,
// restarts it on unexpected exits with exponential backoff, and gives up
// when restarts exceed the policy's sliding window. The supervisor also
// doubles as the worker's health checker, so the worker participates in
// the same readiness gating as the externally managed backends.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kinorez/stagehand/pkg/events"
	"github.com/kinorez/stagehand/pkg/health"
	"github.com/kinorez/stagehand/pkg/log"
	"github.com/kinorez/stagehand/pkg/metrics"
	"github.com/kinorez/stagehand/pkg/types"
)

// CrashLoopError reports a worker that exceeded its restart budget
type CrashLoopError struct {
	Service  string
	Restarts int
	Window   time.Duration
}

func (e *CrashLoopError) Error() string {
	return fmt.Sprintf("supervisor: %s restarted %d times within %s, giving up",
		e.Service, e.Restarts, e.Window)
}

// DefaultRestartPolicy bounds crash loops without punishing a worker
// that crashes rarely: the count only looks at the sliding window.
func DefaultRestartPolicy() types.RestartPolicy {
	return types.RestartPolicy{
		MaxRestarts: 5,
		Window:      5 * time.Minute,
		Backoff:     2 * time.Second,
		GracePeriod: 30 * time.Second,
	}
}

// Supervisor manages one worker process lifecycle
type Supervisor struct {
	spec   types.ServiceSpec
	policy types.RestartPolicy
	broker *events.Broker

	mu       sync.Mutex
	cmd      *exec.Cmd
	running  bool
	failed   bool
	lastErr  error
	restarts []time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a supervisor for the given worker spec
func New(spec types.ServiceSpec, broker *events.Broker) (*Supervisor, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("supervisor: worker %q has no command", spec.Name)
	}

	policy := DefaultRestartPolicy()
	if spec.RestartPolicy != nil {
		policy = *spec.RestartPolicy
	}

	return &Supervisor{
		spec:   spec,
		policy: policy,
		broker: broker,
	}, nil
}

// Start launches the worker and begins supervising it. The first spawn
// happens synchronously so a missing binary fails the caller directly;
// everything after that runs in the supervision loop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running || s.failed {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: worker %q already started", s.spec.Name)
	}
	s.mu.Unlock()

	exitCh, err := s.spawn()
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx, exitCh)
	return nil
}

// Stop terminates the worker gracefully: SIGTERM, then SIGKILL after
// the grace period. Blocks until the supervision loop exits or ctx does.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Check implements health.Checker: the worker is healthy while its
// process is running and the restart budget is not exhausted
func (s *Supervisor) Check(_ context.Context) health.Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := health.Result{CheckedAt: time.Now()}
	switch {
	case s.failed:
		res.Message = "worker in crash loop"
	case !s.running:
		res.Message = "worker process not running"
	default:
		res.Healthy = true
		res.Message = "worker process running"
	}
	return res
}

// Kind implements health.Checker
func (s *Supervisor) Kind() types.ProbeKind {
	return types.ProbeProcess
}

// Err returns the terminal error, if the supervisor gave up
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// spawn starts one worker process and returns its exit channel
func (s *Supervisor) spawn() (<-chan error, error) {
	cmd := exec.Command(s.spec.Command[0], s.spec.Command[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	// Own process group so SIGTERM reaches the worker and its children
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("supervisor: start worker %q: %w", s.spec.Name, err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.running = true
	s.mu.Unlock()

	log.WithService(s.spec.Name).Info().
		Int("pid", cmd.Process.Pid).
		Strs("command", s.spec.Command).
		Msg("worker started")

	if s.broker != nil {
		s.broker.Publish(&types.Event{
			Type:    events.EventWorkerStarted,
			Service: s.spec.Name,
			Message: fmt.Sprintf("pid %d", cmd.Process.Pid),
		})
	}

	exitCh := make(chan error, 1)
	go func() {
		exitCh <- cmd.Wait()
	}()
	return exitCh, nil
}

// loop supervises across restarts until stop, clean exit, or give-up
func (s *Supervisor) loop(ctx context.Context, exitCh <-chan error) {
	defer close(s.done)

	logger := log.WithService(s.spec.Name)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.policy.Backoff
	bo.MaxElapsedTime = 0

	for {
		startedAt := time.Now()

		select {
		case <-ctx.Done():
			s.terminate(exitCh)
			return

		case err := <-exitCh:
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()

			uptime := time.Since(startedAt)

			if err == nil {
				logger.Info().Msg("worker exited cleanly")
				s.publish(events.EventWorkerStopped, "clean exit")
				return
			}

			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) && exitErr.ExitCode() == -1 {
				// Killed by an outside signal; that is an operator action,
				// not a crash, so the restart policy does not apply.
				logger.Warn().Err(err).Msg("worker terminated by signal, not restarting")
				s.publish(events.EventWorkerStopped, err.Error())
				return
			}

			logger.Warn().Err(err).Dur("uptime", uptime).Msg("worker crashed")

			if uptime > s.policy.Window {
				// Ran long enough that this is a fresh failure, not a loop
				bo.Reset()
			}

			if s.recordRestart() {
				crash := &CrashLoopError{
					Service:  s.spec.Name,
					Restarts: s.policy.MaxRestarts,
					Window:   s.policy.Window,
				}
				s.mu.Lock()
				s.failed = true
				s.lastErr = crash
				s.mu.Unlock()

				logger.Error().Err(crash).Msg("worker restart budget exhausted")
				s.publish(events.EventWorkerFailed, crash.Error())
				return
			}

			delay := bo.NextBackOff()
			logger.Info().Dur("delay", delay).Msg("restarting worker")

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			newExit, err := s.spawn()
			if err != nil {
				s.mu.Lock()
				s.failed = true
				s.lastErr = err
				s.mu.Unlock()
				logger.Error().Err(err).Msg("worker respawn failed")
				s.publish(events.EventWorkerFailed, err.Error())
				return
			}
			exitCh = newExit

			metrics.WorkerRestartsTotal.Inc()
			s.publish(events.EventWorkerRestarted, "")
		}
	}
}

// recordRestart appends now to the restart history, prunes entries older
// than the window, and reports whether the budget is exhausted
func (s *Supervisor) recordRestart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-s.policy.Window)

	kept := s.restarts[:0]
	for _, t := range s.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.restarts = append(kept, now)

	return len(s.restarts) > s.policy.MaxRestarts
}

// terminate stops the current process: SIGTERM, grace period, SIGKILL.
// The exit channel comes from spawn's Wait goroutine, which owns the
// process reaping.
func (s *Supervisor) terminate(exitCh <-chan error) {
	s.mu.Lock()
	cmd := s.cmd
	running := s.running
	s.mu.Unlock()

	if !running || cmd == nil || cmd.Process == nil {
		return
	}

	logger := log.WithService(s.spec.Name)
	logger.Info().Int("pid", cmd.Process.Pid).Msg("stopping worker")

	// Negative pid signals the whole process group
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)

	select {
	case <-exitCh:
	case <-time.After(s.policy.GracePeriod):
		logger.Warn().Msg("worker did not stop within grace period, killing")
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-exitCh
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.publish(events.EventWorkerStopped, "supervisor shutdown")
}

func (s *Supervisor) publish(eventType, message string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&types.Event{
		Type:    eventType,
		Service: s.spec.Name,
		Message: message,
	})
}
