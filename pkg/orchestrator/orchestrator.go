package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/kinorez/stagehand/pkg/events"
	"github.com/kinorez/stagehand/pkg/health"
	"github.com/kinorez/stagehand/pkg/log"
	"github.com/kinorez/stagehand/pkg/metrics"
	"github.com/kinorez/stagehand/pkg/types"
)

const (
	// DefaultStartTimeout bounds a single node's Starting phase
	DefaultStartTimeout = 120 * time.Second

	// DefaultMaxRetries is how many times a partially failed plan is
	// re-attempted before Start gives up permanently
	DefaultMaxRetries = 3

	// DefaultRetryBackoff is the initial delay between plan retries
	DefaultRetryBackoff = 2 * time.Second
)

// ReadinessWaiter supplies readiness signals, normally *health.Monitor
type ReadinessWaiter interface {
	WaitHealthy(ctx context.Context, name string) error
}

// Hooks are optional start/stop actions for services whose process
// stagehand owns (the ingress listener, the bot worker). Externally
// managed services have no hooks; they are only health-gated.
type Hooks struct {
	Start func(ctx context.Context) error
	Stop  func(ctx context.Context) error
}

// Options tunes plan retry behavior
type Options struct {
	MaxRetries   int
	RetryBackoff time.Duration
}

// Orchestrator drives the plan: it starts every service only after its
// full dependency set is Healthy, cascades failures to dependents, and
// stops everything in reverse order on shutdown.
type Orchestrator struct {
	plan   *Plan
	waiter ReadinessWaiter
	broker *events.Broker

	maxRetries   int
	retryBackoff time.Duration

	mu        sync.Mutex
	hooks     map[string]Hooks
	succeeded bool
	gaveUp    bool
	finalErr  error
}

// New creates an orchestrator for a validated plan
func New(plan *Plan, waiter ReadinessWaiter, broker *events.Broker, opts Options) *Orchestrator {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	return &Orchestrator{
		plan:         plan,
		waiter:       waiter,
		broker:       broker,
		maxRetries:   opts.MaxRetries,
		retryBackoff: opts.RetryBackoff,
		hooks:        make(map[string]Hooks),
	}
}

// RegisterHooks attaches start/stop actions to a named service
func (o *Orchestrator) RegisterHooks(name string, hooks Hooks) error {
	if _, ok := o.plan.Spec(name); !ok {
		return fmt.Errorf("orchestrator: no service %q in plan", name)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hooks[name] = hooks
	return nil
}

// Ready reports whether every plan node is Ready
func (o *Orchestrator) Ready() bool {
	return o.plan.allReady()
}

// States returns a snapshot of node states for introspection
func (o *Orchestrator) States() map[string]types.NodeState {
	return o.plan.States()
}

// Start walks the plan until every node is Ready.
//
// Idempotent: after full success, Start returns the cached nil result
// without duplicate side effects. After a partial failure it re-attempts
// only Failed/Pending nodes with exponential backoff up to MaxRetries,
// then gives up permanently. Cancellation leaves already-Ready services
// running so a later Start resumes where it left off.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.succeeded {
		o.mu.Unlock()
		return nil
	}
	if o.gaveUp {
		err := o.finalErr
		o.mu.Unlock()
		return err
	}
	o.mu.Unlock()

	started := time.Now()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.retryBackoff
	bo.MaxElapsedTime = 0

	var lastErr error
	attempt := 0
	operation := func() error {
		attempt++
		if attempt > 1 {
			log.WithComponent("orchestrator").Warn().
				Int("attempt", attempt).Err(lastErr).
				Msg("retrying failed plan nodes")
		}
		o.plan.resetForRetry()
		if err := o.runPass(ctx); err != nil {
			lastErr = err
			return err
		}
		return nil
	}

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(o.maxRetries)), ctx))

	if err == nil {
		o.mu.Lock()
		o.succeeded = true
		o.mu.Unlock()
		metrics.StartupDuration.Observe(time.Since(started).Seconds())
		log.WithComponent("orchestrator").Info().
			Dur("elapsed", time.Since(started)).Msg("all services ready")
		return nil
	}

	if ctx.Err() != nil {
		// Cancelled, not exhausted. Ready nodes stay up; the next Start
		// call resumes from the remaining Pending/Failed set.
		return ctx.Err()
	}

	o.mu.Lock()
	o.gaveUp = true
	o.finalErr = fmt.Errorf("%w: %w", ErrGaveUp, err)
	err = o.finalErr
	o.mu.Unlock()
	return err
}

// runPass attempts to bring every non-Ready node to Ready
func (o *Orchestrator) runPass(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, n := range o.plan.order {
		if state, _ := o.plan.State(n.spec.Name); state == types.NodeStateReady {
			continue
		}
		n := n
		g.Go(func() error {
			return o.startNode(gctx, n)
		})
	}

	err := g.Wait()
	o.plan.cascadeFailures()
	if err != nil {
		return err
	}
	if !o.plan.allReady() {
		return errors.New("orchestrator: plan incomplete after pass")
	}
	return nil
}

// startNode waits for the node's dependencies, runs its start hook and
// blocks until the health monitor reports it Healthy
func (o *Orchestrator) startNode(ctx context.Context, n *node) error {
	for _, dep := range n.deps {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-dep.failed:
			// Dependency failed: cascade without starting. The
			// originating node reports the pass error.
			o.fail(n, fmt.Sprintf("dependency %s failed", dep.spec.Name))
			return nil
		case <-dep.ready:
		}
	}

	o.transition(n, types.NodeStateStarting)

	timeout := n.spec.StartTimeout
	if timeout <= 0 {
		timeout = DefaultStartTimeout
	}
	nodeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	o.mu.Lock()
	hooks := o.hooks[n.spec.Name]
	o.mu.Unlock()

	if hooks.Start != nil {
		if err := hooks.Start(nodeCtx); err != nil {
			o.fail(n, err.Error())
			return &StartError{Service: n.spec.Name, Err: err}
		}
	}

	if err := o.waiter.WaitHealthy(nodeCtx, n.spec.Name); err != nil {
		if ctx.Err() != nil {
			// Parent cancellation: leave the node for a later resume
			return ctx.Err()
		}

		var checkFailed *health.CheckFailedError
		if errors.As(err, &checkFailed) {
			o.fail(n, err.Error())
			return err
		}

		// The node's own start timeout elapsed
		o.fail(n, "start timeout")
		return &DependencyTimeoutError{Service: n.spec.Name}
	}

	o.transition(n, types.NodeStateReady)
	return nil
}

// Stop shuts services down in reverse topological order: the worker is
// signaled first, then the gateway, then the stores, so no backend is
// closed while a dependent might still be flushing state to it.
func (o *Orchestrator) Stop(ctx context.Context) {
	logger := log.WithComponent("orchestrator")

	for i := len(o.plan.order) - 1; i >= 0; i-- {
		n := o.plan.order[i]
		state, _ := o.plan.State(n.spec.Name)
		if state != types.NodeStateReady && state != types.NodeStateStarting {
			continue
		}

		o.transition(n, types.NodeStateStopping)

		o.mu.Lock()
		hooks := o.hooks[n.spec.Name]
		o.mu.Unlock()

		if hooks.Stop != nil {
			if err := hooks.Stop(ctx); err != nil {
				logger.Error().Err(err).Str("service", n.spec.Name).
					Msg("stop hook failed")
			}
		}

		o.transition(n, types.NodeStateStopped)
	}

	o.mu.Lock()
	o.succeeded = false
	o.mu.Unlock()
}

// transition moves a node to a new state and records it
func (o *Orchestrator) transition(n *node, state types.NodeState) {
	o.plan.setState(n, state)
	metrics.ServiceTransitionsTotal.WithLabelValues(n.spec.Name, string(state)).Inc()

	eventType := "service." + string(state)
	if state == types.NodeStateReady {
		eventType = events.EventServiceReady
	}
	if o.broker != nil {
		o.broker.Publish(&types.Event{
			Type:    eventType,
			Service: n.spec.Name,
		})
	}

	log.WithService(n.spec.Name).Debug().Str("state", string(state)).Msg("node transition")
}

// fail marks a node Failed with a reason
func (o *Orchestrator) fail(n *node, reason string) {
	o.plan.setState(n, types.NodeStateFailed)
	metrics.ServiceTransitionsTotal.WithLabelValues(n.spec.Name, string(types.NodeStateFailed)).Inc()

	if o.broker != nil {
		o.broker.Publish(&types.Event{
			Type:    events.EventServiceFailed,
			Service: n.spec.Name,
			Message: reason,
		})
	}

	log.WithService(n.spec.Name).Error().Str("reason", reason).Msg("node failed")
}
