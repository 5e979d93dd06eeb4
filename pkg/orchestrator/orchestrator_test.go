package orchestrator

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinorez/stagehand/pkg/health"
	"github.com/kinorez/stagehand/pkg/log"
	"github.com/kinorez/stagehand/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

// fakeWaiter scripts WaitHealthy outcomes per service
type fakeWaiter struct {
	mu    sync.Mutex
	fail  map[string]error
	block map[string]chan struct{}
}

func newFakeWaiter() *fakeWaiter {
	return &fakeWaiter{
		fail:  make(map[string]error),
		block: make(map[string]chan struct{}),
	}
}

func (w *fakeWaiter) WaitHealthy(ctx context.Context, name string) error {
	w.mu.Lock()
	blockCh := w.block[name]
	failErr := w.fail[name]
	w.mu.Unlock()

	if blockCh != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-blockCh:
		}
	}
	return failErr
}

func (w *fakeWaiter) failWith(name string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fail[name] = err
}

// trace records hook invocations in order
type trace struct {
	mu      sync.Mutex
	entries []string
}

func (tr *trace) add(entry string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.entries = append(tr.entries, entry)
}

func (tr *trace) get() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.entries...)
}

func (tr *trace) index(entry string) int {
	for i, e := range tr.get() {
		if e == entry {
			return i
		}
	}
	return -1
}

func tracedHooks(tr *trace, name string) Hooks {
	return Hooks{
		Start: func(ctx context.Context) error {
			tr.add("start:" + name)
			return nil
		},
		Stop: func(ctx context.Context) error {
			tr.add("stop:" + name)
			return nil
		},
	}
}

func defaultTopology(t *testing.T) *Plan {
	t.Helper()
	plan, err := NewPlan([]types.ServiceSpec{
		spec("postgres"),
		spec("redis"),
		spec("api-gateway"),
		spec("ingress", "api-gateway"),
		spec("bot-worker", "postgres", "redis", "api-gateway"),
	})
	require.NoError(t, err)
	return plan
}

func fastOptions() Options {
	return Options{MaxRetries: 1, RetryBackoff: time.Millisecond}
}

func TestOrchestrator_StartRespectsDependencies(t *testing.T) {
	plan := defaultTopology(t)
	waiter := newFakeWaiter()
	tr := &trace{}

	o := New(plan, waiter, nil, fastOptions())
	for _, name := range plan.Services() {
		require.NoError(t, o.RegisterHooks(name, tracedHooks(tr, name)))
	}

	require.NoError(t, o.Start(context.Background()))
	assert.True(t, o.Ready())

	assert.Less(t, tr.index("start:api-gateway"), tr.index("start:ingress"))
	assert.Less(t, tr.index("start:postgres"), tr.index("start:bot-worker"))
	assert.Less(t, tr.index("start:redis"), tr.index("start:bot-worker"))
	assert.Less(t, tr.index("start:api-gateway"), tr.index("start:bot-worker"))
}

func TestOrchestrator_StartIsIdempotent(t *testing.T) {
	plan := defaultTopology(t)
	waiter := newFakeWaiter()
	tr := &trace{}

	o := New(plan, waiter, nil, fastOptions())
	require.NoError(t, o.RegisterHooks("ingress", tracedHooks(tr, "ingress")))

	require.NoError(t, o.Start(context.Background()))
	require.NoError(t, o.Start(context.Background()))

	assert.Equal(t, []string{"start:ingress"}, tr.get(),
		"second Start must not re-run hooks")
}

func TestOrchestrator_FailureCascadesAndGivesUp(t *testing.T) {
	plan := defaultTopology(t)
	waiter := newFakeWaiter()
	waiter.failWith("api-gateway", &health.CheckFailedError{Service: "api-gateway"})
	tr := &trace{}

	o := New(plan, waiter, nil, fastOptions())
	for _, name := range plan.Services() {
		require.NoError(t, o.RegisterHooks(name, tracedHooks(tr, name)))
	}

	err := o.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGaveUp)

	states := o.States()
	assert.Equal(t, types.NodeStateFailed, states["api-gateway"])
	assert.Equal(t, types.NodeStateFailed, states["ingress"])
	assert.Equal(t, types.NodeStateFailed, states["bot-worker"])
	// Independent services still come up
	assert.Equal(t, types.NodeStateReady, states["postgres"])
	assert.Equal(t, types.NodeStateReady, states["redis"])

	// Dependents of the failed gateway must never have been started
	assert.Equal(t, -1, tr.index("start:ingress"))
	assert.Equal(t, -1, tr.index("start:bot-worker"))

	// Permanent: later calls return the same error without new attempts
	err2 := o.Start(context.Background())
	assert.ErrorIs(t, err2, ErrGaveUp)
}

func TestOrchestrator_StartTimeoutFailsNodeAndCascades(t *testing.T) {
	// postgres never becomes healthy within its start timeout; the plan
	// must fail with a timeout error naming postgres and cascade the
	// worker to Failed without starting it.
	plan, err := NewPlan([]types.ServiceSpec{
		{Name: "postgres", StartTimeout: 50 * time.Millisecond},
		{Name: "bot-worker", DependsOn: []string{"postgres"}},
	})
	require.NoError(t, err)

	waiter := newFakeWaiter()
	waiter.block["postgres"] = make(chan struct{}) // never closed
	tr := &trace{}

	o := New(plan, waiter, nil, fastOptions())
	require.NoError(t, o.RegisterHooks("bot-worker", tracedHooks(tr, "bot-worker")))

	err = o.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGaveUp)

	var timeoutErr *DependencyTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "postgres", timeoutErr.Service)

	states := o.States()
	assert.Equal(t, types.NodeStateFailed, states["postgres"])
	assert.Equal(t, types.NodeStateFailed, states["bot-worker"])
	assert.Equal(t, -1, tr.index("start:bot-worker"),
		"dependent of a timed-out service must never be started")
}

func TestOrchestrator_StartHookFailure(t *testing.T) {
	plan := defaultTopology(t)
	waiter := newFakeWaiter()
	tr := &trace{}

	o := New(plan, waiter, nil, fastOptions())
	hookErr := errors.New("listen: address already in use")
	require.NoError(t, o.RegisterHooks("ingress", Hooks{
		Start: func(ctx context.Context) error { return hookErr },
	}))
	require.NoError(t, o.RegisterHooks("bot-worker", tracedHooks(tr, "bot-worker")))

	err := o.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGaveUp)

	var startErr *StartError
	assert.ErrorAs(t, err, &startErr)
	assert.Equal(t, "ingress", startErr.Service)
}

func TestOrchestrator_CancellationResumes(t *testing.T) {
	plan := defaultTopology(t)
	waiter := newFakeWaiter()
	gate := make(chan struct{})
	waiter.block["api-gateway"] = gate
	tr := &trace{}

	o := New(plan, waiter, nil, fastOptions())
	for _, name := range plan.Services() {
		require.NoError(t, o.RegisterHooks(name, tracedHooks(tr, name)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		// Let the independent services come up, then interrupt
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := o.Start(ctx)
	require.ErrorIs(t, err, context.Canceled)

	states := o.States()
	assert.Equal(t, types.NodeStateReady, states["postgres"])
	assert.Equal(t, types.NodeStateReady, states["redis"])

	// Unblock the gateway and resume; already-Ready services must not
	// have their hooks re-run.
	close(gate)
	require.NoError(t, o.Start(context.Background()))
	assert.True(t, o.Ready())

	starts := 0
	for _, e := range tr.get() {
		if e == "start:postgres" {
			starts++
		}
	}
	assert.Equal(t, 1, starts, "postgres hook must run exactly once across resume")
}

func TestOrchestrator_StopReverseOrder(t *testing.T) {
	plan := defaultTopology(t)
	waiter := newFakeWaiter()
	tr := &trace{}

	o := New(plan, waiter, nil, fastOptions())
	for _, name := range plan.Services() {
		require.NoError(t, o.RegisterHooks(name, tracedHooks(tr, name)))
	}

	require.NoError(t, o.Start(context.Background()))
	o.Stop(context.Background())

	assert.Greater(t, tr.index("stop:api-gateway"), tr.index("stop:ingress"))
	assert.Greater(t, tr.index("stop:postgres"), tr.index("stop:bot-worker"))
	assert.Greater(t, tr.index("stop:redis"), tr.index("stop:bot-worker"))

	for name, state := range o.States() {
		assert.Equal(t, types.NodeStateStopped, state, name)
	}
}
