package orchestrator

import (
	"fmt"
	"sync"

	"github.com/kinorez/stagehand/pkg/types"
)

// Plan is the orchestration DAG built from ServiceSpec dependency sets.
// The topology is immutable after construction; only node states change,
// and only under the plan's lock.
type Plan struct {
	mu    sync.RWMutex
	nodes map[string]*node
	order []*node // topological, dependencies first
}

// node is one service in the plan
type node struct {
	spec       types.ServiceSpec
	deps       []*node
	dependents []*node

	state types.NodeState

	// ready and failed are closed (once) when the node reaches the
	// corresponding state, so dependents can wait without polling.
	ready  chan struct{}
	failed chan struct{}
}

// NewPlan validates the dependency graph and computes a topological
// order. Unknown dependencies and cycles are configuration errors,
// detected here before any service is started.
func NewPlan(specs []types.ServiceSpec) (*Plan, error) {
	p := &Plan{nodes: make(map[string]*node, len(specs))}

	for _, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("plan: service with empty name")
		}
		if _, dup := p.nodes[spec.Name]; dup {
			return nil, fmt.Errorf("plan: duplicate service %q", spec.Name)
		}
		p.nodes[spec.Name] = &node{
			spec:   spec,
			state:  types.NodeStatePending,
			ready:  make(chan struct{}),
			failed: make(chan struct{}),
		}
	}

	for _, n := range p.nodes {
		for _, depName := range n.spec.DependsOn {
			dep, ok := p.nodes[depName]
			if !ok {
				return nil, fmt.Errorf("plan: service %q depends on unknown service %q",
					n.spec.Name, depName)
			}
			n.deps = append(n.deps, dep)
			dep.dependents = append(dep.dependents, n)
		}
	}

	order, err := p.topoSort()
	if err != nil {
		return nil, err
	}
	p.order = order

	return p, nil
}

// topoSort returns nodes dependencies-first, or an error naming a cycle
func (p *Plan) topoSort() ([]*node, error) {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS path
		black = 2 // done
	)

	color := make(map[*node]int, len(p.nodes))
	order := make([]*node, 0, len(p.nodes))

	var visit func(n *node) error
	visit = func(n *node) error {
		switch color[n] {
		case gray:
			return fmt.Errorf("plan: dependency cycle through service %q", n.spec.Name)
		case black:
			return nil
		}
		color[n] = gray
		for _, dep := range n.deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[n] = black
		order = append(order, n)
		return nil
	}

	// Deterministic iteration keeps error messages and start order stable
	for _, n := range p.sortedNodes() {
		if err := visit(n); err != nil {
			return nil, err
		}
	}

	return order, nil
}

// sortedNodes returns nodes in lexical name order
func (p *Plan) sortedNodes() []*node {
	names := make([]string, 0, len(p.nodes))
	for name := range p.nodes {
		names = append(names, name)
	}
	// insertion sort; the graph is a handful of services
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j] < names[j-1]; j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
	nodes := make([]*node, len(names))
	for i, name := range names {
		nodes[i] = p.nodes[name]
	}
	return nodes
}

// Services returns the service names in topological order
func (p *Plan) Services() []string {
	names := make([]string, len(p.order))
	for i, n := range p.order {
		names[i] = n.spec.Name
	}
	return names
}

// Spec returns the ServiceSpec for a service
func (p *Plan) Spec(name string) (types.ServiceSpec, bool) {
	n, ok := p.nodes[name]
	if !ok {
		return types.ServiceSpec{}, false
	}
	return n.spec, true
}

// State returns the current state of a plan node
func (p *Plan) State(name string) (types.NodeState, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n, ok := p.nodes[name]
	if !ok {
		return "", false
	}
	return n.state, true
}

// States returns a snapshot of all node states
func (p *Plan) States() map[string]types.NodeState {
	p.mu.RLock()
	defer p.mu.RUnlock()

	states := make(map[string]types.NodeState, len(p.nodes))
	for name, n := range p.nodes {
		states[name] = n.state
	}
	return states
}

// setState transitions a node, closing its signal channels as needed
func (p *Plan) setState(n *node, state types.NodeState) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n.state == state {
		return
	}
	n.state = state

	switch state {
	case types.NodeStateReady:
		select {
		case <-n.ready:
		default:
			close(n.ready)
		}
	case types.NodeStateFailed:
		select {
		case <-n.failed:
		default:
			close(n.failed)
		}
	}
}

// resetForRetry rearms Failed and Pending nodes for a new start pass.
// Ready nodes keep their closed ready channel so dependents pass through
// without re-starting them.
func (p *Plan) resetForRetry() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, n := range p.nodes {
		switch n.state {
		case types.NodeStateFailed, types.NodeStatePending, types.NodeStateStarting:
			n.state = types.NodeStatePending
			n.ready = make(chan struct{})
			n.failed = make(chan struct{})
		}
	}
}

// cascadeFailures marks every non-Ready node downstream of a Failed node
// as Failed, without starting it
func (p *Plan) cascadeFailures() {
	p.mu.Lock()
	defer p.mu.Unlock()

	var mark func(n *node)
	mark = func(n *node) {
		for _, dependent := range n.dependents {
			if dependent.state == types.NodeStateReady ||
				dependent.state == types.NodeStateFailed {
				continue
			}
			dependent.state = types.NodeStateFailed
			select {
			case <-dependent.failed:
			default:
				close(dependent.failed)
			}
			mark(dependent)
		}
	}

	for _, n := range p.nodes {
		if n.state == types.NodeStateFailed {
			mark(n)
		}
	}
}

// allReady reports whether every node is Ready
func (p *Plan) allReady() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, n := range p.nodes {
		if n.state != types.NodeStateReady {
			return false
		}
	}
	return true
}
