package orchestrator

import (
	"strings"
	"testing"

	"github.com/kinorez/stagehand/pkg/types"
)

func spec(name string, deps ...string) types.ServiceSpec {
	return types.ServiceSpec{Name: name, DependsOn: deps}
}

func TestNewPlan_TopologicalOrder(t *testing.T) {
	plan, err := NewPlan([]types.ServiceSpec{
		spec("bot-worker", "postgres", "redis", "api-gateway"),
		spec("ingress", "api-gateway"),
		spec("api-gateway"),
		spec("postgres"),
		spec("redis"),
	})
	if err != nil {
		t.Fatal(err)
	}

	order := plan.Services()
	if len(order) != 5 {
		t.Fatalf("expected 5 services, got %d", len(order))
	}

	pos := make(map[string]int, len(order))
	for i, name := range order {
		pos[name] = i
	}

	for _, check := range [][2]string{
		{"postgres", "bot-worker"},
		{"redis", "bot-worker"},
		{"api-gateway", "bot-worker"},
		{"api-gateway", "ingress"},
	} {
		if pos[check[0]] >= pos[check[1]] {
			t.Errorf("%s must come before %s in %v", check[0], check[1], order)
		}
	}
}

func TestNewPlan_RejectsCycle(t *testing.T) {
	_, err := NewPlan([]types.ServiceSpec{
		spec("a", "b"),
		spec("b", "c"),
		spec("c", "a"),
	})
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Errorf("error should name the cycle: %v", err)
	}
}

func TestNewPlan_RejectsSelfDependency(t *testing.T) {
	if _, err := NewPlan([]types.ServiceSpec{spec("a", "a")}); err == nil {
		t.Fatal("expected error for self dependency")
	}
}

func TestNewPlan_RejectsUnknownDependency(t *testing.T) {
	_, err := NewPlan([]types.ServiceSpec{spec("ingress", "ghost")})
	if err == nil {
		t.Fatal("expected error for unknown dependency")
	}
	if !strings.Contains(err.Error(), "ghost") {
		t.Errorf("error should name the missing service: %v", err)
	}
}

func TestNewPlan_RejectsDuplicates(t *testing.T) {
	if _, err := NewPlan([]types.ServiceSpec{spec("a"), spec("a")}); err == nil {
		t.Fatal("expected error for duplicate service")
	}
}

func TestNewPlan_RejectsEmptyName(t *testing.T) {
	if _, err := NewPlan([]types.ServiceSpec{spec("")}); err == nil {
		t.Fatal("expected error for empty name")
	}
}

func TestPlan_CascadeFailures(t *testing.T) {
	plan, err := NewPlan([]types.ServiceSpec{
		spec("postgres"),
		spec("api-gateway"),
		spec("bot-worker", "postgres", "api-gateway"),
		spec("ingress", "api-gateway"),
	})
	if err != nil {
		t.Fatal(err)
	}

	plan.setState(plan.nodes["api-gateway"], types.NodeStateFailed)
	plan.cascadeFailures()

	for name, want := range map[string]types.NodeState{
		"postgres":    types.NodeStatePending,
		"api-gateway": types.NodeStateFailed,
		"bot-worker":  types.NodeStateFailed,
		"ingress":     types.NodeStateFailed,
	} {
		if got, _ := plan.State(name); got != want {
			t.Errorf("%s: expected %s, got %s", name, want, got)
		}
	}
}

func TestPlan_ResetForRetryKeepsReady(t *testing.T) {
	plan, err := NewPlan([]types.ServiceSpec{
		spec("postgres"),
		spec("bot-worker", "postgres"),
	})
	if err != nil {
		t.Fatal(err)
	}

	plan.setState(plan.nodes["postgres"], types.NodeStateReady)
	plan.setState(plan.nodes["bot-worker"], types.NodeStateFailed)
	plan.resetForRetry()

	if got, _ := plan.State("postgres"); got != types.NodeStateReady {
		t.Errorf("ready node must survive reset, got %s", got)
	}
	if got, _ := plan.State("bot-worker"); got != types.NodeStatePending {
		t.Errorf("failed node must rearm to pending, got %s", got)
	}

	// The kept ready channel must still be closed so dependents pass through
	select {
	case <-plan.nodes["postgres"].ready:
	default:
		t.Error("ready channel of a ready node must stay closed")
	}
}
