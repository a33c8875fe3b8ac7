package router

import (
	"sync/atomic"
	"testing"
)

func instances(ids ...string) []*Instance {
	out := make([]*Instance, 0, len(ids))
	for _, id := range ids {
		out = append(out, &Instance{ID: id, Weight: 1, healthy: true})
	}
	return out
}

func TestRoundRobinCycles(t *testing.T) {
	p := NewRoundRobin()
	backends := instances("a", "b", "c")

	counts := make(map[string]int)
	for i := 0; i < 9; i++ {
		inst := p.Pick(backends)
		if inst == nil {
			t.Fatal("Pick returned nil with healthy backends")
		}
		counts[inst.ID]++
	}

	for _, id := range []string{"a", "b", "c"} {
		if counts[id] != 3 {
			t.Errorf("Backend %s picked %d times, want 3", id, counts[id])
		}
	}
}

func TestRoundRobinEmpty(t *testing.T) {
	p := NewRoundRobin()
	if p.Pick(nil) != nil {
		t.Error("Expected nil pick on empty set")
	}
}

func TestRoundRobinAdaptsToShrinkingSet(t *testing.T) {
	p := NewRoundRobin()
	p.Pick(instances("a", "b", "c"))
	p.Pick(instances("a", "b", "c"))

	// One backend left: every pick lands on it.
	for i := 0; i < 3; i++ {
		inst := p.Pick(instances("only"))
		if inst == nil || inst.ID != "only" {
			t.Fatalf("Expected only remaining backend, got %v", inst)
		}
	}
}

func TestLeastConnections(t *testing.T) {
	p := NewLeastConnections()
	backends := instances("a", "b", "c")
	atomic.StoreInt64(&backends[0].connections, 5)
	atomic.StoreInt64(&backends[1].connections, 2)
	atomic.StoreInt64(&backends[2].connections, 8)

	inst := p.Pick(backends)
	if inst == nil || inst.ID != "b" {
		t.Errorf("Expected least-loaded backend b, got %v", inst)
	}
}

func TestLeastConnectionsTiebreak(t *testing.T) {
	p := NewLeastConnections()
	backends := instances("c", "a", "b")

	inst := p.Pick(backends)
	if inst == nil || inst.ID != "a" {
		t.Errorf("Expected lowest id on tie, got %v", inst)
	}
}

func TestWeightedRoundRobinDistribution(t *testing.T) {
	p := NewWeightedRoundRobin()
	backends := instances("a", "b")
	backends[0].Weight = 3
	backends[1].Weight = 1

	counts := make(map[string]int)
	var sequence []string
	for i := 0; i < 8; i++ {
		inst := p.Pick(backends)
		counts[inst.ID]++
		sequence = append(sequence, inst.ID)
	}

	if counts["a"] != 6 || counts["b"] != 2 {
		t.Errorf("Expected 6/2 split for weights 3/1, got %d/%d", counts["a"], counts["b"])
	}

	// Smooth weighting interleaves instead of bursting: the weight-1
	// backend never waits a full double cycle.
	for i := 0; i+3 < len(sequence); i++ {
		if sequence[i] == "b" && sequence[i+1] == "b" {
			t.Errorf("Weight-1 backend picked twice in a row at %d: %v", i, sequence)
		}
	}
}

func TestWeightedRoundRobinEqualWeights(t *testing.T) {
	p := NewWeightedRoundRobin()
	backends := instances("a", "b", "c")

	counts := make(map[string]int)
	for i := 0; i < 9; i++ {
		counts[p.Pick(backends).ID]++
	}
	for _, id := range []string{"a", "b", "c"} {
		if counts[id] != 3 {
			t.Errorf("Backend %s picked %d times, want 3", id, counts[id])
		}
	}
}
