package router

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Picker selects one backend from the currently healthy subset. Pickers
// must tolerate the subset changing between calls.
type Picker interface {
	Pick(healthy []*Instance) *Instance
	Name() string
}

// roundRobin cycles an index over the healthy set.
type roundRobin struct {
	next uint64
}

// NewRoundRobin returns the cyclic picker.
func NewRoundRobin() Picker { return &roundRobin{} }

func (p *roundRobin) Name() string { return "round-robin" }

func (p *roundRobin) Pick(healthy []*Instance) *Instance {
	if len(healthy) == 0 {
		return nil
	}
	// Sort for a stable cycle; the healthy slice arrives in map order.
	sort.Slice(healthy, func(i, j int) bool { return healthy[i].ID < healthy[j].ID })
	n := atomic.AddUint64(&p.next, 1) - 1
	return healthy[n%uint64(len(healthy))]
}

// leastConnections picks the backend with the fewest active proxied
// connections.
type leastConnections struct{}

// NewLeastConnections returns the least-connections picker.
func NewLeastConnections() Picker { return leastConnections{} }

func (leastConnections) Name() string { return "least-connections" }

func (leastConnections) Pick(healthy []*Instance) *Instance {
	var best *Instance
	for _, inst := range healthy {
		if best == nil || inst.Connections() < best.Connections() ||
			(inst.Connections() == best.Connections() && inst.ID < best.ID) {
			best = inst
		}
	}
	return best
}

// weightedRoundRobin implements smooth weighted round-robin: each pick
// advances every backend's current weight by its configured weight and
// selects the highest, so a weight-3 backend gets three of every four
// picks against a weight-1 backend without bursting.
type weightedRoundRobin struct {
	mu      sync.Mutex
	current map[string]int
}

// NewWeightedRoundRobin returns the weight-proportional picker.
func NewWeightedRoundRobin() Picker {
	return &weightedRoundRobin{current: make(map[string]int)}
}

func (p *weightedRoundRobin) Name() string { return "weighted-round-robin" }

func (p *weightedRoundRobin) Pick(healthy []*Instance) *Instance {
	if len(healthy) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	total := 0
	var best *Instance
	for _, inst := range healthy {
		p.current[inst.ID] += inst.Weight
		total += inst.Weight
		if best == nil || p.current[inst.ID] > p.current[best.ID] ||
			(p.current[inst.ID] == p.current[best.ID] && inst.ID < best.ID) {
			best = inst
		}
	}
	p.current[best.ID] -= total
	return best
}
