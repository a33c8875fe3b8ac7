package router

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Registration is the record an instance publishes so routers can find it.
type Registration struct {
	ID     string `json:"id"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Weight int    `json:"weight"`
}

// Instance is the router's view of one backend. ID, Host, Port and
// Weight never change after construction; request goroutines read them
// without the table lock.
type Instance struct {
	ID     string
	Host   string
	Port   int
	Weight int

	// connections is touched from request goroutines, the rest is
	// guarded by the owning table's lock.
	connections  int64
	healthy      bool
	failureCount int
	responseTime time.Duration
}

// Addr returns the host:port the instance serves on.
func (i *Instance) Addr() string {
	return fmt.Sprintf("%s:%d", i.Host, i.Port)
}

// Connections returns the number of requests currently proxied to the
// instance.
func (i *Instance) Connections() int64 {
	return atomic.LoadInt64(&i.connections)
}

func (i *Instance) acquire() { atomic.AddInt64(&i.connections, 1) }
func (i *Instance) release() { atomic.AddInt64(&i.connections, -1) }

// table tracks known backends.
type table struct {
	mu        sync.RWMutex
	instances map[string]*Instance
}

func newTable() *table {
	return &table{instances: make(map[string]*Instance)}
}

// upsert adds or refreshes a backend from its registration. New backends
// start healthy and are probed on the next health-check tick. Because
// the address fields are immutable, a registration that changes them
// replaces the record, carrying over health state and the in-flight
// connection count.
func (t *table) upsert(reg Registration) *Instance {
	t.mu.Lock()
	defer t.mu.Unlock()

	weight := reg.Weight
	if weight < 1 {
		weight = 1
	}

	prev, ok := t.instances[reg.ID]
	if ok && prev.Host == reg.Host && prev.Port == reg.Port && prev.Weight == weight {
		return prev
	}

	inst := &Instance{
		ID:      reg.ID,
		Host:    reg.Host,
		Port:    reg.Port,
		Weight:  weight,
		healthy: true,
	}
	if ok {
		inst.healthy = prev.healthy
		inst.failureCount = prev.failureCount
		inst.responseTime = prev.responseTime
		inst.connections = atomic.LoadInt64(&prev.connections)
	}
	t.instances[reg.ID] = inst
	return inst
}

func (t *table) remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.instances[id]
	delete(t.instances, id)
	return ok
}

func (t *table) get(id string) (*Instance, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	inst, ok := t.instances[id]
	return inst, ok
}

// healthy returns the currently routable subset.
func (t *table) healthy() []*Instance {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Instance, 0, len(t.instances))
	for _, inst := range t.instances {
		if inst.healthy {
			out = append(out, inst)
		}
	}
	return out
}

func (t *table) all() []*Instance {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Instance, 0, len(t.instances))
	for _, inst := range t.instances {
		out = append(out, inst)
	}
	return out
}

// recordprobe folds a health-check outcome into the instance and reports
// whether its healthy flag flipped. Three consecutive failures mark it
// unhealthy; a single success clears the count.
func (t *table) recordProbe(id string, ok bool, rtt time.Duration) (flippedTo bool, changed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	inst, found := t.instances[id]
	if !found {
		return false, false
	}

	if ok {
		inst.failureCount = 0
		inst.responseTime = rtt
		if !inst.healthy {
			inst.healthy = true
			return true, true
		}
		return false, false
	}

	inst.failureCount++
	if inst.healthy && inst.failureCount >= 3 {
		inst.healthy = false
		return false, true
	}
	return false, false
}
