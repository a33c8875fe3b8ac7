// Package breaker guards remote calls with per-target circuit breakers.
// Every store call, health probe, and proxied request runs through a named
// breaker so a repeatedly failing target is short-circuited instead of
// dragging the whole instance down with it.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"k8s.io/klog/v2"

	"github.com/htafolla/strray-coordinator/pkg/config"
)

// State of a single breaker.
type State int

const (
	// Closed passes calls through while counting failures.
	Closed State = iota
	// Open rejects calls without invoking the target.
	Open
	// HalfOpen allows exactly one trial call after the recovery timeout.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var tripCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "coordinator_breaker_trips_total",
	Help: "Number of times a circuit breaker opened.",
}, []string{"target"})

// Operation is a remote call wrapped by a breaker.
type Operation func(ctx context.Context) (interface{}, error)

// Result is what Execute always returns; it never panics and never loses
// the error. Callers branch on Success.
type Result struct {
	Success bool
	Data    interface{}
	Err     error
}

// Registry holds one breaker per named remote target.
type Registry struct {
	cfg   config.BreakerConfig
	clock clock.Clock

	mu       sync.Mutex
	breakers map[string]*breaker
}

type breaker struct {
	name  string
	state State
	// failures holds the timestamps of failures inside the monitoring
	// window; older entries are pruned on every observation.
	failures []time.Time
	openedAt time.Time
	trialing bool
}

// NewRegistry creates a Registry with shared settings for all targets.
func NewRegistry(cfg config.BreakerConfig, c clock.Clock) *Registry {
	if c == nil {
		c = clock.New()
	}
	return &Registry{
		cfg:      cfg,
		clock:    c,
		breakers: make(map[string]*breaker),
	}
}

// Execute runs op through the breaker for target, enforcing the call
// timeout. An open breaker rejects immediately without invoking op.
func (r *Registry) Execute(ctx context.Context, target string, op Operation) Result {
	if !r.allow(target) {
		return Result{Err: fmt.Errorf("circuit breaker open for %s", target)}
	}

	callCtx, cancel := r.clock.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	type outcome struct {
		data interface{}
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		data, err := op(callCtx)
		done <- outcome{data, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			r.observe(target, false)
			return Result{Err: o.err}
		}
		r.observe(target, true)
		return Result{Success: true, Data: o.data}
	case <-callCtx.Done():
		// A timed-out call counts as a failure even if it eventually
		// completes; its result is discarded.
		r.observe(target, false)
		return Result{Err: fmt.Errorf("call to %s timed out after %v: %w",
			target, r.cfg.CallTimeout, callCtx.Err())}
	}
}

// State reports the current state of the breaker for target.
func (r *Registry) State(target string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[target]
	if !ok {
		return Closed
	}
	r.refresh(b)
	return b.state
}

// allow decides whether a call to target may proceed, claiming the single
// half-open trial slot when applicable.
func (r *Registry) allow(target string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[target]
	if !ok {
		b = &breaker{name: target}
		r.breakers[target] = b
	}
	r.refresh(b)

	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		if b.trialing {
			return false
		}
		b.trialing = true
		return true
	default:
		return false
	}
}

// refresh moves an open breaker to half-open once the recovery timeout has
// elapsed. Caller holds r.mu.
func (r *Registry) refresh(b *breaker) {
	if b.state == Open && r.clock.Since(b.openedAt) >= r.cfg.RecoveryTimeout {
		b.state = HalfOpen
		b.trialing = false
		klog.V(2).InfoS("Circuit breaker half-open", "target", b.name)
	}
}

// observe records the outcome of a permitted call and drives transitions.
func (r *Registry) observe(target string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.breakers[target]
	if b == nil {
		return
	}

	if success {
		if b.state == HalfOpen {
			klog.InfoS("Circuit breaker closed after trial success", "target", target)
		}
		b.state = Closed
		b.trialing = false
		b.failures = b.failures[:0]
		return
	}

	now := r.clock.Now()

	if b.state == HalfOpen {
		// Failed trial: back to open and restart the recovery clock.
		b.state = Open
		b.trialing = false
		b.openedAt = now
		klog.InfoS("Circuit breaker re-opened after trial failure", "target", target)
		return
	}

	b.failures = append(b.failures, now)
	cutoff := now.Add(-r.cfg.MonitorWindow)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept

	if b.state == Closed && len(b.failures) >= r.cfg.FailureThreshold {
		b.state = Open
		b.openedAt = now
		tripCounter.WithLabelValues(target).Inc()
		klog.InfoS("Circuit breaker opened", "target", target,
			"failures", len(b.failures), "window", r.cfg.MonitorWindow)
	}
}
