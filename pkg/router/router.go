// Package router discovers coordinator instances through the state store,
// health-checks them through the circuit breaker, routes client requests
// to healthy backends, and drives the scaling predictor.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"k8s.io/klog/v2"

	"github.com/htafolla/strray-coordinator/pkg/breaker"
	"github.com/htafolla/strray-coordinator/pkg/config"
	"github.com/htafolla/strray-coordinator/pkg/scaling"
	"github.com/htafolla/strray-coordinator/pkg/store"
)

const (
	instanceKeyPrefix = "instance:"
	joinKey           = "instances:join"
	leaveKey          = "instances:leave"
)

// EventType classifies router events.
type EventType string

const (
	EventInstanceUnhealthy EventType = "instanceUnhealthy"
	EventInstanceHealthy   EventType = "instanceHealthy"
	EventScaleUp           EventType = "scaleUp"
	EventScaleDown         EventType = "scaleDown"
)

// Event is emitted for health transitions and scaling recommendations.
// Provisioning in response to scale events belongs to an external
// orchestration system, not this process.
type Event struct {
	Type       EventType
	InstanceID string
	Detail     string
	Timestamp  time.Time
}

// EventFunc receives router events synchronously.
type EventFunc func(Event)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_proxy_requests_total",
		Help: "Requests proxied, by backend instance.",
	}, []string{"backend"})
	proxyFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_proxy_failures_total",
		Help: "Proxy failures surfaced to clients, by backend instance.",
	}, []string{"backend"})
)

// Router is the load balancer.
type Router struct {
	store     *store.Store
	breakers  *breaker.Registry
	predictor *scaling.Predictor
	cfg       config.RouterConfig
	clock     clock.Clock
	client    *http.Client
	picker    Picker
	table     *table

	onEvent EventFunc

	// Aggregates for the scaling loop, reset every tick.
	requests int64
	failures int64

	mu       sync.Mutex
	respEWMA time.Duration

	unwatch []func()
}

// New creates a Router. The router owns references to the store, breakers,
// and predictor; none of them reference the router back.
func New(st *store.Store, br *breaker.Registry, pred *scaling.Predictor, cfg config.RouterConfig, c clock.Clock) (*Router, error) {
	if c == nil {
		c = clock.New()
	}

	var picker Picker
	switch cfg.Algorithm {
	case config.AlgorithmRoundRobin, config.AlgorithmSessionAffinity:
		// Session affinity falls back to round-robin for unpinned or
		// orphaned requests.
		picker = NewRoundRobin()
	case config.AlgorithmLeastConnections:
		picker = NewLeastConnections()
	case config.AlgorithmWeighted:
		picker = NewWeightedRoundRobin()
	default:
		return nil, fmt.Errorf("unknown routing algorithm: %s", cfg.Algorithm)
	}

	return &Router{
		store:     st,
		breakers:  br,
		predictor: pred,
		cfg:       cfg,
		clock:     c,
		client:    &http.Client{},
		picker:    picker,
		table:     newTable(),
	}, nil
}

// OnEvent registers the event sink. Must be called before Start.
func (r *Router) OnEvent(fn EventFunc) { r.onEvent = fn }

// Start seeds the backend table from the store, begins watching join/leave
// notifications, and launches the health-check and auto-scaling loop.
func (r *Router) Start(ctx context.Context) error {
	if err := r.seed(ctx); err != nil {
		return err
	}

	r.unwatch = append(r.unwatch,
		r.store.Watch(joinKey, func(n store.Notification) {
			var reg Registration
			if err := json.Unmarshal(n.Value, &reg); err != nil {
				klog.V(2).InfoS("Dropping malformed join notification", "error", err)
				return
			}
			r.Register(reg)
		}),
		r.store.Watch(leaveKey, func(n store.Notification) {
			var reg Registration
			if err := json.Unmarshal(n.Value, &reg); err != nil {
				klog.V(2).InfoS("Dropping malformed leave notification", "error", err)
				return
			}
			r.Deregister(reg.ID)
		}),
	)

	go r.run(ctx)
	return nil
}

// Stop removes the store watches.
func (r *Router) Stop() {
	for _, fn := range r.unwatch {
		fn()
	}
	r.unwatch = nil
}

// Register adds or refreshes a backend.
func (r *Router) Register(reg Registration) {
	r.table.upsert(reg)
	klog.InfoS("Backend registered", "instance", reg.ID, "addr", fmt.Sprintf("%s:%d", reg.Host, reg.Port))
}

// Deregister removes a backend.
func (r *Router) Deregister(id string) {
	if r.table.remove(id) {
		klog.InfoS("Backend removed", "instance", id)
	}
}

// Backends returns a snapshot of all known backends.
func (r *Router) Backends() []*Instance { return r.table.all() }

// HealthySnapshot returns the currently routable backends.
func (r *Router) HealthySnapshot() []*Instance { return r.table.healthy() }

// Load reports current proxy load for heartbeat records: the fraction of
// healthy capacity in use and the number of in-flight sessions.
func (r *Router) Load() (loadFactor float64, activeSessions int) {
	healthy := r.table.healthy()
	var conns int64
	for _, inst := range healthy {
		conns += inst.Connections()
	}
	if len(healthy) > 0 {
		// 100 concurrent proxied requests per backend is the nominal
		// full-load point.
		loadFactor = float64(conns) / float64(len(healthy)*100)
		if loadFactor > 1 {
			loadFactor = 1
		}
	}
	return loadFactor, int(conns)
}

// seed populates the table from heartbeat records present at startup.
func (r *Router) seed(ctx context.Context) error {
	active, err := r.store.ActiveInstances(ctx)
	if err != nil {
		return fmt.Errorf("failed to discover instances: %w", err)
	}

	for _, hb := range active {
		var reg Registration
		if err := r.store.GetJSON(ctx, instanceKeyPrefix+hb.InstanceID, &reg); err != nil {
			klog.V(2).InfoS("Active instance has no registration record", "instance", hb.InstanceID)
			continue
		}
		r.table.upsert(reg)
	}

	klog.InfoS("Seeded backend table", "backends", len(r.table.all()))
	return nil
}

// run drives health checks and the auto-scaling loop on one shared ticker.
func (r *Router) run(ctx context.Context) {
	ticker := r.clock.Ticker(r.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CheckHealth(ctx)
			r.stepScaling(ctx)
		}
	}
}

// CheckHealth probes every known backend once through its breaker.
func (r *Router) CheckHealth(ctx context.Context) {
	for _, inst := range r.table.all() {
		inst := inst
		started := r.clock.Now()

		res := r.breakers.Execute(ctx, "health-check-"+inst.ID, func(ctx context.Context) (interface{}, error) {
			probeCtx, cancel := context.WithTimeout(ctx, r.cfg.HealthCheckTimeout)
			defer cancel()

			req, err := http.NewRequestWithContext(probeCtx, http.MethodGet,
				fmt.Sprintf("http://%s/status", inst.Addr()), nil)
			if err != nil {
				return nil, err
			}
			resp, err := r.client.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()
			io.Copy(io.Discard, resp.Body)

			if resp.StatusCode != http.StatusOK {
				return nil, fmt.Errorf("status probe returned %d", resp.StatusCode)
			}
			return nil, nil
		})

		becameHealthy, changed := r.table.recordProbe(inst.ID, res.Success, r.clock.Since(started))
		if !changed {
			continue
		}
		if becameHealthy {
			klog.InfoS("Backend recovered", "instance", inst.ID)
			r.emit(Event{Type: EventInstanceHealthy, InstanceID: inst.ID, Timestamp: r.clock.Now()})
		} else {
			klog.InfoS("Backend marked unhealthy", "instance", inst.ID)
			r.emit(Event{Type: EventInstanceUnhealthy, InstanceID: inst.ID, Timestamp: r.clock.Now()})
		}
	}
}

// stepScaling aggregates the interval's load, feeds the predictor, and
// emits scale events when it recommends a change.
func (r *Router) stepScaling(ctx context.Context) {
	requests := atomic.SwapInt64(&r.requests, 0)
	failures := atomic.SwapInt64(&r.failures, 0)

	interval := r.cfg.HealthCheckInterval.Seconds()
	var errorRate float64
	if requests > 0 {
		errorRate = float64(failures) / float64(requests)
	}

	var cpu float64
	active, err := r.store.ActiveInstances(ctx)
	if err == nil && len(active) > 0 {
		for _, hb := range active {
			cpu += hb.LoadFactor
		}
		cpu /= float64(len(active))
	}

	healthy := r.table.healthy()
	var conns int64
	for _, inst := range healthy {
		conns += inst.Connections()
	}

	r.mu.Lock()
	resp := r.respEWMA
	r.mu.Unlock()

	r.predictor.AddSample(scaling.Sample{
		Timestamp:         r.clock.Now(),
		CPUUtilization:    cpu,
		RequestRate:       float64(requests) / interval,
		ResponseTime:      resp,
		ActiveConnections: int(conns),
		ErrorRate:         errorRate,
	})

	if len(healthy) == 0 {
		return
	}

	pred := r.predictor.Predict(len(healthy))
	switch pred.Action {
	case scaling.ScaleUp:
		r.emit(Event{Type: EventScaleUp, Detail: pred.Reason, Timestamp: r.clock.Now()})
	case scaling.ScaleDown:
		r.emit(Event{Type: EventScaleDown, Detail: pred.Reason, Timestamp: r.clock.Now()})
	}
}

// ServeHTTP routes one client request to a backend and relays the
// response. Failures surface as 502 without retrying another backend.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	inst := r.selectBackend(req)
	if inst == nil {
		r.writeError(w, http.StatusServiceUnavailable, "no healthy backends")
		return
	}

	atomic.AddInt64(&r.requests, 1)
	inst.acquire()
	defer inst.release()

	started := r.clock.Now()
	res := r.breakers.Execute(req.Context(), "proxy-"+inst.ID, func(ctx context.Context) (interface{}, error) {
		return r.forward(ctx, inst, req)
	})

	requestsTotal.WithLabelValues(inst.ID).Inc()

	if r.cfg.Algorithm == config.AlgorithmSessionAffinity {
		http.SetCookie(w, &http.Cookie{
			Name:     r.cfg.AffinityCookie,
			Value:    inst.ID,
			Path:     "/",
			HttpOnly: true,
		})
	}

	if !res.Success {
		atomic.AddInt64(&r.failures, 1)
		proxyFailures.WithLabelValues(inst.ID).Inc()
		klog.V(2).InfoS("Proxy failure", "instance", inst.ID, "error", res.Err)
		r.writeError(w, http.StatusBadGateway, "upstream request failed")
		return
	}

	r.observeResponseTime(r.clock.Since(started))

	resp := res.Data.(*proxiedResponse)
	for k, vals := range resp.header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.status)
	w.Write(resp.body)
}

// selectBackend applies session affinity when configured, falling back to
// the picker when the pinned backend is gone or unhealthy.
func (r *Router) selectBackend(req *http.Request) *Instance {
	healthy := r.table.healthy()
	if len(healthy) == 0 {
		return nil
	}

	if r.cfg.Algorithm == config.AlgorithmSessionAffinity {
		if c, err := req.Cookie(r.cfg.AffinityCookie); err == nil {
			if inst, ok := r.table.get(c.Value); ok {
				for _, h := range healthy {
					if h == inst {
						return inst
					}
				}
			}
			klog.V(2).InfoS("Affinity target unavailable, re-pinning", "instance", c.Value)
		}
	}

	return r.picker.Pick(healthy)
}

type proxiedResponse struct {
	status int
	header http.Header
	body   []byte
}

// maxProxyBody caps how much of a request or upstream response body the
// proxy will buffer. Anything larger fails the call instead of growing
// the heap without bound.
const maxProxyBody = 10 << 20

// hop-by-hop headers are stripped before forwarding.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// forward sends the request to inst and buffers the full response so the
// breaker can account for it as one call.
func (r *Router) forward(ctx context.Context, inst *Instance, req *http.Request) (*proxiedResponse, error) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxProxyBody+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if len(body) > maxProxyBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxProxyBody)
	}

	url := fmt.Sprintf("http://%s%s", inst.Addr(), req.URL.RequestURI())
	out, err := http.NewRequestWithContext(ctx, req.Method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	for k, vals := range req.Header {
		out.Header[k] = vals
	}
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}

	clientIP := req.RemoteAddr
	if host, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		clientIP = host
	}
	if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
		out.Header.Set("X-Forwarded-For", strings.Join([]string{prior, clientIP}, ", "))
	} else {
		out.Header.Set("X-Forwarded-For", clientIP)
	}
	proto := "http"
	if req.TLS != nil {
		proto = "https"
	}
	out.Header.Set("X-Forwarded-Proto", proto)
	out.Header.Set("X-Real-IP", clientIP)

	resp, err := r.client.Do(out)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxProxyBody+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}
	if len(respBody) > maxProxyBody {
		return nil, fmt.Errorf("upstream response exceeds %d bytes", maxProxyBody)
	}

	return &proxiedResponse{
		status: resp.StatusCode,
		header: resp.Header.Clone(),
		body:   respBody,
	}, nil
}

func (r *Router) observeResponseTime(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.respEWMA == 0 {
		r.respEWMA = d
		return
	}
	// 0.2 smoothing keeps the signal responsive without chasing noise.
	r.respEWMA = time.Duration(0.8*float64(r.respEWMA) + 0.2*float64(d))
}

func (r *Router) emit(e Event) {
	if r.onEvent != nil {
		r.onEvent(e)
	}
}

func (r *Router) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":     msg,
		"timestamp": r.clock.Now().UnixMilli(),
	})
}
