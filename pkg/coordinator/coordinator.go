// Package coordinator wires the state store, circuit breakers, locks,
// leader election, and router into one running instance.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/htafolla/strray-coordinator/pkg/auth"
	"github.com/htafolla/strray-coordinator/pkg/breaker"
	"github.com/htafolla/strray-coordinator/pkg/config"
	"github.com/htafolla/strray-coordinator/pkg/election"
	"github.com/htafolla/strray-coordinator/pkg/lock"
	"github.com/htafolla/strray-coordinator/pkg/router"
	"github.com/htafolla/strray-coordinator/pkg/scaling"
	"github.com/htafolla/strray-coordinator/pkg/store"
)

const (
	coordinatorKey = "coordinator:current"
	sessionPrefix  = "session:"
	handoffLock    = "coordinator-handoff"
	scalingChannel = "events:scaling"
)

// coordinatorRecord marks which instance currently acts as cluster
// coordinator.
type coordinatorRecord struct {
	InstanceID string `json:"instanceId"`
	Since      int64  `json:"since"`
}

// LocalState is the authenticated state this instance exposes to peers.
type LocalState struct {
	InstanceID string `json:"instanceId"`
	Status     string `json:"status"`
	IsLeader   bool   `json:"isLeader"`
	Leader     string `json:"leader,omitempty"`
	Backends   int    `json:"backends"`
	Timestamp  int64  `json:"timestamp"`
}

// Coordinator owns one instance's coordination components and loops.
type Coordinator struct {
	cfg      *config.Config
	store    *store.Store
	breakers *breaker.Registry
	locks    *lock.Manager
	election election.Strategy
	router   *router.Router
	authn    *auth.Authenticator
	clock    clock.Clock

	apiServer   *http.Server
	proxyServer *http.Server

	mu sync.Mutex
	// handoffDone records whether this leadership stint has completed the
	// coordinator handoff; a deferred or failed handoff is retried every
	// sync tick until it lands.
	handoffDone bool
}

// New assembles a coordinator instance over the given backend. Ownership
// runs one way: the coordinator owns the router, the router owns the store
// and predictor, and nothing references back up the chain.
func New(cfg *config.Config, backend store.Backend, c clock.Clock) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if c == nil {
		c = clock.New()
	}

	st, err := store.New(backend, store.Options{
		InstanceID:        cfg.InstanceID,
		DefaultTTL:        cfg.Store.DefaultTTL,
		HeartbeatInterval: cfg.Store.HeartbeatInterval,
		FailoverTimeout:   cfg.Store.FailoverTimeout,
		Consistency:       cfg.Store.Consistency,
		Clock:             c,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create state store: %w", err)
	}

	breakers := breaker.NewRegistry(cfg.Breaker, c)
	predictor := scaling.NewPredictor(cfg.Scaling, c)

	rt, err := router.New(st, breakers, predictor, cfg.Router, c)
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}
	st.SetLoadSampler(rt.Load)

	co := &Coordinator{
		cfg:      cfg,
		store:    st,
		breakers: breakers,
		locks:    lock.NewManager(backend, c),
		election: election.NewTermStrategy(st, breakers, cfg.Election, c),
		router:   rt,
		authn:    auth.New(cfg.SharedSecret, cfg.InstanceID),
		clock:    c,
	}
	rt.OnEvent(co.handleRouterEvent)
	co.setupServers()

	return co, nil
}

// Store exposes the state store for callers embedding the coordinator.
func (co *Coordinator) Store() *store.Store { return co.store }

// Locks exposes the distributed lock manager.
func (co *Coordinator) Locks() *lock.Manager { return co.locks }

// Router exposes the load balancer.
func (co *Coordinator) Router() *router.Router { return co.router }

// IsLeader reports whether this instance currently believes it leads.
func (co *Coordinator) IsLeader() bool { return co.election.IsLeader() }

// Run starts every loop and blocks until ctx is cancelled.
func (co *Coordinator) Run(ctx context.Context) error {
	klog.InfoS("Starting coordinator",
		"instance", co.cfg.InstanceID,
		"algorithm", co.cfg.Router.Algorithm,
		"election", co.election.Name())

	if err := co.store.Start(ctx); err != nil {
		return fmt.Errorf("failed to start state store: %w", err)
	}
	if err := co.announce(ctx); err != nil {
		return fmt.Errorf("failed to announce instance: %w", err)
	}

	// The first heartbeat must land before the election can count us
	// toward quorum.
	if err := co.store.Heartbeat(ctx); err != nil {
		return fmt.Errorf("initial heartbeat failed: %w", err)
	}

	go co.store.RunHeartbeat(ctx)

	if err := co.election.Start(ctx); err != nil {
		return fmt.Errorf("failed to start election: %w", err)
	}
	if err := co.router.Start(ctx); err != nil {
		return fmt.Errorf("failed to start router: %w", err)
	}

	go func() {
		klog.InfoS("API server listening", "addr", co.cfg.APIListen)
		if err := co.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.ErrorS(err, "API server error")
		}
	}()
	go func() {
		klog.InfoS("Proxy listening", "addr", co.cfg.Router.ProxyListen)
		if err := co.proxyServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.ErrorS(err, "Proxy server error")
		}
	}()

	ticker := co.clock.Ticker(co.cfg.Store.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			klog.Info("Context cancelled, shutting down")
			return co.shutdown()
		case <-ticker.C:
			co.sync(ctx)
		}
	}
}

// sync refreshes this instance's registration and reacts to leadership
// transitions.
func (co *Coordinator) sync(ctx context.Context) {
	if err := co.refreshRegistration(ctx); err != nil {
		klog.ErrorS(err, "Failed to refresh registration")
	}

	if !co.election.IsLeader() {
		co.mu.Lock()
		co.handoffDone = false
		co.mu.Unlock()
		return
	}

	co.mu.Lock()
	done := co.handoffDone
	co.mu.Unlock()
	if done {
		return
	}

	claimed, err := co.takeOver(ctx)
	if err != nil {
		klog.ErrorS(err, "Coordinator handoff failed, will retry")
		return
	}
	if claimed {
		co.mu.Lock()
		co.handoffDone = true
		co.mu.Unlock()
	}
}

// announce publishes this instance's registration and a join notification
// so running routers pick it up without a rescan.
func (co *Coordinator) announce(ctx context.Context) error {
	reg := router.Registration{
		ID:     co.cfg.InstanceID,
		Host:   co.cfg.Host,
		Port:   co.cfg.Port,
		Weight: co.cfg.Weight,
	}

	if err := co.refreshRegistration(ctx); err != nil {
		return err
	}
	if _, err := co.store.Set(ctx, "instances:join", reg, store.SetOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to publish join notification: %w", err)
	}
	co.router.Register(reg)
	return nil
}

func (co *Coordinator) refreshRegistration(ctx context.Context) error {
	reg := router.Registration{
		ID:     co.cfg.InstanceID,
		Host:   co.cfg.Host,
		Port:   co.cfg.Port,
		Weight: co.cfg.Weight,
	}
	ok, err := co.store.Set(ctx, "instance:"+co.cfg.InstanceID, reg, store.SetOptions{
		TTL:   2 * co.cfg.Store.FailoverTimeout,
		Force: true,
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("registration write rejected")
	}
	return nil
}

// takeOver runs the coordinator handoff migration after winning an
// election: claim the coordinator record and adopt sessions orphaned by
// instances that are no longer active. Every step has a mirrored rollback.
// Reports false without error when another instance holds the handoff
// lock, in which case the caller retries on a later tick.
func (co *Coordinator) takeOver(ctx context.Context) (bool, error) {
	held, ok, err := co.locks.Acquire(ctx, handoffLock, 30*time.Second)
	if err != nil {
		return false, fmt.Errorf("failed to acquire handoff lock: %w", err)
	}
	if !ok {
		klog.Info("Handoff already in progress elsewhere, will retry")
		return false, nil
	}
	defer func() {
		if _, rerr := co.locks.Release(ctx, held); rerr != nil {
			klog.ErrorS(rerr, "Failed to release handoff lock")
		}
	}()

	var previous *coordinatorRecord
	var adopted map[string]store.Entry

	m := &Migration{
		Name: "coordinator-handoff",
		Steps: []Step{
			{
				Name: "claim-coordinator",
				Apply: func(ctx context.Context) error {
					var prev coordinatorRecord
					if err := co.store.GetJSON(ctx, coordinatorKey, &prev); err == nil {
						previous = &prev
					} else if err != store.ErrNotFound {
						return err
					}
					_, err := co.store.Set(ctx, coordinatorKey, coordinatorRecord{
						InstanceID: co.cfg.InstanceID,
						Since:      co.clock.Now().UnixMilli(),
					}, store.SetOptions{Force: true})
					return err
				},
				Rollback: func(ctx context.Context) error {
					if previous == nil {
						return co.store.Delete(ctx, coordinatorKey)
					}
					_, err := co.store.Set(ctx, coordinatorKey, *previous, store.SetOptions{Force: true})
					return err
				},
			},
			{
				Name: "adopt-orphaned-sessions",
				Apply: func(ctx context.Context) error {
					var err error
					adopted, err = co.adoptOrphanedSessions(ctx)
					return err
				},
				Rollback: func(ctx context.Context) error {
					return co.restoreSessions(ctx, adopted)
				},
			},
			{
				Name: "announce-coordinator",
				Apply: func(ctx context.Context) error {
					return co.store.PublishEvent(ctx, "events:coordinator", coordinatorRecord{
						InstanceID: co.cfg.InstanceID,
						Since:      co.clock.Now().UnixMilli(),
					})
				},
				Rollback: nil,
			},
		},
	}

	if err := m.Run(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// adoptOrphanedSessions rewrites session records owned by inactive
// instances so their writer becomes this coordinator. Returns the prior
// entries keyed by session key, for rollback.
func (co *Coordinator) adoptOrphanedSessions(ctx context.Context) (map[string]store.Entry, error) {
	active, err := co.store.ActiveInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active instances: %w", err)
	}
	alive := make(map[string]bool, len(active))
	for _, hb := range active {
		alive[hb.InstanceID] = true
	}

	keys, err := co.store.Backend().Keys(ctx, sessionPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	adopted := make(map[string]store.Entry)
	for _, key := range keys {
		entry, err := co.store.Get(ctx, key)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return adopted, err
		}
		if alive[entry.InstanceID] {
			continue
		}

		ok, err := co.store.Set(ctx, key, json.RawMessage(entry.Value), store.SetOptions{Force: true})
		if err != nil {
			return adopted, fmt.Errorf("failed to adopt session %s: %w", key, err)
		}
		if ok {
			adopted[key] = *entry
			klog.V(2).InfoS("Adopted orphaned session", "key", key, "previousOwner", entry.InstanceID)
		}
	}

	if len(adopted) > 0 {
		klog.InfoS("Adopted orphaned sessions", "count", len(adopted))
	}
	return adopted, nil
}

// restoreSessions is the rollback mirror of adoptOrphanedSessions.
func (co *Coordinator) restoreSessions(ctx context.Context, adopted map[string]store.Entry) error {
	var firstErr error
	for key, entry := range adopted {
		data, err := json.Marshal(entry)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := co.store.Backend().Set(ctx, key, data, 0); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// handleRouterEvent logs health transitions and forwards scaling events to
// the external orchestration channel.
func (co *Coordinator) handleRouterEvent(e router.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	switch e.Type {
	case router.EventScaleUp, router.EventScaleDown:
		if err := co.store.PublishEvent(ctx, scalingChannel, map[string]interface{}{
			"action":    string(e.Type),
			"reason":    e.Detail,
			"timestamp": e.Timestamp.UnixMilli(),
		}); err != nil {
			klog.ErrorS(err, "Failed to publish scaling event", "action", e.Type)
		}
	case router.EventInstanceUnhealthy:
		klog.InfoS("Instance unhealthy", "instance", e.InstanceID)
	case router.EventInstanceHealthy:
		klog.InfoS("Instance recovered", "instance", e.InstanceID)
	}
}

func (co *Coordinator) setupServers() {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", co.handleStatus)
	mux.HandleFunc("/state", co.authn.Middleware(co.handleState))
	mux.HandleFunc("/cluster", co.authn.Middleware(co.handleCluster))
	mux.Handle("/metrics", promhttp.Handler())

	co.apiServer = &http.Server{Addr: co.cfg.APIListen, Handler: mux}
	co.proxyServer = &http.Server{Addr: co.cfg.Router.ProxyListen, Handler: co.router}
}

// handleStatus is the well-known liveness probe peers' routers poll.
func (co *Coordinator) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (co *Coordinator) handleState(w http.ResponseWriter, r *http.Request) {
	leaderID, _ := co.election.Leader()
	st := LocalState{
		InstanceID: co.cfg.InstanceID,
		Status:     store.StatusHealthy,
		IsLeader:   co.election.IsLeader(),
		Leader:     leaderID,
		Backends:   len(co.router.Backends()),
		Timestamp:  co.clock.Now().UnixMilli(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}

func (co *Coordinator) handleCluster(w http.ResponseWriter, r *http.Request) {
	active, err := co.store.ActiveInstances(r.Context())
	if err != nil {
		klog.ErrorS(err, "Failed to list active instances")
		http.Error(w, "failed to read cluster state", http.StatusInternalServerError)
		return
	}
	leaderID, _ := co.election.Leader()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"leader":    leaderID,
		"instances": active,
	})
}

// shutdown publishes a leave notification, then stops components in
// dependency order.
func (co *Coordinator) shutdown() error {
	klog.Info("Shutting down coordinator")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reg := router.Registration{ID: co.cfg.InstanceID}
	if _, err := co.store.Set(ctx, "instances:leave", reg, store.SetOptions{Force: true}); err != nil {
		klog.ErrorS(err, "Failed to publish leave notification")
	}
	if err := co.store.Backend().Delete(ctx, "instance:"+co.cfg.InstanceID); err != nil {
		klog.ErrorS(err, "Failed to remove registration")
	}

	if err := co.election.Stop(); err != nil {
		klog.ErrorS(err, "Failed to stop election strategy")
	}
	co.router.Stop()

	if err := co.apiServer.Shutdown(ctx); err != nil {
		klog.ErrorS(err, "Failed to shut down API server")
	}
	if err := co.proxyServer.Shutdown(ctx); err != nil {
		klog.ErrorS(err, "Failed to shut down proxy server")
	}

	co.store.Close()
	return nil
}
