package store

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/htafolla/strray-coordinator/pkg/config"
)

const (
	heartbeatPrefix = "heartbeat:"
	eventsChannel   = "events:state"
)

// Instance status values carried in heartbeat records.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusFailed    = "failed"
)

// Entry is the versioned wire format for a stored value.
type Entry struct {
	Value      json.RawMessage `json:"value"`
	Version    int64           `json:"version"`
	Timestamp  int64           `json:"timestamp"` // epoch ms
	InstanceID string          `json:"instanceId"`
}

// Notification is broadcast to all instances on every write or delete.
type Notification struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"` // "set" or "delete"
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value,omitempty"`
	Timestamp  int64           `json:"timestamp"`
	InstanceID string          `json:"instanceId"`
	Version    int64           `json:"version"`
}

// InstanceHealth is the heartbeat record an instance publishes about itself.
type InstanceHealth struct {
	InstanceID     string  `json:"instanceId"`
	LastHeartbeat  int64   `json:"lastHeartbeat"` // epoch ms
	Status         string  `json:"status"`
	LoadFactor     float64 `json:"loadFactor"`
	ActiveSessions int     `json:"activeSessions"`
	MemoryUsage    uint64  `json:"memoryUsage"`
}

// Conflict describes a write whose intended version does not exceed the
// currently stored version.
type Conflict struct {
	Key    string
	Local  Entry
	Remote Entry
}

// ConflictResolver decides which entry survives a conflict. Returning the
// remote entry rejects the local write.
type ConflictResolver interface {
	Resolve(c Conflict) Entry
}

// ResolverFunc adapts a function to ConflictResolver.
type ResolverFunc func(c Conflict) Entry

func (f ResolverFunc) Resolve(c Conflict) Entry { return f(c) }

// LastWriterWins is the default resolver: the higher version survives. In a
// conflict the remote version is always >= the local intended version, so
// the local write is rejected rather than forced.
var LastWriterWins ConflictResolver = ResolverFunc(func(c Conflict) Entry {
	if c.Local.Version > c.Remote.Version {
		return c.Local
	}
	return c.Remote
})

// SetOptions control a single write.
type SetOptions struct {
	// TTL for the entry; zero uses the store default.
	TTL time.Duration
	// Force skips conflict detection and overwrites unconditionally.
	Force bool
}

// WatchFunc observes change notifications for one key.
type WatchFunc func(n Notification)

// LoadSampler reports current load for heartbeat records. Wired by the
// router so heartbeats carry real measurements.
type LoadSampler func() (loadFactor float64, activeSessions int)

// Options configure a Store.
type Options struct {
	InstanceID        string
	DefaultTTL        time.Duration
	HeartbeatInterval time.Duration
	FailoverTimeout   time.Duration
	Consistency       config.ConsistencyLevel
	Resolver          ConflictResolver
	Clock             clock.Clock
}

type cacheEntry struct {
	entry     Entry
	fetchedAt time.Time
	ttl       time.Duration
}

// Store is the replicated state store: versioned reads and writes against
// the backend, a local cache, per-key watches fed by change notifications,
// and heartbeat bookkeeping for the whole cluster.
type Store struct {
	backend  Backend
	id       string
	ttl      time.Duration
	hbEvery  time.Duration
	failover time.Duration
	strong   bool
	resolver ConflictResolver
	clock    clock.Clock

	mu       sync.Mutex
	cache    map[string]cacheEntry
	versions map[string]int64
	watchers map[string]map[int64]WatchFunc
	nextID   int64
	sampler  LoadSampler

	stopEvents func()
	done       chan struct{}
}

// New creates a Store. Call Start before using Watch so remote
// notifications are delivered.
func New(backend Backend, opts Options) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if opts.InstanceID == "" {
		return nil, fmt.Errorf("instance id is required")
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 60 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.FailoverTimeout <= 0 {
		opts.FailoverTimeout = 30 * time.Second
	}
	if opts.Resolver == nil {
		opts.Resolver = LastWriterWins
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	return &Store{
		backend:  backend,
		id:       opts.InstanceID,
		ttl:      opts.DefaultTTL,
		hbEvery:  opts.HeartbeatInterval,
		failover: opts.FailoverTimeout,
		strong:   opts.Consistency != config.ConsistencyEventual,
		resolver: opts.Resolver,
		clock:    opts.Clock,
		cache:    make(map[string]cacheEntry),
		versions: make(map[string]int64),
		watchers: make(map[string]map[int64]WatchFunc),
	}, nil
}

// InstanceID returns the id this store writes under.
func (s *Store) InstanceID() string { return s.id }

// HeartbeatInterval returns the configured heartbeat period.
func (s *Store) HeartbeatInterval() time.Duration { return s.hbEvery }

// FailoverTimeout returns the staleness bound for heartbeat records.
func (s *Store) FailoverTimeout() time.Duration { return s.failover }

// Start subscribes to remote change notifications. It must be called once
// before Watch callbacks can observe remote writes.
func (s *Store) Start(ctx context.Context) error {
	msgs, stop, err := s.backend.Subscribe(ctx, eventsChannel)
	if err != nil {
		return fmt.Errorf("failed to subscribe to change notifications: %w", err)
	}
	s.stopEvents = stop
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		for payload := range msgs {
			var n Notification
			if err := json.Unmarshal(payload, &n); err != nil {
				klog.V(2).InfoS("Dropping malformed notification", "error", err)
				continue
			}
			if n.InstanceID == s.id {
				continue
			}
			s.absorb(n)
			s.dispatch(n)
		}
	}()

	return nil
}

// Close stops notification delivery. The backend is left open; it may be
// shared with other components.
func (s *Store) Close() {
	if s.stopEvents != nil {
		s.stopEvents()
		<-s.done
		s.stopEvents = nil
	}
}

// Set writes a new version of key. It returns false when the write was
// rejected by conflict resolution, and a non-nil error only for backend
// failures. Callers branch on the bool rather than the error for normal
// control flow.
func (s *Store) Set(ctx context.Context, key string, value interface{}, opts SetOptions) (bool, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("failed to encode value for %s: %w", key, err)
	}

	s.mu.Lock()
	intended := s.versions[key] + 1
	s.mu.Unlock()

	now := s.clock.Now().UnixMilli()
	entry := Entry{
		Value:      raw,
		Version:    intended,
		Timestamp:  now,
		InstanceID: s.id,
	}

	if s.strong && !opts.Force {
		remote, err := s.fetch(ctx, key)
		switch {
		case err == nil && remote.Version >= intended:
			winner := s.resolver.Resolve(Conflict{Key: key, Local: entry, Remote: *remote})
			if winner.InstanceID != s.id || winner.Version != entry.Version {
				// Remote entry survives: reject the local write and keep
				// the resolved value cached.
				s.remember(key, *remote, opts.TTL)
				klog.V(2).InfoS("Write rejected by conflict resolution",
					"key", key, "intended", intended, "stored", remote.Version)
				return false, nil
			}
			entry.Version = remote.Version + 1
		case err != nil && err != ErrNotFound:
			return false, fmt.Errorf("conflict check for %s: %w", key, err)
		}
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = s.ttl
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("failed to encode entry for %s: %w", key, err)
	}
	if err := s.backend.Set(ctx, key, data, ttl); err != nil {
		return false, err
	}

	s.remember(key, entry, ttl)

	n := Notification{
		ID:         uuid.NewString(),
		Type:       "set",
		Key:        key,
		Value:      raw,
		Timestamp:  now,
		InstanceID: s.id,
		Version:    entry.Version,
	}
	s.broadcast(ctx, n)
	s.dispatch(n)

	return true, nil
}

// Get returns the highest-version entry this instance has observed for key.
// A cached value is served while it is within half its TTL; otherwise the
// backend is consulted and the cache refreshed. Returns ErrNotFound when
// the key is absent everywhere.
func (s *Store) Get(ctx context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	if ce, ok := s.cache[key]; ok && s.clock.Since(ce.fetchedAt) < ce.ttl/2 {
		entry := ce.entry
		s.mu.Unlock()
		return &entry, nil
	}
	s.mu.Unlock()

	entry, err := s.fetch(ctx, key)
	if err == ErrNotFound {
		s.forget(key)
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	s.remember(key, *entry, 0)
	return entry, nil
}

// GetJSON reads key and decodes its value into v.
func (s *Store) GetJSON(ctx context.Context, key string, v interface{}) error {
	entry, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(entry.Value, v); err != nil {
		return fmt.Errorf("failed to decode value for %s: %w", key, err)
	}
	return nil
}

// Delete removes key everywhere and notifies other instances.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.backend.Delete(ctx, key); err != nil {
		return err
	}
	s.forget(key)

	n := Notification{
		ID:         uuid.NewString(),
		Type:       "delete",
		Key:        key,
		Timestamp:  s.clock.Now().UnixMilli(),
		InstanceID: s.id,
	}
	s.broadcast(ctx, n)
	s.dispatch(n)
	return nil
}

// Watch registers fn for change notifications on key and returns an
// unsubscribe func. Multiple observers per key are supported; a panicking
// callback never interrupts delivery to the others.
func (s *Store) Watch(key string, fn WatchFunc) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watchers[key] == nil {
		s.watchers[key] = make(map[int64]WatchFunc)
	}
	id := s.nextID
	s.nextID++
	s.watchers[key][id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers[key], id)
		if len(s.watchers[key]) == 0 {
			delete(s.watchers, key)
		}
	}
}

// PublishEvent broadcasts an arbitrary JSON message on a named channel.
// Election messaging rides on this rather than importing the backend
// directly.
func (s *Store) PublishEvent(ctx context.Context, channel string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return s.backend.Publish(ctx, channel, data)
}

// SubscribeEvents delivers raw messages from a named channel.
func (s *Store) SubscribeEvents(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	return s.backend.Subscribe(ctx, channel)
}

// Backend exposes the raw backend for components layered on the store,
// such as the lock manager.
func (s *Store) Backend() Backend { return s.backend }

// SetLoadSampler wires genuine load measurements into heartbeat records.
func (s *Store) SetLoadSampler(fn LoadSampler) {
	s.mu.Lock()
	s.sampler = fn
	s.mu.Unlock()
}

// Heartbeat publishes this instance's health record. The record's TTL is
// twice the failover timeout: staleness is judged against LastHeartbeat,
// not backend expiry, so a silent instance stays visible until the
// failover timeout and is then evicted by the cleanup scan. The TTL only
// reclaims records of instances that died outright.
func (s *Store) Heartbeat(ctx context.Context) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	s.mu.Lock()
	sampler := s.sampler
	s.mu.Unlock()

	var loadFactor float64
	var sessions int
	if sampler != nil {
		loadFactor, sessions = sampler()
	}

	hb := InstanceHealth{
		InstanceID:     s.id,
		LastHeartbeat:  s.clock.Now().UnixMilli(),
		Status:         StatusHealthy,
		LoadFactor:     loadFactor,
		ActiveSessions: sessions,
		MemoryUsage:    mem.Alloc,
	}

	data, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("failed to encode heartbeat: %w", err)
	}
	if err := s.backend.Set(ctx, heartbeatPrefix+s.id, data, 2*s.failover); err != nil {
		return fmt.Errorf("failed to publish heartbeat: %w", err)
	}
	return nil
}

// CleanupStale removes heartbeat records older than the failover timeout
// and returns how many were evicted.
func (s *Store) CleanupStale(ctx context.Context) (int, error) {
	keys, err := s.backend.Keys(ctx, heartbeatPrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list heartbeats: %w", err)
	}

	cutoff := s.clock.Now().Add(-s.failover).UnixMilli()
	removed := 0
	for _, key := range keys {
		data, err := s.backend.Get(ctx, key)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			klog.V(2).InfoS("Failed to read heartbeat during cleanup", "key", key, "error", err)
			continue
		}

		var hb InstanceHealth
		if err := json.Unmarshal(data, &hb); err != nil || hb.LastHeartbeat < cutoff {
			if derr := s.backend.Delete(ctx, key); derr != nil {
				klog.ErrorS(derr, "Failed to evict stale heartbeat", "key", key)
				continue
			}
			removed++
			klog.InfoS("Evicted stale instance", "instance", strings.TrimPrefix(key, heartbeatPrefix))
		}
	}
	return removed, nil
}

// ActiveInstances returns heartbeat records not older than the failover
// timeout.
func (s *Store) ActiveInstances(ctx context.Context) ([]InstanceHealth, error) {
	keys, err := s.backend.Keys(ctx, heartbeatPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list heartbeats: %w", err)
	}

	cutoff := s.clock.Now().Add(-s.failover).UnixMilli()
	var out []InstanceHealth
	for _, key := range keys {
		data, err := s.backend.Get(ctx, key)
		if err != nil {
			continue
		}
		var hb InstanceHealth
		if err := json.Unmarshal(data, &hb); err != nil {
			klog.V(2).InfoS("Skipping malformed heartbeat", "key", key, "error", err)
			continue
		}
		if hb.LastHeartbeat >= cutoff {
			out = append(out, hb)
		}
	}
	return out, nil
}

// RunHeartbeat publishes heartbeats and scans for stale peers until ctx is
// cancelled. A failed cycle is logged and skipped, never fatal.
func (s *Store) RunHeartbeat(ctx context.Context) {
	ticker := s.clock.Ticker(s.hbEvery)
	defer ticker.Stop()

	if err := s.Heartbeat(ctx); err != nil {
		klog.ErrorS(err, "Initial heartbeat failed")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Heartbeat(ctx); err != nil {
				klog.ErrorS(err, "Skipping heartbeat cycle")
				continue
			}
			if _, err := s.CleanupStale(ctx); err != nil {
				klog.ErrorS(err, "Stale heartbeat cleanup failed")
			}
		}
	}
}

// fetch reads and decodes an entry straight from the backend.
func (s *Store) fetch(ctx context.Context, key string) (*Entry, error) {
	data, err := s.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode entry for %s: %w", key, err)
	}
	return &entry, nil
}

// remember caches an entry and advances the highest observed version.
func (s *Store) remember(key string, entry Entry, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.ttl
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache[key] = cacheEntry{entry: entry, fetchedAt: s.clock.Now(), ttl: ttl}
	if entry.Version > s.versions[key] {
		s.versions[key] = entry.Version
	}
}

func (s *Store) forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, key)
	delete(s.versions, key)
}

// absorb folds a remote notification into the local cache so reads observe
// the highest version seen cluster-wide.
func (s *Store) absorb(n Notification) {
	switch n.Type {
	case "set":
		s.mu.Lock()
		known := s.versions[n.Key]
		s.mu.Unlock()
		if n.Version <= known {
			return
		}
		s.remember(n.Key, Entry{
			Value:      n.Value,
			Version:    n.Version,
			Timestamp:  n.Timestamp,
			InstanceID: n.InstanceID,
		}, 0)
	case "delete":
		s.forget(n.Key)
	}
}

// dispatch invokes every watcher registered for the notification's key.
func (s *Store) dispatch(n Notification) {
	s.mu.Lock()
	fns := make([]WatchFunc, 0, len(s.watchers[n.Key]))
	for _, fn := range s.watchers[n.Key] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					klog.ErrorS(fmt.Errorf("%v", r), "Watch callback panicked", "key", n.Key)
				}
			}()
			fn(n)
		}()
	}
}

// broadcast publishes a change notification; delivery failure is logged
// rather than failing the write that already committed.
func (s *Store) broadcast(ctx context.Context, n Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		klog.ErrorS(err, "Failed to encode change notification", "key", n.Key)
		return
	}
	if err := s.backend.Publish(ctx, eventsChannel, data); err != nil {
		klog.ErrorS(err, "Failed to broadcast change notification", "key", n.Key)
	}
}
