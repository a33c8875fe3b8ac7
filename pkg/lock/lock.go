// Package lock provides time-bounded, token-authenticated mutual exclusion
// over named resources, built on the state store's backend primitives.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/htafolla/strray-coordinator/pkg/store"
)

const keyPrefix = "lock:"

// Lock is a held lease on a resource. Only the holder of the token can
// release it before natural expiry.
type Lock struct {
	Resource  string
	Token     string
	ExpiresAt time.Time
}

// Manager grants and releases locks. Locks self-expire at their TTL; there
// is no auto-renewal, holders needing longer exclusivity must re-acquire
// before expiry.
type Manager struct {
	backend store.Backend
	clock   clock.Clock
}

// NewManager creates a lock manager over the given backend.
func NewManager(backend store.Backend, c clock.Clock) *Manager {
	if c == nil {
		c = clock.New()
	}
	return &Manager{backend: backend, clock: c}
}

// Acquire attempts to take the lock for resource. Contention is a normal
// outcome, reported as ok=false with a nil error; errors are backend
// failures only.
func (m *Manager) Acquire(ctx context.Context, resource string, ttl time.Duration) (*Lock, bool, error) {
	if ttl <= 0 {
		return nil, false, fmt.Errorf("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := m.backend.SetNX(ctx, keyPrefix+resource, []byte(token), ttl)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", resource, err)
	}
	if !ok {
		return nil, false, nil
	}

	klog.V(2).InfoS("Acquired lock", "resource", resource, "ttl", ttl)
	return &Lock{
		Resource:  resource,
		Token:     token,
		ExpiresAt: m.clock.Now().Add(ttl),
	}, true, nil
}

// Release removes the lock only if it still carries l's token
// (compare-and-delete). Returns false when the lock expired and was
// re-acquired by someone else, or was never held.
func (m *Manager) Release(ctx context.Context, l *Lock) (bool, error) {
	if l == nil {
		return false, fmt.Errorf("nil lock")
	}

	removed, err := m.backend.DeleteIfEquals(ctx, keyPrefix+l.Resource, []byte(l.Token))
	if err != nil {
		return false, fmt.Errorf("failed to release lock %s: %w", l.Resource, err)
	}
	if !removed {
		klog.V(2).InfoS("Release skipped, token no longer holds lock", "resource", l.Resource)
	}
	return removed, nil
}

// Held reports whether any token currently holds the lock for resource.
func (m *Manager) Held(ctx context.Context, resource string) (bool, error) {
	_, err := m.backend.Get(ctx, keyPrefix+resource)
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to inspect lock %s: %w", resource, err)
	}
	return true, nil
}
