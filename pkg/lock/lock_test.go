package lock

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/htafolla/strray-coordinator/pkg/store"
)

func TestAcquireIsExclusive(t *testing.T) {
	mock := clock.NewMock()
	backend := store.NewMemoryBackend(mock)
	m := NewManager(backend, mock)
	ctx := context.Background()

	l1, ok, err := m.Acquire(ctx, "orders", 30*time.Second)
	if err != nil || !ok {
		t.Fatalf("First acquire should succeed: ok=%v err=%v", ok, err)
	}
	if l1.Token == "" {
		t.Error("Lock carries no token")
	}

	_, ok, err = m.Acquire(ctx, "orders", 30*time.Second)
	if err != nil {
		t.Fatalf("Contended acquire returned error: %v", err)
	}
	if ok {
		t.Error("Second acquire on a held lock should fail")
	}

	// A different resource is unaffected.
	_, ok, err = m.Acquire(ctx, "invoices", 30*time.Second)
	if err != nil || !ok {
		t.Errorf("Acquire on a different resource should succeed: ok=%v err=%v", ok, err)
	}
}

func TestReleaseRequiresToken(t *testing.T) {
	mock := clock.NewMock()
	backend := store.NewMemoryBackend(mock)
	m := NewManager(backend, mock)
	ctx := context.Background()

	l, ok, err := m.Acquire(ctx, "orders", 30*time.Second)
	if err != nil || !ok {
		t.Fatalf("Acquire failed: ok=%v err=%v", ok, err)
	}

	wrong := &Lock{Resource: "orders", Token: "not-the-token"}
	released, err := m.Release(ctx, wrong)
	if err != nil {
		t.Fatalf("Release returned error: %v", err)
	}
	if released {
		t.Error("Release with a foreign token must not remove the lock")
	}
	if held, _ := m.Held(ctx, "orders"); !held {
		t.Error("Lock should still be held after a rejected release")
	}

	released, err = m.Release(ctx, l)
	if err != nil || !released {
		t.Fatalf("Holder release should succeed: released=%v err=%v", released, err)
	}
	if held, _ := m.Held(ctx, "orders"); held {
		t.Error("Lock should be free after release")
	}
}

func TestLockExpires(t *testing.T) {
	mock := clock.NewMock()
	backend := store.NewMemoryBackend(mock)
	m := NewManager(backend, mock)
	ctx := context.Background()

	l, ok, err := m.Acquire(ctx, "orders", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("Acquire failed: ok=%v err=%v", ok, err)
	}

	mock.Add(11 * time.Second)

	if held, _ := m.Held(ctx, "orders"); held {
		t.Error("Lock should have expired")
	}

	// Someone else can now take it, and the stale holder's release is a
	// no-op against the new token.
	l2, ok, err := m.Acquire(ctx, "orders", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("Acquire after expiry failed: ok=%v err=%v", ok, err)
	}

	released, err := m.Release(ctx, l)
	if err != nil {
		t.Fatalf("Stale release returned error: %v", err)
	}
	if released {
		t.Error("Stale holder must not release the new holder's lock")
	}
	if released, _ := m.Release(ctx, l2); !released {
		t.Error("New holder should release its own lock")
	}
}

func TestAcquireRejectsNonPositiveTTL(t *testing.T) {
	m := NewManager(store.NewMemoryBackend(nil), nil)
	if _, _, err := m.Acquire(context.Background(), "orders", 0); err == nil {
		t.Error("Expected error for zero ttl")
	}
}
