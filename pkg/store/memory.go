package store

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// MemoryBackend implements Backend in process memory. Several Store
// instances can share one MemoryBackend, which makes a whole cluster
// runnable inside a single test without Redis or wall-clock sleeps.
type MemoryBackend struct {
	clock clock.Clock

	mu   sync.Mutex
	data map[string]memoryEntry
	subs map[string][]*memorySub
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

type memorySub struct {
	channel string
	ch      chan []byte
	closed  bool
}

// NewMemoryBackend creates an empty backend using the given clock for
// expiry decisions.
func NewMemoryBackend(c clock.Clock) *MemoryBackend {
	if c == nil {
		c = clock.New()
	}
	return &MemoryBackend{
		clock: c,
		data:  make(map[string]memoryEntry),
		subs:  make(map[string][]*memorySub),
	}
}

func (b *MemoryBackend) entry(value []byte, ttl time.Duration) memoryEntry {
	v := make([]byte, len(value))
	copy(v, value)
	e := memoryEntry{value: v}
	if ttl > 0 {
		e.expiresAt = b.clock.Now().Add(ttl)
	}
	return e
}

// expired reports whether e is past its expiry. Callers hold b.mu.
func (b *MemoryBackend) expired(e memoryEntry) bool {
	return !e.expiresAt.IsZero() && !b.clock.Now().Before(e.expiresAt)
}

func (b *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.data[key]
	if !ok || b.expired(e) {
		delete(b.data, key)
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (b *MemoryBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data[key] = b.entry(value, ttl)
	return nil
}

func (b *MemoryBackend) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.data[key]; ok && !b.expired(e) {
		return false, nil
	}
	b.data[key] = b.entry(value, ttl)
	return true, nil
}

func (b *MemoryBackend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.data, key)
	return nil
}

func (b *MemoryBackend) DeleteIfEquals(ctx context.Context, key string, expected []byte) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.data[key]
	if !ok || b.expired(e) || !bytes.Equal(e.value, expected) {
		return false, nil
	}
	delete(b.data, key)
	return true, nil
}

func (b *MemoryBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var keys []string
	for k, e := range b.data {
		if b.expired(e) {
			continue
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (b *MemoryBackend) Publish(ctx context.Context, channel string, payload []byte) error {
	msg := make([]byte, len(payload))
	copy(msg, payload)

	// Best-effort fan-out. A subscriber that stopped draining loses
	// messages rather than blocking the publisher, matching Redis pub/sub.
	// Sends happen under the lock: stop() also closes channels under it,
	// so a send can never race a close.
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs[channel] {
		if s.closed {
			continue
		}
		select {
		case s.ch <- msg:
		default:
		}
	}
	return nil
}

func (b *MemoryBackend) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := &memorySub{
		channel: channel,
		ch:      make(chan []byte, 64),
	}

	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], sub)
	b.mu.Unlock()

	stop := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub.closed {
			return
		}
		sub.closed = true
		close(sub.ch)

		live := b.subs[channel][:0]
		for _, s := range b.subs[channel] {
			if s != sub {
				live = append(live, s)
			}
		}
		b.subs[channel] = live
	}

	return sub.ch, stop, nil
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for channel, subs := range b.subs {
		for _, s := range subs {
			if !s.closed {
				s.closed = true
				close(s.ch)
			}
		}
		delete(b.subs, channel)
	}
	return nil
}
