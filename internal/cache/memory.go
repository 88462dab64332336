package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sosiouxme/throttle/internal/clock"
)

// errInjected is the cause carried by failures scheduled with FailNext.
var errInjected = errors.New("injected failure")

// MemoryCache is an in-process Cache backed by a map.
// It uses a Clock for expiry checks so throttles can be exercised with a
// VirtualClock. It can also be told to fail on demand, which is how the
// fail-open paths of a throttle are tested.
//
// Thread-safe for concurrent use.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memItem
	clock clock.Clock

	failNext    int
	failNextAdd int

	stopCh chan struct{}
	doneCh chan struct{}
}

// MemoryConfig configures the in-memory backend.
type MemoryConfig struct {
	// CleanupInterval is how often expired items are purged. Zero disables
	// the background loop.
	CleanupInterval time.Duration `json:"cleanup_interval"`
}

type memItem struct {
	value     int64
	expiresAt time.Time // zero value means no expiration
}

// NewMemoryCache creates an empty in-memory cache using the given clock.
// A nil clock means wall-clock time.
func NewMemoryCache(c clock.Clock) *MemoryCache {
	if c == nil {
		c = clock.NewRealClock()
	}
	return &MemoryCache{
		items: make(map[string]memItem),
		clock: c,
	}
}

// FailNext makes the next n operations return an error matching
// ErrUnavailable without touching the store.
func (m *MemoryCache) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext += n
}

// FailNextAdd makes the next Add report that the key already exists,
// whether or not it does. It simulates losing a creation race.
func (m *MemoryCache) FailNextAdd() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNextAdd++
}

func (m *MemoryCache) Get(_ context.Context, key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injected("get", key); err != nil {
		return 0, false, err
	}
	item, ok := m.live(key)
	return item.value, ok, nil
}

func (m *MemoryCache) GetMulti(_ context.Context, keys []string) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injected("get_multi", ""); err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(keys))
	for _, key := range keys {
		if item, ok := m.live(key); ok {
			out[key] = item.value
		}
	}
	return out, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, value int64, expireAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injected("set", key); err != nil {
		return err
	}
	m.items[key] = memItem{value: value, expiresAt: expireAt}
	return nil
}

func (m *MemoryCache) Add(_ context.Context, key string, value int64, expireAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injected("add", key); err != nil {
		return false, err
	}
	if m.failNextAdd > 0 {
		m.failNextAdd--
		return false, nil
	}
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.items[key] = memItem{value: value, expiresAt: expireAt}
	return true, nil
}

func (m *MemoryCache) Increment(_ context.Context, key string, delta int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injected("incr", key); err != nil {
		return 0, false, err
	}
	item, ok := m.live(key)
	if !ok {
		return 0, false, nil
	}
	item.value += delta
	m.items[key] = item
	return item.value, true, nil
}

// Cleanup removes all expired items. Lookups already ignore expired items;
// this only reclaims memory in long-running processes.
func (m *MemoryCache) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	for key, item := range m.items {
		if item.expired(now) {
			delete(m.items, key)
		}
	}
}

// StartCleanup runs Cleanup every interval until Close is called. Expired
// records that are never read again would otherwise stay in the map for the
// life of the process. Calling it on a cache that is already cleaning up, or
// with a non-positive interval, does nothing.
func (m *MemoryCache) StartCleanup(interval time.Duration) {
	if interval <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopCh != nil {
		return
	}
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.cleanupLoop(interval, m.stopCh, m.doneCh)
}

// Close stops the cleanup loop started by StartCleanup and waits for it to
// exit. It is safe to call more than once.
func (m *MemoryCache) Close() error {
	m.mu.Lock()
	stop, done := m.stopCh, m.doneCh
	m.stopCh, m.doneCh = nil, nil
	m.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

func (m *MemoryCache) cleanupLoop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		close(done)
	}()

	for {
		select {
		case <-ticker.C:
			m.Cleanup()
		case <-stop:
			return
		}
	}
}

// Len returns the number of items, including expired ones not yet cleaned up.
func (m *MemoryCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// live returns the item at key if it exists and has not expired, dropping it
// otherwise. Must be called with m.mu held.
func (m *MemoryCache) live(key string) (memItem, bool) {
	item, ok := m.items[key]
	if !ok {
		return memItem{}, false
	}
	if item.expired(m.clock.Now()) {
		delete(m.items, key)
		return memItem{}, false
	}
	return item, true
}

// injected consumes one scheduled failure, if any. Must be called with m.mu held.
func (m *MemoryCache) injected(op, key string) error {
	if m.failNext == 0 {
		return nil
	}
	m.failNext--
	return opError(op, key, errInjected)
}

func (i memItem) expired(now time.Time) bool {
	return !i.expiresAt.IsZero() && !now.Before(i.expiresAt)
}
