package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// maxCASRetries is the maximum number of CAS retry attempts to prevent
// infinite spinning under high contention.
const maxCASRetries = 100

// entry represents a stored value with expiration.
type entry struct {
	value      string
	expiration time.Time
}

// expired reports whether the entry has passed its expiration.
func (e *entry) expired(now time.Time) bool {
	return !e.expiration.IsZero() && now.After(e.expiration)
}

// MemoryStore implements Store using in-memory storage. It is intended for
// tests and single-process hosts; state is not shared across instances.
type MemoryStore struct {
	data    sync.Map
	cleanup *time.Ticker
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithCleanupInterval(time.Minute)
}

// NewMemoryStoreWithCleanupInterval creates a new in-memory store with
// custom cleanup interval.
func NewMemoryStoreWithCleanupInterval(interval time.Duration) *MemoryStore {
	s := &MemoryStore{
		cleanup: time.NewTicker(interval),
		done:    make(chan struct{}),
	}

	go s.startCleanup()

	return s
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	value, ok := s.data.Load(key)
	if !ok {
		return "", &ErrKeyNotFound{Key: key}
	}

	e := value.(*entry)
	if e.expired(time.Now()) {
		s.data.Delete(key)
		return "", &ErrKeyNotFound{Key: key}
	}

	return e.value, nil
}

// Put implements Store.
func (s *MemoryStore) Put(ctx context.Context, key string, value string, expiration time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var exp time.Time
	if expiration > 0 {
		exp = time.Now().Add(expiration)
	}

	s.data.Store(key, &entry{
		value:      value,
		expiration: exp,
	})

	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.data.Delete(key)
	return nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := time.Now()
	var keys []string
	s.data.Range(func(key, value interface{}) bool {
		k := key.(string)
		if !strings.HasPrefix(k, prefix) {
			return true
		}
		if value.(*entry).expired(now) {
			return true
		}
		keys = append(keys, k)
		return true
	})

	return keys, nil
}

// IncrementWithExpiry implements Incrementer using a CAS loop.
func (s *MemoryStore) IncrementWithExpiry(
	ctx context.Context,
	key string,
	delta int64,
	expiration time.Duration,
) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var exp time.Time
	if expiration > 0 {
		exp = time.Now().Add(expiration)
	}

	for retries := 0; retries < maxCASRetries; retries++ {
		value, ok := s.data.Load(key)
		if !ok {
			newEntry := &entry{
				value:      strconv.FormatInt(delta, 10),
				expiration: exp,
			}
			if actual, loaded := s.data.LoadOrStore(key, newEntry); loaded {
				// Another goroutine created it, fall through to CAS path
				value = actual
			} else {
				return delta, nil
			}
		}

		e := value.(*entry)

		// Expired counters restart the window with a fresh expiration
		if e.expired(time.Now()) {
			newEntry := &entry{
				value:      strconv.FormatInt(delta, 10),
				expiration: exp,
			}
			if s.data.CompareAndSwap(key, e, newEntry) {
				return delta, nil
			}
			continue
		}

		current, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("value at %s is not a counter: %w", key, err)
		}

		// Keep the original expiration; only creation starts the window
		newEntry := &entry{
			value:      strconv.FormatInt(current+delta, 10),
			expiration: e.expiration,
		}

		if s.data.CompareAndSwap(key, e, newEntry) {
			return current + delta, nil
		}
		// CAS failed, retry
	}

	return 0, fmt.Errorf("increment failed: max retries (%d) exceeded", maxCASRetries)
}

// Close implements Store. Close is idempotent.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.cleanup.Stop()
	close(s.done)

	return nil
}

// startCleanup periodically removes expired entries.
func (s *MemoryStore) startCleanup() {
	for {
		select {
		case <-s.done:
			return
		case <-s.cleanup.C:
			s.removeExpired()
		}
	}
}

// removeExpired removes all expired entries from the store.
func (s *MemoryStore) removeExpired() {
	now := time.Now()
	s.data.Range(func(key, value interface{}) bool {
		if value.(*entry).expired(now) {
			s.data.Delete(key)
		}
		return true
	})
}
