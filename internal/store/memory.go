package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

type entry struct {
	value      string
	expiration time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiration.IsZero() && !now.Before(e.expiration)
}

// MemoryStore implements Store in process. Expired entries are removed
// lazily on access and by a periodic sweep.
type MemoryStore struct {
	mu      sync.Mutex
	data    map[string]*entry
	now     func() time.Time
	cleanup *time.Ticker
	done    chan struct{}
	closed  bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithCleanupInterval(time.Minute)
}

// NewMemoryStoreWithCleanupInterval creates a new in-memory store with a
// custom sweep interval.
func NewMemoryStoreWithCleanupInterval(interval time.Duration) *MemoryStore {
	s := &MemoryStore{
		data:    make(map[string]*entry),
		now:     time.Now,
		cleanup: time.NewTicker(interval),
		done:    make(chan struct{}),
	}

	go s.startCleanup()

	return s
}

// lookup returns the live entry for key. Callers hold s.mu.
func (s *MemoryStore) lookup(key string) (*entry, bool) {
	e, ok := s.data[key]
	if !ok {
		return nil, false
	}
	if e.expired(s.now()) {
		delete(s.data, key)
		return nil, false
	}
	return e, true
}

func (s *MemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return e.value, nil
}

// Set implements Store.
func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = &entry{value: value, expiration: s.deadline(ttl)}
	return nil
}

// SetNX implements Store.
func (s *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lookup(key); ok {
		return false, nil
	}
	s.data[key] = &entry{value: value, expiration: s.deadline(ttl)}
	return true, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		delete(s.data, k)
	}
	return nil
}

// IncrementWithExpiry implements Store.
func (s *MemoryStore) IncrementWithExpiry(
	ctx context.Context,
	key string,
	delta int64,
	ttl time.Duration,
) (int64, time.Duration, error) {
	return s.increment(ctx, key, delta, func(e *entry) {
		if e.expiration.IsZero() {
			e.expiration = s.deadline(ttl)
		}
	})
}

// IncrementExpireAt implements Store.
func (s *MemoryStore) IncrementExpireAt(ctx context.Context, key string, delta int64, at time.Time) (int64, error) {
	n, _, err := s.increment(ctx, key, delta, func(e *entry) {
		if e.expiration.IsZero() {
			e.expiration = at
		}
	})
	return n, err
}

// increment returns the new value and the remaining lifetime, zero for
// keys without expiry.
func (s *MemoryStore) increment(
	ctx context.Context,
	key string,
	delta int64,
	expire func(e *entry),
) (int64, time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	var current int64
	if ok {
		n, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("value at %s is not an integer: %w", key, err)
		}
		current = n
	} else {
		e = &entry{}
		s.data[key] = e
	}

	current += delta
	e.value = strconv.FormatInt(current, 10)
	expire(e)

	var remaining time.Duration
	if !e.expiration.IsZero() {
		remaining = e.expiration.Sub(s.now())
	}
	return current, remaining, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close implements Store.
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

func (s *MemoryStore) startCleanup() {
	for {
		select {
		case <-s.cleanup.C:
			s.cleanupExpired()
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) cleanupExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, e := range s.data {
		if e.expired(now) {
			delete(s.data, k)
		}
	}
}

// Size returns the number of entries in the store, expired or not.
func (s *MemoryStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}
