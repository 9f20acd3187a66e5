package pairing

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCodeNotFound is returned by Store.Get for codes that are absent or expired.
var ErrCodeNotFound = errors.New("pairing: code not found")

// Store is the code index: it maps a live pairing code to the stable handle of
// the pending session that owns it. Sessions themselves, and the sockets they
// reference, always stay in the process that accepted the connection.
type Store interface {
	// Put maps code to handle for ttl if the code is free. It reports false
	// when another handle already holds the code.
	Put(ctx context.Context, code, handle string, ttl time.Duration) (bool, error)

	// Get returns the handle holding code, or ErrCodeNotFound.
	Get(ctx context.Context, code string) (string, error)

	// Delete removes code only if it is still held by handle.
	Delete(ctx context.Context, code, handle string) error

	// Expire resets the time to live of code.
	Expire(ctx context.Context, code string, ttl time.Duration) error
}

type memoryEntry struct {
	handle    string
	expiresAt time.Time
}

// MemoryStore is an in-process Store. Expired entries are treated as absent
// and dropped lazily.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	timeNow func() time.Time
}

// NewMemoryStore creates an empty MemoryStore. timeNow may be nil.
func NewMemoryStore(timeNow func() time.Time) *MemoryStore {
	if timeNow == nil {
		timeNow = time.Now
	}
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		timeNow: timeNow,
	}
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, code, handle string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.timeNow()
	if e, ok := s.entries[code]; ok && now.Before(e.expiresAt) {
		return false, nil
	}
	s.entries[code] = memoryEntry{handle: handle, expiresAt: now.Add(ttl)}
	return true, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, code string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[code]
	if !ok {
		return "", ErrCodeNotFound
	}
	if !s.timeNow().Before(e.expiresAt) {
		delete(s.entries, code)
		return "", ErrCodeNotFound
	}
	return e.handle, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, code, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[code]; ok && e.handle == handle {
		delete(s.entries, code)
	}
	return nil
}

// Expire implements Store.
func (s *MemoryStore) Expire(_ context.Context, code string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[code]
	if !ok {
		return ErrCodeNotFound
	}
	e.expiresAt = s.timeNow().Add(ttl)
	s.entries[code] = e
	return nil
}

// Len returns the number of entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
