package pairing

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/signcast/host/internal/errors"
)

// maxCodeAttempts bounds the search for a free code. With at most a few
// thousand live sessions among 900000 codes, a miss here means the store is
// misbehaving.
const maxCodeAttempts = 32

// Registry is the pending-session registry. It is not safe for concurrent use;
// the Manager serializes every call under its lock.
type Registry struct {
	store    Store
	generate func() string
	ttl      time.Duration
	timeNow  func() time.Time
	byHandle map[string]*PendingSession
}

// NewRegistry creates a registry that indexes codes in store.
func NewRegistry(store Store, generate func() string, ttl time.Duration, timeNow func() time.Time) *Registry {
	return &Registry{
		store:    store,
		generate: generate,
		ttl:      ttl,
		timeNow:  timeNow,
		byHandle: make(map[string]*PendingSession),
	}
}

// Register creates a pending session for conn with a fresh code.
func (r *Registry) Register(ctx context.Context, conn *Connection) (*PendingSession, error) {
	handle := uuid.NewString()

	code, err := r.reserve(ctx, handle)
	if err != nil {
		return nil, err
	}

	s := &PendingSession{
		Handle:    handle,
		Code:      code,
		Conn:      conn,
		ExpiresAt: r.timeNow().Add(r.ttl),
	}
	r.byHandle[handle] = s
	return s, nil
}

// reserve finds a code not currently held in the store and claims it for handle.
func (r *Registry) reserve(ctx context.Context, handle string) (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code := r.generate()
		ok, err := r.store.Put(ctx, code, handle, r.ttl)
		if err != nil {
			return "", apperrors.Internal("reserve pairing code", err)
		}
		if ok {
			return code, nil
		}
	}
	return "", apperrors.New(apperrors.CodePairingCodeExhausted, "no free pairing code")
}

// Lookup returns the live session holding code. Absent, expired, and
// superseded codes all yield ErrNotFoundOrExpired.
func (r *Registry) Lookup(ctx context.Context, code string) (*PendingSession, error) {
	handle, err := r.store.Get(ctx, code)
	if err != nil {
		if !errors.Is(err, ErrCodeNotFound) {
			log.Printf("pairing: code index lookup failed: %v", err)
		}
		return nil, ErrNotFoundOrExpired
	}

	s := r.byHandle[handle]
	if s == nil || s.Code != code || !r.timeNow().Before(s.ExpiresAt) {
		return nil, ErrNotFoundOrExpired
	}
	return s, nil
}

// ByHandle returns the live session with the given handle, or nil.
func (r *Registry) ByHandle(handle string) *PendingSession {
	return r.byHandle[handle]
}

// Rekey moves s to a new code and resets its expiry. The new code is inserted
// before the old one is removed. On error s keeps its current code.
func (r *Registry) Rekey(ctx context.Context, s *PendingSession) error {
	code, err := r.reserve(ctx, s.Handle)
	if err != nil {
		return err
	}

	old := s.Code
	s.Code = code
	s.ExpiresAt = r.timeNow().Add(r.ttl)

	if err := r.store.Delete(ctx, old, s.Handle); err != nil {
		// The stale key points at a handle whose Code no longer matches, so
		// Lookup rejects it until it expires.
		log.Printf("pairing: failed to drop rotated code: %v", err)
	}
	return nil
}

// Extend restarts the validity window of s from now.
func (r *Registry) Extend(ctx context.Context, s *PendingSession) {
	s.ExpiresAt = r.timeNow().Add(r.ttl)
	if err := r.store.Expire(ctx, s.Code, r.ttl); err != nil {
		log.Printf("pairing: failed to extend code expiry: %v", err)
	}
}

// Release removes s. Safe to call more than once.
func (r *Registry) Release(ctx context.Context, s *PendingSession) {
	if s.released {
		return
	}
	s.released = true
	delete(r.byHandle, s.Handle)

	if err := r.store.Delete(ctx, s.Code, s.Handle); err != nil {
		log.Printf("pairing: failed to release code: %v", err)
	}
}

// Sessions returns every live session in no particular order.
func (r *Registry) Sessions() []*PendingSession {
	out := make([]*PendingSession, 0, len(r.byHandle))
	for _, s := range r.byHandle {
		out = append(out, s)
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return len(r.byHandle)
}
