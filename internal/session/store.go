package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultIdleTTL is how long an untouched session is kept.
const DefaultIdleTTL = 30 * time.Minute

// Store keeps view states in memory. Nothing is persisted.
type Store struct {
	mu     sync.Mutex
	states map[string]ViewState
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

func NewStore(ttl time.Duration, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultIdleTTL
	}
	return &Store{
		states: make(map[string]ViewState),
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
	}
}

// Create starts a new idle session.
func (s *Store) Create() ViewState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Idle(uuid.NewString(), s.now())
	s.states[st.ID] = st
	return st
}

func (s *Store) Get(id string) (ViewState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	return st, ok
}

// Update applies fn to the current state of id and stores the result when fn
// succeeds. The whole step runs under the store lock, so fn must not block.
func (s *Store) Update(id string, fn func(ViewState, time.Time) (ViewState, error)) (ViewState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.states[id]
	if !ok {
		return ViewState{}, ErrNotFound
	}
	next, err := fn(cur, s.now())
	if err != nil {
		return cur, err
	}
	s.states[id] = next
	return next, nil
}

func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, id)
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

// Sweep removes sessions idle for longer than the TTL. Pending
// classifications are kept so their result has somewhere to land.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-s.ttl)
	removed := 0
	for id, st := range s.states {
		if st.Status != StatusClassifying && st.UpdatedAt.Before(cutoff) {
			delete(s.states, id)
			removed++
		}
	}
	return removed
}

// SweepLoop calls Sweep every interval until ctx is cancelled.
func (s *Store) SweepLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Debug("expired idle sessions", "removed", n, "remaining", s.Len())
			}
		}
	}
}
