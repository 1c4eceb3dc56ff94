package auth

import (
	"sync"
	"time"

	"github.com/medcardhq/cardauthd/internal/util"
)

// MemorySessionStore is a thread-safe in-memory SessionStore. Sessions are
// lost on restart, which only forces affected clients to re-run Start.
//
// Expired entries are evicted lazily when read; under adversarial traffic
// abandoned handshakes would otherwise accumulate, so StartSweeper adds a
// periodic cleanup pass.
type MemorySessionStore struct {
	mu   sync.RWMutex
	data map[string]Session
	now  func() time.Time

	sweepStop chan struct{}
	sweepOnce sync.Once
}

var _ SessionStore = (*MemorySessionStore)(nil)

// MemoryOption configures a MemorySessionStore.
type MemoryOption func(*MemorySessionStore)

// WithClock replaces the store's time source, for deterministic tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemorySessionStore) {
		s.now = now
	}
}

// NewMemorySessionStore creates an in-memory session store.
func NewMemorySessionStore(opts ...MemoryOption) *MemorySessionStore {
	s := &MemorySessionStore{
		data:      make(map[string]Session),
		now:       time.Now,
		sweepStop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemorySessionStore) Get(id string) (Session, bool) {
	s.mu.RLock()
	session, ok := s.data[id]
	if ok {
		// Delete and the sweeper wipe the stored key in place, so the
		// caller gets its own copy that outlives eviction.
		session.StaticKey = util.CopyBytes(session.StaticKey)
	}
	s.mu.RUnlock()
	if !ok {
		return Session{}, false
	}
	if s.now().Sub(session.CreatedAt) > SessionTTL {
		s.Delete(id)
		util.WipeBytes(session.StaticKey)
		return Session{}, false
	}
	return session, true
}

func (s *MemorySessionStore) Put(id string, session Session) error {
	s.mu.Lock()
	s.data[id] = session
	s.mu.Unlock()
	return nil
}

func (s *MemorySessionStore) Delete(id string) {
	s.mu.Lock()
	session, ok := s.data[id]
	if ok {
		util.WipeBytes(session.StaticKey)
		delete(s.data, id)
	}
	s.mu.Unlock()
}

// StartSweeper launches a background goroutine that periodically evicts
// expired sessions. Stop terminates it.
func (s *MemorySessionStore) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.sweepStop:
				return
			}
		}
	}()
}

// Stop terminates the sweeper goroutine, if one was started.
func (s *MemorySessionStore) Stop() {
	s.sweepOnce.Do(func() { close(s.sweepStop) })
}

func (s *MemorySessionStore) sweep() {
	cutoff := s.now().Add(-SessionTTL)
	s.mu.Lock()
	for id, session := range s.data {
		if session.CreatedAt.Before(cutoff) {
			util.WipeBytes(session.StaticKey)
			delete(s.data, id)
		}
	}
	s.mu.Unlock()
}

// Len reports the number of resident sessions, including not-yet-evicted
// expired ones; used by tests.
func (s *MemorySessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
