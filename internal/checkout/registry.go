package checkout

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type registryEntry struct {
	session  *Session
	lastSeen time.Time
}

// Registry tracks live checkout sessions by ID and evicts the ones nobody
// has touched within the idle TTL.
type Registry struct {
	idleTTL time.Duration
	logger  zerolog.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*registryEntry
}

// NewRegistry constructs a session registry.
func NewRegistry(idleTTL time.Duration, logger zerolog.Logger) *Registry {
	if idleTTL <= 0 {
		idleTTL = 30 * time.Minute
	}
	return &Registry{
		idleTTL:  idleTTL,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*registryEntry),
	}
}

// Put registers a session.
func (r *Registry) Put(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = &registryEntry{session: s, lastSeen: r.now()}
	r.mu.Unlock()
}

// Get returns the session and refreshes its idle clock.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	entry.lastSeen = r.now()
	return entry.session, true
}

// Remove unregisters and returns the session.
func (r *Registry) Remove(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	delete(r.sessions, id)
	return entry.session, true
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// EvictIdle closes and removes sessions idle past the TTL. It returns how
// many were evicted.
func (r *Registry) EvictIdle() int {
	cutoff := r.now().Add(-r.idleTTL)

	r.mu.Lock()
	var expired []*Session
	for id, entry := range r.sessions {
		if entry.lastSeen.Before(cutoff) {
			expired = append(expired, entry.session)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		s.Close()
		r.logger.Info().Str("session_id", s.ID).Msg("evicted idle checkout session")
	}
	return len(expired)
}

// Sweep runs EvictIdle on the given interval until ctx is cancelled.
func (r *Registry) Sweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.EvictIdle()
		}
	}
}
