// Package session tracks live analysis sessions and owns their engine
// handles.
package session

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zboralski/r2-headless-mcp/internal/engine"
)

// DefaultIdleTimeout is the idle period after which Sweep reaps a session.
const DefaultIdleTimeout = 30 * time.Minute

// Session binds a target binary to one engine handle.
type Session struct {
	ID string
	// TargetPath is the path the caller asked for. Knowledge and
	// lookup-by-path use it.
	TargetPath string
	// OpenedPath is the file the engine actually loaded; it differs from
	// TargetPath after a privileged copy.
	OpenedPath string
	Handle     engine.Handle
	CreatedAt  time.Time

	lastAccess atomic.Int64
	inflight   atomic.Int32
}

// Touch records an access.
func (s *Session) Touch() { s.lastAccess.Store(time.Now().UnixNano()) }

// LastAccessedAt returns the last Touch time.
func (s *Session) LastAccessedAt() time.Time { return time.Unix(0, s.lastAccess.Load()) }

// Acquire marks a tool call in progress. Sweep never reaps a session with
// calls in progress.
func (s *Session) Acquire() { s.inflight.Add(1) }

// Release ends a call started with Acquire.
func (s *Session) Release() { s.inflight.Add(-1) }

// Busy reports whether a call is in progress.
func (s *Session) Busy() bool { return s.inflight.Load() > 0 }

// Stats summarises the registry for the health endpoint.
type Stats struct {
	Total         int
	Active        int
	OldestSeconds int64
}

// Registry is the thread-safe session map.
type Registry struct {
	eng    engine.Engine
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry that destroys handles through eng.
func NewRegistry(eng engine.Engine, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{eng: eng, logger: logger, sessions: make(map[string]*Session)}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Create registers a session for an already opened handle.
func (r *Registry) Create(targetPath, openedPath string, h engine.Handle) *Session {
	if openedPath == "" {
		openedPath = targetPath
	}
	s := &Session{
		ID:         newID(),
		TargetPath: targetPath,
		OpenedPath: openedPath,
		Handle:     h,
		CreatedAt:  time.Now(),
	}
	s.Touch()

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	r.logger.Info("session created",
		zap.String("session", s.ID),
		zap.String("target", targetPath),
		zap.String("opened", openedPath),
		zap.Uint64("handle", uint64(h)))
	return s
}

// Get returns a session and touches it.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		s.Touch()
	}
	return s, ok
}

// GetByPath returns the oldest session whose target or opened path matches.
func (r *Registry) GetByPath(path string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found *Session
	for _, s := range r.sessions {
		if s.TargetPath != path && s.OpenedPath != path {
			continue
		}
		if found == nil || s.CreatedAt.Before(found.CreatedAt) {
			found = s
		}
	}
	if found != nil {
		found.Touch()
	}
	return found, found != nil
}

// Remove deletes a session and destroys its handle. Removing an unknown id
// returns false.
func (r *Registry) Remove(id string) (*Session, bool) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	if err := r.eng.Destroy(s.Handle); err != nil {
		r.logger.Warn("destroy handle", zap.String("session", id), zap.Error(err))
	}
	r.logger.Info("session closed", zap.String("session", id), zap.String("target", s.TargetPath))
	return s, true
}

// Sweep removes sessions idle longer than timeout. It is not scheduled by
// the registry; the caller decides when to run it.
func (r *Registry) Sweep(timeout time.Duration) []*Session {
	now := time.Now()
	var expired []string
	r.mu.RLock()
	for id, s := range r.sessions {
		if s.Busy() {
			continue
		}
		if now.Sub(s.LastAccessedAt()) > timeout {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	var removed []*Session
	for _, id := range expired {
		r.mu.RLock()
		s, ok := r.sessions[id]
		r.mu.RUnlock()
		// A call may have started since the scan.
		if !ok || s.Busy() {
			continue
		}
		if s, ok := r.Remove(id); ok {
			r.logger.Info("idle session reaped",
				zap.String("session", id),
				zap.Duration("idle", now.Sub(s.LastAccessedAt())))
			removed = append(removed, s)
		}
	}
	return removed
}

// List returns all sessions ordered by creation time.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Stats counts sessions touched in the last five minutes as active.
func (r *Registry) Stats() Stats {
	now := time.Now()
	st := Stats{}
	for _, s := range r.List() {
		st.Total++
		if now.Sub(s.LastAccessedAt()) < 5*time.Minute {
			st.Active++
		}
		if age := int64(now.Sub(s.CreatedAt).Seconds()); age > st.OldestSeconds {
			st.OldestSeconds = age
		}
	}
	return st
}

// CloseAll removes every session.
func (r *Registry) CloseAll() {
	for _, s := range r.List() {
		r.Remove(s.ID)
	}
}
