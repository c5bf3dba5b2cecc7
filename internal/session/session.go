// Package session maps client session tokens to sandbox directories and
// serializes analysis runs within each session.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/checkbench/internal/observability"
)

// ErrCapacity is returned by Resolve when the registry is full and every
// session is busy.
var ErrCapacity = errors.New("too many active sessions")

// Session is one client's sandbox plus the lock that serializes its runs.
type Session struct {
	ID  string
	Dir string

	mu         *sync.Mutex
	lastActive atomic.Int64
	closed     atomic.Bool
}

// Lock blocks until no other run holds the session.
func (s *Session) Lock() { s.mu.Lock() }

// TryLock acquires the session lock only if it is free.
func (s *Session) TryLock() bool { return s.mu.TryLock() }

// Unlock releases the session lock.
func (s *Session) Unlock() { s.mu.Unlock() }

// LastActive is the time of the last Resolve that returned this session.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Closed reports whether the session was reaped or destroyed. A caller that
// locks a closed session must resolve again.
func (s *Session) Closed() bool { return s.closed.Load() }

func (s *Session) touch(now time.Time) { s.lastActive.Store(now.UnixNano()) }

// Config configures a Registry.
type Config struct {
	// Root is the parent directory of per-session sandboxes.
	Root string
	// FixedDir pins every session to one shared directory. Sessions then
	// share a single lock and the directory is never deleted.
	FixedDir string
	// MaxSessions caps the registry; 0 means unlimited.
	MaxSessions int
}

// Registry is the lock-guarded session table.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	root        string
	fixedDir    string
	fixedLock   sync.Mutex
	maxSessions int

	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.MetricsCollector
}

// NewRegistry creates an empty registry. metrics may be nil.
func NewRegistry(cfg Config, logger *slog.Logger, metrics *observability.MetricsCollector) *Registry {
	return &Registry{
		sessions:    make(map[string]*Session),
		root:        cfg.Root,
		fixedDir:    cfg.FixedDir,
		maxSessions: cfg.MaxSessions,
		now:         time.Now,
		logger:      logger,
		metrics:     metrics,
	}
}

// FixedDir returns the shared sandbox directory, or "" when sessions get
// their own directories.
func (r *Registry) FixedDir() string { return r.fixedDir }

// Root returns the parent directory of per-session sandboxes.
func (r *Registry) Root() string {
	if r.fixedDir != "" {
		return r.fixedDir
	}
	return r.root
}

// Resolve returns the session for clientID and refreshes its activity time.
// An empty or unknown clientID gets a new session with a freshly minted ID
// and its own sandbox directory; created reports that case.
func (r *Registry) Resolve(clientID string) (s *Session, created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if s, ok := r.sessions[strings.TrimSpace(clientID)]; ok {
		s.touch(now)
		return s, false, nil
	}

	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		if !r.evictOldestLocked() {
			return nil, false, ErrCapacity
		}
	}

	id := uuid.NewString()
	s = &Session{ID: id}
	if r.fixedDir != "" {
		s.Dir = r.fixedDir
		s.mu = &r.fixedLock
	} else {
		s.Dir = filepath.Join(r.root, id)
		s.mu = &sync.Mutex{}
	}
	s.touch(now)
	r.sessions[id] = s
	r.updateGauge()

	r.logger.Debug("session created", slog.String("session_id", id), slog.String("dir", s.Dir))
	return s, true, nil
}

// Lookup returns a known session without refreshing it.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Reap removes sessions idle for longer than maxIdle and deletes their
// sandboxes. Sessions with a run in progress are skipped.
func (r *Registry) Reap(maxIdle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxIdle)
	removed := 0
	for id, s := range r.sessions {
		if !s.LastActive().Before(cutoff) {
			continue
		}
		if !s.TryLock() {
			continue
		}
		r.removeLocked(id, s)
		s.Unlock()
		removed++
	}

	if removed > 0 {
		r.updateGauge()
		if r.metrics != nil {
			r.metrics.SessionsReapedTotal.Add(float64(removed))
		}
		r.logger.Info("reaped idle sessions",
			slog.Int("removed", removed),
			slog.Int("remaining", len(r.sessions)),
		)
	}
	return removed
}

// DestroyAll removes every session and its sandbox. Used at shutdown.
func (r *Registry) DestroyAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		r.removeLocked(id, s)
	}
	r.updateGauge()
}

// evictOldestLocked drops the least recently active session that is not
// running. Caller holds r.mu.
func (r *Registry) evictOldestLocked() bool {
	candidates := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	slices.SortFunc(candidates, func(a, b *Session) int {
		return a.LastActive().Compare(b.LastActive())
	})

	for _, s := range candidates {
		if !s.TryLock() {
			continue
		}
		r.removeLocked(s.ID, s)
		s.Unlock()
		r.logger.Info("evicted least recently used session", slog.String("session_id", s.ID))
		return true
	}
	return false
}

// removeLocked unregisters s and deletes its directory unless it is the
// fixed shared directory. Caller holds r.mu.
func (r *Registry) removeLocked(id string, s *Session) {
	delete(r.sessions, id)
	s.closed.Store(true)
	if r.fixedDir != "" {
		return
	}
	if err := os.RemoveAll(s.Dir); err != nil {
		r.logger.Warn("failed to remove session sandbox",
			slog.String("session_id", id),
			slog.String("error", fmt.Sprint(err)),
		)
	}
}

func (r *Registry) updateGauge() {
	if r.metrics != nil {
		r.metrics.SessionsActive.Set(float64(len(r.sessions)))
	}
}
