package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxgate/voxgate/internal/cdr"
)

// Registry owns the creation, lookup and disposal of sessions, keyed
// strictly by session identifier. It is the only structure mutated from
// multiple connection-handling goroutines.
type Registry struct {
	recorder   cdr.Recorder
	recTimeout time.Duration
	logger     *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	idleTimeout time.Duration
}

// NewRegistry creates a session registry. Terminal records are delivered
// to recorder, each under recTimeout.
func NewRegistry(recorder cdr.Recorder, recTimeout time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		recorder:   recorder,
		recTimeout: recTimeout,
		logger:     logger.With("subsystem", "sessions"),
		sessions:   make(map[string]*Session),
	}
}

// SetIdleTimeout configures how long a session may sit with no events or
// media before the reaper force-terminates it. Zero disables reaping.
func (r *Registry) SetIdleTimeout(d time.Duration) {
	r.idleTimeout = d
}

// NewSession materializes a session in the Offered state, recording the
// offer timestamp. The session is not yet visible to lookups or the
// reaper: callers finish wiring its hooks (which may close over
// resources built from the session) and then publish it with Register.
func (r *Registry) NewSession(sessionID, callerID, didNumber string) *Session {
	return &Session{
		ID:         sessionID,
		CallerID:   callerID,
		DIDNumber:  didNumber,
		recorder:   r.recorder,
		recTimeout: r.recTimeout,
		logger:     r.logger.With("session_id", sessionID),
		state:      StateOffered,
		offeredAt:  time.Now(),
	}
}

// Register publishes a session built by NewSession. Fails if the ID is
// already live.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateSession, s.ID)
	}
	r.sessions[s.ID] = s

	r.logger.Info("session created",
		"session_id", s.ID,
		"caller_id", s.CallerID,
		"did_number", s.DIDNumber,
	)
	return nil
}

// Create builds, wires and publishes a session in one step.
func (r *Registry) Create(sessionID, callerID, didNumber string, hooks Hooks) (*Session, error) {
	s := r.NewSession(sessionID, callerID, didNumber)
	s.SetHooks(hooks)
	if err := r.Register(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the live session with the given ID.
func (r *Registry) Get(sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, sessionID)
	}
	return s, nil
}

// Remove deletes a session from the registry. It must be called only
// after the session has reached Terminated and its terminal record has
// been handed to the recorder.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	_, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	if ok {
		r.logger.Info("session removed", "session_id", sessionID)
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshots returns read-only views of all live sessions.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, len(sessions))
	for i, s := range sessions {
		out[i] = s.Snapshot()
	}
	return out
}

// StartReaper runs the idle-session reaper until ctx is cancelled.
// Sessions that never reach a terminal state are otherwise leaked by a
// peer that silently stops sending.
func (r *Registry) StartReaper(ctx context.Context) {
	if r.idleTimeout <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(r.idleTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.reapIdle()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// reapIdle force-terminates sessions with no activity within the idle
// timeout and removes them.
func (r *Registry) reapIdle() {
	cutoff := time.Now().Add(-r.idleTimeout)

	r.mu.RLock()
	var stale []*Session
	for _, s := range r.sessions {
		if s.LastActivity().Before(cutoff) {
			stale = append(stale, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range stale {
		r.logger.Warn("reaping idle session", "session_id", s.ID)
		if _, err := s.Hangup(CauseIdleTimeout, "idle timeout", InitiatorLocal); err != nil {
			r.logger.Error("reaping idle session", "session_id", s.ID, "error", err)
		}
		r.Remove(s.ID)
	}
}
