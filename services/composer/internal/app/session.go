package app

import (
	"fmt"
	"sync"
	"time"

	"postpilot/pkg/domain"
)

// allowedTransitions is the session lifecycle. Generating can fall back
// to its pre-call phase on failure; Publishing falls back to Reviewing so
// a failed post never costs the draft.
var allowedTransitions = map[domain.SessionPhase][]domain.SessionPhase{
	domain.PhaseIdle:        {domain.PhaseConfiguring},
	domain.PhaseConfiguring: {domain.PhaseGenerating, domain.PhaseDiscarded},
	domain.PhaseGenerating:  {domain.PhaseReviewing, domain.PhaseConfiguring, domain.PhaseDiscarded},
	domain.PhaseReviewing:   {domain.PhaseConfiguring, domain.PhaseGenerating, domain.PhasePublishing, domain.PhaseDiscarded},
	domain.PhasePublishing:  {domain.PhasePublished, domain.PhaseReviewing},
}

func canTransition(from, to domain.SessionPhase) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// liveSession is one in-memory session guarded by its own lock. Network
// calls never run under the lock; results are applied afterwards and
// checked against the session ID they were issued for.
type liveSession struct {
	mu      sync.Mutex
	session domain.Session
}

func (l *liveSession) snapshot() domain.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session
}

// transition moves the session to the target phase under the lock.
func (l *liveSession) transition(to domain.SessionPhase) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transitionLocked(to)
}

func (l *liveSession) transitionLocked(to domain.SessionPhase) error {
	from := l.session.Phase
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	l.session.Phase = to
	l.session.UpdatedAt = time.Now().UTC()
	return nil
}

// sessionRegistry holds the live sessions, one slot per (user, content type).
type sessionRegistry struct {
	mu    sync.Mutex
	slots map[string]*liveSession
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{slots: make(map[string]*liveSession)}
}

func registryKey(userID string, ct domain.ContentType) string {
	return userID + "|" + string(ct)
}

func (r *sessionRegistry) get(userID string, ct domain.ContentType) (*liveSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ls, ok := r.slots[registryKey(userID, ct)]
	return ls, ok
}

// install replaces the slot with a new live session.
func (r *sessionRegistry) install(session domain.Session) *liveSession {
	ls := &liveSession{session: session}
	r.mu.Lock()
	r.slots[registryKey(session.UserID, session.ContentType)] = ls
	r.mu.Unlock()
	return ls
}

func (r *sessionRegistry) remove(userID string, ct domain.ContentType) {
	r.mu.Lock()
	delete(r.slots, registryKey(userID, ct))
	r.mu.Unlock()
}
