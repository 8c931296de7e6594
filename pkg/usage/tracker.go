// Package usage holds the locally cached view of a user's credit balance
// and rolling daily quota. The generation backend is the single writer of
// truth: the cache is only ever overwritten from server responses, in
// response-arrival order, and never decremented speculatively.
package usage

import (
	"sync"

	"postpilot/pkg/domain"
)

// Tracker caches UsageState for one user. Every outbound call that can
// return usage numbers is stamped with Begin(); Apply() discards payloads
// from responses older than the last one applied, so a straggling slow
// response can never overwrite fresher numbers.
type Tracker struct {
	mu      sync.Mutex
	nextSeq uint64
	applied uint64
	state   domain.UsageState
}

// NewTracker starts with the given initial state (typically from a resync).
func NewTracker(initial domain.UsageState) *Tracker {
	return &Tracker{state: initial}
}

// Begin stamps an outbound request with a monotonically increasing
// sequence number.
func (t *Tracker) Begin() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextSeq++
	return t.nextSeq
}

// Apply overwrites the cached balance and daily points with the
// server-returned values for the request stamped seq. Returns false when
// the payload is stale (a newer response was already applied).
func (t *Tracker) Apply(seq uint64, creditBalance, dailyUsagePoints int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if seq <= t.applied {
		return false
	}
	t.applied = seq
	t.state.CreditBalance = creditBalance
	t.state.DailyUsagePoints = dailyUsagePoints
	return true
}

// SetDailyLimit records the derived limit so snapshots are self-contained.
// The limit comes from plan data, not from generation responses, so it is
// not sequence-ordered.
func (t *Tracker) SetDailyLimit(limit int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.DailyLimit = limit
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() domain.UsageState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Registry hands out one Tracker per user.
type Registry struct {
	mu     sync.Mutex
	byUser map[string]*Tracker
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{byUser: make(map[string]*Tracker)}
}

// ForUser returns the user's tracker, creating it on first use.
func (r *Registry) ForUser(userID string) *Tracker {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byUser[userID]
	if !ok {
		t = NewTracker(domain.UsageState{})
		r.byUser[userID] = t
	}
	return t
}
