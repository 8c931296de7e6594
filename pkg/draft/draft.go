// Package draft persists a single recoverable snapshot of an authoring
// session per (user, content type) slot. Writes are idempotent full
// overwrites; recovery is always an explicit user decision.
package draft

import (
	"context"
	"strings"
	"sync"
	"time"

	"postpilot/pkg/ai"
	"postpilot/pkg/domain"
)

// Snapshot is the serialized form of exactly one session. Toggles travel
// inside the session itself.
type Snapshot struct {
	Session domain.Session `json:"session"`
	SavedAt time.Time      `json:"savedAt"`
}

// Nontrivial reports whether the snapshot is worth keeping: generated
// text, or a configured-but-not-yet-generated session with a subject and
// at least one brand-context field.
func (s Snapshot) Nontrivial() bool {
	sess := s.Session
	if sess.HasGeneratedContent() {
		return true
	}
	return sess.Subject != "" && sess.HasBrandContext()
}

// Store is the durable single-slot storage backing the draft manager.
// Absence and parse failure are both reported as found=false.
type Store interface {
	Put(ctx context.Context, userID string, ct domain.ContentType, snap Snapshot) error
	Get(ctx context.Context, userID string, ct domain.ContentType) (Snapshot, bool, error)
	Delete(ctx context.Context, userID string, ct domain.ContentType) error
}

// ImageLookup is the slice of the image backend the manager needs for
// reconciliation.
type ImageLookup interface {
	LatestImage(ctx context.Context, userID string) (ai.LatestImage, bool, error)
}

// Manager applies the draft policy on top of a Store: triviality rules,
// the recovery-offer guard, and image reconciliation on resume.
type Manager struct {
	store  Store
	images ImageLookup

	mu      sync.Mutex
	pending map[string]struct{} // slots with an outstanding recovery offer
}

// NewManager builds a draft manager. images may be nil when no image
// backend is configured; reconciliation is then skipped.
func NewManager(store Store, images ImageLookup) *Manager {
	return &Manager{
		store:   store,
		images:  images,
		pending: make(map[string]struct{}),
	}
}

func slotKey(userID string, ct domain.ContentType) string {
	return userID + "|" + string(ct)
}

// Persist writes the session's snapshot to its slot. Trivial sessions are
// skipped, and the write is a guarded no-op while a recovery offer is
// outstanding for the slot: the user has not yet decided about the stored
// draft, so it must not be overwritten out from under the prompt.
func (m *Manager) Persist(ctx context.Context, session domain.Session) error {
	snap := Snapshot{Session: session, SavedAt: time.Now().UTC()}
	if !snap.Nontrivial() {
		return nil
	}
	m.mu.Lock()
	_, offerPending := m.pending[slotKey(session.UserID, session.ContentType)]
	m.mu.Unlock()
	if offerPending {
		return nil
	}
	return m.store.Put(ctx, session.UserID, session.ContentType, snap)
}

// LoadOnStart checks the slot once at session start. A nontrivial stored
// snapshot is returned as a recovery offer and the slot is marked pending
// until the user resumes or discards.
func (m *Manager) LoadOnStart(ctx context.Context, userID string, ct domain.ContentType) (Snapshot, bool, error) {
	snap, found, err := m.store.Get(ctx, userID, ct)
	if err != nil {
		return Snapshot{}, false, err
	}
	if !found || !snap.Nontrivial() {
		return Snapshot{}, false, nil
	}
	m.mu.Lock()
	m.pending[slotKey(userID, ct)] = struct{}{}
	m.mu.Unlock()
	return snap, true, nil
}

// Load reads the slot without marking a recovery offer. Used when the
// user accepts an offer and the snapshot has to be re-fetched.
func (m *Manager) Load(ctx context.Context, userID string, ct domain.ContentType) (Snapshot, bool, error) {
	return m.store.Get(ctx, userID, ct)
}

// Resume restores the snapshot verbatim and reconciles an orphaned image:
// when the draft recorded an image prompt but the image call had not
// completed before the page was left, the most recently generated image
// is adopted if and only if its recorded prompt matches the draft's under
// trim + case-fold. Lookup failures are ignored; recovery never fails
// because of the side asset.
func (m *Manager) Resume(ctx context.Context, snap Snapshot) domain.Session {
	session := snap.Session
	m.clearPending(session.UserID, session.ContentType)

	if m.images == nil || session.ImagePrompt == "" || session.ImageURL != "" {
		return session
	}
	img, found, err := m.images.LatestImage(ctx, session.UserID)
	if err != nil || !found {
		return session
	}
	if promptsMatch(img.Prompt, session.ImagePrompt) {
		session.ImageURL = img.URL
	}
	return session
}

// Discard deletes the slot and clears any outstanding recovery offer.
func (m *Manager) Discard(ctx context.Context, userID string, ct domain.ContentType) error {
	m.clearPending(userID, ct)
	return m.store.Delete(ctx, userID, ct)
}

// DismissRecovery drops the pending offer without touching the stored
// draft, e.g. when the user starts fresh but may still want the draft on
// the next visit.
func (m *Manager) DismissRecovery(userID string, ct domain.ContentType) {
	m.clearPending(userID, ct)
}

// Clear removes the slot after a terminal session outcome.
func (m *Manager) Clear(ctx context.Context, userID string, ct domain.ContentType) error {
	return m.store.Delete(ctx, userID, ct)
}

func (m *Manager) clearPending(userID string, ct domain.ContentType) {
	m.mu.Lock()
	delete(m.pending, slotKey(userID, ct))
	m.mu.Unlock()
}

func promptsMatch(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
