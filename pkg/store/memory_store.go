package store

import (
	"sort"
	"sync"

	"postpilot/pkg/domain"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu     sync.RWMutex
	assets map[string]domain.ImageAsset
	posts  map[string]domain.PublishedPost
	usage  map[string][]domain.UsageEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assets: make(map[string]domain.ImageAsset),
		posts:  make(map[string]domain.PublishedPost),
		usage:  make(map[string][]domain.UsageEntry),
	}
}

func (m *MemoryStore) SaveImageAsset(a domain.ImageAsset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.assets[a.ID]; ok {
		// updates keep the original creation time
		a.CreatedAt = existing.CreatedAt
	}
	m.assets[a.ID] = a
	return nil
}

func (m *MemoryStore) GetImageAsset(id string) (domain.ImageAsset, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assets[id]
	return a, ok, nil
}

func (m *MemoryStore) LatestImageByUser(userID string) (domain.ImageAsset, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest domain.ImageAsset
	found := false
	for _, a := range m.assets {
		if a.UserID != userID {
			continue
		}
		if !found || a.CreatedAt.After(latest.CreatedAt) {
			latest = a
			found = true
		}
	}
	return latest, found, nil
}

func (m *MemoryStore) SetAssetMirror(id, mirrorURL, storageKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[id]
	if !ok {
		return nil
	}
	a.MirrorURL = mirrorURL
	a.StorageKey = storageKey
	m.assets[id] = a
	return nil
}

func (m *MemoryStore) SavePublishedPost(p domain.PublishedPost) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posts[p.ID] = p
	return nil
}

func (m *MemoryStore) ListPostsByUser(userID string, limit int) ([]domain.PublishedPost, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var posts []domain.PublishedPost
	for _, p := range m.posts {
		if p.UserID == userID {
			posts = append(posts, p)
		}
	}
	sort.Slice(posts, func(i, j int) bool {
		return posts[i].PublishedAt.After(posts[j].PublishedAt)
	})
	if len(posts) > limit {
		posts = posts[:limit]
	}
	return posts, nil
}

func (m *MemoryStore) AppendUsageEntry(e domain.UsageEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage[e.UserID] = append(m.usage[e.UserID], e)
	return nil
}

func (m *MemoryStore) ListUsageEntries(userID string, limit int) ([]domain.UsageEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := append([]domain.UsageEntry(nil), m.usage[userID]...)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
