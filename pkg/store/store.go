package store

import (
	"postpilot/pkg/domain"
)

// Store defines persistence for generated image assets, the published-post
// archive, and the usage ledger.
type Store interface {
	// image assets
	SaveImageAsset(domain.ImageAsset) error
	GetImageAsset(id string) (domain.ImageAsset, bool, error)
	LatestImageByUser(userID string) (domain.ImageAsset, bool, error)
	SetAssetMirror(id, mirrorURL, storageKey string) error

	// published posts
	SavePublishedPost(domain.PublishedPost) error
	ListPostsByUser(userID string, limit int) ([]domain.PublishedPost, error)

	// usage ledger
	AppendUsageEntry(domain.UsageEntry) error
	ListUsageEntries(userID string, limit int) ([]domain.UsageEntry, error)
}
