package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type ImageAssetModel struct {
	ID         string `gorm:"primaryKey"`
	UserID     string `gorm:"not null;index"`
	Prompt     string `gorm:"type:text;not null"`
	SourceURL  string `gorm:"not null"`
	MirrorURL  string
	StorageKey string
	CreatedAt  time.Time `gorm:"not null;index"`
}

type PublishedPostModel struct {
	ID          string `gorm:"primaryKey"`
	UserID      string `gorm:"not null;index"`
	ContentType string `gorm:"not null"`
	Title       string
	Body        string `gorm:"type:text;not null"`
	ImageURL    string
	Identity    string
	TrackingURL string
	Brand       datatypes.JSON `gorm:"type:jsonb"`
	PublishedAt time.Time      `gorm:"not null;index"`
}

type UsageEntryModel struct {
	ID               string    `gorm:"primaryKey"`
	UserID           string    `gorm:"not null;index"`
	Action           string    `gorm:"not null"`
	Cost             int       `gorm:"not null"`
	CreditBalance    int       `gorm:"not null"`
	DailyUsagePoints int       `gorm:"not null"`
	CreatedAt        time.Time `gorm:"not null;index"`
}
