package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"postpilot/pkg/domain"
)

const migrateLockID int64 = 41204120

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&ImageAssetModel{}, &PublishedPostModel{}, &UsageEntryModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveImageAsset stores or updates an image asset record.
func (s *GormStore) SaveImageAsset(a domain.ImageAsset) error {
	model := assetToModel(a)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"prompt", "source_url", "mirror_url", "storage_key"}),
	}).Create(&model).Error
}

// GetImageAsset retrieves one asset.
func (s *GormStore) GetImageAsset(id string) (domain.ImageAsset, bool, error) {
	var model ImageAssetModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.ImageAsset{}, false, nil
		}
		return domain.ImageAsset{}, false, err
	}
	return assetFromModel(model), true, nil
}

// LatestImageByUser returns the most recently generated asset for a user.
func (s *GormStore) LatestImageByUser(userID string) (domain.ImageAsset, bool, error) {
	var model ImageAssetModel
	if err := s.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.ImageAsset{}, false, nil
		}
		return domain.ImageAsset{}, false, err
	}
	return assetFromModel(model), true, nil
}

// SetAssetMirror records the durable copy of an asset once the mirror
// worker has uploaded it.
func (s *GormStore) SetAssetMirror(id, mirrorURL, storageKey string) error {
	return s.db.Model(&ImageAssetModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"mirror_url":  mirrorURL,
			"storage_key": storageKey,
		}).Error
}

// SavePublishedPost archives a published session.
func (s *GormStore) SavePublishedPost(p domain.PublishedPost) error {
	model := postToModel(p)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "body", "image_url", "identity", "tracking_url", "brand"}),
	}).Create(&model).Error
}

// ListPostsByUser returns a user's published posts, newest first.
func (s *GormStore) ListPostsByUser(userID string, limit int) ([]domain.PublishedPost, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []PublishedPostModel
	if err := s.db.Where("user_id = ?", userID).
		Order("published_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	posts := make([]domain.PublishedPost, 0, len(models))
	for _, m := range models {
		posts = append(posts, postFromModel(m))
	}
	return posts, nil
}

// AppendUsageEntry records one confirmed deduction.
func (s *GormStore) AppendUsageEntry(e domain.UsageEntry) error {
	model := usageToModel(e)
	return s.db.Create(&model).Error
}

// ListUsageEntries returns recent ledger rows, newest first.
func (s *GormStore) ListUsageEntries(userID string, limit int) ([]domain.UsageEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []UsageEntryModel
	if err := s.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	entries := make([]domain.UsageEntry, 0, len(models))
	for _, m := range models {
		entries = append(entries, usageFromModel(m))
	}
	return entries, nil
}

func assetToModel(a domain.ImageAsset) ImageAssetModel {
	return ImageAssetModel{
		ID:         a.ID,
		UserID:     a.UserID,
		Prompt:     a.Prompt,
		SourceURL:  a.SourceURL,
		MirrorURL:  a.MirrorURL,
		StorageKey: a.StorageKey,
		CreatedAt:  a.CreatedAt,
	}
}

func assetFromModel(m ImageAssetModel) domain.ImageAsset {
	return domain.ImageAsset{
		ID:         m.ID,
		UserID:     m.UserID,
		Prompt:     m.Prompt,
		SourceURL:  m.SourceURL,
		MirrorURL:  m.MirrorURL,
		StorageKey: m.StorageKey,
		CreatedAt:  m.CreatedAt,
	}
}

func postToModel(p domain.PublishedPost) PublishedPostModel {
	brand, _ := json.Marshal(p.Brand)
	return PublishedPostModel{
		ID:          p.ID,
		UserID:      p.UserID,
		ContentType: string(p.ContentType),
		Title:       p.Title,
		Body:        p.Body,
		ImageURL:    p.ImageURL,
		Identity:    p.Identity,
		TrackingURL: p.TrackingURL,
		Brand:       brand,
		PublishedAt: p.PublishedAt,
	}
}

func postFromModel(m PublishedPostModel) domain.PublishedPost {
	var brand domain.BrandProfile
	if len(m.Brand) > 0 {
		_ = json.Unmarshal(m.Brand, &brand)
	}
	return domain.PublishedPost{
		ID:          m.ID,
		UserID:      m.UserID,
		ContentType: domain.ContentType(m.ContentType),
		Title:       m.Title,
		Body:        m.Body,
		ImageURL:    m.ImageURL,
		Identity:    m.Identity,
		TrackingURL: m.TrackingURL,
		Brand:       brand,
		PublishedAt: m.PublishedAt,
	}
}

func usageToModel(e domain.UsageEntry) UsageEntryModel {
	return UsageEntryModel{
		ID:               e.ID,
		UserID:           e.UserID,
		Action:           e.Action,
		Cost:             e.Cost,
		CreditBalance:    e.CreditBalance,
		DailyUsagePoints: e.DailyUsagePoints,
		CreatedAt:        e.CreatedAt,
	}
}

func usageFromModel(m UsageEntryModel) domain.UsageEntry {
	return domain.UsageEntry{
		ID:               m.ID,
		UserID:           m.UserID,
		Action:           m.Action,
		Cost:             m.Cost,
		CreditBalance:    m.CreditBalance,
		DailyUsagePoints: m.DailyUsagePoints,
		CreatedAt:        m.CreatedAt,
	}
}
