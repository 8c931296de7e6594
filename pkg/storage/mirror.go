package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"postpilot/pkg/queue"
	"postpilot/pkg/store"
)

// Image URLs handed out by the generation backend expire after a short
// window, so every asset is copied into the bucket before the URL dies.
const (
	mirrorFetchTimeout = 60 * time.Second
	mirrorURLExpiry    = 7 * 24 * time.Hour
	maxImageBytes      = 20 << 20
)

// MirrorWorker copies freshly generated images from the backend's
// short-lived URLs into durable object storage.
type MirrorWorker struct {
	objects ObjectStore
	assets  store.Store
	httpc   *http.Client
	logger  *slog.Logger
}

// NewMirrorWorker builds a worker; pass it to RedisJobQueue.Start.
func NewMirrorWorker(objects ObjectStore, assets store.Store, logger *slog.Logger) *MirrorWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &MirrorWorker{
		objects: objects,
		assets:  assets,
		httpc:   &http.Client{Timeout: mirrorFetchTimeout},
		logger:  logger,
	}
}

// Handle processes one mirror job: download, upload, record the durable URL.
func (w *MirrorWorker) Handle(ctx context.Context, job queue.JobStatus) error {
	asset, found, err := w.assets.GetImageAsset(job.AssetID)
	if err != nil {
		return fmt.Errorf("load asset %s: %w", job.AssetID, err)
	}
	if !found {
		// nothing to mirror; drop the job
		w.logger.Warn("mirror job for unknown asset", "asset_id", job.AssetID)
		return nil
	}
	if asset.MirrorURL != "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.SourceURL, nil)
	if err != nil {
		return fmt.Errorf("build fetch request: %w", err)
	}
	resp, err := w.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("fetch source image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch source image: status %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/png"
	}
	key := ImageKey(asset.UserID, asset.ID, extensionFor(contentType))
	body := io.LimitReader(resp.Body, maxImageBytes)
	if err := w.objects.Put(ctx, key, body, resp.ContentLength, contentType); err != nil {
		return fmt.Errorf("upload mirror copy: %w", err)
	}

	mirrorURL, err := w.objects.PresignGet(ctx, key, mirrorURLExpiry)
	if err != nil {
		return fmt.Errorf("presign mirror url: %w", err)
	}
	if err := w.assets.SetAssetMirror(asset.ID, mirrorURL, key); err != nil {
		return fmt.Errorf("record mirror: %w", err)
	}
	w.logger.Info("image mirrored", "asset_id", asset.ID, "key", key)
	return nil
}

func extensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ".png"
	}
	switch mediaType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".png"
	}
}
