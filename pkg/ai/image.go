package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"postpilot/pkg/domain"
)

// ImageClient calls the image backend's /api/generate-image endpoint and
// the latest-image lookup used for draft reconciliation.
type ImageClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewImageClient builds an image generation client.
func NewImageClient(baseURL string) *ImageClient {
	return &ImageClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{
			Timeout: 180 * time.Second,
		},
	}
}

// GenerateImage implements ImageGenerator with the same 402/429 semantics
// as text generation.
func (c *ImageClient) GenerateImage(ctx context.Context, userID, prompt string) (ImageResult, error) {
	body, err := json.Marshal(map[string]string{
		"prompt": prompt,
		"userId": userID,
	})
	if err != nil {
		return ImageResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate-image", bytes.NewReader(body))
	if err != nil {
		return ImageResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ImageResult{}, fmt.Errorf("%w: image request: %v", domain.ErrGenerationFailed, err)
	}
	defer resp.Body.Close()

	if err := spendError(resp.StatusCode); err != nil {
		return ImageResult{}, err
	}

	var payload struct {
		URL              string `json:"url"`
		Credits          int    `json:"credits"`
		DailyUsagePoints int    `json:"dailyUsagePoints"`
		DailyUsage       int    `json:"dailyUsage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return ImageResult{}, fmt.Errorf("%w: decode image response: %v", domain.ErrGenerationFailed, err)
	}
	if strings.TrimSpace(payload.URL) == "" {
		return ImageResult{}, fmt.Errorf("%w: empty image url from backend", domain.ErrGenerationFailed)
	}
	points := payload.DailyUsagePoints
	if points == 0 && payload.DailyUsage > 0 {
		points = payload.DailyUsage
	}
	return ImageResult{
		URL:   payload.URL,
		Usage: Usage{Credits: payload.Credits, DailyUsagePoints: points},
	}, nil
}

// LatestImage returns the most recently generated image for a user.
// found is false on 404 or an empty record.
func (c *ImageClient) LatestImage(ctx context.Context, userID string) (LatestImage, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/user/latest-image?userId="+userID, nil)
	if err != nil {
		return LatestImage{}, false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return LatestImage{}, false, fmt.Errorf("latest image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return LatestImage{}, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return LatestImage{}, false, fmt.Errorf("latest image: status %d", resp.StatusCode)
	}
	var payload LatestImage
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return LatestImage{}, false, fmt.Errorf("decode latest image: %w", err)
	}
	if strings.TrimSpace(payload.URL) == "" {
		return LatestImage{}, false, nil
	}
	return payload, true, nil
}
