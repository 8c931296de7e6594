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

// TextClient calls the generation backend's /api/generate endpoint.
type TextClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewTextClient builds a text generation client.
func NewTextClient(baseURL string) *TextClient {
	return &TextClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

type generateResponse struct {
	Text             string `json:"text"`
	Credits          int    `json:"credits"`
	DailyUsagePoints int    `json:"dailyUsagePoints"`
	// Older backend versions report points under "dailyUsage".
	DailyUsage int `json:"dailyUsage"`
}

func (r generateResponse) usage() Usage {
	points := r.DailyUsagePoints
	if points == 0 && r.DailyUsage > 0 {
		points = r.DailyUsage
	}
	return Usage{Credits: r.Credits, DailyUsagePoints: points}
}

// GenerateText implements TextGenerator against the generation backend.
// A 402 maps to ErrInsufficientCredits and a 429 to ErrDailyLimitReached
// so a server-side rejection surfaces exactly like the local precheck.
func (c *TextClient) GenerateText(ctx context.Context, req TextRequest) (TextResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return TextResult{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return TextResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return TextResult{}, fmt.Errorf("%w: generate request: %v", domain.ErrGenerationFailed, err)
	}
	defer resp.Body.Close()

	if err := spendError(resp.StatusCode); err != nil {
		return TextResult{}, err
	}

	var payload generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return TextResult{}, fmt.Errorf("%w: decode generate response: %v", domain.ErrGenerationFailed, err)
	}
	text := strings.TrimSpace(payload.Text)
	if text == "" {
		return TextResult{}, fmt.Errorf("%w: empty text from backend", domain.ErrGenerationFailed)
	}
	return TextResult{Text: text, Usage: payload.usage()}, nil
}

// FetchUsage implements UsageSource via the backend usage endpoint.
func (c *TextClient) FetchUsage(ctx context.Context, userID string) (Usage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/user/usage?userId="+userID, nil)
	if err != nil {
		return Usage{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Usage{}, fmt.Errorf("fetch usage: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Usage{}, fmt.Errorf("fetch usage: status %d", resp.StatusCode)
	}
	var payload generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Usage{}, fmt.Errorf("decode usage: %w", err)
	}
	return payload.usage(), nil
}

// spendError maps backend rejection codes onto the shared error kinds.
func spendError(status int) error {
	switch {
	case status == http.StatusPaymentRequired:
		return domain.ErrInsufficientCredits
	case status == http.StatusTooManyRequests:
		return domain.ErrDailyLimitReached
	case status < 200 || status > 299:
		return fmt.Errorf("%w: backend status %d", domain.ErrGenerationFailed, status)
	}
	return nil
}
