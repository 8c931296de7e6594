// Package publishclient submits finished content to the social publishing
// service and mints tracking links for plans that allow them.
package publishclient

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

// Client talks to the publishing service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New builds a publish client.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Request is the payload for one publish call.
type Request struct {
	UserID      string `json:"userId"`
	Type        string `json:"type"`
	Title       string `json:"title,omitempty"`
	Body        string `json:"body"`
	ImageURL    string `json:"imageUrl,omitempty"`
	Identity    string `json:"identity"`
	TrackingURL string `json:"trackingUrl,omitempty"`
}

// Result reports the outcome of a publish call.
type Result struct {
	PostID       string `json:"postId"`
	PermalinkURL string `json:"permalinkUrl,omitempty"`
}

// Publish submits the content. Any failure wraps ErrPublishFailed so the
// session can revert to review with the draft intact.
func (c *Client) Publish(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: encode request: %v", domain.ErrPublishFailed, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/publish", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("%w: build request: %v", domain.ErrPublishFailed, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", domain.ErrPublishFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, fmt.Errorf("%w: status %d", domain.ErrPublishFailed, resp.StatusCode)
	}
	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("%w: decode response: %v", domain.ErrPublishFailed, err)
	}
	return result, nil
}

// CreateTrackingLink wraps a target URL in a tracked redirect. Tracking is
// a plan feature; callers gate on the plan before asking.
func (c *Client) CreateTrackingLink(ctx context.Context, userID, targetURL string) (string, error) {
	body, err := json.Marshal(map[string]string{"userId": userID, "targetUrl": targetURL})
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/tracking-links", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("create tracking link: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("create tracking link: status %d", resp.StatusCode)
	}
	var payload struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode tracking link: %w", err)
	}
	if strings.TrimSpace(payload.URL) == "" {
		return "", fmt.Errorf("create tracking link: empty url")
	}
	return payload.URL, nil
}
