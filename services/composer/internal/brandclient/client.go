// Package brandclient fetches the user's stored brand profile from the
// profile service so sessions start with their brand context prefilled.
package brandclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"postpilot/pkg/domain"
)

// Client reads brand profiles over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New builds a brand profile client. An empty baseURL disables lookups;
// Fetch then reports not found.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Fetch returns the stored profile for a user. A 404 or an unconfigured
// client reports found=false; sessions then start with an empty profile.
func (c *Client) Fetch(ctx context.Context, userID string) (domain.BrandProfile, bool, error) {
	if c.baseURL == "" {
		return domain.BrandProfile{}, false, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/user/brand-profile?userId="+userID, nil)
	if err != nil {
		return domain.BrandProfile{}, false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.BrandProfile{}, false, fmt.Errorf("fetch brand profile: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return domain.BrandProfile{}, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return domain.BrandProfile{}, false, fmt.Errorf("fetch brand profile: status %d", resp.StatusCode)
	}
	var profile domain.BrandProfile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return domain.BrandProfile{}, false, fmt.Errorf("decode brand profile: %w", err)
	}
	return profile, true, nil
}
