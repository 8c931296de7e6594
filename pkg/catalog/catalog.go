// Package catalog loads the per-action credit costs and per-plan daily
// quotas from the plan service. The snapshot is fetched once and treated
// as immutable for the process lifetime; Reload exists for full restarts
// of the dashboard session only.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"postpilot/pkg/domain"
)

// Snapshot is one immutable read of the cost/plan catalog.
type Snapshot struct {
	Costs domain.CreditCosts
	Plans []domain.Plan
}

// PlanByID finds a plan in the snapshot.
func (s Snapshot) PlanByID(id string) (domain.Plan, bool) {
	for _, p := range s.Plans {
		if p.ID == id {
			return p, true
		}
	}
	return domain.Plan{}, false
}

// Client fetches catalog data over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a catalog client for the plan service base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Fetch reads /api/config and /api/plans concurrently.
func (c *Client) Fetch(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var payload struct {
			CreditCosts domain.CreditCosts `json:"creditCosts"`
		}
		if err := c.getJSON(ctx, "/api/config", &payload); err != nil {
			return fmt.Errorf("fetch config: %w", err)
		}
		snap.Costs = payload.CreditCosts
		return nil
	})
	g.Go(func() error {
		var plans []domain.Plan
		if err := c.getJSON(ctx, "/api/plans", &plans); err != nil {
			return fmt.Errorf("fetch plans: %w", err)
		}
		snap.Plans = plans
		return nil
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Catalog caches one snapshot for the session lifetime.
type Catalog struct {
	client *Client

	mu   sync.RWMutex
	snap *Snapshot
}

// New wraps a client in a caching catalog.
func New(client *Client) *Catalog {
	return &Catalog{client: client}
}

// Load fetches the snapshot if not already cached.
func (c *Catalog) Load(ctx context.Context) error {
	c.mu.RLock()
	loaded := c.snap != nil
	c.mu.RUnlock()
	if loaded {
		return nil
	}
	return c.Reload(ctx)
}

// Reload forces a fresh fetch, replacing the cached snapshot.
func (c *Catalog) Reload(ctx context.Context) error {
	snap, err := c.client.Fetch(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.snap = &snap
	c.mu.Unlock()
	return nil
}

// Snapshot returns the cached snapshot. ok is false before the first Load.
func (c *Catalog) Snapshot() (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snap == nil {
		return Snapshot{}, false
	}
	return *c.snap, true
}
