// Package top implements the cadence-top terminal dashboard.
package top

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/cadence/internal/health"
	"github.com/zsiec/cadence/internal/ingestion"
	"github.com/zsiec/cadence/internal/ingestion/producer"
)

// Snapshot is one poll of a daemon.
type Snapshot struct {
	Health   health.Status
	Stats    ingestion.Stats
	Sessions []producer.Info
	Fetched  time.Time
	Latency  time.Duration
}

// Client polls the control API of one daemon.
type Client struct {
	base string
	http *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Fetch polls health, stats and sessions concurrently. Health is informative
// only; a down daemon still answers its API.
func (c *Client) Fetch(ctx context.Context) (*Snapshot, error) {
	start := time.Now()
	snap := &Snapshot{Health: health.StatusDown}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var resp ingestion.SessionListResponse
		if err := c.get(gctx, "/api/v1/sessions", &resp); err != nil {
			return err
		}
		snap.Sessions = resp.Sessions
		return nil
	})
	g.Go(func() error {
		return c.get(gctx, "/api/v1/stats", &snap.Stats)
	})
	g.Go(func() error {
		var resp health.Response
		if err := c.get(gctx, "/health", &resp); err == nil {
			snap.Health = resp.Status
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snap.Fetched = time.Now()
	snap.Latency = snap.Fetched.Sub(start)
	return snap, nil
}

// Delete removes a session.
func (c *Client) Delete(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.base+"/api/v1/sessions/"+id, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("delete %s: %s", id, resp.Status)
	}
	return nil
}

// get decodes any JSON body, including health's 503 answer.
func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusServiceUnavailable {
		return fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	return nil
}
