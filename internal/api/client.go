package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/banshee-data/muon.report/internal/db"
	"github.com/banshee-data/muon.report/internal/httputil"
)

// Client talks to a running muon server.
type Client struct {
	BaseURL string
	HTTP    httputil.HTTPClient
}

// NewClient returns a client for the server at baseURL using http.DefaultClient.
func NewClient(baseURL string) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: http.DefaultClient}
}

func (c *Client) url(path string) string {
	return c.BaseURL + path
}

// CreateResult queues a new analysis.
func (c *Client) CreateResult(ctx context.Context, req CreateRequest) (*db.Result, error) {
	var out db.Result
	if err := httputil.DoJSON(ctx, c.HTTP, http.MethodPost, c.url("/api/results"), req, &out); err != nil {
		return nil, fmt.Errorf("create result: %w", err)
	}
	return &out, nil
}

// GetResult fetches a result with its effective parameters.
func (c *Client) GetResult(ctx context.Context, id string) (*ResultView, error) {
	out := ResultView{Result: &db.Result{}}
	if err := httputil.DoJSON(ctx, c.HTTP, http.MethodGet, c.url("/api/results/"+url.PathEscape(id)), nil, &out); err != nil {
		return nil, fmt.Errorf("get result %s: %w", id, err)
	}
	return &out, nil
}

// Reanalyse requeues a result with the given parameter overrides.
func (c *Client) Reanalyse(ctx context.Context, id string, overrides map[string]string) (*db.Result, error) {
	if overrides == nil {
		overrides = map[string]string{}
	}
	var out db.Result
	path := "/api/results/" + url.PathEscape(id) + "/reanalyse"
	if err := httputil.DoJSON(ctx, c.HTTP, http.MethodPost, c.url(path), overrides, &out); err != nil {
		return nil, fmt.Errorf("reanalyse %s: %w", id, err)
	}
	return &out, nil
}

// Wait polls a result every interval until it is complete or failed.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration) (*ResultView, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r, err := c.GetResult(ctx, id)
		if err != nil {
			return nil, err
		}
		if r.Status.Done() {
			return r, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
