// Package client is a thin Go SDK for talking to a router over its HTTP
// /v1/execute document-operation endpoint, for services that would rather not hand-roll the request/reply
// shapes in pkg/models.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sharding-system/pkg/models"
)

// Client is the sharding client library for microservices.
type Client struct {
	routerURL  string
	httpClient *http.Client
}

// NewClient creates a new sharding client pointed at a router's base URL.
func NewClient(routerURL string) *Client {
	return &Client{
		routerURL: routerURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Insert inserts a document into collection.
func (c *Client) Insert(ctx context.Context, collection string, document map[string]string) (*models.QueryResponse, error) {
	return c.execute(ctx, &models.OpRequest{Collection: collection, Op: "insert", Document: document})
}

// Upsert replaces the document matching filter, or inserts replacement if
// none matches.
func (c *Client) Upsert(ctx context.Context, collection string, filter, replacement map[string]string) (*models.QueryResponse, error) {
	return c.execute(ctx, &models.OpRequest{Collection: collection, Op: "upsert", Filter: filter, Replacement: replacement})
}

// Point looks up a single document by its full shard-key value.
func (c *Client) Point(ctx context.Context, collection string, pointValues []string) (*models.QueryResponse, error) {
	return c.execute(ctx, &models.OpRequest{Collection: collection, Op: "point", PointValues: pointValues})
}

// Query scatters a filtered read across every shard owning a matching
// chunk.
func (c *Client) Query(ctx context.Context, collection string, filter map[string]string) (*models.QueryResponse, error) {
	return c.execute(ctx, &models.OpRequest{Collection: collection, Op: "query", Filter: filter})
}

// execute posts an OpRequest to the router's /v1/execute endpoint.
func (c *Client) execute(ctx context.Context, req *models.OpRequest) (*models.QueryResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("client: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/execute", c.routerURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("client: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("client: execute op: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("client: op failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result models.QueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("client: decode response: %w", err)
	}
	return &result, nil
}
