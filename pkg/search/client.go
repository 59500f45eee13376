// Package search is the HTTP client for the indexing backend. The backend is
// an external collaborator: this client only knows how to upsert and remove
// documents, and an empty base URL means the backend is not provisioned.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Configured reports whether a backend URL is set. Callers treat an
// unconfigured backend as skippable, not as an error.
func (c *Client) Configured() bool {
	return c.baseURL != ""
}

type indexRequest struct {
	OrgID    string          `json:"org_id"`
	Document json.RawMessage `json:"document,omitempty"`
}

// IndexEntity upserts the document for an entity. Indexing is keyed by
// entity id, so replaying the same event is idempotent on the backend.
func (c *Client) IndexEntity(ctx context.Context, orgID, entityType, entityID string, doc json.RawMessage) error {
	body, err := json.Marshal(indexRequest{OrgID: orgID, Document: doc})
	if err != nil {
		return fmt.Errorf("marshal index request: %w", err)
	}
	return c.do(ctx, http.MethodPut, c.entityURL(entityType, entityID), body)
}

// RemoveEntity deletes an entity from the index. Deleting an absent entity
// is not an error on the backend.
func (c *Client) RemoveEntity(ctx context.Context, orgID, entityType, entityID string) error {
	return c.do(ctx, http.MethodDelete, c.entityURL(entityType, entityID)+"?org_id="+orgID, nil)
}

func (c *Client) entityURL(entityType, entityID string) string {
	return fmt.Sprintf("%s/v1/index/%s/%s", c.baseURL, entityType, entityID)
}

func (c *Client) do(ctx context.Context, method, url string, body []byte) error {
	if !c.Configured() {
		return fmt.Errorf("search backend not configured")
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: unexpected status %s", method, url, resp.Status)
	}
	return nil
}
