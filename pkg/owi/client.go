// Package owi is a client for the external user/group directory. The
// directory's internals are opaque; the gateway only needs group membership
// rewrites (share sync, published assistants) and user lookups.
package owi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// GroupSyncer is the slice of the directory the sharing layer needs.
type GroupSyncer interface {
	// SyncGroup rewrites the membership of the named group to exactly
	// the given emails, creating the group if needed.
	SyncGroup(ctx context.Context, groupName string, emails []string) error

	// DeleteGroup removes the group. Missing groups are not an error.
	DeleteGroup(ctx context.Context, groupName string) error
}

// Config for the directory client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func (c *Config) SetDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

// Client talks to the directory over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required for directory client")
	}
	cfg.SetDefaults()

	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}, nil
}

type syncGroupRequest struct {
	Name       string   `json:"name"`
	UserEmails []string `json:"user_emails"`
}

// SyncGroup rewrites the group membership in one call. Rewrites are
// idempotent, so a failed sync can always be repaired by re-running it.
func (c *Client) SyncGroup(ctx context.Context, groupName string, emails []string) error {
	payload, err := json.Marshal(syncGroupRequest{Name: groupName, UserEmails: emails})
	if err != nil {
		return fmt.Errorf("failed to marshal group sync: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST",
		c.baseURL+"/api/v1/groups/sync", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("group sync failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("group sync failed: status %d, body: %s", resp.StatusCode, string(body))
	}
	return nil
}

// DeleteGroup removes the group from the directory.
func (c *Client) DeleteGroup(ctx context.Context, groupName string) error {
	req, err := http.NewRequestWithContext(ctx, "DELETE",
		c.baseURL+"/api/v1/groups/"+groupName, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("group delete failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK &&
		resp.StatusCode != http.StatusNoContent &&
		resp.StatusCode != http.StatusNotFound {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("group delete failed: status %d, body: %s", resp.StatusCode, string(body))
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// Ensure Client implements GroupSyncer.
var _ GroupSyncer = (*Client)(nil)
