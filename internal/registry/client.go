// SPDX-License-Identifier: MIT

package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client is the capture-host side of the registry protocol.
type Client struct {
	serverURL string
	http      *http.Client
}

// NewClient builds a client for the central registry.
func NewClient(serverURL string) *Client {
	return &Client{
		serverURL: serverURL,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
}

// WithHTTPClient overrides the transport (tests).
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

// Register announces this host and its devices.
func (c *Client) Register(ctx context.Context, host Host) error {
	return c.post(ctx, "/server/system/register", host)
}

// Ping refreshes the host's freshness window with current system stats.
// ErrNotRegistered is returned when the server asks for a re-register.
func (c *Client) Ping(ctx context.Context, hostName string, stats json.RawMessage) error {
	body := map[string]any{"host_name": hostName}
	if len(stats) > 0 {
		body["system_stats"] = stats
	}
	err := c.post(ctx, "/server/system/ping", body)
	return err
}

// Unregister removes this host from the registry.
func (c *Client) Unregister(ctx context.Context, hostName string) error {
	return c.post(ctx, "/server/system/unregister", map[string]any{"host_name": hostName})
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("registry: marshal %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("registry: %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotRegistered
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registry: %s: status %d", path, resp.StatusCode)
	}
	return nil
}
