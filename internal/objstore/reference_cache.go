// SPDX-License-Identifier: MIT

package objstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

// ReferenceCache downloads reference images and keeps a local copy with a
// five minute TTL, revalidating with ETags to avoid re-transfers.
type ReferenceCache struct {
	client *Client
	http   *http.Client
	dir    string
	ttl    time.Duration

	mu    sync.Mutex
	etags map[string]string
	now   func() time.Time
}

// NewReferenceCache builds the cache rooted at dir.
func NewReferenceCache(client *Client, dir string) *ReferenceCache {
	return &ReferenceCache{
		client: client,
		http:   &http.Client{Timeout: 15 * time.Second},
		dir:    dir,
		ttl:    5 * time.Minute,
		etags:  map[string]string{},
		now:    time.Now,
	}
}

// WithClock overrides the TTL clock (tests).
func (rc *ReferenceCache) WithClock(now func() time.Time) *ReferenceCache {
	rc.now = now
	return rc
}

// PublicURL returns the web-visible URL of a reference image, for error
// reporting and audit trails.
func (rc *ReferenceCache) PublicURL(userinterfaceName, name string) string {
	return rc.client.PublicURL(ReferenceKey(userinterfaceName, name))
}

func (rc *ReferenceCache) localPath(key string) string {
	return filepath.Join(rc.dir, strings.ReplaceAll(key, "/", "_"))
}

// Get returns a local path for the reference image, downloading or
// revalidating as needed. A failure when no cached copy exists is returned
// as a structured error, never treated as a miss.
func (rc *ReferenceCache) Get(ctx context.Context, userinterfaceName, name string) (string, error) {
	key := ReferenceKey(userinterfaceName, name)
	local := rc.localPath(key)

	if info, err := os.Stat(local); err == nil && rc.now().Sub(info.ModTime()) < rc.ttl {
		return local, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rc.client.PublicURL(key), nil)
	if err != nil {
		return "", fmt.Errorf("objstore: build reference request: %w", err)
	}
	rc.mu.Lock()
	if etag := rc.etags[key]; etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	rc.mu.Unlock()

	resp, err := rc.http.Do(req)
	if err != nil {
		if _, statErr := os.Stat(local); statErr == nil {
			return local, nil // stale copy beats no copy
		}
		return "", fmt.Errorf("objstore: fetch reference %s: %w", key, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusNotModified:
		now := rc.now()
		_ = os.Chtimes(local, now, now)
		return local, nil
	case http.StatusOK:
		if err := os.MkdirAll(rc.dir, 0o755); err != nil {
			return "", fmt.Errorf("objstore: create cache dir: %w", err)
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", fmt.Errorf("objstore: read reference body: %w", err)
		}
		if err := renameio.WriteFile(local, data, 0o644); err != nil {
			return "", fmt.Errorf("objstore: cache reference: %w", err)
		}
		rc.mu.Lock()
		rc.etags[key] = resp.Header.Get("ETag")
		rc.mu.Unlock()
		return local, nil
	case http.StatusNotFound:
		return "", fmt.Errorf("objstore: reference %s not found", key)
	default:
		return "", fmt.Errorf("objstore: fetch reference %s: status %d", key, resp.StatusCode)
	}
}
