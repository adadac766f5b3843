// SPDX-License-Identifier: MIT

// Package speedtest shares bandwidth measurements between services through a
// locked cache file. Measuring is expensive; any process may refresh the
// cache, everyone else reads it.
package speedtest

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/renameio/v2"

	"github.com/stbmon/capturehost/internal/config"
	"github.com/stbmon/capturehost/internal/fslock"
)

// CacheTTL is how long a measurement stays valid.
const CacheTTL = 10 * time.Minute

// Result is one bandwidth measurement.
type Result struct {
	Timestamp    float64 `json:"timestamp"` // unix seconds
	DownloadMbps float64 `json:"download_mbps"`
	UploadMbps   float64 `json:"upload_mbps"`
}

// Cache reads and writes the shared measurement file.
type Cache struct {
	path string
	now  func() time.Time
}

// NewCache uses the shared /tmp cache location.
func NewCache() *Cache {
	return &Cache{path: config.SpeedtestCachePath, now: time.Now}
}

// WithPath overrides the cache location (tests).
func (c *Cache) WithPath(path string) *Cache {
	c.path = path
	return c
}

// WithClock overrides the clock (tests).
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Read returns the cached measurement if it is still within the TTL.
func (c *Cache) Read() (Result, bool) {
	lock, err := fslock.AcquireShared(c.path + ".lock")
	if err != nil {
		return Result{}, false
	}
	defer func() { _ = lock.Release() }()

	data, err := os.ReadFile(c.path) // #nosec G304
	if err != nil {
		return Result{}, false
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return Result{}, false
	}
	age := c.now().Sub(time.Unix(0, int64(res.Timestamp*1e9)))
	if age < 0 || age > CacheTTL {
		return Result{}, false
	}
	return res, true
}

// Write replaces the cached measurement.
func (c *Cache) Write(download, upload float64) error {
	lock, err := fslock.Acquire(c.path + ".lock")
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	res := Result{
		Timestamp:    float64(c.now().UnixNano()) / 1e9,
		DownloadMbps: download,
		UploadMbps:   upload,
	}
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("speedtest: marshal: %w", err)
	}
	if err := renameio.WriteFile(c.path, data, 0o666); err != nil {
		return fmt.Errorf("speedtest: write cache: %w", err)
	}
	return nil
}
