// SPDX-License-Identifier: MIT

// Package objstore uploads evidence, reports and reference images to the
// R2-compatible object store and caches reference downloads locally.
package objstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"time"

	"github.com/rs/zerolog"

	xglog "github.com/stbmon/capturehost/internal/log"
	"github.com/stbmon/capturehost/internal/metrics"
)

// Uploader is the write-side contract. Upload failures are non-fatal for
// callers: sidecars and DB rows fall back to local paths.
type Uploader interface {
	Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
	UploadFile(ctx context.Context, key, localPath string) (string, error)
}

// Client talks to the store's HTTP gateway with per-call timeouts.
type Client struct {
	endpoint   string
	bucket     string
	publicBase string
	accessKey  string
	secretKey  string
	http       *http.Client
	logger     zerolog.Logger
}

// Config carries the store credentials.
type Config struct {
	Endpoint   string
	Bucket     string
	PublicBase string
	AccessKey  string
	SecretKey  string
}

// NewClient builds an uploader, or nil-equivalent behaviour via NullUploader
// when the endpoint is unset.
func NewClient(cfg Config) *Client {
	return &Client{
		endpoint:   cfg.Endpoint,
		bucket:     cfg.Bucket,
		publicBase: cfg.PublicBase,
		accessKey:  cfg.AccessKey,
		secretKey:  cfg.SecretKey,
		http:       &http.Client{Timeout: 30 * time.Second},
		logger:     xglog.WithComponent("objstore"),
	}
}

// WithHTTPClient overrides the transport (tests).
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

func (c *Client) objectURL(key string) string {
	return fmt.Sprintf("%s/%s/%s", c.endpoint, c.bucket, key)
}

// PublicURL returns the web-visible URL for an uploaded key.
func (c *Client) PublicURL(key string) string {
	base := c.publicBase
	if base == "" {
		base = fmt.Sprintf("%s/%s", c.endpoint, c.bucket)
	}
	return base + "/" + key
}

// Upload PUTs one object and returns its public URL.
func (c *Client) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.objectURL(key), body)
	if err != nil {
		return "", fmt.Errorf("objstore: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Access-Key-Id", c.accessKey)
	req.Header.Set("Authorization", "Bearer "+c.secretKey)

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.Upload("failure")
		return "", fmt.Errorf("objstore: put %s: %w", key, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.Upload("failure")
		return "", fmt.Errorf("objstore: put %s: status %d", key, resp.StatusCode)
	}
	metrics.Upload("success")
	return c.PublicURL(key), nil
}

// UploadFile PUTs a local file, inferring the content type from the name.
func (c *Client) UploadFile(ctx context.Context, key, localPath string) (string, error) {
	f, err := os.Open(localPath) // #nosec G304
	if err != nil {
		return "", fmt.Errorf("objstore: open %s: %w", localPath, err)
	}
	defer func() { _ = f.Close() }()
	return c.Upload(ctx, key, f, contentTypeFor(localPath))
}

func contentTypeFor(name string) string {
	switch path.Ext(name) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".html":
		return "text/html; charset=utf-8"
	case ".json":
		return "application/json"
	case ".mp3":
		return "audio/mpeg"
	default:
		return "application/octet-stream"
	}
}

// NullUploader is used when no object store is configured; callers keep
// local paths.
type NullUploader struct{}

var errNoStore = fmt.Errorf("objstore: not configured")

func (NullUploader) Upload(context.Context, string, io.Reader, string) (string, error) {
	return "", errNoStore
}

func (NullUploader) UploadFile(context.Context, string, string) (string, error) {
	return "", errNoStore
}

// Key conventions.

// FreezeEvidenceKey builds alerts/<kind>/<capture_folder>/HHMM_{frame,thumb}_<i>.jpg.
func FreezeEvidenceKey(kind, captureFolder string, at time.Time, index int, thumb bool) string {
	variant := "frame"
	if thumb {
		variant = "thumb"
	}
	return fmt.Sprintf("alerts/%s/%s/%s_%s_%d.jpg", kind, captureFolder, at.Format("1504"), variant, index)
}

// KPIReportKey builds <prefix>/<execution_result_id>/<timestamp>.html.
func KPIReportKey(prefix, executionResultID string, at time.Time) string {
	return fmt.Sprintf("%s/%s/%d.html", prefix, executionResultID, at.Unix())
}

// KPIImageKey builds the per-report image keys.
func KPIImageKey(prefix, executionResultID, name string) string {
	return fmt.Sprintf("%s/%s/%s", prefix, executionResultID, name)
}

// ReferenceKey builds reference-images/<userinterface_name>/<name>.jpg.
func ReferenceKey(userinterfaceName, name string) string {
	return fmt.Sprintf("reference-images/%s/%s.jpg", userinterfaceName, name)
}

// ZapEvidenceKey builds the per-event transition image keys.
func ZapEvidenceKey(captureFolder, zapID, stage string) string {
	return fmt.Sprintf("zapping/%s/%s/%s.jpg", captureFolder, zapID, stage)
}
