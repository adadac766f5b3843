// SPDX-License-Identifier: MIT

// Package layout resolves hot (tmpfs) and cold (disk) storage paths for each
// capture device and file class. It is a pure resolver: no service logic.
package layout

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stbmon/capturehost/internal/config"
)

// Class identifies a storage file class with its own retention and limits.
type Class string

const (
	ClassCaptures    Class = "captures"
	ClassThumbnails  Class = "thumbnails"
	ClassMetadata    Class = "metadata"
	ClassSegments    Class = "segments"
	ClassAudio       Class = "audio"
	ClassTranscripts Class = "transcripts"
)

// classDir maps a class to its directory name under the device root.
// Thumbnails live next to full-res captures.
func classDir(class Class) string {
	if class == ClassThumbnails {
		return string(ClassCaptures)
	}
	return string(class)
}

// Resolver maps capture folders onto the filesystem.
type Resolver struct {
	cfg      *config.Config
	confPath string
}

// NewResolver builds a resolver over the host configuration.
func NewResolver(cfg *config.Config) *Resolver {
	return &Resolver{cfg: cfg, confPath: config.ActiveCapturesPath}
}

// WithActiveCapturesPath overrides the active-captures file location (tests).
func (r *Resolver) WithActiveCapturesPath(path string) *Resolver {
	r.confPath = path
	return r
}

// DeviceBasePath returns the device root directory for a capture folder.
func (r *Resolver) DeviceBasePath(captureFolder string) (string, error) {
	if dev, ok := r.cfg.DeviceByFolder(captureFolder); ok {
		return dev.CapturePath, nil
	}
	return "", fmt.Errorf("layout: unknown capture folder %q", captureFolder)
}

// isRAMMode reports whether the device uses a hot/ tmpfs subtree.
func isRAMMode(base string) bool {
	info, err := os.Stat(filepath.Join(base, "hot"))
	return err == nil && info.IsDir()
}

// HotDirForBase returns the producer-written directory for a class under a
// device base path, honouring RAM mode.
func HotDirForBase(base string, class Class) string {
	if isRAMMode(base) {
		return filepath.Join(base, "hot", classDir(class))
	}
	return filepath.Join(base, classDir(class))
}

// ColdDirForBase returns the persistent directory for a class under a device
// base path.
func ColdDirForBase(base string, class Class) string {
	return filepath.Join(base, classDir(class))
}

// ActivePath returns the directory currently written by producers for the
// given class: the hot subtree in RAM mode, the cold tree otherwise.
func (r *Resolver) ActivePath(captureFolder string, class Class) (string, error) {
	base, err := r.DeviceBasePath(captureFolder)
	if err != nil {
		return "", err
	}
	if isRAMMode(base) {
		return filepath.Join(base, "hot", classDir(class)), nil
	}
	return filepath.Join(base, classDir(class)), nil
}

// ColdStoragePath returns the persistent directory for the given class,
// regardless of RAM mode.
func (r *Resolver) ColdStoragePath(captureFolder string, class Class) (string, error) {
	base, err := r.DeviceBasePath(captureFolder)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, classDir(class)), nil
}

// CaptureBaseDirectories returns the active capture directories, reading the
// shared conf file with a fallback to the configured devices.
func (r *Resolver) CaptureBaseDirectories() []string {
	dirs, err := config.ReadActiveCaptures(r.confPath)
	if err == nil && len(dirs) > 0 {
		return dirs
	}
	fallback := make([]string, 0, len(r.cfg.Devices))
	for _, d := range r.cfg.Devices {
		fallback = append(fallback, d.CapturePath)
	}
	return fallback
}

// DeviceInfoFromCaptureFolder maps a capture folder to its device identity.
func (r *Resolver) DeviceInfoFromCaptureFolder(captureFolder string) (config.DeviceInfo, bool) {
	return r.cfg.DeviceByFolder(captureFolder)
}

// CopyToColdStorage copies src into the cold tree for the given class,
// preserving the base name. The copy is idempotent: an existing destination
// of the same size is left untouched. Used to persist transition evidence
// before hot eviction.
func (r *Resolver) CopyToColdStorage(captureFolder string, class Class, src string) (string, error) {
	coldDir, err := r.ColdStoragePath(captureFolder, class)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(coldDir, 0o777); err != nil {
		return "", fmt.Errorf("layout: create cold dir: %w", err)
	}
	dst := filepath.Join(coldDir, filepath.Base(src))

	srcInfo, err := os.Stat(src)
	if err != nil {
		return "", fmt.Errorf("layout: stat source: %w", err)
	}
	if dstInfo, err := os.Stat(dst); err == nil && dstInfo.Size() == srcInfo.Size() {
		return dst, nil
	}

	in, err := os.Open(src) // #nosec G304
	if err != nil {
		return "", fmt.Errorf("layout: open source: %w", err)
	}
	defer func() { _ = in.Close() }()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp) // #nosec G304
	if err != nil {
		return "", fmt.Errorf("layout: create destination: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("layout: copy: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("layout: close destination: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("layout: rename destination: %w", err)
	}
	return dst, nil
}

// ChunkLocation returns the (hour, chunkIndex) bucket for a local timestamp.
// Chunks are 10 minutes wide, so chunkIndex is 0..5.
func ChunkLocation(t time.Time) (hour, chunkIndex int) {
	return t.Hour(), t.Minute() / 10
}

// ThumbnailPathFromCapture derives the sibling thumbnail path from a full-res
// capture path: capture_000000123.jpg -> capture_000000123_thumbnail.jpg.
func ThumbnailPathFromCapture(capturePath string) string {
	ext := filepath.Ext(capturePath)
	return strings.TrimSuffix(capturePath, ext) + "_thumbnail" + ext
}

// SequenceFromCapture extracts the 9-digit sequence from a capture filename,
// or -1 if the name does not match the capture pattern.
func SequenceFromCapture(name string) int64 {
	base := filepath.Base(name)
	if !strings.HasPrefix(base, "capture_") || strings.Contains(base, "_thumbnail") {
		return -1
	}
	seq := strings.TrimSuffix(strings.TrimPrefix(base, "capture_"), filepath.Ext(base))
	if len(seq) == 0 {
		return -1
	}
	var n int64
	for _, r := range seq {
		if r < '0' || r > '9' {
			return -1
		}
		n = n*10 + int64(r-'0')
	}
	return n
}
