// SPDX-License-Identifier: MIT

package transcribe

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stbmon/capturehost/internal/config"
	"github.com/stbmon/capturehost/internal/incident"
	"github.com/stbmon/capturehost/internal/layout"
	xglog "github.com/stbmon/capturehost/internal/log"
	"github.com/stbmon/capturehost/internal/metrics"
	"github.com/stbmon/capturehost/internal/objstore"
	"github.com/stbmon/capturehost/internal/sidecar"
)

const (
	// audioCheckInterval paces the per-device loudness loop.
	audioCheckInterval = 5 * time.Second
	// audioProbeWindow is the decoded slice per check.
	audioProbeWindow = 500 * time.Millisecond
	// sidecarFreshness bounds how old a sidecar may be to receive the
	// audio facts of this check.
	sidecarFreshness = 2 * time.Second
	// sidecarRetries covers the race with the frame analyzer writing the
	// sidecar a moment after the capture appears.
	sidecarRetries    = 3
	sidecarRetryDelay = 500 * time.Millisecond
	// evidenceFrames is how many recent frames back an audio-loss alert.
	evidenceFrames = 3
)

// AudioCache receives the freshest loudness facts per device; the frame
// analyzer stamps them into subsequent sidecars.
type AudioCache interface {
	CacheAudio(deviceID string, audio bool, meanVolumeDB float64, checkedAt, segmentFile string)
}

// AudioWorker samples the newest stream segment of every device on a fixed
// interval and feeds the loudness verdict to the sidecars, the incident
// manager, and the audio cache.
type AudioWorker struct {
	resolver  *layout.Resolver
	devices   []config.DeviceInfo
	probe     VolumeProbe
	incidents *incident.Manager
	cache     AudioCache
	uploader  objstore.Uploader
	logger    zerolog.Logger
	now       func() time.Time
	interval  time.Duration
}

// NewAudioWorker builds the worker. cache and uploader may be nil.
func NewAudioWorker(resolver *layout.Resolver, devices []config.DeviceInfo, probe VolumeProbe, incidents *incident.Manager, cache AudioCache, uploader objstore.Uploader) *AudioWorker {
	return &AudioWorker{
		resolver:  resolver,
		devices:   devices,
		probe:     probe,
		incidents: incidents,
		cache:     cache,
		uploader:  uploader,
		logger:    xglog.WithComponent("audio"),
		now:       time.Now,
		interval:  audioCheckInterval,
	}
}

// WithClock overrides the clock (tests).
func (w *AudioWorker) WithClock(now func() time.Time) *AudioWorker {
	w.now = now
	return w
}

// WithInterval overrides the check interval (tests).
func (w *AudioWorker) WithInterval(d time.Duration) *AudioWorker {
	w.interval = d
	return w
}

// Run checks every device on the interval until the context ends.
func (w *AudioWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, dev := range w.devices {
				if dev.DeviceID == "host" {
					continue
				}
				w.CheckDevice(ctx, dev)
			}
		}
	}
}

// CheckDevice probes the newest segment of one device and publishes the
// verdict.
func (w *AudioWorker) CheckDevice(ctx context.Context, dev config.DeviceInfo) {
	segDir, err := w.resolver.ActivePath(dev.CaptureFolder, layout.ClassSegments)
	if err != nil {
		return
	}
	segment := newestSegment(segDir)
	if segment == "" {
		return
	}

	mean, err := w.probe.MeanVolume(ctx, segment, audioProbeWindow)
	if err != nil {
		w.logger.Warn().Err(err).
			Str(xglog.FieldDevice, dev.DeviceID).
			Str("segment", filepath.Base(segment)).
			Msg("volume probe failed")
		return
	}
	hasAudio := !IsSilent(mean)
	checkedAt := sidecar.Timestamp(w.now())
	metrics.AudioChecked(dev.CaptureFolder, hasAudio)

	if w.cache != nil {
		w.cache.CacheAudio(dev.DeviceID, hasAudio, mean, checkedAt, filepath.Base(segment))
	}
	w.injectIntoSidecar(dev, hasAudio, mean, checkedAt, filepath.Base(segment))

	transition := w.incidents.ProcessAudioDetection(ctx, dev, hasAudio, mean)
	if transition == incident.TransitionFirstDetected {
		w.uploadEvidence(ctx, dev)
	}
}

// injectIntoSidecar merges the audio facts into the most recent fresh
// sidecar, retrying briefly while the frame analyzer is still writing it.
func (w *AudioWorker) injectIntoSidecar(dev config.DeviceInfo, hasAudio bool, mean float64, checkedAt, segmentFile string) {
	capturesDir, err := w.resolver.ActivePath(dev.CaptureFolder, layout.ClassCaptures)
	if err != nil {
		return
	}
	merge := map[string]any{
		"audio":                 hasAudio,
		"mean_volume_db":        mean,
		"audio_check_timestamp": checkedAt,
		"audio_segment_file":    segmentFile,
	}
	for attempt := 0; attempt < sidecarRetries; attempt++ {
		frame := newestFrame(capturesDir)
		if frame != "" {
			path := sidecar.PathFor(frame)
			if info, err := os.Stat(path); err == nil && w.now().Sub(info.ModTime()) <= sidecarFreshness {
				if err := sidecar.Update(path, merge); err == nil {
					return
				}
			}
		}
		time.Sleep(sidecarRetryDelay)
	}
}

// uploadEvidence pushes the last few frames and thumbnails for a new
// audio-loss incident and caches the URLs for the alert.
func (w *AudioWorker) uploadEvidence(ctx context.Context, dev config.DeviceInfo) {
	if w.uploader == nil {
		return
	}
	capturesDir, err := w.resolver.ActivePath(dev.CaptureFolder, layout.ClassCaptures)
	if err != nil {
		return
	}
	frames := recentFrames(capturesDir, evidenceFrames)
	if len(frames) == 0 {
		return
	}
	at := w.now()
	urls := map[string]string{}
	for i, path := range frames {
		key := objstore.FreezeEvidenceKey(string(incident.KindAudioLoss), dev.CaptureFolder, at, i, false)
		if url, err := w.uploader.UploadFile(ctx, key, path); err == nil {
			urls["frame_"+strconv.Itoa(i)] = url
		}
		thumb := layout.ThumbnailPathFromCapture(path)
		if _, err := os.Stat(thumb); err == nil {
			key = objstore.FreezeEvidenceKey(string(incident.KindAudioLoss), dev.CaptureFolder, at, i, true)
			if url, err := w.uploader.UploadFile(ctx, key, thumb); err == nil {
				urls["thumb_"+strconv.Itoa(i)] = url
			}
		}
	}
	if len(urls) > 0 {
		w.incidents.CacheEvidence(dev.DeviceID, incident.KindAudioLoss, urls)
	}
}

// newestSegment returns the most recently modified stream segment, or "".
func newestSegment(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestMTime time.Time
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "segment_") {
			continue
		}
		if !strings.HasSuffix(name, ".ts") && !strings.HasSuffix(name, ".mp4") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(bestMTime) {
			best = filepath.Join(dir, name)
			bestMTime = info.ModTime()
		}
	}
	return best
}

// newestFrame returns the most recently modified capture frame, or "".
func newestFrame(dir string) string {
	frames := recentFrames(dir, 1)
	if len(frames) == 0 {
		return ""
	}
	return frames[0]
}

// recentFrames returns up to n capture frames, oldest first.
func recentFrames(dir string, n int) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	type frame struct {
		path  string
		mtime time.Time
	}
	var frames []frame
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "capture_") || !strings.HasSuffix(name, ".jpg") {
			continue
		}
		if strings.Contains(name, "_thumbnail") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		frames = append(frames, frame{path: filepath.Join(dir, name), mtime: info.ModTime()})
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i].mtime.Before(frames[j].mtime) })
	if len(frames) > n {
		frames = frames[len(frames)-n:]
	}
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.path
	}
	return out
}
