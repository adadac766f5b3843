// SPDX-License-Identifier: MIT

// Package monitor watches capture directories and drives the per-frame
// pipeline: detect, report incidents, write the sidecar. One event loop per
// host process; detection runs inline so sidecar order matches frame order.
package monitor

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/stbmon/capturehost/internal/actions"
	"github.com/stbmon/capturehost/internal/config"
	"github.com/stbmon/capturehost/internal/detect"
	"github.com/stbmon/capturehost/internal/incident"
	"github.com/stbmon/capturehost/internal/layout"
	xglog "github.com/stbmon/capturehost/internal/log"
	"github.com/stbmon/capturehost/internal/metrics"
	"github.com/stbmon/capturehost/internal/objstore"
	"github.com/stbmon/capturehost/internal/sidecar"
)

// recentDepth is the per-device frame history kept for freeze comparison.
const recentDepth = 5

// actionWindow is how recently an action must have completed for a zap to be
// labeled automatic.
const actionWindow = 10 * time.Second

// ZapObserver receives the blackscreen-end edge that marks a channel change.
// The monitor never blocks on it; implementations queue their own work.
type ZapObserver interface {
	BlackscreenEnded(dev config.DeviceInfo, framePath string, blackscreenDuration time.Duration, act *actions.Action)
}

// audioFacts is the cached audio state stamped into sidecars between audio
// worker samples.
type audioFacts struct {
	audio       bool
	meanVolume  float64
	checkedAt   string
	segmentFile string
}

type deviceRuntime struct {
	dev      config.DeviceInfo
	detector *detect.Detector

	recent     []string // newest last
	audio      *audioFacts
	blackSince time.Time
	wasBlack   bool
}

// Monitor is the capture-directory event loop.
type Monitor struct {
	resolver  *layout.Resolver
	incidents *incident.Manager
	uploader  objstore.Uploader
	zap       ZapObserver
	logger    zerolog.Logger
	now       func() time.Time

	checkMacroblocks bool

	mu      sync.Mutex
	devices map[string]*deviceRuntime // capture dir -> runtime
}

// New builds the monitor over the configured devices. uploader and zap may be
// nil; evidence upload and zap detection are then skipped.
func New(cfg *config.Config, resolver *layout.Resolver, incidents *incident.Manager, uploader objstore.Uploader, checkMacroblocks bool) *Monitor {
	m := &Monitor{
		resolver:         resolver,
		incidents:        incidents,
		uploader:         uploader,
		logger:           xglog.WithComponent("monitor"),
		now:              time.Now,
		checkMacroblocks: checkMacroblocks,
		devices:          map[string]*deviceRuntime{},
	}
	for _, dev := range cfg.Devices {
		dir, err := resolver.ActivePath(dev.CaptureFolder, layout.ClassCaptures)
		if err != nil {
			continue
		}
		mobile := strings.Contains(strings.ToLower(dev.DeviceModel), "mobile")
		m.devices[dir] = &deviceRuntime{
			dev:      dev,
			detector: detect.New(mobile, checkMacroblocks),
		}
	}
	return m
}

// WithZapObserver wires the channel-change edge consumer.
func (m *Monitor) WithZapObserver(z ZapObserver) *Monitor {
	m.zap = z
	return m
}

// WithClock overrides the clock (tests).
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// MonitoredDeviceIDs lists the device IDs under watch, for orphan cleanup.
func (m *Monitor) MonitoredDeviceIDs() []string {
	ids := make([]string, 0, len(m.devices))
	for _, rt := range m.devices {
		ids = append(ids, rt.dev.DeviceID)
	}
	return ids
}

// CacheAudio records the latest audio sample for a device. The monitor stamps
// it into every following sidecar until the next sample.
func (m *Monitor) CacheAudio(deviceID string, audio bool, meanVolumeDB float64, checkedAt, segmentFile string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rt := range m.devices {
		if rt.dev.DeviceID == deviceID {
			rt.audio = &audioFacts{
				audio:       audio,
				meanVolume:  meanVolumeDB,
				checkedAt:   checkedAt,
				segmentFile: segmentFile,
			}
			return
		}
	}
}

// Run watches every capture directory until the context ends. Pre-existing
// frames are never scanned; only new arrivals count.
func (m *Monitor) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	for dir := range m.devices {
		if err := os.MkdirAll(dir, 0o777); err != nil {
			m.logger.Warn().Err(err).Str("dir", dir).Msg("create capture dir failed")
			continue
		}
		if err := watcher.Add(dir); err != nil {
			m.logger.Warn().Err(err).Str("dir", dir).Msg("watch failed")
			continue
		}
		m.logger.Info().
			Str(xglog.FieldEvent, "monitor.watch").
			Str("dir", dir).
			Str(xglog.FieldDevice, m.devices[dir].dev.DeviceID).
			Msg("watching capture directory")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			m.ProcessFrame(ctx, ev.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn().Err(err).Msg("watcher error")
		}
	}
}

// ProcessFrame runs the full pipeline for one capture path. Non-frame names,
// thumbnails, temp files and already-analyzed frames are ignored.
func (m *Monitor) ProcessFrame(ctx context.Context, framePath string) {
	name := filepath.Base(framePath)
	if !strings.HasPrefix(name, "capture_") || !strings.HasSuffix(name, ".jpg") {
		return
	}
	if strings.Contains(name, "_thumbnail") || strings.Contains(name, ".tmp") {
		return
	}

	rt := m.runtimeFor(framePath)
	if rt == nil {
		return
	}

	sidePath := sidecar.PathFor(framePath)
	if sidecar.Exists(sidePath) {
		return
	}

	start := m.now()
	m.mu.Lock()
	previous := append([]string(nil), rt.recent...)
	audio := rt.audio
	m.mu.Unlock()

	res, err := rt.detector.DetectIssues(framePath, previous)
	if err != nil {
		m.logger.Warn().Err(err).
			Str(xglog.FieldFrame, name).
			Str(xglog.FieldDevice, rt.dev.DeviceID).
			Msg("detector failed")
		if werr := sidecar.WriteError(sidePath, err); werr != nil {
			m.logger.Error().Err(werr).Str(xglog.FieldFrame, name).Msg("error sidecar write failed")
		}
		metrics.FrameAnalyzed(rt.dev.CaptureFolder, "error")
		return
	}
	metrics.ObserveDetector(m.now().Sub(start).Seconds())

	res.Last3Filenames = lastN(previous, 3)
	res.Last3Thumbnails = thumbnailsOf(res.Last3Filenames)
	if audio != nil {
		res.Audio = &audio.audio
	}

	transitions := m.incidents.ProcessDetection(ctx, rt.dev, res)
	if transitions[incident.KindFreeze] == incident.TransitionFirstDetected {
		m.uploadFreezeEvidence(ctx, rt.dev, res)
	}
	m.observeBlackscreenEdge(rt, framePath, res.Blackscreen)

	frame := sidecar.Frame{
		Blackscreen:           res.Blackscreen,
		BlackscreenPercentage: res.BlackscreenPercentage,
		Freeze:                res.Freeze,
		FreezeDiffs:           res.FreezeDiffs,
		Macroblocks:           res.Macroblocks,
		QualityScore:          res.QualityScore,
		Timestamp:             sidecar.Timestamp(m.now()),
	}
	if audio != nil {
		frame.Audio = &audio.audio
		frame.MeanVolumeDB = &audio.meanVolume
		frame.AudioCheckTimestamp = audio.checkedAt
		frame.AudioSegmentFile = audio.segmentFile
	}
	if err := sidecar.Write(sidePath, frame); err != nil {
		m.logger.Error().Err(err).Str(xglog.FieldFrame, name).Msg("sidecar write failed")
		return
	}
	metrics.FrameAnalyzed(rt.dev.CaptureFolder, "ok")

	m.mu.Lock()
	rt.recent = append(rt.recent, framePath)
	if len(rt.recent) > recentDepth {
		rt.recent = rt.recent[len(rt.recent)-recentDepth:]
	}
	m.mu.Unlock()
}

func (m *Monitor) runtimeFor(framePath string) *deviceRuntime {
	dir := filepath.Dir(framePath)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.devices[dir]
}

// observeBlackscreenEdge tracks the blackscreen interval per device and fires
// the zap observer when it ends. The action snapshot decides automatic vs
// manual attribution.
func (m *Monitor) observeBlackscreenEdge(rt *deviceRuntime, framePath string, black bool) {
	m.mu.Lock()
	wasBlack := rt.wasBlack
	since := rt.blackSince
	rt.wasBlack = black
	if black && !wasBlack {
		rt.blackSince = m.now()
	}
	m.mu.Unlock()

	if !wasBlack || black || m.zap == nil {
		return
	}
	duration := m.now().Sub(since)
	act := actions.RecentAction(m.resolver, rt.dev.CaptureFolder, m.now(), actionWindow)
	m.zap.BlackscreenEnded(rt.dev, framePath, duration, act)
}

// uploadFreezeEvidence pushes the last three frames and thumbnails so the
// alert created after the debounce carries its URLs.
func (m *Monitor) uploadFreezeEvidence(ctx context.Context, dev config.DeviceInfo, res detect.Result) {
	if m.uploader == nil || len(res.Last3Filenames) == 0 {
		return
	}
	at := m.now()
	urls := map[string]string{}
	for i, path := range res.Last3Filenames {
		key := objstore.FreezeEvidenceKey(string(incident.KindFreeze), dev.CaptureFolder, at, i, false)
		if url, err := m.uploader.UploadFile(ctx, key, path); err == nil {
			urls["frame_"+strconv.Itoa(i)] = url
		}
		thumb := layout.ThumbnailPathFromCapture(path)
		if _, err := os.Stat(thumb); err == nil {
			key = objstore.FreezeEvidenceKey(string(incident.KindFreeze), dev.CaptureFolder, at, i, true)
			if url, err := m.uploader.UploadFile(ctx, key, thumb); err == nil {
				urls["thumb_"+strconv.Itoa(i)] = url
			}
		}
	}
	if len(urls) > 0 {
		m.incidents.CacheEvidence(dev.DeviceID, incident.KindFreeze, urls)
	}
}

func lastN(paths []string, n int) []string {
	if len(paths) <= n {
		return append([]string(nil), paths...)
	}
	return append([]string(nil), paths[len(paths)-n:]...)
}

func thumbnailsOf(paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	thumbs := make([]string, 0, len(paths))
	for _, p := range paths {
		thumbs = append(thumbs, layout.ThumbnailPathFromCapture(p))
	}
	return thumbs
}

