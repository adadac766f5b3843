// SPDX-License-Identifier: MIT

// Package incident drives the per-device quality incident state machines:
// NORMAL -> PENDING -> ACTIVE -> NORMAL, with a five minute debounce before
// anything reaches the database.
package incident

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stbmon/capturehost/internal/config"
	"github.com/stbmon/capturehost/internal/detect"
	xglog "github.com/stbmon/capturehost/internal/log"
	"github.com/stbmon/capturehost/internal/metrics"
	"github.com/stbmon/capturehost/internal/store"
)

// Kind is an incident category.
type Kind string

const (
	KindBlackscreen Kind = "blackscreen"
	KindFreeze      Kind = "freeze"
	KindAudioLoss   Kind = "audio_loss"
	KindMacroblocks Kind = "macroblocks"
)

// Transition values reported back to the monitor for edge-triggered effects.
const (
	TransitionFirstDetected = "first_detected"
	TransitionCreated       = "created"
	TransitionCleared       = "cleared"
)

// ReportDelay is the continuous-detection window before an ACTIVE incident.
const ReportDelay = config.ReportDelay

type deviceState struct {
	mu       sync.Mutex
	active   map[Kind]string    // kind -> alert id
	pending  map[Kind]time.Time // kind -> first detection
	evidence map[Kind]map[string]string
}

// Manager is the single-writer incident coordinator for one host process.
// ProcessDetection is serialized per device; the monitor and the audio
// workers share one instance.
type Manager struct {
	mu       sync.Mutex
	alerts   store.Alerts
	hostName string
	devices  map[string]*deviceState
	now      func() time.Time
	logger   zerolog.Logger
}

// NewManager builds the manager over an alert store. Pass store.NullStore{}
// when no database is configured.
func NewManager(alerts store.Alerts, hostName string) *Manager {
	return &Manager{
		alerts:   alerts,
		hostName: hostName,
		devices:  map[string]*deviceState{},
		now:      time.Now,
		logger:   xglog.WithComponent("incident"),
	}
}

// WithClock overrides the debounce clock (tests).
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) device(deviceID string) *deviceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.devices[deviceID]
	if !ok {
		st = &deviceState{
			active:   map[Kind]string{},
			pending:  map[Kind]time.Time{},
			evidence: map[Kind]map[string]string{},
		}
		m.devices[deviceID] = st
	}
	return st
}

// CacheEvidence stores uploaded R2 URLs for a kind so repeated detections of
// the same incident reuse them instead of re-uploading.
func (m *Manager) CacheEvidence(deviceID string, kind Kind, urls map[string]string) {
	st := m.device(deviceID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.evidence[kind] = urls
}

// CachedEvidence returns the R2 URLs cached for a kind, if any.
func (m *Manager) CachedEvidence(deviceID string, kind Kind) map[string]string {
	st := m.device(deviceID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.evidence[kind]
}

// ProcessDetection feeds one detection result through the state machines and
// returns the transitions that fired, keyed by kind. Detection of an already
// ACTIVE kind is a no-op; a cleared PENDING never reaches the database.
func (m *Manager) ProcessDetection(ctx context.Context, dev config.DeviceInfo, res detect.Result) map[Kind]string {
	st := m.device(dev.DeviceID)
	st.mu.Lock()
	defer st.mu.Unlock()

	transitions := map[Kind]string{}
	now := m.now()

	for _, kind := range m.kindsFor(dev, res) {
		detected := detectedFor(kind, res)
		if detected == nil {
			continue // no signal for this kind yet
		}
		if tr := m.stepKind(ctx, st, dev, kind, *detected, res, now); tr != "" {
			transitions[kind] = tr
		}
	}
	return transitions
}

// ProcessAudioDetection feeds an audio-only sample through the audio_loss
// state machine. The video kinds carry no signal here, so an audio worker
// never clears a blackscreen or freeze incident.
func (m *Manager) ProcessAudioDetection(ctx context.Context, dev config.DeviceInfo, hasAudio bool, meanVolumeDB float64) string {
	if dev.DeviceID == "host" {
		return ""
	}
	st := m.device(dev.DeviceID)
	st.mu.Lock()
	defer st.mu.Unlock()

	res := detect.Result{Audio: &hasAudio, MeanVolumeDB: &meanVolumeDB}
	return m.stepKind(ctx, st, dev, KindAudioLoss, !hasAudio, res, m.now())
}

// stepKind advances one kind's state machine; callers hold the device lock.
func (m *Manager) stepKind(ctx context.Context, st *deviceState, dev config.DeviceInfo, kind Kind, detected bool, res detect.Result, now time.Time) string {
	if detected {
		if _, isActive := st.active[kind]; isActive {
			return ""
		}
		if first, isPending := st.pending[kind]; isPending {
			if now.Sub(first) >= ReportDelay {
				id := m.createAlert(ctx, dev, kind, res, st.evidence[kind])
				if id != "" {
					st.active[kind] = id
					delete(st.pending, kind)
					metrics.IncidentTransition(string(kind), TransitionCreated)
					metrics.SetActiveIncidents(string(kind), m.countActive(kind))
					return TransitionCreated
				}
			}
			return ""
		}
		st.pending[kind] = now
		metrics.IncidentTransition(string(kind), TransitionFirstDetected)
		return TransitionFirstDetected
	}

	if id, isActive := st.active[kind]; isActive {
		if err := m.alerts.ResolveAlert(ctx, id); err != nil && !errors.Is(err, store.ErrNotAvailable) {
			m.logger.Warn().Err(err).
				Str(xglog.FieldAlertID, id).
				Str(xglog.FieldKind, string(kind)).
				Msg("resolve alert failed")
		}
		delete(st.active, kind)
		delete(st.evidence, kind)
		metrics.IncidentTransition(string(kind), TransitionCleared)
		metrics.SetActiveIncidents(string(kind), m.countActive(kind))
		m.logger.Info().
			Str(xglog.FieldEvent, "incident.cleared").
			Str(xglog.FieldDevice, dev.DeviceID).
			Str(xglog.FieldKind, string(kind)).
			Str(xglog.FieldAlertID, id).
			Msg("incident cleared")
		return TransitionCleared
	}
	if _, isPending := st.pending[kind]; isPending {
		delete(st.pending, kind)
		delete(st.evidence, kind)
		metrics.IncidentTransition(string(kind), TransitionCleared)
		return TransitionCleared
	}
	return ""
}

// kindsFor lists the kinds evaluated for a device. The host sentinel device
// has no audio path, so audio_loss is skipped there.
func (m *Manager) kindsFor(dev config.DeviceInfo, res detect.Result) []Kind {
	kinds := []Kind{KindBlackscreen, KindFreeze}
	if dev.DeviceID != "host" {
		kinds = append(kinds, KindAudioLoss)
	}
	if res.Macroblocks {
		kinds = append(kinds, KindMacroblocks)
	}
	return kinds
}

// detectedFor maps a result onto one kind's boolean; nil means no signal.
func detectedFor(kind Kind, res detect.Result) *bool {
	switch kind {
	case KindBlackscreen:
		return &res.Blackscreen
	case KindFreeze:
		return &res.Freeze
	case KindAudioLoss:
		if res.Audio == nil {
			return nil
		}
		loss := !*res.Audio
		return &loss
	case KindMacroblocks:
		return &res.Macroblocks
	}
	return nil
}

func (m *Manager) countActive(kind Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, st := range m.devices {
		if _, ok := st.active[kind]; ok {
			n++
		}
	}
	return n
}

// createAlert builds the metadata bundle and inserts via CreateAlertSafe.
// An unavailable database keeps the incident PENDING.
func (m *Manager) createAlert(ctx context.Context, dev config.DeviceInfo, kind Kind, res detect.Result, r2 map[string]string) string {
	meta := map[string]any{
		"device_name":  dev.DeviceName,
		"capture_path": dev.CapturePath,
		"stream_path":  dev.StreamPath,
	}
	switch kind {
	case KindBlackscreen:
		meta["blackscreen_percentage"] = res.BlackscreenPercentage
	case KindFreeze:
		meta["freeze_diffs"] = res.FreezeDiffs
		if len(res.Last3Filenames) > 0 {
			meta["last_3_filenames"] = res.Last3Filenames
		}
	case KindAudioLoss:
		if res.MeanVolumeDB != nil {
			meta["mean_volume_db"] = *res.MeanVolumeDB
		}
	case KindMacroblocks:
		meta["quality_score"] = res.QualityScore
	}
	if len(r2) > 0 {
		meta["r2_images"] = r2
	}
	metaJSON, _ := json.Marshal(meta)

	id, err := m.alerts.CreateAlertSafe(ctx, store.Alert{
		HostName:     m.hostName,
		DeviceID:     dev.DeviceID,
		DeviceName:   dev.DeviceName,
		IncidentType: string(kind),
		CapturePath:  dev.CapturePath,
		StreamPath:   dev.StreamPath,
		Metadata:     metaJSON,
	})
	if err != nil {
		if !errors.Is(err, store.ErrNotAvailable) {
			m.logger.Warn().Err(err).
				Str(xglog.FieldDevice, dev.DeviceID).
				Str(xglog.FieldKind, string(kind)).
				Msg("create alert failed")
		}
		return ""
	}
	m.logger.Info().
		Str(xglog.FieldEvent, "incident.created").
		Str(xglog.FieldDevice, dev.DeviceID).
		Str(xglog.FieldKind, string(kind)).
		Str(xglog.FieldAlertID, id).
		Msg("incident stored")
	return id
}

// ResolveAllOnStartup resolves every active alert for this host: a fresh
// start. Persisting conditions re-create their incidents after the debounce.
func (m *Manager) ResolveAllOnStartup(ctx context.Context) int {
	n, err := m.alerts.ResolveAllForHost(ctx, m.hostName)
	if err != nil && !errors.Is(err, store.ErrNotAvailable) {
		m.logger.Warn().Err(err).Msg("startup resolve-all failed")
		return 0
	}
	if n > 0 {
		m.logger.Info().
			Str(xglog.FieldEvent, "incident.cold_boot").
			Int("resolved", n).
			Msg("resolved stale incidents from previous run")
	}
	return n
}

// CleanupOrphans resolves in-memory active incidents for devices that are no
// longer monitored and drops their state.
func (m *Manager) CleanupOrphans(ctx context.Context, monitoredDeviceIDs []string) int {
	monitored := map[string]bool{}
	for _, id := range monitoredDeviceIDs {
		monitored[id] = true
	}

	m.mu.Lock()
	var orphaned []string
	for deviceID := range m.devices {
		if !monitored[deviceID] {
			orphaned = append(orphaned, deviceID)
		}
	}
	m.mu.Unlock()

	resolved := 0
	for _, deviceID := range orphaned {
		st := m.device(deviceID)
		st.mu.Lock()
		for kind, id := range st.active {
			if err := m.alerts.ResolveAlert(ctx, id); err != nil && !errors.Is(err, store.ErrNotAvailable) {
				m.logger.Warn().Err(err).Str(xglog.FieldAlertID, id).Msg("orphan resolve failed")
				continue
			}
			delete(st.active, kind)
			resolved++
		}
		st.pending = map[Kind]time.Time{}
		st.evidence = map[Kind]map[string]string{}
		st.mu.Unlock()

		m.mu.Lock()
		delete(m.devices, deviceID)
		m.mu.Unlock()
	}
	if resolved > 0 {
		m.logger.Info().
			Str(xglog.FieldEvent, "incident.orphan_cleanup").
			Int("resolved", resolved).
			Msg("orphaned incidents resolved")
	}
	return resolved
}
