// SPDX-License-Identifier: MIT

// Package zapping turns blackscreen-end edges into channel-change events: a
// banner analysis of the first clean frame, transition evidence in cold
// storage and the object store, a zap truth write into the frame sidecar, a
// last_zapping.json snapshot, and a measurement row.
package zapping

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/stbmon/capturehost/internal/actions"
	"github.com/stbmon/capturehost/internal/config"
	"github.com/stbmon/capturehost/internal/layout"
	xglog "github.com/stbmon/capturehost/internal/log"
	"github.com/stbmon/capturehost/internal/metrics"
	"github.com/stbmon/capturehost/internal/objstore"
	"github.com/stbmon/capturehost/internal/sidecar"
	"github.com/stbmon/capturehost/internal/store"
)

// LastZappingFile is the snapshot filename under metadata/.
const LastZappingFile = "last_zapping.json"

// queueCapacity bounds pending edges so the monitor never blocks on us.
const queueCapacity = 32

// transitionLookback is how many recent sidecars are inspected to find the
// before / first-black / last-black frames of the transition.
const transitionLookback = 40

const (
	DetectionAutomatic = "automatic"
	DetectionManual    = "manual"
)

// ChannelInfo is the banner analyzer's reading of the channel banner.
type ChannelInfo struct {
	ChannelName   string  `json:"channel_name"`
	ChannelNumber string  `json:"channel_number"`
	ProgramName   string  `json:"program_name"`
	StartTime     string  `json:"program_start_time"`
	EndTime       string  `json:"program_end_time"`
	Confidence    float64 `json:"confidence"`
}

// BannerResult is the analyzer verdict for one frame.
type BannerResult struct {
	BannerDetected bool
	Channel        ChannelInfo
}

// BannerAnalyzer detects a channel banner on a frame. Implementations call
// an external vision service; errors mean the frame could not be judged.
type BannerAnalyzer interface {
	Analyze(ctx context.Context, framePath string) (BannerResult, error)
}

// TransitionImages are the cold-storage paths of the transition evidence.
// Absent stages are empty.
type TransitionImages struct {
	Before           string `json:"before,omitempty"`
	FirstBlackscreen string `json:"first_blackscreen,omitempty"`
	LastBlackscreen  string `json:"last_blackscreen,omitempty"`
	After            string `json:"after,omitempty"`
	AfterThumbnail   string `json:"after_thumbnail,omitempty"`
}

// Event is the recorded outcome of one blackscreen-end edge.
type Event struct {
	ZappingDetected bool
	ZapID           string
	DetectionType   string
	Channel         ChannelInfo
	Images          TransitionImages
	R2Images        map[string]string
}

// snapshot is the last_zapping.json document.
type snapshot struct {
	Status               string            `json:"status"`
	ZapID                string            `json:"zap_id"`
	DetectedAt           string            `json:"detected_at"`
	DetectionType        string            `json:"detection_type"`
	ChannelName          string            `json:"channel_name,omitempty"`
	ChannelNumber        string            `json:"channel_number,omitempty"`
	ProgramName          string            `json:"program_name,omitempty"`
	ProgramStartTime     string            `json:"program_start_time,omitempty"`
	ProgramEndTime       string            `json:"program_end_time,omitempty"`
	Confidence           float64           `json:"confidence"`
	BlackscreenDurationMS int64            `json:"blackscreen_duration_ms"`
	ActionCommand        string            `json:"action_command,omitempty"`
	ActionParams         json.RawMessage   `json:"action_params,omitempty"`
	ActionTimestamp      float64           `json:"action_timestamp,omitempty"`
	TimeSinceActionMS    *int64            `json:"time_since_action_ms"`
	TotalZapDurationMS   *int64            `json:"total_zap_duration_ms"`
	AudioSilenceDuration float64           `json:"audio_silence_duration"`
	TransitionImages     TransitionImages  `json:"transition_images"`
	R2Images             map[string]string `json:"r2_images,omitempty"`
}

type job struct {
	dev      config.DeviceInfo
	frame    string
	duration time.Duration
	act      *actions.Action
}

// Detector consumes blackscreen-end edges from the frame monitor.
type Detector struct {
	resolver      *layout.Resolver
	zaps          store.Zaps
	uploader      objstore.Uploader
	banner        BannerAnalyzer
	hostName      string
	defaultTeamID string
	logger        zerolog.Logger
	now           func() time.Time
	queue         chan job
}

// NewDetector builds the detector. uploader may be nil.
func NewDetector(resolver *layout.Resolver, zaps store.Zaps, uploader objstore.Uploader, banner BannerAnalyzer, hostName, defaultTeamID string) *Detector {
	return &Detector{
		resolver:      resolver,
		zaps:          zaps,
		uploader:      uploader,
		banner:        banner,
		hostName:      hostName,
		defaultTeamID: defaultTeamID,
		logger:        xglog.WithComponent("zapping"),
		now:           time.Now,
		queue:         make(chan job, queueCapacity),
	}
}

// WithClock overrides the clock (tests).
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

// BlackscreenEnded queues the edge without blocking the monitor. A full
// queue drops the event; the next edge supersedes it anyway.
func (d *Detector) BlackscreenEnded(dev config.DeviceInfo, framePath string, blackscreenDuration time.Duration, act *actions.Action) {
	select {
	case d.queue <- job{dev: dev, frame: framePath, duration: blackscreenDuration, act: act}:
	default:
		d.logger.Warn().
			Str(xglog.FieldEvent, "zap.queue_full").
			Str(xglog.FieldDevice, dev.DeviceID).
			Msg("edge dropped")
	}
}

// Run drains queued edges until the context ends.
func (d *Detector) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j := <-d.queue:
			if _, err := d.DetectAndRecord(ctx, j.dev, j.frame, j.duration, j.act); err != nil {
				d.logger.Warn().Err(err).
					Str(xglog.FieldDevice, j.dev.DeviceID).
					Str("frame", filepath.Base(j.frame)).
					Msg("zap detection failed")
			}
		}
	}
}

// DetectAndRecord runs the full pipeline for one edge. A blackscreen that
// ends without a channel banner is not a zap; the event reports
// ZappingDetected=false and nothing is written.
func (d *Detector) DetectAndRecord(ctx context.Context, dev config.DeviceInfo, framePath string, blackscreenDuration time.Duration, act *actions.Action) (Event, error) {
	verdict, err := d.banner.Analyze(ctx, framePath)
	if err != nil {
		return Event{}, fmt.Errorf("zapping: banner analysis: %w", err)
	}
	if !verdict.BannerDetected {
		d.logger.Debug().
			Str(xglog.FieldEvent, "zap.no_banner").
			Str(xglog.FieldDevice, dev.DeviceID).
			Msg("blackscreen without banner")
		return Event{ZappingDetected: false}, nil
	}

	now := d.now()
	seq := layout.SequenceFromCapture(framePath)
	zapID := fmt.Sprintf("zap_%d_%d", seq, now.Unix())
	detection := DetectionManual
	if act != nil {
		detection = DetectionAutomatic
	}

	images := d.collectTransitionImages(dev.CaptureFolder, framePath)
	r2 := d.uploadTransitionImages(ctx, dev.CaptureFolder, zapID, images)

	audioSilence := d.audioSilenceSeconds(framePath, blackscreenDuration)

	facts := sidecar.ZapFacts{
		Detected:              true,
		ID:                    zapID,
		DetectedAt:            sidecar.Timestamp(now),
		ChannelName:           verdict.Channel.ChannelName,
		ChannelNumber:         verdict.Channel.ChannelNumber,
		ProgramName:           verdict.Channel.ProgramName,
		ProgramStartTime:      verdict.Channel.StartTime,
		ProgramEndTime:        verdict.Channel.EndTime,
		Confidence:            verdict.Channel.Confidence,
		BlackscreenDurationMS: blackscreenDuration.Milliseconds(),
		DetectionType:         detection,
		AudioSilenceDuration:  audioSilence,
	}
	if err := sidecar.Update(sidecar.PathFor(framePath), map[string]any{"zap": facts}); err != nil {
		return Event{}, fmt.Errorf("zapping: sidecar write: %w", err)
	}

	var timeSinceAction, totalDuration *int64
	startedAt := now.Add(-blackscreenDuration)
	if act != nil {
		completed := time.Unix(0, int64(act.Timestamp*1e9))
		since := now.Sub(completed).Milliseconds()
		total := since + blackscreenDuration.Milliseconds()
		timeSinceAction = &since
		totalDuration = &total
		startedAt = completed
	}

	snap := snapshot{
		Status:                "completed",
		ZapID:                 zapID,
		DetectedAt:            facts.DetectedAt,
		DetectionType:         detection,
		ChannelName:           verdict.Channel.ChannelName,
		ChannelNumber:         verdict.Channel.ChannelNumber,
		ProgramName:           verdict.Channel.ProgramName,
		ProgramStartTime:      verdict.Channel.StartTime,
		ProgramEndTime:        verdict.Channel.EndTime,
		Confidence:            verdict.Channel.Confidence,
		BlackscreenDurationMS: blackscreenDuration.Milliseconds(),
		TimeSinceActionMS:     timeSinceAction,
		TotalZapDurationMS:    totalDuration,
		AudioSilenceDuration:  audioSilence,
		TransitionImages:      images,
		R2Images:              r2,
	}
	if act != nil {
		snap.ActionCommand = act.Command
		snap.ActionParams = act.Params
		snap.ActionTimestamp = act.Timestamp
	}
	if err := d.writeSnapshot(dev.CaptureFolder, snap); err != nil {
		return Event{}, err
	}

	rec := store.ZapRecord{
		TeamID:              d.defaultTeamID,
		HostName:            d.hostName,
		DeviceName:          dev.DeviceName,
		UserinterfaceName:   dev.DeviceModel,
		StartedAt:           startedAt,
		CompletedAt:         now,
		DurationSeconds:     blackscreenDuration.Seconds(),
		BlackscreenFreeze:   true,
		DetectionMethod:     detection,
		ChannelName:         verdict.Channel.ChannelName,
		ChannelNumber:       verdict.Channel.ChannelNumber,
		ProgramName:         verdict.Channel.ProgramName,
		ProgramStartTime:    verdict.Channel.StartTime,
		ProgramEndTime:      verdict.Channel.EndTime,
		AudioSilenceSeconds: audioSilence,
		TimeSinceActionMS:   timeSinceAction,
		TotalZapDurationMS:  totalDuration,
	}
	if act != nil {
		rec.ActionCommand = act.Command
		rec.ActionParams = act.Params
	}
	if err := d.zaps.RecordZapIteration(ctx, rec); err != nil {
		d.logger.Warn().Err(err).
			Str(xglog.FieldDevice, dev.DeviceID).
			Msg("zap record not stored")
	}

	metrics.ZapDetected(detection)
	d.logger.Info().
		Str(xglog.FieldEvent, "zap.detected").
		Str(xglog.FieldDevice, dev.DeviceID).
		Str("zap_id", zapID).
		Str("channel", verdict.Channel.ChannelName).
		Str("detection_type", detection).
		Int64("blackscreen_ms", blackscreenDuration.Milliseconds()).
		Msg("channel change recorded")

	return Event{
		ZappingDetected: true,
		ZapID:           zapID,
		DetectionType:   detection,
		Channel:         verdict.Channel,
		Images:          images,
		R2Images:        r2,
	}, nil
}

// collectTransitionImages walks the recent sidecars backwards from the given
// frame and persists the transition evidence to cold storage: the last clean
// frame before the black run, the first and last black frames, and the frame
// that ended the run.
func (d *Detector) collectTransitionImages(captureFolder, afterFrame string) TransitionImages {
	images := TransitionImages{}
	if cold, err := d.resolver.CopyToColdStorage(captureFolder, layout.ClassCaptures, afterFrame); err == nil {
		images.After = cold
	} else {
		images.After = afterFrame
	}
	thumb := layout.ThumbnailPathFromCapture(afterFrame)
	if _, err := os.Stat(thumb); err == nil {
		if cold, err := d.resolver.CopyToColdStorage(captureFolder, layout.ClassThumbnails, thumb); err == nil {
			images.AfterThumbnail = cold
		}
	}

	afterSeq := layout.SequenceFromCapture(afterFrame)
	if afterSeq < 0 {
		return images
	}
	capDir := filepath.Dir(afterFrame)
	entries, err := os.ReadDir(capDir)
	if err != nil {
		return images
	}

	type prior struct {
		seq  int64
		path string
	}
	var priors []prior
	for _, e := range entries {
		seq := layout.SequenceFromCapture(e.Name())
		if seq < 0 || seq >= afterSeq {
			continue
		}
		priors = append(priors, prior{seq: seq, path: filepath.Join(capDir, e.Name())})
	}
	sort.Slice(priors, func(i, j int) bool { return priors[i].seq > priors[j].seq })
	if len(priors) > transitionLookback {
		priors = priors[:transitionLookback]
	}

	// Newest first: black frames belong to the run that just ended; the
	// first clean frame past the run is the "before" image.
	var firstBlack, lastBlack, before string
	for _, p := range priors {
		frame, err := sidecar.Read(sidecar.PathFor(p.path))
		if err != nil {
			continue
		}
		if frame.Blackscreen {
			if lastBlack == "" {
				lastBlack = p.path
			}
			firstBlack = p.path
			continue
		}
		if lastBlack != "" {
			before = p.path
		}
		break
	}
	persist := func(src string, dst *string) {
		if src == "" {
			return
		}
		if cold, err := d.resolver.CopyToColdStorage(captureFolder, layout.ClassCaptures, src); err == nil {
			*dst = cold
		} else {
			*dst = src
		}
	}
	persist(before, &images.Before)
	persist(firstBlack, &images.FirstBlackscreen)
	persist(lastBlack, &images.LastBlackscreen)
	return images
}

// uploadTransitionImages pushes whichever stages are present and returns
// their public URLs keyed by stage.
func (d *Detector) uploadTransitionImages(ctx context.Context, captureFolder, zapID string, images TransitionImages) map[string]string {
	if d.uploader == nil {
		return nil
	}
	stages := map[string]string{
		"before":            images.Before,
		"first_blackscreen": images.FirstBlackscreen,
		"last_blackscreen":  images.LastBlackscreen,
		"after":             images.After,
	}
	urls := map[string]string{}
	for stage, path := range stages {
		if path == "" {
			continue
		}
		key := objstore.ZapEvidenceKey(captureFolder, zapID, stage)
		if url, err := d.uploader.UploadFile(ctx, key, path); err == nil {
			urls[stage+"_url"] = url
		}
	}
	if len(urls) == 0 {
		return nil
	}
	return urls
}

// audioSilenceSeconds reads the edge frame's audio facts: a silent frame
// attributes the whole blackscreen run to audio silence.
func (d *Detector) audioSilenceSeconds(framePath string, blackscreenDuration time.Duration) float64 {
	frame, err := sidecar.Read(sidecar.PathFor(framePath))
	if err != nil || frame.Audio == nil || *frame.Audio {
		return 0
	}
	return blackscreenDuration.Seconds()
}

// writeSnapshot atomically replaces metadata/last_zapping.json.
func (d *Detector) writeSnapshot(captureFolder string, snap snapshot) error {
	metaDir, err := d.resolver.ActivePath(captureFolder, layout.ClassMetadata)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(metaDir, 0o777); err != nil {
		return fmt.Errorf("zapping: create metadata dir: %w", err)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("zapping: marshal snapshot: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(metaDir, LastZappingFile), data, 0o666); err != nil {
		return fmt.Errorf("zapping: write snapshot: %w", err)
	}
	return nil
}

// ReadLastZapping loads the snapshot for a capture folder, if present.
func ReadLastZapping(resolver *layout.Resolver, captureFolder string) (map[string]any, error) {
	metaDir, err := resolver.ActivePath(captureFolder, layout.ClassMetadata)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(metaDir, LastZappingFile)) // #nosec G304
	if err != nil {
		return nil, err
	}
	doc := map[string]any{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("zapping: parse snapshot: %w", err)
	}
	return doc, nil
}
