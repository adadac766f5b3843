// SPDX-License-Identifier: MIT

package kpi

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/stbmon/capturehost/internal/config"
	"github.com/stbmon/capturehost/internal/layout"
	xglog "github.com/stbmon/capturehost/internal/log"
	"github.com/stbmon/capturehost/internal/metrics"
	"github.com/stbmon/capturehost/internal/objstore"
	"github.com/stbmon/capturehost/internal/sidecar"
	"github.com/stbmon/capturehost/internal/store"
	"github.com/stbmon/capturehost/internal/verify"
)

// queueCapacity bounds pending requests; overflow is dropped with an error
// log and the producer must retry.
const queueCapacity = 100

// heartbeatInterval paces the idle log line.
const heartbeatInterval = 120 * time.Second

// reportPrefix is the object-store prefix for measurement artifacts.
const reportPrefix = "kpi-reports"

// Verifier judges frames against verification specs.
type Verifier interface {
	ExecuteVerifications(ctx context.Context, specs []verify.Spec, userinterfaceName string, source verify.ImageSource, teamID string) verify.Outcome
}

// Executor is the single-worker measurement service.
type Executor struct {
	kpis     store.KPIs
	uploader objstore.Uploader
	verifier Verifier
	queueDir string
	workDir  string
	queue    chan string
	logger   zerolog.Logger
	now      func() time.Time
}

// NewExecutor builds the executor. uploader may be nil; reports then stay
// local-only and the DB row carries no URL.
func NewExecutor(kpis store.KPIs, uploader objstore.Uploader, verifier Verifier) *Executor {
	return &Executor{
		kpis:     kpis,
		uploader: uploader,
		verifier: verifier,
		queueDir: config.KPIQueueDir,
		workDir:  config.KPIWorkingDir,
		queue:    make(chan string, queueCapacity),
		logger:   xglog.WithComponent("kpi"),
		now:      time.Now,
	}
}

// WithQueueDir overrides the queue directory (tests).
func (e *Executor) WithQueueDir(dir string) *Executor {
	e.queueDir = dir
	return e
}

// WithWorkDir overrides the RAM working directory (tests).
func (e *Executor) WithWorkDir(dir string) *Executor {
	e.workDir = dir
	return e
}

// WithClock overrides the clock (tests).
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

func isRequestFile(name string) bool {
	return strings.HasPrefix(name, "kpi_request_") && strings.HasSuffix(name, ".json")
}

// Run watches the queue directory and processes requests until the context
// ends. Files already present at startup are enqueued in filename order.
func (e *Executor) Run(ctx context.Context) error {
	if err := os.MkdirAll(e.queueDir, 0o777); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(e.queueDir); err != nil {
		return err
	}

	e.enqueueBacklog()

	go e.worker(ctx)

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
			if isRequestFile(filepath.Base(ev.Name)) {
				e.enqueue(ev.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			e.logger.Warn().Err(err).Msg("queue watcher error")
		}
	}
}

func (e *Executor) enqueueBacklog() {
	entries, err := os.ReadDir(e.queueDir)
	if err != nil {
		return
	}
	var names []string
	for _, ent := range entries {
		if !ent.IsDir() && isRequestFile(ent.Name()) {
			names = append(names, ent.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		e.enqueue(filepath.Join(e.queueDir, name))
	}
}

func (e *Executor) enqueue(path string) {
	select {
	case e.queue <- path:
	default:
		metrics.KPIRequest("dropped")
		e.logger.Error().
			Str(xglog.FieldEvent, "kpi.queue_full").
			Str("request", filepath.Base(path)).
			Msg("queue full, request dropped")
	}
}

func (e *Executor) worker(ctx context.Context) {
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case path := <-e.queue:
			e.handle(ctx, path)
		case <-heartbeat.C:
			e.logger.Info().
				Str(xglog.FieldEvent, "kpi.heartbeat").
				Int("queued", len(e.queue)).
				Msg("worker idle")
		}
	}
}

// handle processes one queue file end to end. The file is deleted once the
// request has been fully handled, success or not; only a dropped enqueue
// leaves it for a retry.
func (e *Executor) handle(ctx context.Context, path string) {
	start := e.now()
	req, err := ParseRequest(path)
	if err != nil {
		e.logger.Error().Err(err).Str("request", filepath.Base(path)).Msg("invalid request")
		metrics.KPIRequest("invalid")
		_ = os.Remove(path)
		return
	}

	result := e.Measure(ctx, req)
	if err := e.kpis.UpdateKPIResult(ctx, result); err != nil {
		e.logger.Warn().Err(err).
			Str("execution_result_id", req.ExecutionResultID).
			Msg("kpi result not stored")
	}
	if result.Success {
		metrics.KPIRequest("success")
	} else {
		metrics.KPIRequest("failure")
	}
	metrics.ObserveKPIDuration(e.now().Sub(start).Seconds())
	_ = os.Remove(path)
}

// Measure runs the measurement pipeline for one request and returns the row
// to persist.
func (e *Executor) Measure(ctx context.Context, req Request) store.KPIResult {
	result := store.KPIResult{ExecutionResultID: req.ExecutionResultID}

	// Pre-pinned: the verification already identified the matching frame.
	if req.KPITimestamp != nil {
		ms := int64(math.Round((*req.KPITimestamp - req.ActionTimestamp) * 1000))
		result.Success = true
		result.KPIMilliseconds = &ms
		return result
	}

	windowStart, windowEnd := req.ScanWindow()
	frames, preceding, err := listWindowFrames(capturesDirOf(req.CaptureDir), windowStart, windowEnd)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	if len(frames) == 0 {
		result.Error = "no frames in scan window"
		metrics.KPIAlgorithm(AlgoExhaustiveFailed)
		return result
	}

	workdir, copied, copiedPreceding, err := snapshot(e.workDir, req.ExecutionResultID, frames, preceding)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	defer func() { _ = os.RemoveAll(workdir) }()

	// Zero timeout: the scan judges each frame in isolation.
	specs := make([]verify.Spec, 0, len(req.KPIReferences))
	for _, s := range req.KPIReferences {
		specs = append(specs, s.WithZeroTimeout())
	}
	var lastOutcome verify.Outcome
	judge := func(ctx context.Context, framePath string) bool {
		lastOutcome = e.verifier.ExecuteVerifications(ctx, specs, req.UserinterfaceName, verify.StaticFrame(framePath), req.TeamID)
		return lastOutcome.Success
	}

	matchIdx, algorithm := searchEarliestMatch(ctx, copied, windowStart, judge)
	metrics.KPIAlgorithm(algorithm)

	data := reportData{
		ExecutionResultID: req.ExecutionResultID,
		ActionCommand:     req.ActionCommand,
		ActionTime:        sidecar.Timestamp(req.ActionTime()),
		Algorithm:         algorithm,
		WindowStart:       sidecar.Timestamp(windowStart),
		WindowEnd:         sidecar.Timestamp(windowEnd),
		FrameCount:        len(copied),
		Details:           lastOutcome.Details,
	}

	if matchIdx < 0 {
		result.Error = "no frame matched the references"
		result.ReportURL = e.uploadReport(ctx, req, data, nil, copiedPreceding, nil)
		return result
	}

	// Action time survives a float64 round trip only to sub-microsecond
	// precision, so round instead of truncating.
	ms := int64(math.Round(float64(copied[matchIdx].MTime.Sub(req.ActionTime())) / 1e6))
	result.Success = true
	result.KPIMilliseconds = &ms
	data.KPIMs = &ms

	var beforeMatch *FrameInfo
	if matchIdx > 0 {
		beforeMatch = &copied[matchIdx-1]
	} else {
		beforeMatch = copiedPreceding
	}
	result.ReportURL = e.uploadReport(ctx, req, data, &copied[matchIdx], copiedPreceding, beforeMatch)
	return result
}

// capturesDirOf accepts either the captures directory itself or the device
// base containing one.
func capturesDirOf(dir string) string {
	if filepath.Base(dir) == string(layout.ClassCaptures) {
		return dir
	}
	if sub := layout.HotDirForBase(dir, layout.ClassCaptures); dirExists(sub) {
		return sub
	}
	return dir
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// uploadReport pushes the evidence thumbnails, the full-res match and the
// HTML report. Any upload failure degrades to a report without that image.
func (e *Executor) uploadReport(ctx context.Context, req Request, data reportData, match, beforeAction, beforeMatch *FrameInfo) string {
	if e.uploader == nil {
		return ""
	}

	thumb := func(label string, f *FrameInfo) {
		if f == nil {
			return
		}
		local := layout.ThumbnailPathFromCapture(f.Path)
		if !fileExists(local) {
			local = f.Path
		}
		key := objstore.KPIImageKey(reportPrefix, req.ExecutionResultID, label+"_"+filepath.Base(local))
		if url, err := e.uploader.UploadFile(ctx, key, local); err == nil {
			data.Thumbnails = append(data.Thumbnails, reportImage{Label: label, URL: url})
		}
	}
	thumb("before_action", beforeAction)
	if req.ScreenshotAfter != "" && fileExists(req.ScreenshotAfter) {
		key := objstore.KPIImageKey(reportPrefix, req.ExecutionResultID, "after_action_"+filepath.Base(req.ScreenshotAfter))
		if url, err := e.uploader.UploadFile(ctx, key, req.ScreenshotAfter); err == nil {
			data.Thumbnails = append(data.Thumbnails, reportImage{Label: "after_action", URL: url})
		}
	}
	thumb("before_match", beforeMatch)
	thumb("match", match)

	if match != nil {
		key := objstore.KPIImageKey(reportPrefix, req.ExecutionResultID, "match_full_"+filepath.Base(match.Path))
		if url, err := e.uploader.UploadFile(ctx, key, match.Path); err == nil {
			data.MatchURL = url
		}
	}

	body, err := renderReport(data)
	if err != nil {
		e.logger.Warn().Err(err).Msg("report render failed")
		return ""
	}
	key := objstore.KPIReportKey(reportPrefix, req.ExecutionResultID, e.now())
	url, err := e.uploader.Upload(ctx, key, bytes.NewReader(body), "text/html; charset=utf-8")
	if err != nil {
		e.logger.Warn().Err(err).Msg("report upload failed")
		return ""
	}
	return url
}
