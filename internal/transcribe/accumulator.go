// SPDX-License-Identifier: MIT

package transcribe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/stbmon/capturehost/internal/layout"
	xglog "github.com/stbmon/capturehost/internal/log"
	"github.com/stbmon/capturehost/internal/metrics"
)

const (
	// lifoCapacity bounds the real-time queue; overflow evicts the oldest.
	lifoCapacity = 500
	// fifoCapacity bounds the startup backlog queue.
	fifoCapacity = 10
	// workerHeartbeat paces the idle log line.
	workerHeartbeat = 60 * time.Second
	// silencePreCheck is the decode window for the 10-minute pre-check.
	silencePreCheck = 5 * time.Second
)

var (
	oneMinRe = regexp.MustCompile(`^1min_(\d)\.mp3$`)
	tenMinRe = regexp.MustCompile(`^chunk_10min_(\d)\.mp3$`)
)

type itemKind int

const (
	itemOneMinute itemKind = iota
	itemTenMinute
)

type queueItem struct {
	kind          itemKind
	path          string
	captureFolder string
	slot          int // 1-minute slot
	hour, chunk   int // 10-minute location
}

// Accumulator is the transcript service: one Whisper worker fed by a
// real-time LIFO queue and a backlog FIFO queue.
type Accumulator struct {
	resolver    *layout.Resolver
	transcriber Transcriber
	translator  Translator
	speaker     Speaker
	probe       VolumeProbe
	logger      zerolog.Logger
	now         func() time.Time

	captureFolders []string

	mu   sync.Mutex
	lifo []queueItem
	fifo []queueItem
	wake chan struct{}
}

// NewAccumulator builds the service for the given capture folders.
// translator and speaker may be nil; translation and dubbing are then
// skipped.
func NewAccumulator(resolver *layout.Resolver, captureFolders []string, transcriber Transcriber, translator Translator, speaker Speaker, probe VolumeProbe) *Accumulator {
	return &Accumulator{
		resolver:       resolver,
		transcriber:    transcriber,
		translator:     translator,
		speaker:        speaker,
		probe:          probe,
		logger:         xglog.WithComponent("transcribe"),
		now:            time.Now,
		captureFolders: captureFolders,
		wake:           make(chan struct{}, 1),
	}
}

// WithClock overrides the clock (tests).
func (a *Accumulator) WithClock(now func() time.Time) *Accumulator {
	a.now = now
	return a
}

// Run watches the temp audio directories and processes both queues until
// the context ends.
func (a *Accumulator) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	watched := map[string]string{} // temp dir -> capture folder
	for _, folder := range a.captureFolders {
		dir, err := a.resolver.ActivePath(folder, layout.ClassAudio)
		if err != nil {
			continue
		}
		tempDir := filepath.Join(dir, "temp")
		if err := os.MkdirAll(tempDir, 0o777); err != nil {
			a.logger.Warn().Err(err).Str("dir", tempDir).Msg("create temp dir failed")
			continue
		}
		if err := watcher.Add(tempDir); err != nil {
			a.logger.Warn().Err(err).Str("dir", tempDir).Msg("watch failed")
			continue
		}
		watched[tempDir] = folder
	}

	a.scanBacklog()

	go a.worker(ctx)

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
			folder, ok := watched[filepath.Dir(ev.Name)]
			if !ok {
				continue
			}
			a.EnqueueRealtime(ev.Name, folder)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.logger.Warn().Err(err).Msg("watcher error")
		}
	}
}

// EnqueueRealtime pushes a freshly rotated 1-minute file onto the LIFO
// queue. Dubbed outputs and other names are ignored.
func (a *Accumulator) EnqueueRealtime(path, captureFolder string) {
	m := oneMinRe.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return
	}
	slot, _ := strconv.Atoi(m[1])

	a.mu.Lock()
	if len(a.lifo) >= lifoCapacity {
		a.lifo = a.lifo[1:] // evict the oldest
	}
	a.lifo = append(a.lifo, queueItem{
		kind: itemOneMinute, path: path, captureFolder: captureFolder, slot: slot,
	})
	a.mu.Unlock()
	a.signal()
}

// scanBacklog enqueues 10-minute chunks that never got a transcript, oldest
// hours first, up to the FIFO capacity.
func (a *Accumulator) scanBacklog() {
	for _, folder := range a.captureFolders {
		audioDir, err := a.resolver.ActivePath(folder, layout.ClassAudio)
		if err != nil {
			continue
		}
		transcriptsDir, err := a.resolver.ActivePath(folder, layout.ClassTranscripts)
		if err != nil {
			continue
		}
		for hour := 0; hour < 24; hour++ {
			hourDir := filepath.Join(audioDir, strconv.Itoa(hour))
			entries, err := os.ReadDir(hourDir)
			if err != nil {
				continue
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				names = append(names, e.Name())
			}
			sort.Strings(names)
			for _, name := range names {
				m := tenMinRe.FindStringSubmatch(name)
				if m == nil {
					continue
				}
				chunk, _ := strconv.Atoi(m[1])
				if _, err := os.Stat(ChunkPath(transcriptsDir, hour, chunk)); err == nil {
					continue
				}
				a.mu.Lock()
				full := len(a.fifo) >= fifoCapacity
				if !full {
					a.fifo = append(a.fifo, queueItem{
						kind: itemTenMinute, path: filepath.Join(hourDir, name),
						captureFolder: folder, hour: hour, chunk: chunk,
					})
				}
				a.mu.Unlock()
				if full {
					return
				}
			}
		}
	}
}

func (a *Accumulator) signal() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// pop prefers the real-time queue: newest 1-minute file first, then one
// backlog item.
func (a *Accumulator) pop() (queueItem, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.lifo); n > 0 {
		item := a.lifo[n-1]
		a.lifo = a.lifo[:n-1]
		return item, true
	}
	if len(a.fifo) > 0 {
		item := a.fifo[0]
		a.fifo = a.fifo[1:]
		return item, true
	}
	return queueItem{}, false
}

func (a *Accumulator) worker(ctx context.Context) {
	heartbeat := time.NewTicker(workerHeartbeat)
	defer heartbeat.Stop()
	for {
		item, ok := a.pop()
		if ok {
			a.process(ctx, item)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-a.wake:
		case <-heartbeat.C:
			a.mu.Lock()
			depth := len(a.lifo) + len(a.fifo)
			a.mu.Unlock()
			a.logger.Info().
				Str(xglog.FieldEvent, "transcribe.heartbeat").
				Int("queued", depth).
				Msg("worker idle")
		}
	}
}

func (a *Accumulator) process(ctx context.Context, item queueItem) {
	var err error
	switch item.kind {
	case itemOneMinute:
		err = a.processOneMinute(ctx, item)
	case itemTenMinute:
		err = a.processTenMinute(ctx, item)
	}
	if err != nil {
		a.logger.Warn().Err(err).
			Str(xglog.FieldCaptureFolder, item.captureFolder).
			Str("file", filepath.Base(item.path)).
			Msg("transcription failed")
	}
}

// processOneMinute is the low-latency path: transcribe the rotated slot,
// merge it into the current chunk, translate and dub.
func (a *Accumulator) processOneMinute(ctx context.Context, item queueItem) error {
	now := a.now()
	hour, chunk := layout.ChunkLocation(now)

	tr, err := a.transcriber.Transcribe(ctx, item.path)
	if err != nil {
		return err
	}

	transcriptsDir, err := a.resolver.ActivePath(item.captureFolder, layout.ClassTranscripts)
	if err != nil {
		return err
	}
	path := ChunkPath(transcriptsDir, hour, chunk)
	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return err
	}
	id := ChunkID{CaptureFolder: item.captureFolder, Hour: hour, ChunkIndex: chunk}
	merged, err := MergeMinute(path, id, item.slot, tr.Segments, tr.Language, "", now)
	if err != nil {
		return err
	}
	metrics.TranscriptMerge("1min")
	a.updateManifest(transcriptsDir, hour, chunk, merged)

	a.translateAndDub(ctx, merged, filepath.Dir(item.path), fmt.Sprintf("1min_%d", item.slot))
	return nil
}

// processTenMinute is the backfill path: silence pre-check, one whole-chunk
// transcription, per-minute merges.
func (a *Accumulator) processTenMinute(ctx context.Context, item queueItem) error {
	now := a.now()
	transcriptsDir, err := a.resolver.ActivePath(item.captureFolder, layout.ClassTranscripts)
	if err != nil {
		return err
	}
	path := ChunkPath(transcriptsDir, item.hour, item.chunk)
	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return err
	}
	id := ChunkID{
		CaptureFolder: item.captureFolder,
		Hour:          item.hour,
		ChunkIndex:    item.chunk,
		MP3File:       filepath.Base(item.path),
	}

	if a.probe != nil {
		mean, err := a.probe.MeanVolume(ctx, item.path, silencePreCheck)
		if err == nil && IsSilent(mean) {
			// Record the skip so the backlog scan stops re-finding the chunk.
			merged, err := MergeMinute(path, id, 0, nil, "", "silent", now)
			if err != nil {
				return err
			}
			metrics.TranscriptMerge("10min_silent")
			a.updateManifest(transcriptsDir, item.hour, item.chunk, merged)
			return nil
		}
	}

	tr, err := a.transcriber.Transcribe(ctx, item.path)
	if err != nil {
		return err
	}

	buckets := map[int][]Segment{}
	for _, seg := range tr.Segments {
		minute := int(seg.Start) / 60
		if minute < 0 {
			minute = 0
		}
		if minute > 9 {
			minute = 9
		}
		buckets[minute] = append(buckets[minute], seg)
	}

	var merged Chunk
	for minute := 0; minute <= 9; minute++ {
		segs, ok := buckets[minute]
		if !ok {
			continue
		}
		merged, err = MergeMinute(path, id, minute, segs, tr.Language, "", now)
		if err != nil {
			return err
		}
	}
	metrics.TranscriptMerge("10min")
	a.updateManifest(transcriptsDir, item.hour, item.chunk, merged)

	a.translateAndDub(ctx, merged, filepath.Dir(item.path), fmt.Sprintf("chunk_10min_%d", item.chunk))
	return nil
}

// translateAndDub produces the per-language translations and dubbed MP3s
// next to the source audio. Short transcripts are noise and skipped.
func (a *Accumulator) translateAndDub(ctx context.Context, chunk Chunk, outDir, baseName string) {
	if a.translator == nil || a.speaker == nil {
		return
	}
	if len(chunk.Transcript) <= minTranslatableLength {
		return
	}
	source := chunk.Language
	for _, lang := range Languages {
		if lang == source {
			continue
		}
		text, err := a.translator.Translate(ctx, chunk.Transcript, source, lang)
		if err != nil {
			a.logger.Warn().Err(err).Str("lang", lang).Msg("translation failed")
			continue
		}
		out := filepath.Join(outDir, fmt.Sprintf("%s_%s.mp3", baseName, lang))
		if err := a.speaker.Speak(ctx, text, Voices[lang], out); err != nil {
			a.logger.Warn().Err(err).Str("lang", lang).Msg("dub failed")
		}
	}
}
