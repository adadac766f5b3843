// SPDX-License-Identifier: MIT

// Package archiver moves overflow hot files into hour-bucketed cold folders,
// regenerates archive playlists and enforces per-class retention.
package archiver

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stbmon/capturehost/internal/hls"
	"github.com/stbmon/capturehost/internal/layout"
	xglog "github.com/stbmon/capturehost/internal/log"
	"github.com/stbmon/capturehost/internal/metrics"
)

// CycleInterval is the archiver's nominal scheduling period.
const CycleInterval = 5 * time.Minute

// classSpec describes how one file class is archived.
type classSpec struct {
	name      string
	srcDir    string // directory name under the hot root files are written to
	dstDir    string // directory name under the device base hour folders go to
	match     func(name string) bool
	hotLimit  int
	retention int // hours
}

func isCapture(name string) bool {
	return strings.HasPrefix(name, "capture_") &&
		strings.HasSuffix(name, ".jpg") &&
		!strings.Contains(name, "_thumbnail")
}

func isThumbnail(name string) bool {
	return strings.HasPrefix(name, "capture_") && strings.HasSuffix(name, "_thumbnail.jpg")
}

func isSidecar(name string) bool {
	return strings.HasPrefix(name, "capture_") && strings.HasSuffix(name, ".json")
}

func isSegment(name string) bool {
	return hls.SequenceOf(name) >= 0
}

// Classes in processing order. Segments keep a short hot window because the
// live playlist only needs the last few; captures are wiped after one hour
// because of their size.
var classes = []classSpec{
	{name: "segments", srcDir: "segments", dstDir: "segments", match: isSegment, hotLimit: 10, retention: 24},
	{name: "captures", srcDir: "captures", dstDir: "captures", match: isCapture, hotLimit: 100, retention: 1},
	{name: "thumbnails", srcDir: "captures", dstDir: "thumbnails", match: isThumbnail, hotLimit: 100, retention: 24},
	{name: "metadata", srcDir: "captures", dstDir: "metadata", match: isSidecar, hotLimit: 100, retention: 24},
}

// DirReport summarises one capture directory's cycle.
type DirReport struct {
	Dir            string
	Archived       int
	Manifests      int
	FoldersCleaned int
	Errors         int
}

// CycleReport summarises a full archiver cycle.
type CycleReport struct {
	Dirs     []DirReport
	Duration time.Duration
}

// Archiver is the single-threaded hot/cold mover.
type Archiver struct {
	resolver *layout.Resolver
	logger   zerolog.Logger
	now      func() time.Time
}

// New builds an archiver over the layout resolver.
func New(resolver *layout.Resolver) *Archiver {
	return &Archiver{
		resolver: resolver,
		logger:   xglog.WithComponent("archiver"),
		now:      time.Now,
	}
}

// WithClock overrides the cycle clock (tests).
func (a *Archiver) WithClock(now func() time.Time) *Archiver {
	a.now = now
	return a
}

// RunCycle archives, regenerates manifests and applies retention for every
// active capture directory. Failures are per-step; a broken directory never
// aborts the cycle.
func (a *Archiver) RunCycle(ctx context.Context) CycleReport {
	start := a.now()
	report := CycleReport{}

	for _, base := range a.resolver.CaptureBaseDirectories() {
		select {
		case <-ctx.Done():
			report.Duration = a.now().Sub(start)
			return report
		default:
		}
		report.Dirs = append(report.Dirs, a.processDirectory(base))
	}

	report.Duration = a.now().Sub(start)
	archived, cleaned := 0, 0
	for _, d := range report.Dirs {
		archived += d.Archived
		cleaned += d.FoldersCleaned
	}
	a.logger.Info().
		Str(xglog.FieldEvent, "archiver.cycle").
		Int("directories", len(report.Dirs)).
		Int("archived", archived).
		Int("folders_cleaned", cleaned).
		Dur("elapsed", report.Duration).
		Msg("archiver cycle complete")
	return report
}

func (a *Archiver) processDirectory(base string) DirReport {
	rep := DirReport{Dir: base}

	for _, spec := range classes {
		moved, err := a.archiveOverflow(base, spec)
		rep.Archived += moved
		if err != nil {
			rep.Errors++
			a.logger.Warn().Err(err).
				Str(xglog.FieldEvent, "archiver.overflow_error").
				Str("class", spec.name).
				Str(xglog.FieldPath, base).
				Msg("overflow archival failed")
		}
		metrics.ArchiverMoved(spec.name, moved)
	}

	manifests, err := a.updateManifests(base)
	rep.Manifests = manifests
	if err != nil {
		rep.Errors++
		a.logger.Warn().Err(err).
			Str(xglog.FieldEvent, "archiver.manifest_error").
			Str(xglog.FieldPath, base).
			Msg("manifest update failed")
	}

	for _, spec := range classes {
		cleaned, err := a.applyRetention(base, spec)
		rep.FoldersCleaned += cleaned
		if err != nil {
			rep.Errors++
			a.logger.Warn().Err(err).
				Str(xglog.FieldEvent, "archiver.retention_error").
				Str("class", spec.name).
				Str(xglog.FieldPath, base).
				Msg("retention sweep failed")
		}
		metrics.ArchiverCleaned(spec.name, cleaned)
	}
	return rep
}

// archiveOverflow moves the oldest files beyond the hot limit into
// <dstDir>/<hour-of-mtime>/ under the device base.
func (a *Archiver) archiveOverflow(base string, spec classSpec) (int, error) {
	hotDir := layout.HotDirForBase(base, layout.Class(spec.srcDir))
	entries, err := os.ReadDir(hotDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	type hotFile struct {
		name  string
		mtime time.Time
	}
	var files []hotFile
	for _, e := range entries {
		if e.IsDir() || !spec.match(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue // vanished between readdir and stat
		}
		files = append(files, hotFile{name: e.Name(), mtime: info.ModTime()})
	}
	if len(files) <= spec.hotLimit {
		return 0, nil
	}

	sort.Slice(files, func(i, j int) bool { return files[i].mtime.Before(files[j].mtime) })
	excess := files[:len(files)-spec.hotLimit]

	moved := 0
	for _, f := range excess {
		hour := strconv.Itoa(f.mtime.Local().Hour())
		dstHourDir := filepath.Join(layout.ColdDirForBase(base, layout.Class(spec.dstDir)), hour)
		if err := os.MkdirAll(dstHourDir, 0o777); err != nil {
			return moved, err
		}
		src := filepath.Join(hotDir, f.name)
		if err := os.Rename(src, filepath.Join(dstHourDir, f.name)); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// updateManifests regenerates archive.m3u8 in every hour folder holding
// segments.
func (a *Archiver) updateManifests(base string) (int, error) {
	segRoot := layout.ColdDirForBase(base, layout.ClassSegments)
	entries, err := os.ReadDir(segRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	updated := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if h, err := strconv.Atoi(e.Name()); err != nil || h < 0 || h > 23 {
			continue
		}
		n, err := hls.UpdateHourFolder(filepath.Join(segRoot, e.Name()))
		if err != nil {
			return updated, err
		}
		if n > 0 {
			updated++
		}
	}
	return updated, nil
}

// hoursAgo computes retention age relative to the current local hour.
// Folder hours "in the future" of the wall clock belong to yesterday.
func hoursAgo(currentHour, folderHour int) int {
	diff := currentHour - folderHour
	if diff < 0 {
		diff += 24
	}
	return diff
}

// applyRetention wipes hour folders past the class retention horizon,
// recreating them empty.
func (a *Archiver) applyRetention(base string, spec classSpec) (int, error) {
	root := layout.ColdDirForBase(base, layout.Class(spec.dstDir))
	currentHour := a.now().Local().Hour()

	cleaned := 0
	for hour := 0; hour < 24; hour++ {
		if hoursAgo(currentHour, hour) < spec.retention {
			continue
		}
		dir := filepath.Join(root, strconv.Itoa(hour))
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) == 0 {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			return cleaned, err
		}
		if err := os.MkdirAll(dir, 0o777); err != nil {
			return cleaned, err
		}
		cleaned++
	}
	return cleaned, nil
}
