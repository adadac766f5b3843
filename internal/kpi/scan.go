// SPDX-License-Identifier: MIT

package kpi

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stbmon/capturehost/internal/layout"
)

// Algorithm labels recorded with each measurement.
const (
	AlgoQuickCheckEarly   = "quick_check_early"
	AlgoBackwardScanStep2 = "backward_scan_step2"
	AlgoExhaustiveFailed  = "exhaustive_search_failed"
)

const (
	// longWaitThreshold switches a verification-less request onto the
	// tail-window scan.
	longWaitThreshold = 60 * time.Second
	// tailWindow is the slice of a long wait actually scanned.
	tailWindow = 20 * time.Second
	// earlyProbeOffset is where the cheap first guess lands. At nominal
	// frame rate the action's effect is usually visible one frame later.
	earlyProbeOffset = 200 * time.Millisecond
)

// ScanWindow derives the frame interval to inspect.
func (r Request) ScanWindow() (start, end time.Time) {
	action := r.ActionTime()
	if r.VerificationTimestamp != nil {
		end = secondsToTime(*r.VerificationTimestamp)
		start = end.Add(-r.Timeout())
		if start.Before(action) {
			start = action
		}
		return start, end
	}
	if wait := time.Duration(r.LastActionWaitMS) * time.Millisecond; wait > longWaitThreshold {
		end = action.Add(wait)
		return end.Add(-tailWindow), end
	}
	return action, action.Add(r.Timeout())
}

// FrameInfo is one capture frame with its original mtime. The mtime is the
// measurement clock, so it is carried alongside even after the snapshot copy.
type FrameInfo struct {
	Path  string
	MTime time.Time
}

// listWindowFrames scans a captures directory (flat, no subfolders) for
// frames whose mtime falls in [start, end], plus the one frame immediately
// preceding the window for "before" evidence.
func listWindowFrames(capDir string, start, end time.Time) (window []FrameInfo, preceding *FrameInfo, err error) {
	entries, err := os.ReadDir(capDir)
	if err != nil {
		return nil, nil, fmt.Errorf("kpi: read captures dir: %w", err)
	}
	var all []FrameInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "capture_") || !strings.HasSuffix(name, ".jpg") {
			continue
		}
		if strings.Contains(name, "_thumbnail") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		all = append(all, FrameInfo{Path: filepath.Join(capDir, name), MTime: info.ModTime()})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].MTime.Before(all[j].MTime) })

	for i := range all {
		f := all[i]
		if f.MTime.Before(start) {
			preceding = &all[i]
			continue
		}
		if f.MTime.After(end) {
			break
		}
		window = append(window, f)
	}
	return window, preceding, nil
}

// snapshot copies the window frames, the preceding frame and every available
// thumbnail into a fresh RAM working directory. Returned FrameInfos point at
// the copies but keep the original mtimes.
func snapshot(baseDir, execID string, window []FrameInfo, preceding *FrameInfo) (string, []FrameInfo, *FrameInfo, error) {
	workdir := filepath.Join(baseDir, execID+"_"+uuid.NewString())
	if err := os.MkdirAll(workdir, 0o777); err != nil {
		return "", nil, nil, fmt.Errorf("kpi: create working dir: %w", err)
	}

	copyOne := func(f FrameInfo) (FrameInfo, error) {
		dst := filepath.Join(workdir, filepath.Base(f.Path))
		if err := copyFile(f.Path, dst); err != nil {
			return FrameInfo{}, err
		}
		_ = os.Chtimes(dst, f.MTime, f.MTime)
		if thumb := layout.ThumbnailPathFromCapture(f.Path); fileExists(thumb) {
			_ = copyFile(thumb, filepath.Join(workdir, filepath.Base(thumb)))
		}
		return FrameInfo{Path: dst, MTime: f.MTime}, nil
	}

	copied := make([]FrameInfo, 0, len(window))
	for _, f := range window {
		c, err := copyOne(f)
		if err != nil {
			_ = os.RemoveAll(workdir)
			return "", nil, nil, err
		}
		copied = append(copied, c)
	}
	var copiedPreceding *FrameInfo
	if preceding != nil {
		c, err := copyOne(*preceding)
		if err == nil {
			copiedPreceding = &c
		}
	}
	return workdir, copied, copiedPreceding, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) // #nosec G304
	if err != nil {
		return fmt.Errorf("kpi: open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(dst) // #nosec G304
	if err != nil {
		return fmt.Errorf("kpi: create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("kpi: copy %s: %w", src, err)
	}
	return out.Close()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// frameJudge reports whether one frame matches every KPI reference.
type frameJudge func(ctx context.Context, framePath string) bool

// searchEarliestMatch runs the two-phase search over the window frames
// (oldest first). It returns the index of the earliest matching frame, or -1
// with the exhaustive-failure label.
func searchEarliestMatch(ctx context.Context, frames []FrameInfo, windowStart time.Time, judge frameJudge) (int, string) {
	if len(frames) == 0 {
		return -1, AlgoExhaustiveFailed
	}

	verdicts := map[int]bool{}
	eval := func(i int) bool {
		if v, ok := verdicts[i]; ok {
			return v
		}
		v := judge(ctx, frames[i].Path)
		verdicts[i] = v
		return v
	}

	// Phase one: cheap probe just after the window opens.
	probe := probeIndex(frames, windowStart.Add(earlyProbeOffset))
	if eval(probe) {
		return probe, AlgoQuickCheckEarly
	}

	// Phase two: newest to oldest in steps of two, pinning the flip.
	lastMatch := -1
	for i := len(frames) - 1; i >= 0; i -= 2 {
		if eval(i) {
			lastMatch = i
			continue
		}
		if lastMatch == -1 {
			// The newest frame does not match: nothing in the window does
			// by the time-monotonicity of matches.
			return -1, AlgoExhaustiveFailed
		}
		if i+1 < lastMatch && eval(i+1) {
			return i + 1, AlgoBackwardScanStep2
		}
		return lastMatch, AlgoBackwardScanStep2
	}
	if lastMatch == -1 {
		return -1, AlgoExhaustiveFailed
	}
	if lastMatch == 1 && eval(0) {
		return 0, AlgoBackwardScanStep2
	}
	return lastMatch, AlgoBackwardScanStep2
}

// probeIndex picks the first frame at or after the probe time, or the
// closest one when none follows it.
func probeIndex(frames []FrameInfo, at time.Time) int {
	for i, f := range frames {
		if !f.MTime.Before(at) {
			return i
		}
	}
	return len(frames) - 1
}
