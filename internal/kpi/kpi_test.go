// SPDX-License-Identifier: MIT

package kpi

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stbmon/capturehost/internal/store"
	"github.com/stbmon/capturehost/internal/verify"
)

func TestScanWindowWithVerification(t *testing.T) {
	vts := 100.42
	req := Request{ActionTimestamp: 100.0, VerificationTimestamp: &vts, TimeoutMS: 10_000}
	start, end := req.ScanWindow()
	assert.Equal(t, secondsToTime(100.0), start) // clamped to action
	assert.Equal(t, secondsToTime(100.42), end)

	short := 100.2
	req = Request{ActionTimestamp: 100.0, VerificationTimestamp: &short, TimeoutMS: 100}
	start, _ = req.ScanWindow()
	assert.WithinDuration(t, secondsToTime(100.1), start, time.Microsecond)
}

func TestScanWindowLongWaitTail(t *testing.T) {
	req := Request{ActionTimestamp: 100.0, LastActionWaitMS: 90_000}
	start, end := req.ScanWindow()
	assert.Equal(t, secondsToTime(190.0), end)
	assert.Equal(t, secondsToTime(170.0), start) // last 20 s only
}

func TestScanWindowForward(t *testing.T) {
	req := Request{ActionTimestamp: 100.0, TimeoutMS: 10_000}
	start, end := req.ScanWindow()
	assert.Equal(t, secondsToTime(100.0), start)
	assert.Equal(t, secondsToTime(110.0), end)
}

func framesAt(base time.Time, offsets ...time.Duration) []FrameInfo {
	out := make([]FrameInfo, 0, len(offsets))
	for i, off := range offsets {
		out = append(out, FrameInfo{
			Path:  "capture_00000000" + string(rune('1'+i)) + ".jpg",
			MTime: base.Add(off),
		})
	}
	return out
}

// matchAfter judges a frame as matching when its mtime is at or after cut.
func matchAfter(frames []FrameInfo, cut time.Time) frameJudge {
	byPath := map[string]time.Time{}
	for _, f := range frames {
		byPath[f.Path] = f.MTime
	}
	return func(_ context.Context, path string) bool {
		return !byPath[path].Before(cut)
	}
}

func TestSearchEarlyProbeHit(t *testing.T) {
	base := time.Unix(100, 0)
	frames := framesAt(base, 0, 200*time.Millisecond, 400*time.Millisecond)
	judge := matchAfter(frames, base.Add(200*time.Millisecond))

	idx, algo := searchEarliestMatch(context.Background(), frames, base, judge)
	assert.Equal(t, 1, idx)
	assert.Equal(t, AlgoQuickCheckEarly, algo)
}

func TestSearchBackwardPinsSkippedFrame(t *testing.T) {
	base := time.Unix(100, 0)
	frames := framesAt(base, 0, 200*time.Millisecond, 400*time.Millisecond)
	// Early probe at +200ms fails: matches only from +400ms... then the
	// backward scan sees idx2 true, idx0 false and pins idx1 by checking it.
	byPath := map[string]bool{
		frames[0].Path: false,
		frames[1].Path: false,
		frames[2].Path: true,
	}
	calls := 0
	judge := func(_ context.Context, path string) bool {
		calls++
		return byPath[path]
	}

	idx, algo := searchEarliestMatch(context.Background(), frames, base, judge)
	assert.Equal(t, 2, idx)
	assert.Equal(t, AlgoBackwardScanStep2, algo)
	assert.Equal(t, 3, calls) // probe(1), scan 2, scan 0; 1 memoized
}

func TestSearchBackwardIntermediateMatch(t *testing.T) {
	base := time.Unix(100, 0)
	frames := framesAt(base, 0, 100*time.Millisecond, 200*time.Millisecond, 300*time.Millisecond)
	// Probe lands on idx 1 (fails); matches start at idx 2, which is the
	// skipped intermediate between scan points 3 and 1.
	byPath := map[string]bool{
		frames[0].Path: false,
		frames[1].Path: false,
		frames[2].Path: true,
		frames[3].Path: true,
	}
	judge := func(_ context.Context, path string) bool { return byPath[path] }

	idx, algo := searchEarliestMatch(context.Background(), frames, base.Add(-100*time.Millisecond), judge)
	assert.Equal(t, 2, idx)
	assert.Equal(t, AlgoBackwardScanStep2, algo)
}

func TestSearchChecksIndexZeroOnOddTail(t *testing.T) {
	base := time.Unix(100, 0)
	frames := framesAt(base, 0, 100*time.Millisecond)
	// Probe lands on idx 0 (fails); idx 1 matches; the loop exits still
	// matching at idx 1 and must re-check idx 0 before answering.
	byPath := map[string]bool{
		frames[0].Path: false,
		frames[1].Path: true,
	}
	judge := func(_ context.Context, path string) bool { return byPath[path] }

	idx, algo := searchEarliestMatch(context.Background(), frames, base.Add(-300*time.Millisecond), judge)
	assert.Equal(t, 1, idx)
	assert.Equal(t, AlgoBackwardScanStep2, algo)
}

func TestSearchNothingMatches(t *testing.T) {
	base := time.Unix(100, 0)
	frames := framesAt(base, 0, 200*time.Millisecond, 400*time.Millisecond)
	judge := func(context.Context, string) bool { return false }

	idx, algo := searchEarliestMatch(context.Background(), frames, base, judge)
	assert.Equal(t, -1, idx)
	assert.Equal(t, AlgoExhaustiveFailed, algo)
}

func TestListWindowFramesPicksPreceding(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	write := func(name string, at time.Time) {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("jpeg"), 0o644))
		require.NoError(t, os.Chtimes(p, at, at))
	}
	write("capture_000000001.jpg", base)
	write("capture_000000002.jpg", base.Add(2*time.Second))
	write("capture_000000003.jpg", base.Add(4*time.Second))
	write("capture_000000002_thumbnail.jpg", base.Add(2*time.Second))
	write("notes.txt", base.Add(2*time.Second))

	window, preceding, err := listWindowFrames(dir, base.Add(time.Second), base.Add(5*time.Second))
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Contains(t, window[0].Path, "capture_000000002.jpg")
	require.NotNil(t, preceding)
	assert.Contains(t, preceding.Path, "capture_000000001.jpg")
}

type capturingKPIs struct {
	mu      sync.Mutex
	results []store.KPIResult
}

func (c *capturingKPIs) UpdateKPIResult(_ context.Context, res store.KPIResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, res)
	return nil
}

// verdictVerifier matches frames by base filename.
type verdictVerifier struct{ matching map[string]bool }

func (v verdictVerifier) ExecuteVerifications(_ context.Context, _ []verify.Spec, _ string, source verify.ImageSource, _ string) verify.Outcome {
	path, _ := source.CurrentFrame()
	ok := v.matching[filepath.Base(path)]
	return verify.Outcome{Success: ok, Details: []verify.Detail{{Success: ok}}}
}

func TestMeasurePrePinnedShortCircuit(t *testing.T) {
	kpis := &capturingKPIs{}
	e := NewExecutor(kpis, nil, verdictVerifier{}).WithWorkDir(t.TempDir())

	pinned := 100.42
	res := e.Measure(context.Background(), Request{
		ExecutionResultID: "exec-1", CaptureDir: "/nonexistent",
		ActionTimestamp: 100.0, KPITimestamp: &pinned,
	})
	assert.True(t, res.Success)
	require.NotNil(t, res.KPIMilliseconds)
	assert.Equal(t, int64(420), *res.KPIMilliseconds)
}

func TestMeasureEndToEnd(t *testing.T) {
	capDir := t.TempDir()
	workDir := t.TempDir()
	action := time.Now().Add(-30 * time.Second).Truncate(time.Second)

	write := func(name string, at time.Time) {
		p := filepath.Join(capDir, name)
		require.NoError(t, os.WriteFile(p, []byte("jpeg"), 0o644))
		require.NoError(t, os.Chtimes(p, at, at))
	}
	write("capture_000000001.jpg", action)
	write("capture_000000002.jpg", action.Add(200*time.Millisecond))
	write("capture_000000003.jpg", action.Add(400*time.Millisecond))

	kpis := &capturingKPIs{}
	e := NewExecutor(kpis, nil, verdictVerifier{matching: map[string]bool{
		"capture_000000002.jpg": true,
		"capture_000000003.jpg": true,
	}}).WithWorkDir(workDir)

	vts := timeToSeconds(action.Add(420 * time.Millisecond))
	res := e.Measure(context.Background(), Request{
		ExecutionResultID: "exec-9",
		CaptureDir:        capDir,
		ActionTimestamp:   timeToSeconds(action),
		VerificationTimestamp: &vts,
		TimeoutMS:         10_000,
	})

	assert.True(t, res.Success)
	require.NotNil(t, res.KPIMilliseconds)
	assert.Equal(t, int64(200), *res.KPIMilliseconds)

	// The working directory is always deleted.
	entries, err := os.ReadDir(workDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMeasureNoFramesInWindow(t *testing.T) {
	capDir := t.TempDir()
	kpis := &capturingKPIs{}
	e := NewExecutor(kpis, nil, verdictVerifier{}).WithWorkDir(t.TempDir())

	res := e.Measure(context.Background(), Request{
		ExecutionResultID: "exec-2", CaptureDir: capDir,
		ActionTimestamp: timeToSeconds(time.Now()), TimeoutMS: 1000,
	})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "no frames")
}

func TestHandleDeletesQueueFile(t *testing.T) {
	queueDir := t.TempDir()
	capDir := t.TempDir()
	kpis := &capturingKPIs{}
	e := NewExecutor(kpis, nil, verdictVerifier{}).
		WithQueueDir(queueDir).
		WithWorkDir(t.TempDir())

	path := filepath.Join(queueDir, "kpi_request_001.json")
	body := `{"execution_result_id":"exec-3","capture_dir":"` + capDir + `","action_timestamp":50.0,"kpi_timestamp":50.5}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	e.handle(context.Background(), path)

	assert.NoFileExists(t, path)
	require.Len(t, kpis.results, 1)
	assert.True(t, kpis.results[0].Success)
	require.NotNil(t, kpis.results[0].KPIMilliseconds)
	assert.Equal(t, int64(500), *kpis.results[0].KPIMilliseconds)
}
