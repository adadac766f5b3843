// SPDX-License-Identifier: MIT

package monitor

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stbmon/capturehost/internal/actions"
	"github.com/stbmon/capturehost/internal/config"
	"github.com/stbmon/capturehost/internal/incident"
	"github.com/stbmon/capturehost/internal/layout"
	"github.com/stbmon/capturehost/internal/sidecar"
	"github.com/stbmon/capturehost/internal/store"
)

type noopAlerts struct{}

func (noopAlerts) CreateAlertSafe(context.Context, store.Alert) (string, error) { return "a1", nil }
func (noopAlerts) ResolveAlert(context.Context, string) error                   { return nil }
func (noopAlerts) ActiveAlerts(context.Context, string) ([]store.Alert, error)  { return nil, nil }
func (noopAlerts) ResolveAllForHost(context.Context, string) (int, error)       { return 0, nil }

type fakeUploader struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeUploader) Upload(_ context.Context, key string, _ io.Reader, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return "https://cdn.example/" + key, nil
}

func (f *fakeUploader) UploadFile(ctx context.Context, key, _ string) (string, error) {
	return f.Upload(ctx, key, nil, "")
}

type recordingZaps struct {
	mu    sync.Mutex
	calls []time.Duration
	acts  []*actions.Action
}

func (r *recordingZaps) BlackscreenEnded(_ config.DeviceInfo, _ string, d time.Duration, act *actions.Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, d)
	r.acts = append(r.acts, act)
}

func writeJPEG(t *testing.T, path string, level uint8) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 120, 90))
	for i := range img.Pix {
		img.Pix[i] = level
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func writeNoiseJPEG(t *testing.T, path string, seed uint8) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 120, 90))
	v := seed
	for i := range img.Pix {
		v = v*31 + 17
		img.Pix[i] = v
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func newTestMonitor(t *testing.T) (*Monitor, string, *incident.Manager) {
	t.Helper()
	base := t.TempDir()
	capDir := filepath.Join(base, "captures")
	require.NoError(t, os.MkdirAll(capDir, 0o755))

	cfg := &config.Config{Devices: []config.DeviceInfo{{
		DeviceID: "device1", DeviceName: "living-room", CaptureFolder: filepath.Base(base),
		CapturePath: base, StreamPath: filepath.Join(base, "segments"),
	}}}
	resolver := layout.NewResolver(cfg).WithActiveCapturesPath(filepath.Join(base, "missing.conf"))
	inc := incident.NewManager(noopAlerts{}, "pi1")
	m := New(cfg, resolver, inc, nil, false)
	return m, capDir, inc
}

func TestProcessFrameWritesSidecar(t *testing.T) {
	m, capDir, _ := newTestMonitor(t)
	frame := filepath.Join(capDir, "capture_000000001.jpg")
	writeJPEG(t, frame, 128)

	m.ProcessFrame(context.Background(), frame)

	side, err := sidecar.Read(sidecar.PathFor(frame))
	require.NoError(t, err)
	assert.True(t, side.Analyzed)
	assert.False(t, side.Blackscreen)
	assert.False(t, side.Freeze)
	assert.NotEmpty(t, side.Timestamp)
}

func TestProcessFrameSkipsNonFrames(t *testing.T) {
	m, capDir, _ := newTestMonitor(t)

	thumb := filepath.Join(capDir, "capture_000000001_thumbnail.jpg")
	writeJPEG(t, thumb, 128)
	m.ProcessFrame(context.Background(), thumb)
	assert.NoFileExists(t, sidecar.PathFor(thumb))

	tmp := filepath.Join(capDir, "capture_000000002.jpg.tmp")
	writeJPEG(t, tmp, 128)
	m.ProcessFrame(context.Background(), tmp)
	assert.NoFileExists(t, tmp+".json")
}

func TestProcessFrameIdempotent(t *testing.T) {
	m, capDir, _ := newTestMonitor(t)
	frame := filepath.Join(capDir, "capture_000000001.jpg")
	writeJPEG(t, frame, 128)
	side := sidecar.PathFor(frame)
	require.NoError(t, os.WriteFile(side, []byte(`{"analyzed":true,"marker":1}`), 0o644))

	m.ProcessFrame(context.Background(), frame)

	data, err := os.ReadFile(side)
	require.NoError(t, err)
	assert.Contains(t, string(data), "marker")
}

func TestCorruptFrameGetsErrorSidecar(t *testing.T) {
	m, capDir, _ := newTestMonitor(t)
	frame := filepath.Join(capDir, "capture_000000001.jpg")
	require.NoError(t, os.WriteFile(frame, []byte("not a jpeg"), 0o644))

	m.ProcessFrame(context.Background(), frame)

	raw, err := sidecar.ReadRaw(sidecar.PathFor(frame))
	require.NoError(t, err)
	assert.Equal(t, true, raw["analyzed"])
	assert.NotEmpty(t, raw["error"])
}

func TestFreezeEvidenceUploadedOnFirstDetection(t *testing.T) {
	m, capDir, inc := newTestMonitor(t)
	up := &fakeUploader{}
	m.uploader = up

	for i := 1; i <= 3; i++ {
		frame := filepath.Join(capDir, "capture_00000000"+string(rune('0'+i))+".jpg")
		writeJPEG(t, frame, 128) // identical frames: freeze from the second on
		m.ProcessFrame(context.Background(), frame)
	}

	up.mu.Lock()
	defer up.mu.Unlock()
	assert.NotEmpty(t, up.keys)
	assert.Contains(t, up.keys[0], "alerts/freeze/")
	assert.NotNil(t, inc.CachedEvidence("device1", incident.KindFreeze))
}

func TestBlackscreenEdgeFiresZapObserver(t *testing.T) {
	m, capDir, _ := newTestMonitor(t)
	zaps := &recordingZaps{}
	m.WithZapObserver(zaps)

	clock := time.Unix(1_700_000_000, 0)
	m.WithClock(func() time.Time { return clock })

	f1 := filepath.Join(capDir, "capture_000000001.jpg")
	writeJPEG(t, f1, 0) // black frame
	m.ProcessFrame(context.Background(), f1)
	assert.Empty(t, zaps.calls)

	clock = clock.Add(1200 * time.Millisecond)
	f2 := filepath.Join(capDir, "capture_000000002.jpg")
	writeNoiseJPEG(t, f2, 7) // content back
	m.ProcessFrame(context.Background(), f2)

	require.Len(t, zaps.calls, 1)
	assert.Equal(t, 1200*time.Millisecond, zaps.calls[0])
	assert.Nil(t, zaps.acts[0]) // no action snapshot: manual zap
}

func TestCachedAudioStampedIntoSidecar(t *testing.T) {
	m, capDir, _ := newTestMonitor(t)
	m.CacheAudio("device1", false, -63.5, sidecar.Timestamp(time.Now()), "segment_000000009.ts")

	frame := filepath.Join(capDir, "capture_000000001.jpg")
	writeJPEG(t, frame, 128)
	m.ProcessFrame(context.Background(), frame)

	side, err := sidecar.Read(sidecar.PathFor(frame))
	require.NoError(t, err)
	require.NotNil(t, side.Audio)
	assert.False(t, *side.Audio)
	require.NotNil(t, side.MeanVolumeDB)
	assert.InDelta(t, -63.5, *side.MeanVolumeDB, 0.001)
	assert.Equal(t, "segment_000000009.ts", side.AudioSegmentFile)
}
