// SPDX-License-Identifier: MIT

package transcribe

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stbmon/capturehost/internal/config"
	"github.com/stbmon/capturehost/internal/incident"
	"github.com/stbmon/capturehost/internal/sidecar"
	"github.com/stbmon/capturehost/internal/store"
)

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

type recordingCache struct {
	deviceID string
	hasAudio bool
	mean     float64
	segment  string
	calls    int
}

func (r *recordingCache) CacheAudio(deviceID string, audio bool, meanVolumeDB float64, _, segmentFile string) {
	r.deviceID = deviceID
	r.hasAudio = audio
	r.mean = meanVolumeDB
	r.segment = segmentFile
	r.calls++
}

func audioTestDevice(base string) config.DeviceInfo {
	return config.DeviceInfo{
		DeviceID: "device1", DeviceName: "living-room",
		CaptureFolder: "capture1", CapturePath: base,
	}
}

func TestAudioCheckPublishesVerdict(t *testing.T) {
	resolver, base := testResolver(t)
	dev := audioTestDevice(base)

	segDir := filepath.Join(base, "segments")
	require.NoError(t, os.MkdirAll(segDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(segDir, "segment_00001.ts"), []byte("ts"), 0o644))

	capDir := filepath.Join(base, "captures")
	require.NoError(t, os.MkdirAll(capDir, 0o755))
	frame := filepath.Join(capDir, "capture_000000001.jpg")
	require.NoError(t, os.WriteFile(frame, []byte("jpg"), 0o644))
	require.NoError(t, sidecar.Write(sidecar.PathFor(frame), sidecar.Frame{Timestamp: sidecar.Timestamp(time.Now())}))

	cache := &recordingCache{}
	inc := incident.NewManager(store.NullStore{}, "pi1")
	w := NewAudioWorker(resolver, []config.DeviceInfo{dev}, &fakeProbe{mean: -23.5}, inc, cache, nil)

	w.CheckDevice(context.Background(), dev)

	assert.Equal(t, 1, cache.calls)
	assert.Equal(t, "device1", cache.deviceID)
	assert.True(t, cache.hasAudio)
	assert.InDelta(t, -23.5, cache.mean, 1e-9)
	assert.Equal(t, "segment_00001.ts", cache.segment)

	merged, err := sidecar.Read(sidecar.PathFor(frame))
	require.NoError(t, err)
	require.NotNil(t, merged.Audio)
	assert.True(t, *merged.Audio)
}

func TestSilenceOpensAudioIncidentWithEvidence(t *testing.T) {
	resolver, base := testResolver(t)
	dev := audioTestDevice(base)

	segDir := filepath.Join(base, "segments")
	require.NoError(t, os.MkdirAll(segDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(segDir, "segment_00007.ts"), []byte("ts"), 0o644))

	capDir := filepath.Join(base, "captures")
	require.NoError(t, os.MkdirAll(capDir, 0o755))
	for _, name := range []string{"capture_000000001.jpg", "capture_000000002.jpg"} {
		require.NoError(t, os.WriteFile(filepath.Join(capDir, name), []byte("jpg"), 0o644))
	}

	up := &fakeUploader{}
	inc := incident.NewManager(store.NullStore{}, "pi1")
	w := NewAudioWorker(resolver, []config.DeviceInfo{dev}, &fakeProbe{mean: -63}, inc, nil, up)

	w.CheckDevice(context.Background(), dev)

	require.NotEmpty(t, up.keys)
	for _, key := range up.keys {
		assert.True(t, strings.HasPrefix(key, "alerts/audio_loss/capture1/"), key)
	}
	assert.NotNil(t, inc.CachedEvidence("device1", incident.KindAudioLoss))

	// The second silent check is still pending: no re-upload.
	uploaded := len(up.keys)
	w.CheckDevice(context.Background(), dev)
	assert.Len(t, up.keys, uploaded)
}

func TestAudioCheckSkipsStaleSidecar(t *testing.T) {
	resolver, base := testResolver(t)
	dev := audioTestDevice(base)

	segDir := filepath.Join(base, "segments")
	require.NoError(t, os.MkdirAll(segDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(segDir, "segment_00001.ts"), []byte("ts"), 0o644))

	capDir := filepath.Join(base, "captures")
	require.NoError(t, os.MkdirAll(capDir, 0o755))
	frame := filepath.Join(capDir, "capture_000000001.jpg")
	require.NoError(t, os.WriteFile(frame, []byte("jpg"), 0o644))
	scPath := sidecar.PathFor(frame)
	require.NoError(t, sidecar.Write(scPath, sidecar.Frame{Timestamp: sidecar.Timestamp(time.Now())}))
	old := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(scPath, old, old))

	inc := incident.NewManager(store.NullStore{}, "pi1")
	w := NewAudioWorker(resolver, []config.DeviceInfo{dev}, &fakeProbe{mean: -20}, inc, nil, nil)

	w.CheckDevice(context.Background(), dev)

	merged, err := sidecar.Read(scPath)
	require.NoError(t, err)
	assert.Nil(t, merged.Audio)
}

func TestNoSegmentsNoCheck(t *testing.T) {
	resolver, base := testResolver(t)
	dev := audioTestDevice(base)
	require.NoError(t, os.MkdirAll(filepath.Join(base, "segments"), 0o755))

	cache := &recordingCache{}
	inc := incident.NewManager(store.NullStore{}, "pi1")
	w := NewAudioWorker(resolver, []config.DeviceInfo{dev}, &fakeProbe{mean: -20}, inc, cache, nil)

	w.CheckDevice(context.Background(), dev)
	assert.Zero(t, cache.calls)
}
