// SPDX-License-Identifier: MIT

package incident

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stbmon/capturehost/internal/config"
	"github.com/stbmon/capturehost/internal/detect"
	"github.com/stbmon/capturehost/internal/store"
)

// recordingAlerts counts store calls so tests can assert debounce and
// idempotence without a database.
type recordingAlerts struct {
	mu       sync.Mutex
	creates  int
	resolves []string
	nextID   int
}

func (r *recordingAlerts) CreateAlertSafe(_ context.Context, _ store.Alert) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creates++
	r.nextID++
	return fmt.Sprintf("alert_%d", r.nextID), nil
}

func (r *recordingAlerts) ResolveAlert(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolves = append(r.resolves, id)
	return nil
}

func (r *recordingAlerts) ActiveAlerts(context.Context, string) ([]store.Alert, error) {
	return nil, nil
}

func (r *recordingAlerts) ResolveAllForHost(context.Context, string) (int, error) { return 0, nil }

var testDevice = config.DeviceInfo{
	DeviceID: "device1", DeviceName: "living-room", CaptureFolder: "capture1",
	CapturePath: "/var/captures/capture1", StreamPath: "/var/streams/capture1",
}

func boolPtr(b bool) *bool { return &b }

func TestFreezeLifecycle(t *testing.T) {
	alerts := &recordingAlerts{}
	clock := time.Unix(1_700_000_000, 0)
	m := NewManager(alerts, "pi1").WithClock(func() time.Time { return clock })
	ctx := context.Background()

	frozen := detect.Result{Freeze: true, FreezeDiffs: []float64{0.01}, Audio: boolPtr(true)}

	// t=0: first detection goes PENDING, nothing stored.
	tr := m.ProcessDetection(ctx, testDevice, frozen)
	assert.Equal(t, TransitionFirstDetected, tr[KindFreeze])
	assert.Zero(t, alerts.creates)

	// Continuous detection under the debounce window stays PENDING.
	for i := 1; i < 300; i++ {
		clock = clock.Add(time.Second)
		tr = m.ProcessDetection(ctx, testDevice, frozen)
		assert.Empty(t, tr[KindFreeze])
	}
	assert.Zero(t, alerts.creates)

	// t=300: the incident is stored.
	clock = clock.Add(time.Second)
	tr = m.ProcessDetection(ctx, testDevice, frozen)
	assert.Equal(t, TransitionCreated, tr[KindFreeze])
	assert.Equal(t, 1, alerts.creates)

	// Re-detection while ACTIVE is a no-op on the store.
	clock = clock.Add(time.Second)
	tr = m.ProcessDetection(ctx, testDevice, frozen)
	assert.Empty(t, tr[KindFreeze])
	assert.Equal(t, 1, alerts.creates)

	// Clear resolves the alert.
	clock = clock.Add(4 * time.Second)
	cleared := detect.Result{Freeze: false, Audio: boolPtr(true)}
	tr = m.ProcessDetection(ctx, testDevice, cleared)
	assert.Equal(t, TransitionCleared, tr[KindFreeze])
	require.Len(t, alerts.resolves, 1)
	assert.Equal(t, "alert_1", alerts.resolves[0])
}

func TestClearedPendingNeverHitsDB(t *testing.T) {
	alerts := &recordingAlerts{}
	clock := time.Unix(1_700_000_000, 0)
	m := NewManager(alerts, "pi1").WithClock(func() time.Time { return clock })
	ctx := context.Background()

	m.ProcessDetection(ctx, testDevice, detect.Result{Blackscreen: true, Audio: boolPtr(true)})
	clock = clock.Add(30 * time.Second)
	tr := m.ProcessDetection(ctx, testDevice, detect.Result{Blackscreen: false, Audio: boolPtr(true)})

	assert.Equal(t, TransitionCleared, tr[KindBlackscreen])
	assert.Zero(t, alerts.creates)
	assert.Empty(t, alerts.resolves)
}

func TestAudioLossSkippedForHostDevice(t *testing.T) {
	alerts := &recordingAlerts{}
	m := NewManager(alerts, "pi1")
	hostDev := config.DeviceInfo{DeviceID: "host", CaptureFolder: "host"}

	tr := m.ProcessDetection(context.Background(), hostDev, detect.Result{Audio: boolPtr(false)})
	assert.Empty(t, tr[KindAudioLoss])
}

func TestAudioLossRequiresSignal(t *testing.T) {
	alerts := &recordingAlerts{}
	m := NewManager(alerts, "pi1")

	// No audio sample yet: audio_loss must not go pending.
	tr := m.ProcessDetection(context.Background(), testDevice, detect.Result{})
	assert.Empty(t, tr[KindAudioLoss])

	// Silence starts the pending state.
	tr = m.ProcessDetection(context.Background(), testDevice, detect.Result{Audio: boolPtr(false)})
	assert.Equal(t, TransitionFirstDetected, tr[KindAudioLoss])
}

func TestNullStoreKeepsIncidentPending(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	m := NewManager(store.NullStore{}, "pi1").WithClock(func() time.Time { return clock })
	ctx := context.Background()

	frozen := detect.Result{Freeze: true, Audio: boolPtr(true)}
	m.ProcessDetection(ctx, testDevice, frozen)
	clock = clock.Add(ReportDelay + time.Second)
	tr := m.ProcessDetection(ctx, testDevice, frozen)

	// DB unavailable: no created transition, state remains pending.
	assert.Empty(t, tr[KindFreeze])
	tr = m.ProcessDetection(ctx, testDevice, detect.Result{Freeze: false, Audio: boolPtr(true)})
	assert.Equal(t, TransitionCleared, tr[KindFreeze])
}

func TestEvidenceCacheClearedOnClear(t *testing.T) {
	alerts := &recordingAlerts{}
	m := NewManager(alerts, "pi1")
	ctx := context.Background()

	m.CacheEvidence("device1", KindFreeze, map[string]string{"frame_0": "https://r2/f0.jpg"})
	require.NotNil(t, m.CachedEvidence("device1", KindFreeze))

	m.ProcessDetection(ctx, testDevice, detect.Result{Freeze: true, Audio: boolPtr(true)})
	m.ProcessDetection(ctx, testDevice, detect.Result{Freeze: false, Audio: boolPtr(true)})
	assert.Nil(t, m.CachedEvidence("device1", KindFreeze))
}

func TestAudioOnlyDetectionLeavesVideoIncidentsAlone(t *testing.T) {
	alerts := &recordingAlerts{}
	clock := time.Unix(1_700_000_000, 0)
	m := NewManager(alerts, "pi1").WithClock(func() time.Time { return clock })
	ctx := context.Background()

	// Freeze incident goes active.
	frozen := detect.Result{Freeze: true, Audio: boolPtr(true)}
	m.ProcessDetection(ctx, testDevice, frozen)
	clock = clock.Add(ReportDelay + time.Second)
	m.ProcessDetection(ctx, testDevice, frozen)
	require.Equal(t, 1, alerts.creates)

	// An audio-only sample with sound must not resolve the freeze.
	tr := m.ProcessAudioDetection(ctx, testDevice, true, -20.0)
	assert.Empty(t, tr)
	assert.Empty(t, alerts.resolves)

	// Silence starts its own audio_loss pending state.
	tr = m.ProcessAudioDetection(ctx, testDevice, false, -60.0)
	assert.Equal(t, TransitionFirstDetected, tr)

	// Host sentinel has no audio path.
	tr = m.ProcessAudioDetection(ctx, config.DeviceInfo{DeviceID: "host"}, false, -60.0)
	assert.Empty(t, tr)
}

func TestCleanupOrphans(t *testing.T) {
	alerts := &recordingAlerts{}
	clock := time.Unix(1_700_000_000, 0)
	m := NewManager(alerts, "pi1").WithClock(func() time.Time { return clock })
	ctx := context.Background()

	frozen := detect.Result{Freeze: true, Audio: boolPtr(true)}
	m.ProcessDetection(ctx, testDevice, frozen)
	clock = clock.Add(ReportDelay + time.Second)
	m.ProcessDetection(ctx, testDevice, frozen)
	require.Equal(t, 1, alerts.creates)

	// device1 is no longer monitored: its active incident is resolved.
	n := m.CleanupOrphans(ctx, []string{"device2"})
	assert.Equal(t, 1, n)
	assert.Len(t, alerts.resolves, 1)

	// Monitored devices are untouched.
	n = m.CleanupOrphans(ctx, []string{"device2"})
	assert.Zero(t, n)
}
