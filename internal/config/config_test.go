// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadActiveCaptures(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "active_captures.conf")
	content := "# managed by capture supervisor\n\n/var/captures/capture1\n/var/captures/capture2\n  \n# trailing comment\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	dirs, err := ReadActiveCaptures(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"/var/captures/capture1", "/var/captures/capture2"}, dirs)
}

func TestReadActiveCapturesMissingFile(t *testing.T) {
	_, err := ReadActiveCaptures(filepath.Join(t.TempDir(), "nope.conf"))
	assert.Error(t, err)
}

func TestLoadDevices(t *testing.T) {
	t.Setenv("HOST_NAME", "sunri-pi2")
	t.Setenv("HOST_VIDEO_CAPTURE_PATH", "/var/captures/host")
	t.Setenv("HOST_VIDEO_STREAM_PATH", "/var/streams/host")
	t.Setenv("DEVICE1_NAME", "living-room-stb")
	t.Setenv("DEVICE1_MODEL", "eos1000")
	t.Setenv("DEVICE1_VIDEO_CAPTURE_PATH", "/var/captures/capture1")
	t.Setenv("DEVICE1_VIDEO_STREAM_PATH", "/var/streams/capture1")

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Devices, 2)

	assert.Equal(t, "host", cfg.Devices[0].DeviceID)
	assert.Equal(t, "device1", cfg.Devices[1].DeviceID)
	assert.Equal(t, "capture1", cfg.Devices[1].CaptureFolder)
	assert.Equal(t, "eos1000", cfg.Devices[1].DeviceModel)

	dev, ok := cfg.DeviceByFolder("capture1")
	require.True(t, ok)
	assert.Equal(t, "living-room-stb", dev.DeviceName)

	_, ok = cfg.DeviceByFolder("capture9")
	assert.False(t, ok)
}

func TestLoadRequiresHostName(t *testing.T) {
	t.Setenv("HOST_NAME", "")
	_, err := Load()
	assert.Error(t, err)
}
