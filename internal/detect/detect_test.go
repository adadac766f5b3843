// SPDX-License-Identifier: MIT

package detect

import (
	"image"
	"image/color"
	"image/jpeg"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJPEG(t *testing.T, dir, name string, img image.Image) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, jpeg.Encode(f, img, &jpeg.Options{Quality: 90}))
	require.NoError(t, f.Close())
	return path
}

func uniformFrame(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func noiseFrame(w, h int, seed int64) image.Image {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(rng.Intn(256))
			img.Set(x, y, color.RGBA{v, uint8(rng.Intn(256)), uint8(rng.Intn(256)), 255})
		}
	}
	return img
}

func TestBlackscreenDetected(t *testing.T) {
	dir := t.TempDir()
	frame := writeJPEG(t, dir, "capture_000000001.jpg", uniformFrame(320, 240, color.Black))

	d := New(false, false)
	res, err := d.DetectIssues(frame, nil)
	require.NoError(t, err)
	assert.True(t, res.Blackscreen)
	assert.Greater(t, res.BlackscreenPercentage, 85.0)
}

func TestBlackscreenNotDetectedOnBrightFrame(t *testing.T) {
	dir := t.TempDir()
	frame := writeJPEG(t, dir, "capture_000000002.jpg", uniformFrame(320, 240, color.White))

	d := New(false, false)
	res, err := d.DetectIssues(frame, nil)
	require.NoError(t, err)
	assert.False(t, res.Blackscreen)
	assert.Less(t, res.BlackscreenPercentage, 5.0)
}

func TestMobileThresholdTolerantOfOverlay(t *testing.T) {
	// 75% dark band: below the desktop threshold, above the mobile one.
	img := image.NewRGBA(image.Rect(0, 0, 320, 240))
	for y := 0; y < 240; y++ {
		for x := 0; x < 320; x++ {
			if x < 240 {
				img.Set(x, y, color.Black)
			} else {
				img.Set(x, y, color.White)
			}
		}
	}
	dir := t.TempDir()
	frame := writeJPEG(t, dir, "capture_000000003.jpg", img)

	desktop, err := New(false, false).DetectIssues(frame, nil)
	require.NoError(t, err)
	mobile, err := New(true, false).DetectIssues(frame, nil)
	require.NoError(t, err)

	assert.False(t, desktop.Blackscreen)
	assert.True(t, mobile.Blackscreen)
}

func TestFreezeOnIdenticalFrames(t *testing.T) {
	dir := t.TempDir()
	base := noiseFrame(320, 240, 7)
	current := writeJPEG(t, dir, "capture_000000010.jpg", base)
	prev1 := writeJPEG(t, dir, "capture_000000009.jpg", base)
	prev2 := writeJPEG(t, dir, "capture_000000008.jpg", base)

	d := New(false, false)
	res, err := d.DetectIssues(current, []string{prev2, prev1})
	require.NoError(t, err)
	assert.True(t, res.Freeze)
	require.Len(t, res.FreezeDiffs, 2)
	for _, diff := range res.FreezeDiffs {
		assert.Less(t, diff, 2.0) // jpeg round-trips are not bit-exact
	}
}

func TestFreezeEarlyStopOnDifferentFrame(t *testing.T) {
	dir := t.TempDir()
	current := writeJPEG(t, dir, "capture_000000020.jpg", noiseFrame(320, 240, 1))
	different := writeJPEG(t, dir, "capture_000000019.jpg", noiseFrame(320, 240, 2))
	older := writeJPEG(t, dir, "capture_000000018.jpg", noiseFrame(320, 240, 3))

	d := New(false, false)
	res, err := d.DetectIssues(current, []string{older, different})
	require.NoError(t, err)
	assert.False(t, res.Freeze)
	// Early stop: only the newest previous frame was compared.
	assert.Len(t, res.FreezeDiffs, 1)
	assert.GreaterOrEqual(t, res.FreezeDiffs[0], 0.2)
}

func TestFreezeMissingPreviousTolerated(t *testing.T) {
	dir := t.TempDir()
	current := writeJPEG(t, dir, "capture_000000030.jpg", noiseFrame(320, 240, 4))

	d := New(false, false)
	res, err := d.DetectIssues(current, []string{filepath.Join(dir, "gone.jpg")})
	require.NoError(t, err)
	assert.False(t, res.Freeze)
	assert.Empty(t, res.FreezeDiffs)
}

func TestMacroblocksOnSaturatedGreen(t *testing.T) {
	dir := t.TempDir()
	// Saturated green flat frame: high artifact share, near-zero Laplacian
	// variance (flat = "blurred").
	green := uniformFrame(320, 240, color.RGBA{0, 255, 0, 255})
	frame := writeJPEG(t, dir, "capture_000000040.jpg", green)

	d := New(false, true)
	res, err := d.DetectIssues(frame, nil)
	require.NoError(t, err)
	assert.True(t, res.Macroblocks)
}

func grayNoiseFrame(w, h int, seed int64) image.Image {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(rng.Intn(256))
			img.Set(x, y, color.RGBA{v, v, v, 255})
		}
	}
	return img
}

func TestNoMacroblocksOnNoise(t *testing.T) {
	dir := t.TempDir()
	frame := writeJPEG(t, dir, "capture_000000041.jpg", grayNoiseFrame(320, 240, 9))

	d := New(false, true)
	res, err := d.DetectIssues(frame, nil)
	require.NoError(t, err)
	assert.False(t, res.Macroblocks)
}
