// SPDX-License-Identifier: MIT

package verify

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeGradientJPEG(t *testing.T, path string, phase int) string {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Pix[y*img.Stride+x] = uint8((x*4 + y + phase) % 256)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func writeFlatJPEG(t *testing.T, path string, level uint8) string {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for i := range img.Pix {
		img.Pix[i] = level
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestNewSpecValidation(t *testing.T) {
	_, err := NewSpec("pressButton", "x", nil, 0.5, 0)
	assert.Error(t, err)

	_, err = NewSpec(CmdWaitForImageToAppear, "", nil, 0.5, 0)
	assert.Error(t, err)

	_, err = NewSpec(CmdWaitForImageToAppear, "logo", nil, 1.5, 0)
	assert.Error(t, err)

	s, err := NewSpec(CmdWaitForImageToAppear, "logo", nil, 0, 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, defaultThreshold, s.Threshold)
	assert.Equal(t, 30*time.Second, s.Timeout) // hard cap

	zero := s.WithZeroTimeout()
	assert.Zero(t, zero.Timeout)
	assert.Equal(t, 30*time.Second, s.Timeout)
}

func TestSpecUnmarshalJSON(t *testing.T) {
	var s Spec
	err := s.UnmarshalJSON([]byte(`{"command":"waitForImageToAppear","reference":"home_logo","threshold":0.9,"timeout_ms":5000}`))
	require.NoError(t, err)
	assert.Equal(t, "home_logo", s.Reference)
	assert.Equal(t, 0.9, s.Threshold)
	assert.Equal(t, 5*time.Second, s.Timeout)

	err = s.UnmarshalJSON([]byte(`{"command":"launchMissiles","reference":"x"}`))
	assert.Error(t, err)
}

func TestMatchImageIdentical(t *testing.T) {
	dir := t.TempDir()
	frame := writeGradientJPEG(t, filepath.Join(dir, "frame.jpg"), 0)
	ref := writeGradientJPEG(t, filepath.Join(dir, "ref.jpg"), 0)

	res, err := MatchImage(frame, ref, nil, 0.8)
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.GreaterOrEqual(t, res.TemplateScore, 0.8)
	// Both scores are always exposed.
	assert.Greater(t, res.PixelRatio, 0.9)
}

func TestMatchImageDifferent(t *testing.T) {
	dir := t.TempDir()
	frame := writeFlatJPEG(t, filepath.Join(dir, "frame.jpg"), 20)
	ref := writeGradientJPEG(t, filepath.Join(dir, "ref.jpg"), 0)

	res, err := MatchImage(frame, ref, nil, 0.95)
	require.NoError(t, err)
	assert.False(t, res.Matched)
}

func TestMatchImageAreaUsesPixelRatio(t *testing.T) {
	dir := t.TempDir()
	frame := writeFlatJPEG(t, filepath.Join(dir, "frame.jpg"), 200)
	ref := writeFlatJPEG(t, filepath.Join(dir, "ref.jpg"), 200)

	area := &Area{X: 8, Y: 8, Width: 32, Height: 32}
	res, err := MatchImage(frame, ref, area, 0.9)
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, res.PixelRatio, res.Score)
}

type fakeRefs struct {
	paths map[string]string
}

func (f fakeRefs) Get(_ context.Context, ui, name string) (string, error) {
	if p, ok := f.paths[name]; ok {
		return p, nil
	}
	return "", errors.New("reference not found")
}

func (f fakeRefs) PublicURL(ui, name string) string {
	return "https://cdn.example/reference-images/" + ui + "/" + name + ".jpg"
}

type failingSource struct{ calls int }

func (f *failingSource) CurrentFrame() (string, error) {
	f.calls++
	return "", errors.New("screenshot pipeline down")
}

func TestExecuteVerificationsSingleFrame(t *testing.T) {
	dir := t.TempDir()
	frame := writeGradientJPEG(t, filepath.Join(dir, "frame.jpg"), 0)
	ref := writeGradientJPEG(t, filepath.Join(dir, "ref.jpg"), 0)

	ex := NewExecutor(fakeRefs{paths: map[string]string{"home_logo": ref}})
	spec, err := NewSpec(CmdWaitForImageToAppear, "home_logo", nil, 0.8, 0)
	require.NoError(t, err)

	out := ex.ExecuteVerifications(context.Background(), []Spec{spec}, "horizon_tv", StaticFrame(frame), "team1")
	assert.True(t, out.Success)
	require.Len(t, out.Details, 1)
	require.NotNil(t, out.Details[0].Match)
	assert.True(t, out.Details[0].Match.Matched)
}

func TestExecuteVerificationsDisappear(t *testing.T) {
	dir := t.TempDir()
	frame := writeGradientJPEG(t, filepath.Join(dir, "frame.jpg"), 0)
	ref := writeFlatJPEG(t, filepath.Join(dir, "ref.jpg"), 10)

	ex := NewExecutor(fakeRefs{paths: map[string]string{"spinner": ref}})
	spec, err := NewSpec(CmdWaitForImageToDisappear, "spinner", nil, 0.95, 0)
	require.NoError(t, err)

	out := ex.ExecuteVerifications(context.Background(), []Spec{spec}, "horizon_tv", StaticFrame(frame), "team1")
	assert.True(t, out.Success)
}

func TestMissingReferenceIsStructuredFailure(t *testing.T) {
	dir := t.TempDir()
	frame := writeGradientJPEG(t, filepath.Join(dir, "frame.jpg"), 0)

	ex := NewExecutor(fakeRefs{})
	spec, err := NewSpec(CmdWaitForImageToAppear, "ghost", nil, 0.8, 0)
	require.NoError(t, err)

	out := ex.ExecuteVerifications(context.Background(), []Spec{spec}, "horizon_tv", StaticFrame(frame), "team1")
	assert.False(t, out.Success)
	require.Len(t, out.Details, 1)
	assert.Contains(t, out.Details[0].Message, "ghost")
	assert.Equal(t, "https://cdn.example/reference-images/horizon_tv/ghost.jpg", out.Details[0].ReferenceImageURL)
}

func TestInfrastructureErrorAfterThreeFailures(t *testing.T) {
	dir := t.TempDir()
	ref := writeGradientJPEG(t, filepath.Join(dir, "ref.jpg"), 0)

	ex := NewExecutor(fakeRefs{paths: map[string]string{"home_logo": ref}}).
		WithPollInterval(time.Millisecond)
	spec, err := NewSpec(CmdWaitForImageToAppear, "home_logo", nil, 0.8, 5*time.Second)
	require.NoError(t, err)

	src := &failingSource{}
	out := ex.ExecuteVerifications(context.Background(), []Spec{spec}, "horizon_tv", src, "team1")
	assert.False(t, out.Success)
	assert.True(t, out.InfrastructureError)
	assert.Equal(t, 3, src.calls)
}
