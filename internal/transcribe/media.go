// SPDX-License-Identifier: MIT

package transcribe

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"time"

	"github.com/stbmon/capturehost/internal/config"
	"github.com/stbmon/capturehost/internal/procgroup"
)

// meanVolumeRe extracts ffmpeg's volumedetect summary line.
var meanVolumeRe = regexp.MustCompile(`mean_volume:\s*(-?\d+(?:\.\d+)?)\s*dB`)

// VolumeProbe measures mean loudness of an audio or video file.
type VolumeProbe interface {
	MeanVolume(ctx context.Context, path string, window time.Duration) (float64, error)
}

// FFmpegProbe shells out to ffmpeg's volumedetect filter.
type FFmpegProbe struct {
	Binary string
}

// NewFFmpegProbe builds the default probe.
func NewFFmpegProbe() *FFmpegProbe {
	return &FFmpegProbe{Binary: "ffmpeg"}
}

// MeanVolume decodes the first window of the file and returns the mean
// volume in dB.
func (p *FFmpegProbe) MeanVolume(ctx context.Context, path string, window time.Duration) (float64, error) {
	args := []string{"-hide_banner", "-nostats"}
	if window > 0 {
		args = append(args, "-t", fmt.Sprintf("%.3f", window.Seconds()))
	}
	args = append(args, "-i", path, "-af", "volumedetect", "-f", "null", "-")

	cmd := exec.CommandContext(ctx, p.Binary, args...) // #nosec G204
	procgroup.Configure(cmd)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("transcribe: volumedetect %s: %w", path, err)
	}
	return parseMeanVolume(stderr.String())
}

// parseMeanVolume pulls the dB value out of volumedetect output.
func parseMeanVolume(out string) (float64, error) {
	m := meanVolumeRe.FindStringSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("transcribe: no mean_volume in volumedetect output")
	}
	return strconv.ParseFloat(m[1], 64)
}

// IsSilent reports whether a measured mean volume is below the silence
// threshold.
func IsSilent(meanVolumeDB float64) bool {
	return meanVolumeDB <= config.SilenceThresholdDB
}
