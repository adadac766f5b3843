// SPDX-License-Identifier: MIT

// Package detect implements the per-frame quality detectors: blackscreen,
// freeze and macroblocks. Audio is injected by the audio worker, never
// measured here.
package detect

import (
	"fmt"
	"image"
	"image/jpeg"
	"os"
)

const (
	// blackPixelThreshold is the grayscale value at or below which a pixel
	// counts as black.
	blackPixelThreshold = 10
	// darkPctDesktop flags blackscreen on set-top-box frames.
	darkPctDesktop = 85.0
	// darkPctMobile tolerates UI overlays on mobile captures.
	darkPctMobile = 70.0
	// bandTop/bandBottom bound the vertical analysis region, skipping the
	// channel banner area at the top and the progress bar area below.
	bandTop    = 0.05
	bandBottom = 0.70

	// freezeDiffThreshold is the mean absolute difference below which two
	// frames are identical for freeze purposes.
	freezeDiffThreshold = 0.2
	// freezeSampleStep samples every Nth pixel in both dimensions.
	freezeSampleStep = 10
	// maxComparisons bounds one freeze batch.
	maxComparisons = 50

	// macroblockSampleStep samples every Nth pixel for artifact counting.
	macroblockSampleStep = 10
	// artifactPctThreshold and blurVarianceThreshold must both trip for the
	// conservative macroblock verdict.
	artifactPctThreshold  = 8.0
	blurVarianceThreshold = 30.0
	// Extreme values flag macroblocks on their own.
	artifactPctExtreme  = 20.0
	blurVarianceExtreme = 10.0
)

// Result is the detector contract consumed by the incident pipeline.
type Result struct {
	Blackscreen           bool      `json:"blackscreen"`
	BlackscreenPercentage float64   `json:"blackscreen_percentage"`
	Freeze                bool      `json:"freeze"`
	FreezeDiffs           []float64 `json:"freeze_diffs"`
	Audio                 *bool     `json:"audio,omitempty"`
	MeanVolumeDB          *float64  `json:"mean_volume_db,omitempty"`
	Last3Filenames        []string  `json:"last_3_filenames,omitempty"`
	Last3Thumbnails       []string  `json:"last_3_thumbnails,omitempty"`
	Macroblocks           bool      `json:"macroblocks,omitempty"`
	QualityScore          float64   `json:"quality_score,omitempty"`
}

// Detector analyzes frames for one device.
type Detector struct {
	mobile           bool
	checkMacroblocks bool
}

// New builds a detector. Mobile models get the lower blackscreen threshold.
func New(mobile, checkMacroblocks bool) *Detector {
	return &Detector{mobile: mobile, checkMacroblocks: checkMacroblocks}
}

// LoadGray decodes a JPEG frame to grayscale.
func LoadGray(path string) (*image.Gray, error) {
	f, err := os.Open(path) // #nosec G304
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	img, err := jpeg.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("detect: decode %s: %w", path, err)
	}
	return toGray(img), nil
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	gray := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			gray.Set(x, y, img.At(x, y))
		}
	}
	return gray
}

// DetectIssues runs all detectors on the frame at framePath, comparing
// against the previous frame paths (newest last) for freeze detection.
func (d *Detector) DetectIssues(framePath string, previous []string) (Result, error) {
	f, err := os.Open(framePath) // #nosec G304
	if err != nil {
		return Result{}, err
	}
	img, err := jpeg.Decode(f)
	_ = f.Close()
	if err != nil {
		return Result{}, fmt.Errorf("detect: decode %s: %w", framePath, err)
	}
	gray := toGray(img)

	res := Result{}
	res.Blackscreen, res.BlackscreenPercentage = d.blackscreen(gray)
	res.Freeze, res.FreezeDiffs = d.freeze(gray, previous)
	if d.checkMacroblocks {
		res.Macroblocks, res.QualityScore = d.macroblocks(img, gray)
	}
	return res, nil
}

// blackscreen measures the dark-pixel share of the 5%..70% vertical band.
// A coarse every-3rd-pixel pass decides directly outside the 70..90%
// ambiguity range; only that edge case pays for a full scan.
func (d *Detector) blackscreen(gray *image.Gray) (bool, float64) {
	pct := darkPercentage(gray, 3)
	if pct >= 70 && pct <= 90 {
		pct = darkPercentage(gray, 1)
	}
	threshold := darkPctDesktop
	if d.mobile {
		threshold = darkPctMobile
	}
	return pct > threshold, pct
}

func darkPercentage(gray *image.Gray, step int) float64 {
	b := gray.Bounds()
	h := b.Dy()
	yStart := b.Min.Y + int(float64(h)*bandTop)
	yEnd := b.Min.Y + int(float64(h)*bandBottom)

	dark, total := 0, 0
	for y := yStart; y < yEnd; y += step {
		row := gray.Pix[(y-b.Min.Y)*gray.Stride:]
		for x := 0; x < b.Dx(); x += step {
			if row[x] <= blackPixelThreshold {
				dark++
			}
			total++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(dark) / float64(total) * 100
}

// freeze compares the current frame against previous frames, newest first.
// The batch stops early at the first non-frozen comparison, which is what
// makes zapping bursts cheap.
func (d *Detector) freeze(current *image.Gray, previous []string) (bool, []float64) {
	if len(previous) == 0 {
		return false, nil
	}
	diffs := make([]float64, 0, len(previous))
	frozen := true
	comparisons := 0
	for i := len(previous) - 1; i >= 0 && comparisons < maxComparisons; i-- {
		prev, err := LoadGray(previous[i])
		if err != nil {
			continue // frame archived or vanished; tolerate
		}
		comparisons++

		diff := meanAbsDiff(current, prev)
		diffs = append(diffs, diff)
		if diff >= freezeDiffThreshold {
			frozen = false
			break
		}
	}
	if comparisons == 0 {
		return false, diffs
	}
	return frozen, diffs
}

func meanAbsDiff(a, b *image.Gray) float64 {
	ab, bb := a.Bounds(), b.Bounds()
	w, h := ab.Dx(), ab.Dy()
	if bb.Dx() < w {
		w = bb.Dx()
	}
	if bb.Dy() < h {
		h = bb.Dy()
	}
	var sum, count float64
	for y := 0; y < h; y += freezeSampleStep {
		for x := 0; x < w; x += freezeSampleStep {
			av := a.Pix[y*a.Stride+x]
			bv := b.Pix[y*b.Stride+x]
			d := int(av) - int(bv)
			if d < 0 {
				d = -d
			}
			sum += float64(d)
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / count
}

// macroblocks samples HSV pixels for abnormally saturated green and pink
// artifacts and combines the artifact share with a Laplacian blur signal.
func (d *Detector) macroblocks(img image.Image, gray *image.Gray) (bool, float64) {
	b := img.Bounds()
	artifacts, total := 0, 0
	for y := b.Min.Y; y < b.Max.Y; y += macroblockSampleStep {
		for x := b.Min.X; x < b.Max.X; x += macroblockSampleStep {
			r, g, bl, _ := img.At(x, y).RGBA()
			h, s, v := rgbToHSV(uint8(r>>8), uint8(g>>8), uint8(bl>>8))
			if s >= 100 && v >= 50 {
				// OpenCV-style hue (0..180): green 40-80, pink 140-170.
				if (h >= 40 && h <= 80) || (h >= 140 && h <= 170) {
					artifacts++
				}
			}
			total++
		}
	}
	if total == 0 {
		return false, 0
	}
	artifactPct := float64(artifacts) / float64(total) * 100
	blurVar := laplacianVariance(gray)

	detected := (artifactPct > artifactPctThreshold && blurVar < blurVarianceThreshold) ||
		artifactPct > artifactPctExtreme || blurVar < blurVarianceExtreme
	return detected, blurVar
}

// rgbToHSV returns OpenCV-convention HSV: h in 0..180, s and v in 0..255.
func rgbToHSV(r, g, b uint8) (h, s, v int) {
	maxC := r
	if g > maxC {
		maxC = g
	}
	if b > maxC {
		maxC = b
	}
	minC := r
	if g < minC {
		minC = g
	}
	if b < minC {
		minC = b
	}
	v = int(maxC)
	delta := int(maxC) - int(minC)
	if maxC == 0 || delta == 0 {
		return 0, 0, v
	}
	s = delta * 255 / int(maxC)

	var hue float64
	switch maxC {
	case r:
		hue = 60 * float64(int(g)-int(b)) / float64(delta)
	case g:
		hue = 120 + 60*float64(int(b)-int(r))/float64(delta)
	default:
		hue = 240 + 60*float64(int(r)-int(g))/float64(delta)
	}
	if hue < 0 {
		hue += 360
	}
	return int(hue / 2), s, v
}

// laplacianVariance computes the variance of a 4-neighbour Laplacian over a
// sampled grid; low variance means a blurred frame.
func laplacianVariance(gray *image.Gray) float64 {
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()
	var sum, sumSq, n float64
	for y := 1; y < h-1; y += macroblockSampleStep {
		for x := 1; x < w-1; x += macroblockSampleStep {
			c := int(gray.Pix[y*gray.Stride+x])
			lap := float64(4*c -
				int(gray.Pix[(y-1)*gray.Stride+x]) -
				int(gray.Pix[(y+1)*gray.Stride+x]) -
				int(gray.Pix[y*gray.Stride+x-1]) -
				int(gray.Pix[y*gray.Stride+x+1]))
			sum += lap
			sumSq += lap * lap
			n++
		}
	}
	if n == 0 {
		return 0
	}
	mean := sum / n
	return sumSq/n - mean*mean
}
