// SPDX-License-Identifier: MIT

package verify

import (
	"fmt"
	"image"
	"image/jpeg"
	"os"

	"github.com/corona10/goimagehash"
	"github.com/nfnt/resize"
)

// pixelTolerance is the grayscale delta under which two pixels agree.
const pixelTolerance = 32

// MatchResult carries both match scores. Template score drives the verdict
// when no area is given, pixel ratio when one is; consumers read both, so
// both are always computed.
type MatchResult struct {
	Matched       bool    `json:"matched"`
	Score         float64 `json:"score"`
	TemplateScore float64 `json:"template_score"`
	PixelRatio    float64 `json:"pixel_ratio"`
}

func loadJPEG(path string) (image.Image, error) {
	f, err := os.Open(path) // #nosec G304
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	img, err := jpeg.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("verify: decode %s: %w", path, err)
	}
	return img, nil
}

type subImager interface {
	SubImage(image.Rectangle) image.Image
}

func crop(img image.Image, area *Area) image.Image {
	r := image.Rect(area.X, area.Y, area.X+area.Width, area.Y+area.Height)
	r = r.Intersect(img.Bounds())
	if si, ok := img.(subImager); ok && !r.Empty() {
		return si.SubImage(r)
	}
	return img
}

// MatchImage scores a frame against a reference image.
func MatchImage(framePath, referencePath string, area *Area, threshold float64) (MatchResult, error) {
	frame, err := loadJPEG(framePath)
	if err != nil {
		return MatchResult{}, err
	}
	ref, err := loadJPEG(referencePath)
	if err != nil {
		return MatchResult{}, err
	}

	candidate := frame
	if area != nil {
		candidate = crop(frame, area)
	}
	rb := ref.Bounds()
	scaled := resize.Resize(uint(rb.Dx()), uint(rb.Dy()), candidate, resize.Bilinear)

	res := MatchResult{
		TemplateScore: hashSimilarity(scaled, ref),
		PixelRatio:    pixelAgreement(scaled, ref),
	}
	if area != nil {
		res.Score = res.PixelRatio
	} else {
		res.Score = res.TemplateScore
	}
	res.Matched = res.Score >= threshold
	return res, nil
}

// hashSimilarity maps perceptual hash distance onto [0,1].
func hashSimilarity(a, b image.Image) float64 {
	ha, err := goimagehash.PerceptionHash(a)
	if err != nil {
		return 0
	}
	hb, err := goimagehash.PerceptionHash(b)
	if err != nil {
		return 0
	}
	dist, err := ha.Distance(hb)
	if err != nil {
		return 0
	}
	return 1 - float64(dist)/64
}

// pixelAgreement is the share of grayscale pixels within tolerance.
func pixelAgreement(a, b image.Image) float64 {
	ab, bb := a.Bounds(), b.Bounds()
	w, h := ab.Dx(), ab.Dy()
	if bb.Dx() < w {
		w = bb.Dx()
	}
	if bb.Dy() < h {
		h = bb.Dy()
	}
	if w == 0 || h == 0 {
		return 0
	}
	agree, total := 0, 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			ga := grayAt(a, ab.Min.X+x, ab.Min.Y+y)
			gb := grayAt(b, bb.Min.X+x, bb.Min.Y+y)
			d := ga - gb
			if d < 0 {
				d = -d
			}
			if d <= pixelTolerance {
				agree++
			}
			total++
		}
	}
	return float64(agree) / float64(total)
}

func grayAt(img image.Image, x, y int) int {
	r, g, b, _ := img.At(x, y).RGBA()
	return int((299*(r>>8) + 587*(g>>8) + 114*(b>>8)) / 1000)
}
