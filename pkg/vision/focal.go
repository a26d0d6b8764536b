// Package vision locates a focal point in images without a detector.
//
// The focal point is the centroid of high-gradient pixels: edges and texture
// tend to sit on the subject while skies, walls and bokeh stay flat. It is the
// fallback anchor when detection finds nothing usable.
package vision

import (
	"image"
	"math"

	"golang.org/x/image/draw"

	"github.com/menta2k/imagepipe/pkg/types"
)

// FocalConfig holds configuration for focal point analysis
type FocalConfig struct {
	// AnalysisSize is the long edge the image is reduced to before analysis
	AnalysisSize int `json:"analysis_size" yaml:"analysis_size"`
	// GradientThreshold is the minimum luminance gradient (0..1) counted as an edge
	GradientThreshold float64 `json:"gradient_threshold" yaml:"gradient_threshold"`
	// PositionThreshold is the normalized distance from center beyond which an
	// axis leaves the center band when mapping to a named position
	PositionThreshold float64 `json:"position_threshold" yaml:"position_threshold"`
}

// DefaultFocalConfig returns the standard focal point settings
func DefaultFocalConfig() FocalConfig {
	return FocalConfig{
		AnalysisSize:      256,
		GradientThreshold: 0.15,
		PositionThreshold: 0.2,
	}
}

// FocalPoint returns the edge-density centroid in source pixel coordinates.
// When no pixel exceeds the threshold it returns the image center and false.
func FocalPoint(img image.Image, cfg FocalConfig) (image.Point, bool) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	center := image.Pt(w/2, h/2)
	if w < 3 || h < 3 {
		return center, false
	}

	small, sx, sy := reduce(img, cfg.AnalysisSize)
	lum := luminance(small)
	sw, sh := small.Bounds().Dx(), small.Bounds().Dy()

	var sumX, sumY float64
	var count int
	for y := 1; y < sh-1; y++ {
		for x := 1; x < sw-1; x++ {
			gx := lum[y*sw+x+1] - lum[y*sw+x-1]
			gy := lum[(y+1)*sw+x] - lum[(y-1)*sw+x]
			if math.Hypot(gx, gy)/2 > cfg.GradientThreshold {
				sumX += float64(x) + 0.5
				sumY += float64(y) + 0.5
				count++
			}
		}
	}
	if count == 0 {
		return center, false
	}

	fx := sumX / float64(count) / sx
	fy := sumY / float64(count) / sy
	return image.Pt(
		clampInt(int(math.Round(fx)), 0, w-1),
		clampInt(int(math.Round(fy)), 0, h-1),
	), true
}

// NearestPosition maps a focal point to one of the nine named anchors. Each
// axis is compared separately: within threshold of the center it stays
// centered, otherwise it goes to the side the point lies on.
func NearestPosition(pt image.Point, width, height int, threshold float64) types.Position {
	if width <= 0 || height <= 0 {
		return types.PositionCenter
	}
	nx := (float64(pt.X) - float64(width)/2) / (float64(width) / 2)
	ny := (float64(pt.Y) - float64(height)/2) / (float64(height) / 2)
	return types.PositionFromAxes(side(nx, threshold), side(ny, threshold))
}

func side(n, threshold float64) int {
	switch {
	case n < -threshold:
		return -1
	case n > threshold:
		return 1
	}
	return 0
}

// reduce scales img so its long edge is at most size and reports the
// per-axis factors
func reduce(img image.Image, size int) (*image.NRGBA, float64, float64) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	scale := 1.0
	if size > 0 && max(w, h) > size {
		scale = float64(size) / float64(max(w, h))
	}
	dw := max(3, int(math.Round(float64(w)*scale)))
	dh := max(3, int(math.Round(float64(h)*scale)))

	dst := image.NewNRGBA(image.Rect(0, 0, dw, dh))
	if dw == w && dh == h {
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
		return dst, 1, 1
	}
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst, float64(dw) / float64(w), float64(dh) / float64(h)
}

// luminance returns Rec. 601 luma in [0,1], row-major
func luminance(img *image.NRGBA) []float64 {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	out := make([]float64, w*h)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			p := row[x*4 : x*4+3]
			out[y*w+x] = (0.299*float64(p[0]) + 0.587*float64(p[1]) + 0.114*float64(p[2])) / 255
		}
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
