package vision

import (
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/menta2k/imagepipe/pkg/types"
)

// createTestImage creates a flat image with a high-contrast patch. cell > 0
// fills the patch with a checkerboard of that cell size, 0 with solid white.
func createTestImage(width, height int, patch image.Rectangle, cell int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := color.RGBA{96, 96, 96, 255}
			if image.Pt(x, y).In(patch) {
				if cell == 0 || (x/cell+y/cell)%2 == 0 {
					c = color.RGBA{255, 255, 255, 255}
				} else {
					c = color.RGBA{0, 0, 0, 255}
				}
			}
			img.Set(x, y, c)
		}
	}
	return img
}

func TestFocalPointFlatImage(t *testing.T) {
	img := createTestImage(300, 200, image.Rectangle{}, 0)

	pt, found := FocalPoint(img, DefaultFocalConfig())
	if found {
		t.Error("Expected no focal point on a flat image")
	}
	if pt != image.Pt(150, 100) {
		t.Errorf("Expected image center, got %v", pt)
	}
}

func TestFocalPointFindsPatch(t *testing.T) {
	patch := image.Rect(40, 30, 120, 90)
	img := createTestImage(400, 300, patch, 4)

	pt, found := FocalPoint(img, DefaultFocalConfig())
	if !found {
		t.Fatal("Expected a focal point")
	}
	if !pt.In(patch.Inset(-8)) {
		t.Errorf("Expected focal point near patch %v, got %v", patch, pt)
	}
}

func TestFocalPointLargeImageIsReduced(t *testing.T) {
	patch := image.Rect(1400, 100, 1800, 400)
	img := createTestImage(2000, 1000, patch, 0)

	cfg := DefaultFocalConfig()
	pt, found := FocalPoint(img, cfg)
	if !found {
		t.Fatal("Expected a focal point")
	}
	if !pt.In(patch.Inset(-40)) {
		t.Errorf("Expected focal point near patch %v, got %v", patch, pt)
	}
	if pos := NearestPosition(pt, 2000, 1000, cfg.PositionThreshold); pos != types.PositionTopRight {
		t.Errorf("Expected top-right, got %s", pos)
	}
}

func TestNearestPosition(t *testing.T) {
	tests := []struct {
		name string
		pt   image.Point
		want types.Position
	}{
		{"center", image.Pt(500, 400), types.PositionCenter},
		{"slightly off center", image.Pt(540, 370), types.PositionCenter},
		{"strongly above", image.Pt(500, 50), types.PositionTop},
		{"strongly below", image.Pt(510, 780), types.PositionBottom},
		{"strongly left", image.Pt(40, 400), types.PositionLeft},
		{"strongly right", image.Pt(990, 420), types.PositionRight},
		{"top left corner", image.Pt(10, 10), types.PositionTopLeft},
		{"bottom right corner", image.Pt(990, 790), types.PositionBottomRight},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NearestPosition(tt.pt, 1000, 800, 0.2); got != tt.want {
				t.Errorf("NearestPosition(%v) = %s, want %s", tt.pt, got, tt.want)
			}
		})
	}
}

func TestReducePerAxisFactors(t *testing.T) {
	tests := []struct {
		name           string
		w, h, size     int
		wantW, wantH   int
		wantSX, wantSY float64
	}{
		{"unscaled", 200, 100, 256, 200, 100, 1, 1},
		{"uniform", 1024, 512, 256, 256, 128, 0.25, 0.25},
		{"height rounds up", 1000, 15, 256, 256, 4, 0.256, 4.0 / 15},
		{"height clamps to three", 2000, 5, 256, 256, 3, 0.128, 0.6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := createTestImage(tt.w, tt.h, image.Rectangle{}, 0)
			small, sx, sy := reduce(img, tt.size)
			if got := small.Bounds().Size(); got != image.Pt(tt.wantW, tt.wantH) {
				t.Errorf("reduced size = %v, want %dx%d", got, tt.wantW, tt.wantH)
			}
			if math.Abs(sx-tt.wantSX) > 1e-9 || math.Abs(sy-tt.wantSY) > 1e-9 {
				t.Errorf("factors = (%v, %v), want (%v, %v)", sx, sy, tt.wantSX, tt.wantSY)
			}
		})
	}
}
