package processing

import (
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/menta2k/imagepipe/pkg/types"
)

// createTestImage creates a simple test image with a bright center
func createTestImage(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if x > width/3 && x < 2*width/3 && y > height/3 && y < 2*height/3 {
				img.Set(x, y, color.RGBA{255, 255, 255, 255})
			} else {
				img.Set(x, y, color.RGBA{64, 64, 64, 255})
			}
		}
	}
	return img
}

func TestToNRGBA(t *testing.T) {
	src := createTestImage(20, 10)
	n := ToNRGBA(src)
	if n.Bounds() != image.Rect(0, 0, 20, 10) {
		t.Errorf("Unexpected bounds %v", n.Bounds())
	}
	if got := n.NRGBAAt(10, 5); got != (color.NRGBA{255, 255, 255, 255}) {
		t.Errorf("Unexpected pixel %v", got)
	}

	if ToNRGBA(n) != n {
		t.Error("Expected zero-origin NRGBA to be returned as is")
	}

	sub := n.SubImage(image.Rect(5, 5, 10, 10))
	if ToNRGBA(sub).Bounds() != image.Rect(0, 0, 5, 5) {
		t.Error("Expected sub-image to be rebased to the origin")
	}
}

func TestFromChannels(t *testing.T) {
	rgb := []byte{1, 2, 3, 4, 5, 6}
	img, err := FromChannels(rgb, 2, 1, 3)
	if err != nil {
		t.Fatalf("FromChannels failed: %v", err)
	}
	if got := img.NRGBAAt(1, 0); got != (color.NRGBA{4, 5, 6, 255}) {
		t.Errorf("Expected opaque alpha, got %v", got)
	}

	rgba := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	img, err = FromChannels(rgba, 2, 1, 4)
	if err != nil {
		t.Fatalf("FromChannels failed: %v", err)
	}
	if got := img.NRGBAAt(0, 0); got != (color.NRGBA{1, 2, 3, 4}) {
		t.Errorf("Expected alpha kept, got %v", got)
	}

	if _, err := FromChannels(rgb, 3, 1, 3); err == nil {
		t.Error("Expected length mismatch error")
	}
	if _, err := FromChannels(rgb, 2, 1, 2); err == nil {
		t.Error("Expected channel count error")
	}
}

func TestResizeToCover(t *testing.T) {
	tests := []struct {
		sw, sh, tw, th int
		wantW, wantH   int
	}{
		{2000, 1000, 500, 500, 1000, 500},
		{1000, 1000, 500, 250, 500, 500},
		{300, 200, 300, 200, 300, 200},
		{100, 50, 200, 200, 400, 200},
	}

	for _, tt := range tests {
		out, _ := ResizeToCover(createTestImage(tt.sw, tt.sh), tt.tw, tt.th)
		if out.Bounds().Dx() != tt.wantW || out.Bounds().Dy() != tt.wantH {
			t.Errorf("ResizeToCover(%dx%d -> %dx%d) = %v, want %dx%d",
				tt.sw, tt.sh, tt.tw, tt.th, out.Bounds().Size(), tt.wantW, tt.wantH)
		}
	}
}

func TestResampleAndSharpen(t *testing.T) {
	src := createTestImage(40, 30)
	up := Resample(src, 80, 60)
	if up.Bounds().Size() != image.Pt(80, 60) {
		t.Errorf("Unexpected size %v", up.Bounds().Size())
	}
	sharp := Sharpen(up, 1.0)
	if sharp.Bounds() != up.Bounds() {
		t.Error("Sharpen changed the image size")
	}
}

func TestValidateImage(t *testing.T) {
	if err := ValidateImage(createTestImage(10, 10)); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	err := ValidateImage(image.NewRGBA(image.Rect(0, 0, 0, 10)))
	if !errors.Is(err, types.ErrInvalidDimensions) {
		t.Errorf("Expected ErrInvalidDimensions, got %v", err)
	}

	info := GetImageInfo(createTestImage(200, 100))
	if info.AspectRatio != 2 || info.Area != 20000 {
		t.Errorf("Unexpected info %+v", info)
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	p := NewProcessor()
	img := createTestImage(32, 16)

	for _, format := range []string{"png", "jpg", "webp"} {
		path := filepath.Join(dir, "out."+format)
		if err := p.SaveImage(img, path, format, 90, true); err != nil {
			t.Fatalf("SaveImage(%s) failed: %v", format, err)
		}
		loaded, err := p.LoadImage(path)
		if err != nil {
			t.Fatalf("LoadImage(%s) failed: %v", format, err)
		}
		if loaded.Bounds().Size() != image.Pt(32, 16) {
			t.Errorf("%s: unexpected size %v", format, loaded.Bounds().Size())
		}
	}

	if _, err := p.LoadImage(filepath.Join(dir, "missing.png")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected not-exist error, got %v", err)
	}
}

func TestCreateDebugOverlay(t *testing.T) {
	img := createTestImage(100, 100)
	win := types.CropWindow{TargetWidth: 50, TargetHeight: 50, X: 10, Y: 10}
	focal := image.Pt(50, 50)

	out := CreateDebugOverlay(img, DebugOverlay{
		Detections: []types.Detection{{Label: "logo", Confidence: 1, Box: types.Box{X: 70, Y: 70, W: 20, H: 20}}},
		Crop:       &win,
		Focal:      &focal,
	})

	if got := out.NRGBAAt(10, 30); got != ColorCrop {
		t.Errorf("Expected crop border at (10,30), got %v", got)
	}
	if got := out.NRGBAAt(70, 80); got != ColorLogo {
		t.Errorf("Expected logo border at (70,80), got %v", got)
	}
	if got := out.NRGBAAt(50, 50); got != ColorFocal {
		t.Errorf("Expected focal marker, got %v", got)
	}
	if img.RGBAAt(10, 30) == (color.RGBA{255, 204, 0, 255}) {
		t.Error("Overlay modified the source image")
	}
}
