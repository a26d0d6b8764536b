package processing

import (
	"fmt"
	"image"
	"image/draw"
	"math"

	"github.com/disintegration/imaging"
)

// ToNRGBA returns img as a zero-origin NRGBA buffer. A zero-origin *image.NRGBA
// is returned as is; anything else is copied.
func ToNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return n
	}
	return imaging.Clone(img)
}

// Resample resizes img to exactly w x h with a Lanczos filter
func Resample(img image.Image, w, h int) *image.NRGBA {
	b := img.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return ToNRGBA(img)
	}
	return imaging.Resize(img, w, h, imaging.Lanczos)
}

// Sharpen applies an unsharp mask with the given sigma
func Sharpen(img image.Image, sigma float64) *image.NRGBA {
	return imaging.Sharpen(img, sigma)
}

// ResizeToCover scales img uniformly so it covers tw x th with as little
// excess as possible and reports the factor applied.
func ResizeToCover(img image.Image, tw, th int) (*image.NRGBA, float64) {
	b := img.Bounds()
	sw, sh := b.Dx(), b.Dy()
	scale := math.Max(float64(tw)/float64(sw), float64(th)/float64(sh))
	if scale == 1 {
		return ToNRGBA(img), 1
	}

	w := max(tw, int(math.Round(float64(sw)*scale)))
	h := max(th, int(math.Round(float64(sh)*scale)))
	return imaging.Resize(img, w, h, imaging.Lanczos), scale
}

// FromChannels builds an RGBA image from interleaved samples. Three-channel data
// gets an opaque alpha channel.
func FromChannels(data []byte, width, height, channels int) (*image.NRGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("pixel buffer is %dx%d", width, height)
	}
	if channels != 3 && channels != 4 {
		return nil, fmt.Errorf("unsupported channel count %d", channels)
	}
	if len(data) != width*height*channels {
		return nil, fmt.Errorf("pixel buffer has %d bytes, expected %d", len(data), width*height*channels)
	}

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	if channels == 4 {
		copy(img.Pix, data)
		return img, nil
	}
	for i, j := 0, 0; i < len(data); i, j = i+3, j+4 {
		img.Pix[j] = data[i]
		img.Pix[j+1] = data[i+1]
		img.Pix[j+2] = data[i+2]
		img.Pix[j+3] = 0xff
	}
	return img, nil
}

// Paste copies src into dst at pt
func Paste(dst *image.NRGBA, src image.Image, pt image.Point) {
	draw.Draw(dst, image.Rectangle{Min: pt, Max: pt.Add(src.Bounds().Size())}, src, src.Bounds().Min, draw.Src)
}
