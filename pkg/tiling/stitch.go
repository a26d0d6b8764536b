package tiling

import (
	"fmt"
	"image"
	"image/draw"
)

// Extract copies the tile window out of src. Pixels outside the image are
// transparent black, so edge tiles come back zero-padded to full size.
func Extract(src *image.NRGBA, t Tile) *image.NRGBA {
	size := t.Src.Size()
	out := image.NewNRGBA(image.Rect(0, 0, size.X, size.Y))

	b := src.Bounds()
	r := t.Src.Add(b.Min).Intersect(b)
	if r.Empty() {
		return out
	}
	dstMin := r.Min.Sub(b.Min).Sub(t.Src.Min)
	draw.Draw(out, image.Rectangle{Min: dstMin, Max: dstMin.Add(r.Size())}, src, r.Min, draw.Src)
	return out
}

// Canvas accumulates stitched tiles. Scale is the ratio between tile output
// and tile input size, 1 for enhancement and the factor for super-resolution.
type Canvas struct {
	img   *image.NRGBA
	scale int
}

// NewCanvas allocates an output for a width x height source at the given scale
func NewCanvas(width, height, scale int) *Canvas {
	if scale < 1 {
		scale = 1
	}
	return &Canvas{
		img:   image.NewNRGBA(image.Rect(0, 0, width*scale, height*scale)),
		scale: scale,
	}
}

// Put writes the tile's owned region from out. Overlapping context is never
// blended; only the Dst region is copied.
func (c *Canvas) Put(t Tile, out *image.NRGBA) error {
	want := t.Src.Size().Mul(c.scale)
	if got := out.Bounds().Size(); got != want {
		return fmt.Errorf("tile %d: output is %v, expected %v", t.Index, got, want)
	}

	dst := image.Rectangle{Min: t.Dst.Min.Mul(c.scale), Max: t.Dst.Max.Mul(c.scale)}
	from := out.Bounds().Min.Add(t.ReadOffset.Mul(c.scale))
	draw.Draw(c.img, dst, out, from, draw.Src)
	return nil
}

// Image returns the stitched result
func (c *Canvas) Image() *image.NRGBA {
	return c.img
}
