// Package tiling splits images into fixed-size model inputs and stitches the
// model outputs back into a single image.
//
// Two layouts are supported. With no overlap the image is covered by a
// row-major grid of tileSize squares; tiles that hang over the right or bottom
// edge are zero-padded so every model input has the same shape. With an
// overlap every tile carries context pixels on its interior edges that are
// trimmed before write-back, and tiles that would run past the image are
// shifted back inside it.
//
// In both layouts the Dst rectangles partition the image: every output pixel
// is written by exactly one tile.
package tiling

import (
	"errors"
	"fmt"
	"image"

	"github.com/menta2k/imagepipe/pkg/types"
)

// ErrInvalidTileSize is returned when the tile size leaves no room for a stride.
var ErrInvalidTileSize = errors.New("invalid tile size")

// Tile describes one model input window and the pixels it owns in the output
type Tile struct {
	Index int
	// Src is the tileSize x tileSize window read from the source image. It may
	// extend past the image bounds in grid mode; those pixels are zero.
	Src image.Rectangle
	// Dst is the region of the output written from this tile.
	Dst image.Rectangle
	// ReadOffset is where Dst starts inside the tile.
	ReadOffset image.Point
}

// Size returns the edge length of the tile window
func (t Tile) Size() int {
	return t.Src.Dx()
}

type span struct {
	start   int
	writeLo int
	writeHi int
}

// Plan lays out tiles over a width x height image. overlap == 0 selects the
// zero-padded grid; overlap > 0 selects trimmed, shifted windows.
func Plan(width, height, tileSize, overlap int) ([]Tile, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("plan %dx%d: %w", width, height, types.ErrInvalidDimensions)
	}
	if tileSize <= 0 || overlap < 0 || tileSize-2*overlap <= 0 {
		return nil, fmt.Errorf("tile size %d with overlap %d: %w", tileSize, overlap, ErrInvalidTileSize)
	}

	var cols, rows []span
	if overlap == 0 {
		cols = gridSpans(width, tileSize)
		rows = gridSpans(height, tileSize)
	} else {
		cols = overlapSpans(width, tileSize, overlap)
		rows = overlapSpans(height, tileSize, overlap)
	}

	tiles := make([]Tile, 0, len(cols)*len(rows))
	for _, r := range rows {
		for _, c := range cols {
			tiles = append(tiles, Tile{
				Index:      len(tiles),
				Src:        image.Rect(c.start, r.start, c.start+tileSize, r.start+tileSize),
				Dst:        image.Rect(c.writeLo, r.writeLo, c.writeHi, r.writeHi),
				ReadOffset: image.Pt(c.writeLo-c.start, r.writeLo-r.start),
			})
		}
	}
	return tiles, nil
}

// Count returns the number of tiles Plan would produce
func Count(width, height, tileSize, overlap int) (int, error) {
	tiles, err := Plan(width, height, tileSize, overlap)
	if err != nil {
		return 0, err
	}
	return len(tiles), nil
}

func gridSpans(length, size int) []span {
	spans := make([]span, 0, (length+size-1)/size)
	for start := 0; start < length; start += size {
		spans = append(spans, span{start: start, writeLo: start, writeHi: min(start+size, length)})
	}
	return spans
}

// overlapSpans walks the axis with stride size-2*overlap. The first window keeps
// its leading border, the last one is shifted back to end on the image edge and
// keeps its trailing border; each window writes from where the previous stopped.
func overlapSpans(length, size, overlap int) []span {
	if length <= size {
		return []span{{start: 0, writeLo: 0, writeHi: length}}
	}

	stride := size - 2*overlap
	var spans []span
	written := 0
	for start := 0; ; start += stride {
		if start+size >= length {
			start = length - size
			spans = append(spans, span{start: start, writeLo: written, writeHi: length})
			return spans
		}
		hi := start + size - overlap
		spans = append(spans, span{start: start, writeLo: written, writeHi: hi})
		written = hi
	}
}

// Coverage counts how many tiles write each output pixel, row-major.
func Coverage(width, height int, tiles []Tile) []int {
	counts := make([]int, width*height)
	bounds := image.Rect(0, 0, width, height)
	for _, t := range tiles {
		r := t.Dst.Intersect(bounds)
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				counts[y*width+x]++
			}
		}
	}
	return counts
}
