package tiling

import (
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/imagepipe/pkg/types"
)

func assertExactCover(t *testing.T, width, height int, tiles []Tile) {
	t.Helper()
	for i, n := range Coverage(width, height, tiles) {
		if n != 1 {
			t.Fatalf("pixel (%d,%d) written %d times", i%width, i/width, n)
		}
	}
}

func TestPlanGrid(t *testing.T) {
	tiles, err := Plan(400, 400, 192, 0)
	require.NoError(t, err)
	require.Len(t, tiles, 9)

	for i, tile := range tiles {
		assert.Equal(t, i, tile.Index)
		assert.Equal(t, 192, tile.Size(), "every model input has the same shape")
		assert.Equal(t, image.Point{}, tile.ReadOffset)
	}

	// row-major
	assert.Equal(t, image.Rect(192, 0, 384, 192), tiles[1].Src)
	assert.Equal(t, image.Rect(0, 192, 192, 384), tiles[3].Src)

	// the last tile is padded in Src, unpadded in Dst
	last := tiles[8]
	assert.Equal(t, image.Rect(384, 384, 576, 576), last.Src)
	assert.Equal(t, image.Rect(384, 384, 400, 400), last.Dst)

	assertExactCover(t, 400, 400, tiles)
}

func TestPlanOverlap(t *testing.T) {
	cases := []struct {
		w, h, size, overlap int
	}{
		{400, 300, 128, 16},
		{1000, 777, 256, 32},
		{129, 130, 128, 8},
		{64, 500, 128, 16},
		{500, 500, 100, 40},
	}

	for _, c := range cases {
		tiles, err := Plan(c.w, c.h, c.size, c.overlap)
		require.NoError(t, err)
		assertExactCover(t, c.w, c.h, tiles)

		for _, tile := range tiles {
			assert.Equal(t, c.size, tile.Size())
			if c.w >= c.size {
				assert.GreaterOrEqual(t, tile.Src.Min.X, 0)
				assert.LessOrEqual(t, tile.Src.Max.X, c.w, "window shifted inside the image")
			}
			// the written region lies inside the window
			assert.True(t, tile.Dst.In(tile.Src), "dst %v outside src %v", tile.Dst, tile.Src)
			assert.Equal(t, tile.Dst.Min.Sub(tile.Src.Min), tile.ReadOffset)
		}
	}
}

func TestPlanOverlapTrimsInteriorEdges(t *testing.T) {
	tiles, err := Plan(400, 128, 128, 16)
	require.NoError(t, err)
	require.Greater(t, len(tiles), 2)

	first, second := tiles[0], tiles[1]
	assert.Equal(t, 0, first.Dst.Min.X, "border edge kept")
	assert.Equal(t, first.Src.Max.X-16, first.Dst.Max.X, "interior edge trimmed")
	assert.Equal(t, second.Src.Min.X+16, second.Dst.Min.X)

	last := tiles[len(tiles)-1]
	assert.Equal(t, 400, last.Src.Max.X)
	assert.Equal(t, 400, last.Dst.Max.X)
}

func TestPlanErrors(t *testing.T) {
	_, err := Plan(0, 10, 64, 0)
	assert.True(t, errors.Is(err, types.ErrInvalidDimensions))

	_, err = Plan(10, -1, 64, 0)
	assert.True(t, errors.Is(err, types.ErrInvalidDimensions))

	_, err = Plan(10, 10, 0, 0)
	assert.True(t, errors.Is(err, ErrInvalidTileSize))

	_, err = Plan(10, 10, 64, 32)
	assert.True(t, errors.Is(err, ErrInvalidTileSize))
}

func TestCount(t *testing.T) {
	n, err := Count(400, 400, 192, 0)
	require.NoError(t, err)
	assert.Equal(t, 9, n)

	n, err = Count(100, 50, 192, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func gradientImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{uint8(x), uint8(y), uint8(x ^ y), 255})
		}
	}
	return img
}

func TestExtractPadsEdges(t *testing.T) {
	src := gradientImage(100, 80)
	tiles, err := Plan(100, 80, 64, 0)
	require.NoError(t, err)

	last := Extract(src, tiles[len(tiles)-1])
	assert.Equal(t, image.Rect(0, 0, 64, 64), last.Bounds())
	assert.Equal(t, src.NRGBAAt(64, 64), last.NRGBAAt(0, 0))
	assert.Equal(t, color.NRGBA{}, last.NRGBAAt(40, 20), "outside the image is zero")
}

func TestRoundTripIdentity(t *testing.T) {
	for _, overlap := range []int{0, 8} {
		src := gradientImage(150, 97)
		tiles, err := Plan(150, 97, 64, overlap)
		require.NoError(t, err)

		canvas := NewCanvas(150, 97, 1)
		for _, tile := range tiles {
			require.NoError(t, canvas.Put(tile, Extract(src, tile)))
		}
		assert.Equal(t, src.Pix, canvas.Image().Pix, "overlap %d", overlap)
	}
}

func TestCanvasScaled(t *testing.T) {
	src := gradientImage(40, 30)
	tiles, err := Plan(40, 30, 32, 0)
	require.NoError(t, err)

	canvas := NewCanvas(40, 30, 2)
	for _, tile := range tiles {
		in := Extract(src, tile)
		out := image.NewNRGBA(image.Rect(0, 0, 64, 64))
		for y := 0; y < 64; y++ {
			for x := 0; x < 64; x++ {
				out.SetNRGBA(x, y, in.NRGBAAt(x/2, y/2))
			}
		}
		require.NoError(t, canvas.Put(tile, out))
	}

	got := canvas.Image()
	assert.Equal(t, image.Rect(0, 0, 80, 60), got.Bounds())
	assert.Equal(t, src.NRGBAAt(39, 29), got.NRGBAAt(79, 59))
	assert.Equal(t, src.NRGBAAt(17, 5), got.NRGBAAt(34, 11))

	err = canvas.Put(tiles[0], image.NewNRGBA(image.Rect(0, 0, 32, 32)))
	assert.Error(t, err)
}
