package processing

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"

	"github.com/menta2k/imagepipe/pkg/types"
)

// Overlay colors
var (
	ColorDetection = color.NRGBA{0, 170, 255, 255}
	ColorSubject   = color.NRGBA{0, 255, 0, 255}
	ColorLogo      = color.NRGBA{255, 0, 255, 255}
	ColorCrop      = color.NRGBA{255, 204, 0, 255}
	ColorFocal     = color.NRGBA{255, 0, 0, 255}
)

// DebugOverlay describes what to draw on top of the source image
type DebugOverlay struct {
	Detections []types.Detection
	Subject    *types.ScoredCandidate
	Crop       *types.CropWindow
	Focal      *image.Point
}

// CreateDebugOverlay draws detections, the chosen subject, the crop window and
// the focal point onto a copy of img
func CreateDebugOverlay(img image.Image, o DebugOverlay) *image.NRGBA {
	nrgba := imaging.Clone(img)
	w := nrgba.Bounds().Dx()
	h := nrgba.Bounds().Dy()

	stroke := int(math.Max(2, 0.004*float64(min(w, h)))) // ~0.4% of min side
	cross := int(math.Max(4, 0.01*float64(min(w, h))))   // ~1% of min side

	for _, d := range o.Detections {
		c := ColorDetection
		if types.ResolveCategory(d.Label) == types.CategoryLogo {
			c = ColorLogo
		}
		drawBox(nrgba, d.Box.Rect(), c, stroke)
	}
	if o.Subject != nil {
		drawBox(nrgba, o.Subject.Detection.Box.Rect(), ColorSubject, stroke*2)
	}
	if o.Crop != nil {
		drawBox(nrgba, o.Crop.Rect(), ColorCrop, stroke)
	}
	if o.Focal != nil {
		drawHLine(nrgba, o.Focal.Y, o.Focal.X-cross, o.Focal.X+cross, ColorFocal)
		drawVLine(nrgba, o.Focal.X, o.Focal.Y-cross, o.Focal.Y+cross, ColorFocal)
	}

	return nrgba
}

func drawBox(img *image.NRGBA, r image.Rectangle, c color.NRGBA, stroke int) {
	if r.Dx() <= 0 || r.Dy() <= 0 {
		return
	}
	for s := 0; s < stroke; s++ {
		drawHLine(img, r.Min.Y+s, r.Min.X, r.Max.X, c)
		drawHLine(img, r.Max.Y-1-s, r.Min.X, r.Max.X, c)
		drawVLine(img, r.Min.X+s, r.Min.Y, r.Max.Y, c)
		drawVLine(img, r.Max.X-1-s, r.Min.Y, r.Max.Y, c)
	}
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	if y < 0 || y >= img.Bounds().Dy() {
		return
	}
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	x0 = max(x0, 0)
	x1 = min(x1, img.Bounds().Dx())
	i := y*img.Stride + x0*4
	for x := x0; x < x1; x++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += 4
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	if x < 0 || x >= img.Bounds().Dx() {
		return
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	y0 = max(y0, 0)
	y1 = min(y1, img.Bounds().Dy())
	i := y0*img.Stride + x*4
	for y := y0; y < y1; y++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += img.Stride
	}
}
