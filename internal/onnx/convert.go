package onnx

import (
	"image"
	"math"
)

// toCHW writes the RGB planes of img into dst as floats in [0,1]
func toCHW(img *image.NRGBA, dst []float32) {
	b := img.Bounds()
	plane := b.Dx() * b.Dy()
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):]
		for x := 0; x < b.Dx(); x++ {
			p := row[x*4 : x*4+3]
			dst[i] = float32(p[0]) / 255
			dst[plane+i] = float32(p[1]) / 255
			dst[2*plane+i] = float32(p[2]) / 255
			i++
		}
	}
}

// fromCHW builds an opaque image from three float planes in [0,1]
func fromCHW(src []float32, w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	plane := w * h
	for i := 0; i < plane; i++ {
		img.Pix[i*4] = toByte(src[i])
		img.Pix[i*4+1] = toByte(src[plane+i])
		img.Pix[i*4+2] = toByte(src[2*plane+i])
		img.Pix[i*4+3] = 0xff
	}
	return img
}

func toByte(v float32) uint8 {
	if math.IsNaN(float64(v)) {
		return 0
	}
	return uint8(math.Round(float64(min(max(v, 0), 1)) * 255))
}
