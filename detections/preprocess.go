package detections

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
)

// Letterbox describes how a source image is scaled and padded into the
// model's square input, and maps boxes back.
type Letterbox struct {
	SrcWidth, SrcHeight int
	DstWidth, DstHeight int
	Scale               float64
	PadX, PadY          int
	NewWidth, NewHeight int
}

func NewLetterbox(srcW, srcH, dstW, dstH int) Letterbox {
	scale := math.Min(float64(dstW)/float64(srcW), float64(dstH)/float64(srcH))
	newW := int(math.Round(float64(srcW) * scale))
	newH := int(math.Round(float64(srcH) * scale))
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}

	return Letterbox{
		SrcWidth:  srcW,
		SrcHeight: srcH,
		DstWidth:  dstW,
		DstHeight: dstH,
		Scale:     scale,
		PadX:      (dstW - newW) / 2,
		PadY:      (dstH - newH) / 2,
		NewWidth:  newW,
		NewHeight: newH,
	}
}

// Apply renders img into a padded canvas of the destination size.
func (l Letterbox) Apply(img image.Image) *image.NRGBA {
	canvas := imaging.New(l.DstWidth, l.DstHeight, color.NRGBA{R: PadValue, G: PadValue, B: PadValue, A: 255})

	var resized image.Image = img
	if l.NewWidth != l.SrcWidth || l.NewHeight != l.SrcHeight {
		resized = imaging.Resize(img, l.NewWidth, l.NewHeight, imaging.Linear)
	}

	return imaging.Paste(canvas, resized, image.Pt(l.PadX, l.PadY))
}

// Fill writes img, letterboxed, into buffer as planar RGB floats in [0,1].
// buffer must hold Channels*DstWidth*DstHeight values.
func (l Letterbox) Fill(img image.Image, buffer []float32) {
	canvas := l.Apply(img)
	channelSize := l.DstWidth * l.DstHeight

	for y := 0; y < l.DstHeight; y++ {
		row := canvas.Pix[y*canvas.Stride : y*canvas.Stride+l.DstWidth*4]
		offset := y * l.DstWidth
		for x := 0; x < l.DstWidth; x++ {
			i := offset + x
			buffer[i] = float32(row[x*4]) / 255.0
			buffer[channelSize+i] = float32(row[x*4+1]) / 255.0
			buffer[channelSize*2+i] = float32(row[x*4+2]) / 255.0
		}
	}
}

// ToSource maps a box from model input pixels to source pixels, clipped to
// the source bounds and with ordered corners.
func (l Letterbox) ToSource(box [4]float32) [4]float32 {
	x1 := (float64(box[0]) - float64(l.PadX)) / l.Scale
	y1 := (float64(box[1]) - float64(l.PadY)) / l.Scale
	x2 := (float64(box[2]) - float64(l.PadX)) / l.Scale
	y2 := (float64(box[3]) - float64(l.PadY)) / l.Scale

	w, h := float64(l.SrcWidth), float64(l.SrcHeight)
	x1, x2 = clip(x1, 0, w), clip(x2, 0, w)
	y1, y2 = clip(y1, 0, h), clip(y2, 0, h)
	if x1 > x2 {
		x1, x2 = x2, x1
	}
	if y1 > y2 {
		y1, y2 = y2, y1
	}

	return [4]float32{float32(x1), float32(y1), float32(x2), float32(y2)}
}

func clip(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
