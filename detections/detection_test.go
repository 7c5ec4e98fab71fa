package detections

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToDetections(t *testing.T) {
	out := NewResult(
		[][4]float32{{10, 20, 30, 40}, {50, 60, 5, 6}},
		[]float32{0.9, 0.4},
		[]int{0, 7},
		map[int]string{0: "neutrophil"},
	)

	dets := ToDetections(out)
	require.Len(t, dets, 2)

	assert.Equal(t, 0, dets[0].ClassID)
	assert.Equal(t, "neutrophil", dets[0].ClassName)
	assert.InDelta(t, 0.9, dets[0].Confidence, 1e-6)
	assert.Equal(t, [4]float32{10, 20, 30, 40}, dets[0].BBox)

	assert.Equal(t, "7", dets[1].ClassName)
	assert.Equal(t, [4]float32{5, 6, 50, 60}, dets[1].BBox)
}

func TestToDetectionsEmpty(t *testing.T) {
	dets := ToDetections(NewResult(nil, nil, nil, nil))
	assert.NotNil(t, dets)
	assert.Empty(t, dets)
}

func TestDecodeRows(t *testing.T) {
	lb := NewLetterbox(640, 640, 640, 640)
	data := []float32{
		10, 10, 50, 50, 0.80, 1,
		0, 0, 0, 0, 0, 0,
		20, 30, 40, 60, 0.25, 2,
		5, 5, 6, 6, 0.10, 3,
	}

	res := DecodeRows(data, 0.25, lb)
	assert.Equal(t, [][4]float32{{10, 10, 50, 50}, {20, 30, 40, 60}}, res.Boxes())
	assert.Equal(t, []float32{0.80, 0.25}, res.Confidences())
	assert.Equal(t, []int{1, 2}, res.Classes())
}

func TestDecodeRowsDropsNonFinite(t *testing.T) {
	lb := NewLetterbox(640, 640, 640, 640)
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))
	data := []float32{
		10, 10, 50, 50, nan, 0,
		nan, 10, 50, 50, 0.9, 0,
		10, 10, inf, 50, 0.9, 0,
		1, 2, 3, 4, 0.7, 1,
	}

	res := DecodeRows(data, 0.25, lb)
	assert.Equal(t, [][4]float32{{1, 2, 3, 4}}, res.Boxes())
	assert.Equal(t, []float32{0.7}, res.Confidences())
}

func TestResolveShapes(t *testing.T) {
	shape, w, h, err := resolveInputShape([]int64{-1, 3, -1, -1})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, DefaultInputSize, DefaultInputSize}, []int64(shape))
	assert.Equal(t, DefaultInputSize, w)
	assert.Equal(t, DefaultInputSize, h)

	_, _, _, err = resolveInputShape([]int64{1, 1, 640, 640})
	assert.Error(t, err)

	out, err := resolveOutputShape([]int64{1, 300, 6})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 300, 6}, []int64(out))

	_, err = resolveOutputShape([]int64{1, 84, 8400})
	assert.Error(t, err)

	_, err = resolveOutputShape([]int64{1, -1, 6})
	assert.Error(t, err)
}

func TestParseNames(t *testing.T) {
	names, err := ParseNames("{0: 'neutrophil', 1: 'lymphocyte', 2: \"it's\"}")
	require.NoError(t, err)
	assert.Equal(t, map[int]string{0: "neutrophil", 1: "lymphocyte", 2: "it's"}, names)

	names, err = ParseNames("['rbc', 'wbc']")
	require.NoError(t, err)
	assert.Equal(t, map[int]string{0: "rbc", 1: "wbc"}, names)

	_, err = ParseNames("just a string")
	assert.Error(t, err)
}

func TestLoadNamesFile(t *testing.T) {
	dir := t.TempDir()

	dataset := filepath.Join(dir, "data.yaml")
	require.NoError(t, os.WriteFile(dataset, []byte("path: cells\nnc: 2\nnames:\n  0: rbc\n  1: wbc\n"), 0o644))
	names, err := LoadNamesFile(dataset)
	require.NoError(t, err)
	assert.Equal(t, map[int]string{0: "rbc", 1: "wbc"}, names)

	list := filepath.Join(dir, "names.yaml")
	require.NoError(t, os.WriteFile(list, []byte("- epithelial\n- crystal\n"), 0o644))
	names, err = LoadNamesFile(list)
	require.NoError(t, err)
	assert.Equal(t, map[int]string{0: "epithelial", 1: "crystal"}, names)

	_, err = LoadNamesFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func solidPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: 200, G: 10, B: 10, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDecodeImage(t *testing.T) {
	img, err := DecodeImage(solidPNG(t, 2, 2), 0)
	require.NoError(t, err)
	assert.Equal(t, [3]int{2, 2, 3}, Shape(img))

	img, err = DecodeImage(solidPNG(t, 5, 3), 0)
	require.NoError(t, err)
	assert.Equal(t, [3]int{3, 5, 3}, Shape(img))
}

func TestDecodeImageInvalid(t *testing.T) {
	valid := solidPNG(t, 4, 4)

	testCases := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "text", data: []byte("definitely not an image")},
		{name: "truncated png", data: valid[:len(valid)/2]},
		{name: "png signature only", data: valid[:8]},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeImage(tc.data, 0)
			assert.ErrorIs(t, err, ErrInvalidImage)
		})
	}
}

func TestProcessingError(t *testing.T) {
	cause := assert.AnError
	err := &ProcessingError{Message: "model inference", Cause: cause}
	assert.Equal(t, "model inference: "+cause.Error(), err.Error())
	assert.ErrorIs(t, err, cause)
}

func grayPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func TestDecodeImageRejectsOversized(t *testing.T) {
	// a blank 8000x8000 image compresses to well under 1 MiB
	data := grayPNG(t, 8000, 8000)
	require.Less(t, len(data), 1<<20)

	_, err := DecodeImage(data, 0)
	assert.ErrorIs(t, err, ErrInvalidImage)
	assert.Contains(t, err.Error(), "8000x8000")
}

func TestDecodeImagePixelLimit(t *testing.T) {
	data := grayPNG(t, 20, 10)

	_, err := DecodeImage(data, 199)
	assert.ErrorIs(t, err, ErrInvalidImage)

	img, err := DecodeImage(data, 200)
	require.NoError(t, err)
	assert.Equal(t, [3]int{10, 20, 3}, Shape(img))
}
