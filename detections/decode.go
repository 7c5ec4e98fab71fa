package detections

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrInvalidImage is returned when uploaded bytes are not a decodable image.
var ErrInvalidImage = errors.New("invalid image")

// DecodeImage turns raw upload bytes into a 3-channel image, applying the
// EXIF orientation. The alpha channel, if any, is ignored downstream.
// Images with more than maxPixels pixels are rejected from the header alone,
// before any pixel data is allocated; maxPixels <= 0 uses DefaultMaxPixels.
func DecodeImage(data []byte, maxPixels int64) (*image.NRGBA, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidImage)
	}

	detected := mimetype.Detect(data)
	if !strings.HasPrefix(detected.String(), "image/") {
		return nil, fmt.Errorf("%w: content looks like %s", ErrInvalidImage, detected.String())
	}

	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > maxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrInvalidImage, cfg.Width, cfg.Height, maxPixels)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: zero-sized image", ErrInvalidImage)
	}

	return imaging.Clone(img), nil
}

// Shape returns height, width and channel count in the layout clients expect.
func Shape(img image.Image) [3]int {
	b := img.Bounds()
	return [3]int{b.Dy(), b.Dx(), Channels}
}
