package render

import (
	"bytes"
	"image"
	"image/color"
)

// Blank implements the blank-canvas path: used when no frame is
// available (the dispatch table's blank kind), producing a solid-color
// placeholder image of the requested dimensions instead of an error.
func Blank(width, height int, opt Options) ([]byte, error) {
	enc := opt.Encoder
	if enc == nil {
		enc = JPEGEncoder{}
	}
	quality := opt.Quality
	if quality <= 0 {
		quality = defaultQuality
	}
	if width <= 0 {
		width = 1
	}
	if height <= 0 {
		height = 1
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	gray := color.RGBA{R: 0x20, G: 0x20, B: 0x20, A: 0xFF}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, gray)
		}
	}
	var labeled image.Image = img
	if opt.Label != "" && opt.LabelHeight > 0 {
		labeled = withLabel(img, opt.Label, opt.LabelHeight)
	}

	var buf bytes.Buffer
	if err := enc.Encode(&buf, labeled, quality); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
