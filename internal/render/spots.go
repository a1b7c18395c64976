package render

import (
	"bytes"
	"image"
	"image/color"

	"github.com/ls-cat/imgsrv/internal/cache"
)

// Spot is one detected-peak center, in raw detector row/col coordinates.
type Spot struct {
	Row, Col int
}

const spotMarkerRadius = 4

// Spots implements spots path: renders the same autoleveled
// grayscale frame as Render, then overlays a small green crosshair at each
// detected peak center. Coordinates are given in raw pixel space and
// translated by the caller before calling Spots if the underlying entry is
// a reduced (not raw) buffer.
func Spots(e *cache.Entry, spots []Spot, opt Options) ([]byte, error) {
	enc := opt.Encoder
	if enc == nil {
		enc = JPEGEncoder{}
	}
	quality := opt.Quality
	if quality <= 0 {
		quality = defaultQuality
	}

	img := toGray(e, opt)
	marker := color.RGBA{G: 0xFF, A: 0xFF}
	for _, s := range spots {
		drawCrosshair(img, s.Col, s.Row, spotMarkerRadius, marker)
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

func drawCrosshair(img *image.RGBA, cx, cy, radius int, col color.RGBA) {
	b := img.Bounds()
	for dx := -radius; dx <= radius; dx++ {
		x, y := cx+dx, cy
		if x >= b.Min.X && x < b.Max.X && y >= b.Min.Y && y < b.Max.Y {
			img.Set(x, y, col)
		}
	}
	for dy := -radius; dy <= radius; dy++ {
		x, y := cx, cy+dy
		if x >= b.Min.X && x < b.Max.X && y >= b.Min.Y && y < b.Max.Y {
			img.Set(x, y, col)
		}
	}
}
