// Package render turns cache.Entry pixel buffers into JPEG images: auto
// white/contrast levels, saturation-to-red, inverted grayscale, and
// optional on-image labels, structured as a decode -> transform -> encode
// pipeline of composable stages adapted around raw uint16/uint32 detector
// buffers instead of standard image.Image inputs.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"math"

	"github.com/ls-cat/imgsrv/internal/cache"
	"github.com/ls-cat/imgsrv/internal/model"
	"github.com/ls-cat/imgsrv/internal/render/font"
)

// Encoder abstracts the final pixels->bytes step so tests can substitute a
// cheap stand-in; the production implementation is JPEGEncoder.
type Encoder interface {
	Encode(w io.Writer, img image.Image, quality int) error
}

// JPEGEncoder wraps the standard library's image/jpeg.
type JPEGEncoder struct{}

func (JPEGEncoder) Encode(w io.Writer, img image.Image, quality int) error {
	return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
}

// Options controls the rendering of a single frame.
type Options struct {
	Quality int // JPEG quality, 1..100
	Label string
	// LabelHeight is the height in pixels of the label strip to prepend,
	// [0, 64]. No strip is drawn unless Label != "" and LabelHeight > 0.
	LabelHeight int
	// FrameIndex and MultiFrame drive the label's frame-index suffix: when
	// MultiFrame is true, " <FrameIndex>" is appended to Label so frames
	// from the same multi-frame file are distinguishable.
	FrameIndex int
	MultiFrame bool
	// WhiteLevel and Contrast are the request's wval/contrast fields: a
	// negative WhiteLevel or non-positive Contrast means "derive from the
	// entry's mean/stddev instead."
	WhiteLevel int
	Contrast int
	Encoder Encoder
}

const defaultQuality = 85

// Render implements render(entry) -> jpeg_bytes: white/contrast
// leveling per Options (falling back to entry.Metadata.Mean/StdDev when the
// request didn't pin a level), saturation rendered pure red, everything
// else as inverted grayscale (so the brightest detector counts appear
// darkest, matching conventional diffraction-image display), with an
// optional label strip prepended above the image.
func Render(e *cache.Entry, opt Options) ([]byte, error) {
	enc := opt.Encoder
	if enc == nil {
		enc = JPEGEncoder{}
	}
	quality := opt.Quality
	if quality <= 0 {
		quality = defaultQuality
	}

	img := toGray(e, opt)
	if opt.Label != "" && opt.LabelHeight > 0 {
		label := opt.Label
		if opt.MultiFrame {
			label = fmt.Sprintf("%s %d", label, opt.FrameIndex)
		}
		img = withLabel(img, label, opt.LabelHeight)
	}

	var buf bytes.Buffer
	if err := enc.Encode(&buf, img, quality); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// toGray applies the white/contrast level + saturation-to-red policy and
// returns an *image.RGBA (RGBA rather than Gray so saturated pixels can
// carry color).
func toGray(e *cache.Entry, opt Options) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, e.Width, e.Height))
	if e.Width == 0 || e.Height == 0 {
		return img
	}

	sat := model.SaturationValue(e.Depth)
	w, b := levels(e, opt)

	for row := 0; row < e.Height; row++ {
		for col := 0; col < e.Width; col++ {
			if e.Mask != nil && e.Mask[row*e.Width+col] != 0 {
				img.Set(col, row, color.RGBA{R: 0, G: 0, B: 0xFF, A: 0xFF})
				continue
			}
			v := pixelAt(e, row, col)
			if v >= sat {
				img.Set(col, row, color.RGBA{R: 0xFF, A: 0xFF})
				continue
			}
			fv := float64(v)
			switch {
			case fv <= w:
				img.Set(col, row, color.RGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF})
			case fv >= b:
				img.Set(col, row, color.RGBA{A: 0xFF})
			default:
				// Inverted: high detector counts render dark.
				g := uint8(math.Round(255 - (fv-w)/(b-w)*255))
				img.Set(col, row, color.RGBA{R: g, G: g, B: g, A: 0xFF})
			}
		}
	}
	return img
}

// levels derives the effective white (w) and contrast/black (b) levels: a
// negative WhiteLevel or non-positive Contrast falls back to
// mean-stddev/mean+stddev, then both are clamped to w >= 0, b > w.
func levels(e *cache.Entry, opt Options) (w, b float64) {
	var mean, sd float64
	if e.Metadata != nil {
		mean, sd = e.Metadata.Mean, e.Metadata.StdDev
	}

	if opt.WhiteLevel < 0 {
		w = mean - sd
	} else {
		w = float64(opt.WhiteLevel)
	}
	if opt.Contrast <= 0 {
		b = mean + sd
	} else {
		b = float64(opt.Contrast)
	}

	if w < 0 {
		w = 0
	}
	if b <= w {
		b = w + 1
	}
	return w, b
}

func pixelAt(e *cache.Entry, row, col int) uint32 {
	idx := (row*e.Width + col) * e.Depth
	if idx+e.Depth > len(e.Pixels) {
		return 0
	}
	if e.Depth == 2 {
		return uint32(e.Pixels[idx]) | uint32(e.Pixels[idx+1])<<8
	}
	return uint32(e.Pixels[idx]) | uint32(e.Pixels[idx+1])<<8 |
	uint32(e.Pixels[idx+2])<<16 | uint32(e.Pixels[idx+3])<<24
}

const maxLabelLen = 80

// withLabel prepends a black strip, height rows tall, carrying a truncated
// label string rendered in the embedded bitmap font. height is the
// request's labelHeight, already clamped to [0, 64] by
// model.Reduction.Normalize; the glyph rows beyond height are simply not
// drawn.
func withLabel(src *image.RGBA, label string, height int) *image.RGBA {
	if len(label) > maxLabelLen {
		label = label[:maxLabelLen-3] + "..."
	}
	b := src.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()+height))
	for y := 0; y < height; y++ {
		for x := 0; x < b.Dx(); x++ {
			out.Set(x, y, color.RGBA{A: 0xFF})
		}
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Set(x, y+height, src.At(x, y))
		}
	}
	drawLabel(out, label, 2, 2, height)
	return out
}

func drawLabel(img *image.RGBA, s string, x0, y0, maxHeight int) {
	x := x0
	for _, r := range s {
		g := font.Lookup(r)
		for row := 0; row < font.GlyphHeight; row++ {
			if y0+row >= maxHeight {
				break
			}
			for col := 0; col < font.GlyphWidth; col++ {
				if g.Set(row, col) {
					img.Set(x+col, y0+row, color.RGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF})
				}
			}
		}
		x += font.GlyphWidth + 1
	}
}
