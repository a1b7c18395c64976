package reduce

import (
	"encoding/binary"
	"math"

	"github.com/ls-cat/imgsrv/internal/model"
)

// Source is the raw buffer a reduction reads from.
type Source struct {
	Pixels []byte
	Width int
	Height int
	Depth int // 2 or 4
	Mask []byte // optional bad-pixel mask, one byte per pixel, nonzero = bad
}

// At returns the raw pixel value at (row, col), exported for callers (such
// as the cache's mean/stddev bookkeeping) that need read-only pixel access
// outside of a reduction.
func (s *Source) At(row, col int) uint32 {
	return s.pixelAt(row, col)
}

func (s *Source) pixelAt(row, col int) uint32 {
	idx := (row*s.Width + col) * s.Depth
	if s.Depth == 2 {
		return uint32(binary.LittleEndian.Uint16(s.Pixels[idx:]))
	}
	return binary.LittleEndian.Uint32(s.Pixels[idx:])
}

func (s *Source) isBad(row, col int) bool {
	if s.Mask == nil {
		return false
	}
	return s.Mask[row*s.Width+col] != 0
}

func (s *Source) putPixel(dst []byte, idx int, v uint32) {
	if s.Depth == 2 {
		binary.LittleEndian.PutUint16(dst[idx:], uint16(v))
	} else {
		binary.LittleEndian.PutUint32(dst[idx:], v)
	}
}

// Reduce maps win onto an outW x outH buffer: clamped-max-box when the
// output is smaller than the window (downsampling), nearest-pixel
// otherwise (magnification). Output preserves src.Depth. Deterministic: a
// pure function of its arguments.
func Reduce(src *Source, win Window, outW, outH int) []byte {
	out := make([]byte, outW*outH*src.Depth)
	saturation := model.SaturationValue(src.Depth)

	rowRatio := float64(win.Height) / float64(outH)
	colRatio := float64(win.Width) / float64(outW)
	downsample := rowRatio >= 1.0 || colRatio >= 1.0

	boxH := int(math.Ceil(float64(src.Height) / float64(outH)))
	boxW := int(math.Ceil(float64(src.Width) / float64(outW)))
	if boxH < 1 {
		boxH = 1
	}
	if boxW < 1 {
		boxW = 1
	}

	for row := 0; row < outH; row++ {
		k := float64(win.Y) + float64(row)*rowRatio
		for col := 0; col < outW; col++ {
			l := float64(win.X) + float64(col)*colRatio
			idx := (row*outW + col) * src.Depth

			var v uint32
			if downsample {
				v = maxBox(src, k, l, boxH, boxW, saturation)
			} else {
				v = nearest(src, k, l)
			}
			src.putPixel(out, idx, v)
		}
	}
	return out
}

// maxBox returns the maximum in-bounds, non-masked value in a box reaching
// boxH/2 rows and boxW/2 columns either side of (k, l) rounded to the
// nearest pixel, short-circuiting as soon as a saturated pixel is found.
func maxBox(src *Source, k, l float64, boxH, boxW int, saturation uint32) uint32 {
	centerR := int(math.Round(k))
	centerC := int(math.Round(l))
	halfH := boxH / 2
	halfW := boxW / 2

	var max uint32
	found := false
	for dr := -halfH; dr <= halfH; dr++ {
		r := centerR + dr
		if r < 0 || r >= src.Height {
			continue
		}
		for dc := -halfW; dc <= halfW; dc++ {
			c := centerC + dc
			if c < 0 || c >= src.Width {
				continue
			}
			if src.isBad(r, c) {
				continue
			}
			v := src.pixelAt(r, c)
			if v >= saturation {
				return saturation
			}
			if !found || v > max {
				max = v
				found = true
			}
		}
	}
	return max
}

// nearest returns the pixel nearest (k, l), or 0 if that pixel is flagged
// bad or out of bounds.
func nearest(src *Source, k, l float64) uint32 {
	r := int(math.Round(k))
	c := int(math.Round(l))
	if r < 0 || r >= src.Height || c < 0 || c >= src.Width {
		return 0
	}
	if src.isBad(r, c) {
		return 0
	}
	return src.pixelAt(r, c)
}
