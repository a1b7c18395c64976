// Package reduce implements the image reduction pipeline: a
// pure function mapping a rectangular window of a raw frame into a smaller
// output buffer.
package reduce

import "math"

// Window describes the source rectangle a reduction reads from, computed
// from (zoom, segcol, segrow).
type Window struct {
	X, Y int // top-left of the window in source pixels
	Width, Height int // window dimensions in source pixels
}

// MinOutDim and MaxOutDim bound the output dimensions a client may request.
const (
	MinOutDim = 8
	MaxOutDim = 10000
)

// ComputeWindow divides the source image into a ceil(zoom) x ceil(zoom)
// grid and returns the cell named by (segcol, segrow), clamped to the
// valid grid range.
func ComputeWindow(srcW, srcH int, zoom float64, segcol, segrow int) Window {
	if zoom < 1.0 {
		zoom = 1.0
	}
	grid := int(math.Ceil(zoom))
	if grid < 1 {
		grid = 1
	}
	if segcol < 0 {
		segcol = 0
	}
	if segcol >= grid {
		segcol = grid - 1
	}
	if segrow < 0 {
		segrow = 0
	}
	if segrow >= grid {
		segrow = grid - 1
	}

	cellW := float64(srcW) / zoom
	cellH := float64(srcH) / zoom

	x := int(math.Round(float64(segcol) * cellW))
	y := int(math.Round(float64(segrow) * cellH))
	w := int(math.Round(cellW))
	h := int(math.Round(cellH))

	if x+w > srcW {
		w = srcW - x
	}
	if y+h > srcH {
		h = srcH - y
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return Window{X: x, Y: y, Width: w, Height: h}
}

// ValidOutputSize reports whether out_w/out_h fall within // [8, 10000] bound.
func ValidOutputSize(w, h int) bool {
	return w >= MinOutDim && w <= MaxOutDim && h >= MinOutDim && h <= MaxOutDim
}
