package cache

import (
	"fmt"
	"math"

	"github.com/ls-cat/imgsrv/internal/apperrors"
	"github.com/ls-cat/imgsrv/internal/decode"
	"github.com/ls-cat/imgsrv/internal/model"
	"github.com/ls-cat/imgsrv/internal/reduce"
)

// GetRaw implements get_raw(request) -> entry: builds the raw
// key, calls GetOrCreate, and on a freshly created entry dispatches to the
// file-type-appropriate decoder. Returns a reader-locked entry with
// in_use >= 1; the caller must eventually call Release.
func (c *Context) GetRaw(path string, frame int) (*Entry, error) {
	key := model.RawKey(c.gid, path, frame)
	e, created := c.GetOrCreate(key)
	if !created {
		return e, nil
	}

	ft, err := decode.Detect(path)
	if err != nil {
		c.abandon(e)
		return nil, apperrors.New(apperrors.KindNotFound, "decode.Detect", err)
	}
	dec, ok := c.Decoders.For(ft)
	if !ok {
		c.abandon(e)
		return nil, apperrors.New(apperrors.KindUnsupported, "decode.Registry.For", &errUnsupported{path: path})
	}

	meta, err := dec.DecodeMetadata(path, frame)
	if err != nil || meta == nil {
		c.abandon(e)
		return nil, apperrors.New(apperrors.KindDecodeError, "DecodeMetadata", err)
	}
	fr, err := dec.DecodeFrame(path, frame)
	if err != nil || fr == nil {
		c.abandon(e)
		return nil, apperrors.New(apperrors.KindDecodeError, "DecodeFrame", err)
	}

	e.Metadata = meta
	e.Pixels = fr.Pixels
	e.Width = fr.Width
	e.Height = fr.Height
	e.Depth = fr.Depth
	e.Mask = fr.Mask
	e.Provenance = ProvenanceFreshDecode
	computeStats(e)
	e.Downgrade()
	return e, nil
}

// Reduce implements reduce(request) -> entry: builds the
// reduced key, and on a freshly created entry obtains the raw frame via
// GetRaw, performs the window+downsample reduction, and
// inherits the raw entry's metadata by shared reference. Returns a
// reader-locked entry with in_use >= 1.
func (c *Context) Reduce(path string, frame int, red model.Reduction) (*Entry, error) {
	if !reduce.ValidOutputSize(red.OutWidth, red.OutHeight) {
		return nil, apperrors.New(apperrors.KindBadRequest, "Reduce", errInvalidOutputSize(red.OutWidth, red.OutHeight))
	}

	key := model.ReducedKey(c.gid, path, frame, red)
	e, created := c.GetOrCreate(key)
	if !created {
		return e, nil
	}

	raw, err := c.GetRaw(path, frame)
	if err != nil {
		c.abandon(e)
		return nil, err
	}

	win := reduce.ComputeWindow(raw.Width, raw.Height, red.Zoom, red.SegCol, red.SegRow)
	src := &reduce.Source{Pixels: raw.Pixels, Width: raw.Width, Height: raw.Height, Depth: raw.Depth, Mask: raw.Mask}
	pixels := reduce.Reduce(src, win, red.OutWidth, red.OutHeight)

	e.Pixels = pixels
	e.Width = red.OutWidth
	e.Height = red.OutHeight
	e.Depth = raw.Depth
	e.Metadata = raw.Metadata // shared with the raw entry, not copied

	c.Release(raw)
	e.Downgrade()
	return e, nil
}

func computeStats(e *Entry) {
	if e.Depth != 2 && e.Depth != 4 {
		return
	}
	src := &reduce.Source{Pixels: e.Pixels, Width: e.Width, Height: e.Height, Depth: e.Depth, Mask: e.Mask}
	var sum, sumSq float64
	var n int
	sat := model.SaturationValue(e.Depth)
	for r := 0; r < e.Height; r++ {
		for cIdx := 0; cIdx < e.Width; cIdx++ {
			if e.Mask != nil && e.Mask[r*e.Width+cIdx] != 0 {
				continue
			}
			v := src.At(r, cIdx)
			if v >= sat {
				continue
			}
			sum += float64(v)
			sumSq += float64(v) * float64(v)
			n++
		}
	}
	if n == 0 || e.Metadata == nil {
		return
	}
	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	e.Metadata.Mean = mean
	e.Metadata.StdDev = math.Sqrt(variance)
}

type errInvalidOutputSizeT struct{ w, h int }

func (e errInvalidOutputSizeT) Error() string {
	return fmt.Sprintf("output size out of bounds [8,10000]: got %dx%d", e.w, e.h)
}

func errInvalidOutputSize(w, h int) error { return errInvalidOutputSizeT{w, h} }
