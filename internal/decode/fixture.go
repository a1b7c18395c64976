package decode

import (
	"fmt"
	"image"
	"os"

	"golang.org/x/image/tiff"

	"github.com/ls-cat/imgsrv/internal/model"
)

// FixtureDecoder decodes plain grayscale TIFFs written by
// golang.org/x/image/tiff, a stand-in for the real HDF5/CBF/Rayonix
// decoders, which remain out of scope. The cache and reduction tests use
// their own in-memory decoders rather than this one.
type FixtureDecoder struct{}

func (FixtureDecoder) DecodeMetadata(path string, frame int) (*model.Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cfg, err := tiff.DecodeConfig(f)
	if err != nil {
		return nil, err
	}
	return &model.Metadata{
		ImageDepth: 2,
		XPixelsInDetector: cfg.Width,
		YPixelsInDetector: cfg.Height,
	}, nil
}

func (FixtureDecoder) DecodeFrame(path string, frame int) (*Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := tiff.Decode(f)
	if err != nil {
		return nil, err
	}
	gray, ok := img.(*image.Gray16)
	if !ok {
		return nil, fmt.Errorf("fixture decoder: only 16-bit grayscale TIFFs are supported")
	}
	w := gray.Bounds().Dx()
	h := gray.Bounds().Dy()
	pixels := make([]byte, w*h*2)
	copy(pixels, gray.Pix)
	return &Frame{Pixels: pixels, Width: w, Height: h, Depth: 2}, nil
}
