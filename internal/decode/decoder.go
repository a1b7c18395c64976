package decode

import "github.com/ls-cat/imgsrv/internal/model"

// Frame is a decoded raw pixel buffer.
type Frame struct {
	Pixels []byte
	Width int
	Height int
	Depth int // 2 or 4 bytes per pixel
	Mask []byte // optional bad-pixel mask, same width*height, nil if absent
}

// MetadataDecoder decodes a detector file's metadata without touching
// pixels (decode_metadata(path)).
type MetadataDecoder interface {
	DecodeMetadata(path string, frame int) (*model.Metadata, error)
}

// FrameDecoder decodes one frame's pixels (decode_frame(path, frame)).
type FrameDecoder interface {
	DecodeFrame(path string, frame int) (*Frame, error)
}

// Decoder is the combined interface the cache's get_raw dispatches to,
// one implementation per FileType. The concrete HDF5/CBF/TIFF/Rayonix
// decoders for real detector formats are out of scope here; this repo
// ships only the interface and a test fixture implementation (see
// fixture.go).
type Decoder interface {
	MetadataDecoder
	FrameDecoder
}

// Registry maps a FileType to the Decoder that handles it.
type Registry struct {
	decoders map[FileType]Decoder
}

func NewRegistry() *Registry {
	return &Registry{decoders: make(map[FileType]Decoder)}
}

func (r *Registry) Register(t FileType, d Decoder) {
	r.decoders[t] = d
}

func (r *Registry) For(t FileType) (Decoder, bool) {
	d, ok := r.decoders[t]
	return d, ok
}
