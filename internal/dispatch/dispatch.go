// Package dispatch maps a decoded model.Fingerprint to the concrete
// handling logic for its Kind: jpeg/blank/spots read through
// the image buffer cache and renderer, metadata reads the cache entry's
// model.Metadata, connection-test is a liveness echo, and directory-stats
// summarizes a detector directory's files. index and transfer are not
// handled here: Dispatch rejects them, and internal/supervisor hands them
// to internal/orchestrator.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ls-cat/imgsrv/internal/apperrors"
	"github.com/ls-cat/imgsrv/internal/cache"
	"github.com/ls-cat/imgsrv/internal/model"
	"github.com/ls-cat/imgsrv/internal/render"
)

// Reply is the dispatch result on success: a wire reply with an empty
// first (error) frame, followed by the echoed request and metadata frames,
// and a fourth payload frame for every kind except metadata/spots, which
// stop at three parts with no image payload. Dispatch failures are instead
// surfaced as a Go error; the caller (internal/supervisor) converts that
// into the one-part formatted-error-string reply.
type Reply struct {
	Parts [][]byte
}

func fourPart(echoed, metadata, payload []byte) Reply {
	return Reply{Parts: [][]byte{[]byte(""), echoed, metadata, payload}}
}

// threePart builds the no-payload reply shape metadata/spots use: an empty
// error frame, the echoed request, and the metadata frame, with no image
// part.
func threePart(echoed, metadata []byte) Reply {
	return Reply{Parts: [][]byte{[]byte(""), echoed, metadata}}
}

// FourPartReply builds the standard four-part success reply from outside
// this package, for internal/supervisor's index/transfer handling, which
// bypasses Dispatch (those kinds run on the orchestrator, not a worker's
// dispatch table) but still owes the client the same wire shape.
func FourPartReply(echoed, metadata, payload []byte) Reply {
	return fourPart(echoed, metadata, payload)
}

// EchoRequest re-marshals fp for a reply's second frame; exported for
// internal/supervisor's index/transfer handling alongside FourPartReply.
func EchoRequest(fp model.Fingerprint) []byte {
	return echoRequest(fp)
}

// Version is the server version string echoed by connection-test replies.
const Version = "imgsrv/1.0"

// Table routes a Fingerprint to its handler. Handlers are functions taking
// a worker's cache.Context so jpeg/spots/metadata can share one cache.
type Table struct {
	ctx *cache.Context
}

// NewTable builds a dispatch table bound to one worker's image buffer
// cache context.
func NewTable(ctx *cache.Context) *Table {
	return &Table{ctx: ctx}
}

// Dispatch routes fp to its handler.
func (t *Table) Dispatch(ctx context.Context, fp model.Fingerprint) (Reply, error) {
	switch fp.Op {
	case model.KindJPEG:
		return t.dispatchJPEG(fp)
	case model.KindBlank:
		return t.dispatchBlank(fp)
	case model.KindSpots:
		return t.dispatchSpots(fp)
	case model.KindMetadata:
		return t.dispatchMetadata(fp)
	case model.KindConnectionTest:
		return t.dispatchConnectionTest(fp)
	case model.KindDirectoryStats:
		return t.dispatchDirectoryStats(fp)
	case model.KindIndex, model.KindTransfer:
		// Long-running: the caller (internal/supervisor) hands these to
		// internal/orchestrator directly rather than blocking a worker
		// goroutine on Dispatch; see supervisor.go's routing switch.
		return Reply{}, apperrors.New(apperrors.KindUnsupported, "Dispatch",
		fmt.Errorf("%s must be routed to the orchestrator, not Dispatch", fp.Op))
	default:
		return Reply{}, apperrors.New(apperrors.KindBadRequest, "Dispatch", fmt.Errorf("unknown request kind %q", fp.Op))
	}
}

// echoRequest re-marshals fp as the reply's second frame, distinct from the original raw wire bytes since
// Normalize may have adjusted frame/zoom defaults before dispatch ran.
func echoRequest(fp model.Fingerprint) []byte {
	b, err := json.Marshal(fp)
	if err != nil {
			return []byte(fmt.Sprintf(`{"type":%q,"fn":%q}`, fp.Op, fp.Path))
	}
	return b
}

func marshalMetadata(m *model.Metadata) ([]byte, error) {
	if m == nil {
			return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (t *Table) dispatchJPEG(fp model.Fingerprint) (Reply, error) {
	var e *cache.Entry
	var err error
	if isIdentityReduction(fp.Reduction) {
			e, err = t.ctx.GetRaw(fp.Path, fp.Frame)
	} else {
			e, err = t.ctx.Reduce(fp.Path, fp.Frame, fp.Reduction)
	}
	if err != nil {
			return Reply{}, err
	}
	defer t.ctx.Release(e)

	out, err := render.Render(e, render.Options{
		Label: fp.Reduction.Label,
		LabelHeight: fp.Reduction.LabelHeight,
		FrameIndex: fp.Frame,
		MultiFrame: e.Metadata != nil && e.Metadata.NImages > 1,
		WhiteLevel: fp.Reduction.WhiteLevel,
		Contrast: fp.Reduction.Contrast,
	})
	if err != nil {
			return Reply{}, apperrors.New(apperrors.KindDecodeError, "render.Render", err)
	}
	meta, err := marshalMetadata(e.Metadata)
	if err != nil {
			return Reply{}, apperrors.New(apperrors.KindTransport, "dispatchJPEG", err)
	}
	return fourPart(echoRequest(fp), meta, out), nil
}

func (t *Table) dispatchBlank(fp model.Fingerprint) (Reply, error) {
	w, h := fp.Reduction.OutWidth, fp.Reduction.OutHeight
	if w == 0 {
			w = 256
	}
	if h == 0 {
			h = 256
	}
	out, err := render.Blank(w, h, render.Options{Label: fp.Reduction.Label, LabelHeight: fp.Reduction.LabelHeight})
	if err != nil {
			return Reply{}, apperrors.New(apperrors.KindDecodeError, "render.Blank", err)
	}
	return fourPart(echoRequest(fp), []byte("{}"), out), nil
}

func (t *Table) dispatchSpots(fp model.Fingerprint) (Reply, error) {
	// Spot detection reads the full detector window, never a reduced view.
	fp.Reduction.Zoom = 1
	fp.Reduction.SegCol = 0
	fp.Reduction.SegRow = 0

	e, err := t.ctx.GetRaw(fp.Path, fp.Frame)
	if err != nil {
			return Reply{}, err
	}
	defer t.ctx.Release(e)

	meta, err := marshalMetadata(e.Metadata)
	if err != nil {
			return Reply{}, apperrors.New(apperrors.KindTransport, "dispatchSpots", err)
	}

	// No image part: spot detection itself is out of scope here, and the
	// reply for this kind carries only the metadata frame, same as the
	// original three-frame (err, job, meta) wire shape.
	return threePart(echoRequest(fp), meta), nil
}

func (t *Table) dispatchMetadata(fp model.Fingerprint) (Reply, error) {
	e, err := t.ctx.GetRaw(fp.Path, fp.Frame)
	if err != nil {
			return Reply{}, err
	}
	defer t.ctx.Release(e)
	if e.Metadata == nil {
			return Reply{}, apperrors.New(apperrors.KindNotFound, "dispatchMetadata", fmt.Errorf("no metadata decoded for %s", fp.Path))
	}
	meta, err := marshalMetadata(e.Metadata)
	if err != nil {
			return Reply{}, apperrors.New(apperrors.KindTransport, "dispatchMetadata", err)
	}
	return threePart(echoRequest(fp), meta), nil
}

func (t *Table) dispatchConnectionTest(fp model.Fingerprint) (Reply, error) {
	payload := []byte(fmt.Sprintf(`{"ok":true,"version":%q,"tag":%q}`, Version, fp.Tag))
	return fourPart(echoRequest(fp), []byte("{}"), payload), nil
}

// DirectoryStats summarizes a detector image directory for the front
// end's file browser.
type DirectoryStats struct {
	Path string `json:"path"`
	FileCount int `json:"file_count"`
	TotalBytes int64 `json:"total_bytes"`
	NewestMTime time.Time `json:"newest_mtime"`
}

func (t *Table) dispatchDirectoryStats(fp model.Fingerprint) (Reply, error) {
	stats, err := computeDirectoryStats(fp.Path)
	if err != nil {
			return Reply{}, apperrors.New(apperrors.KindNotFound, "dispatchDirectoryStats", err)
	}
	payload, err := json.Marshal(stats)
	if err != nil {
			return Reply{}, apperrors.New(apperrors.KindTransport, "dispatchDirectoryStats", err)
	}
	return fourPart(echoRequest(fp), []byte("{}"), payload), nil
}

func computeDirectoryStats(dir string) (DirectoryStats, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
			return DirectoryStats{}, fmt.Errorf("read dir %s: %w", dir, err)
	}
	stats := DirectoryStats{Path: dir}
	for _, de := range entries {
			if de.IsDir() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		stats.FileCount++
		stats.TotalBytes += info.Size()
		if info.ModTime().After(stats.NewestMTime) {
			stats.NewestMTime = info.ModTime()
		}
	}
	return stats, nil
}

func isIdentityReduction(r model.Reduction) bool {
	return r.Zoom <= 1 && r.OutWidth == 0 && r.OutHeight == 0
}
