// Package model defines the request fingerprint and cache key types shared
// by the cache, reduction, dispatch, and router packages.
package model

import (
	"fmt"
	"math"
)

// Kind is the operation kind requested over the wire.
type Kind string

const (
	KindJPEG Kind = "jpeg"
	KindSpots Kind = "spots"
	KindIndex Kind = "index"
	KindMetadata Kind = "metadata"
	KindTransfer Kind = "transfer"
	KindConnectionTest Kind = "connection-test"
	KindDirectoryStats Kind = "directory-stats"
	KindBlank Kind = "blank"
)

// PubSubTarget names where progress/control updates should be republished.
type PubSubTarget struct {
	Publisher string `json:"progressPublisher,omitempty"`
	Address string `json:"progressAddress,omitempty"`
	Port int `json:"progressPort,omitempty"`
	Channel string `json:"progressChannel,omitempty"`
}

// Reduction is the window+output description of a reduce operation.
type Reduction struct {
	Zoom float64 `json:"zoom"`
	SegCol int `json:"segcol"`
	SegRow int `json:"segrow"`
	OutWidth int `json:"xsize"`
	OutHeight int `json:"ysize"`
	WhiteLevel int `json:"wval"`
	Contrast int `json:"contrast"`
	Label string `json:"label,omitempty"`
	LabelHeight int `json:"labelHeight,omitempty"`
}

// Normalize snaps Zoom to one decimal and clamps it to >= 1.
func (r *Reduction) Normalize() {
	z := math.Round(r.Zoom*10) / 10
	if z < 1.0 {
		z = 1.0
	}
	r.Zoom = z
	if r.LabelHeight < 0 {
		r.LabelHeight = 0
	}
	if r.LabelHeight > 64 {
		r.LabelHeight = 64
	}
}

// Fingerprint is the immutable descriptor of one unit of work.
type Fingerprint struct {
	Op Kind `json:"type"`
	Path string `json:"fn"`
	Frame int `json:"frame"`
	Reduction // embedded: zoom/segcol/xsize/... flatten into the wire object
	SessionID string `json:"pid"`
	ESAF int `json:"esaf"`
	Tag string `json:"tag"`
	PubSubTarget // embedded: progressPublisher/... flatten into the wire object

	// transfer/index specific
	Path2 string `json:"fn2,omitempty"`
	Frame2 int `json:"frame2,omitempty"`
	RemoteHostName string `json:"remoteHostName,omitempty"`
	RemoteUserName string `json:"remoteUserName,omitempty"`
	RemoteDirName string `json:"remoteDirName,omitempty"`
	LocalDirName string `json:"localDirName,omitempty"`
}

// Normalize fills in defaults and clamps fields: frame >= 1 default 1,
// reduction normalization, output bounds checked separately by the
// reduction package.
func (f *Fingerprint) Normalize() {
	if f.Frame < 1 {
		f.Frame = 1
	}
	f.Reduction.Normalize()
}

// RawKey builds the cache key for the fully decoded original frame.
func RawKey(gid int, path string, frame int) string {
	return fmt.Sprintf("%d:%s-%d", gid, path, frame)
}

// ReducedKey builds the cache key for a derived buffer.
func ReducedKey(gid int, path string, frame int, r Reduction) string {
	return fmt.Sprintf("%d:%s-%d-%g-%d-%d-%d-%d", gid, path, frame, r.Zoom, r.SegCol, r.SegRow, r.OutWidth, r.OutHeight)
}
