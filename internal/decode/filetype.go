// Package decode classifies detector files by type and defines
// the interfaces the (out-of-scope) real decoders implement.
package decode

import (
	"bytes"
	"os"
	"strings"
)

// FileType is the detected/declared format of a detector file.
type FileType string

const (
	TypeNexusHDF5 FileType = "nexus_v1_hdf5"
	TypeCBF FileType = "generic_cbf"
	TypeTIFF FileType = "generic_tiff"
	TypeMarCCD FileType = "rayonix_marccd"
	TypeUnknown FileType = "unknown"
)

var hdf5Magic = []byte{0x89, 'H', 'D', 'F'}

// tiffMagicLE/BE are the two byte orders a legacy MarCCD/TIFF frame may use.
var tiffMagicLE = []byte{'I', 'I', 42, 0}
var tiffMagicBE = []byte{'M', 'M', 0, 42}

// Detect classifies path per: trust well-known extensions first,
// then recognize legacy MarCCD's bare TIFF magic, then probe for HDF5,
// else unknown.
func Detect(path string) (FileType, error) {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".h5"):
		return TypeNexusHDF5, nil
	case strings.HasSuffix(lower, ".cbf"):
		return TypeCBF, nil
	case strings.HasSuffix(lower, ".tif"), strings.HasSuffix(lower, ".tiff"):
		return TypeTIFF, nil
	case strings.HasSuffix(lower, ".mccd"):
		return TypeMarCCD, nil
	}

	f, err := os.Open(path)
	if err != nil {
			return TypeUnknown, err
	}
	defer f.Close()

	head := make([]byte, 8)
	n, err := f.Read(head)
	if err != nil && n == 0 {
			return TypeUnknown, err
	}
	head = head[:n]

	if len(head) >= 4 && (bytes.Equal(head[:4], tiffMagicLE) || bytes.Equal(head[:4], tiffMagicBE)) {
			return TypeMarCCD, nil
	}
	if len(head) >= 4 && bytes.Equal(head[:4], hdf5Magic) {
			return TypeNexusHDF5, nil
	}
	return TypeUnknown, nil
}
