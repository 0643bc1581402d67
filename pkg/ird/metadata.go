package ird

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"

	"github.com/xakep666/ird/pkg/isofs"
	"github.com/xakep666/ird/pkg/sfb"
	"github.com/xakep666/ird/pkg/sfo"
)

// DiscMetadata is the full PS3_DISC.SFB and PARAM.SFO key/value maps, beyond
// the fixed-width fields Metadata carries on the wire. `ird info --iso` uses
// this to print everything a disc's metadata tables expose.
type DiscMetadata struct {
	SFB map[string]string
	SFO map[string]string
}

// ReadDiscMetadata decodes PS3_DISC.SFB and PARAM.SFO from fsys, downgrading
// either to an empty map on read/decode failure rather than failing outright
// -- per §7, metadata read failures fall back to defaults so IRDs for discs
// missing optional metadata still generate. The underlying error (wrapping
// ErrFileNotFound or ErrMalformedMetadata) is logged, not discarded.
func ReadDiscMetadata(fsys isofs.FS) (DiscMetadata, error) {
	var out DiscMetadata

	if m, err := readMap(fsys, sfbPath, sfb.Decode); err == nil {
		out.SFB = m
	} else {
		slog.Warn("falling back to empty disc metadata", "path", sfbPath, "error", err)
		out.SFB = map[string]string{}
	}

	if m, err := readMap(fsys, sfoPath, sfo.Decode); err == nil {
		out.SFO = m
	} else {
		slog.Warn("falling back to empty disc metadata", "path", sfoPath, "error", err)
		out.SFO = map[string]string{}
	}

	return out, nil
}

func readMap(fsys isofs.FS, path string, decode func(io.ReadSeeker) (map[string]string, error)) (map[string]string, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %w", ErrFileNotFound, path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrFileNotFound, path, err)
	}

	m, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %w", ErrMalformedMetadata, path, err)
	}
	return m, nil
}
