// Package sfo decodes PARAM.SFO files: the key/value parameter table PS3
// games carry for TITLE_ID, TITLE, version and similar metadata.
// See https://www.psdevwiki.com/ps3/PARAM.SFO for the file format.
//
// Adapted from the single-field sfoField lookup used by the network file
// server this module's engine borrows its ISO-handling idioms from; here the
// whole table is decoded at once since the IRD engine and "ird info" both
// need more than just TITLE_ID.
package sfo

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var magic = [4]byte{0, 'P', 'S', 'F'}

// ErrBadMagic is returned when the input does not begin with "\0PSF".
var ErrBadMagic = errors.New("sfo: malformed metadata (bad magic)")

const (
	formatUTF8        = 0x0004
	formatUTF8NotNul  = 0x0204
	formatInt32LE     = 0x0404
)

type header struct {
	Magic             [4]byte
	Version           [4]byte
	KeyTableStart     uint32
	DataTableStart    uint32
	TableEntriesCount uint32
}

type indexEntry struct {
	KeyOffset  uint16
	DataFormat uint16
	DataLen    uint32
	DataMaxLen uint32
	DataOffset uint32
}

// Decode reads a full PARAM.SFO file and returns its parameters as a
// key->string map, decoding each value per its declared data format.
func Decode(r io.ReadSeeker) (map[string]string, error) {
	var hdr header
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("sfo: header read failed: %w", err)
	}

	if hdr.Magic != magic {
		return nil, ErrBadMagic
	}

	ret := make(map[string]string, hdr.TableEntriesCount)
	var br bufio.Reader

	for i := uint32(0); i < hdr.TableEntriesCount; i++ {
		var e indexEntry

		entryOff := binary.Size(hdr) + int(i)*binary.Size(e)
		if _, err := r.Seek(int64(entryOff), io.SeekStart); err != nil {
			return nil, fmt.Errorf("sfo: seek to index entry %d failed: %w", i, err)
		}

		if err := binary.Read(r, binary.LittleEndian, &e); err != nil {
			return nil, fmt.Errorf("sfo: read index entry %d failed: %w", i, err)
		}

		keyOff := hdr.KeyTableStart + uint32(e.KeyOffset)
		if _, err := r.Seek(int64(keyOff), io.SeekStart); err != nil {
			return nil, fmt.Errorf("sfo: seek to key at %d failed: %w", keyOff, err)
		}

		br.Reset(r)
		keyBytes, err := br.ReadBytes(0)
		if err != nil {
			return nil, fmt.Errorf("sfo: read key at %d failed: %w", keyOff, err)
		}
		key := string(keyBytes[:len(keyBytes)-1])

		dataOff := int64(hdr.DataTableStart) + int64(e.DataOffset)
		if _, err := r.Seek(dataOff, io.SeekStart); err != nil {
			return nil, fmt.Errorf("sfo: seek to value of %q failed: %w", key, err)
		}

		raw := make([]byte, e.DataLen)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("sfo: read value of %q failed: %w", key, err)
		}

		ret[key] = decodeValue(e.DataFormat, raw)
	}

	return ret, nil
}

func decodeValue(format uint16, raw []byte) string {
	switch format {
	case formatUTF8:
		return string(raw)
	case formatInt32LE:
		if len(raw) < 4 {
			return ""
		}
		return strconv.FormatInt(int64(binary.LittleEndian.Uint32(raw)), 10)
	case formatUTF8NotNul:
		fallthrough
	default:
		return strings.TrimRight(string(raw), "\x00")
	}
}
