package isofs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

const (
	systemAreaSectors  = 16
	standardIdentifier = "CD001"

	volumeTypePrimary       byte = 1
	volumeTypeSupplementary byte = 2
	volumeTypeTerminator    byte = 255

	dirFlagDir         = 1 << 1
	dirFlagMultiExtent = 1 << 7

	// jolietEscapeUCS2Level3 is one of the three escape sequences ECMA-119
	// Joliet supplementary volume descriptors use (level 1/2/3); only this
	// level 3 sequence is recognized, other supplementary descriptors are
	// ignored.
	jolietEscapeUCS2Level3 = "%/E"
)

// Reader is a read-only ISO9660 image reader implementing FS. It prefers the
// Joliet supplementary volume descriptor (UTF-16BE names) when present,
// falling back to the primary (d1-character) tree otherwise -- PS3 discs are
// always primary-only, but this makes Reader reusable for mixed images.
type Reader struct {
	ra     io.ReaderAt
	root   dirRecord
	joliet bool
}

type dirRecord struct {
	name     string
	isDir    bool
	size     int64
	extents  []Extent
	children []dirRecord // populated lazily by walkChildren
}

var utf16Decoder = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder()

// NewReader parses the volume descriptor set of ra and returns a Reader ready
// for ReadDir/Open/Extents calls.
func NewReader(ra io.ReaderAt) (*Reader, error) {
	var (
		primaryRoot *dirRecord
		jolietRoot  *dirRecord
	)

	for sector := int64(systemAreaSectors); ; sector++ {
		buf := make([]byte, SectorSize)
		if _, err := ra.ReadAt(buf, sector*SectorSize); err != nil {
			return nil, fmt.Errorf("isofs: reading volume descriptor at sector %d: %w", sector, err)
		}

		if string(buf[1:6]) != standardIdentifier {
			return nil, fmt.Errorf("isofs: bad volume descriptor standard identifier at sector %d", sector)
		}

		switch buf[0] {
		case volumeTypeTerminator:
			if primaryRoot == nil {
				return nil, errors.New("isofs: no primary volume descriptor found")
			}
			root := primaryRoot
			joliet := false
			if jolietRoot != nil {
				root = jolietRoot
				joliet = true
			}
			return &Reader{ra: ra, root: *root, joliet: joliet}, nil
		case volumeTypePrimary:
			rec, err := parseRootRecord(buf, false)
			if err != nil {
				return nil, err
			}
			primaryRoot = rec
		case volumeTypeSupplementary:
			if string(buf[88:91]) == jolietEscapeUCS2Level3 {
				rec, err := parseRootRecord(buf, true)
				if err != nil {
					return nil, err
				}
				jolietRoot = rec
			}
		}
	}
}

func parseRootRecord(pvd []byte, joliet bool) (*dirRecord, error) {
	rec, _, _, err := decodeDirRecord(pvd[156:190], joliet)
	if err != nil {
		return nil, fmt.Errorf("isofs: decoding root directory record: %w", err)
	}
	rec.name = ""
	return rec, nil
}

// decodeDirRecord decodes one ECMA-119 9.1 directory record starting at b[0].
// Returns the record, whether ECMA-119 9.1.6's multi-extent bit is set (more
// records for the same file follow), and the number of bytes consumed.
func decodeDirRecord(b []byte, joliet bool) (rec *dirRecord, multiExtent bool, consumed int, err error) {
	if len(b) < 34 {
		return nil, false, 0, errors.New("isofs: truncated directory record")
	}

	length := int(b[0])
	if length == 0 {
		return nil, false, 0, nil
	}
	if length > len(b) {
		return nil, false, 0, errors.New("isofs: directory record overruns sector")
	}

	extentLoc := int64(binary.LittleEndian.Uint32(b[2:6]))
	extentLen := int64(binary.LittleEndian.Uint32(b[10:14]))
	flags := b[25]
	idLen := int(b[32])

	idRaw := b[33 : 33+idLen]

	var name string
	switch {
	case idLen == 1 && idRaw[0] == 0x00:
		name = "." // self
	case idLen == 1 && idRaw[0] == 0x01:
		name = ".." // parent
	case joliet:
		decoded, decErr := utf16Decoder.Bytes(idRaw)
		if decErr != nil {
			return nil, false, 0, fmt.Errorf("isofs: decoding joliet identifier: %w", decErr)
		}
		name = string(decoded)
	default:
		name = strings.TrimSuffix(string(idRaw), ";1") // drop ISO9660 version suffix
		if i := strings.IndexByte(name, ';'); i >= 0 {
			name = name[:i]
		}
	}

	rec = &dirRecord{
		name:  name,
		isDir: flags&dirFlagDir != 0,
		size:  extentLen,
		extents: []Extent{
			{Offset: extentLoc, Count: (extentLen + SectorSize - 1) / SectorSize},
		},
	}

	return rec, flags&dirFlagMultiExtent != 0, length, nil
}

func (r *Reader) walkChildren(dir *dirRecord) error {
	if dir.children != nil {
		return nil
	}

	var children []dirRecord
	var pending *dirRecord // file whose preceding record had the multi-extent bit set

	for _, ext := range dir.extents {
		data := make([]byte, ext.Count*SectorSize)
		if _, err := r.ra.ReadAt(data, ext.Offset*SectorSize); err != nil {
			return fmt.Errorf("isofs: reading directory extent: %w", err)
		}

		off := 0
		for off < len(data) {
			if data[off] == 0 {
				// zero padding to next sector boundary
				off += SectorSize - (off % SectorSize)
				continue
			}

			rec, multiExtent, n, err := decodeDirRecord(data[off:], r.joliet)
			if err != nil {
				return err
			}
			if n == 0 {
				break
			}
			off += n

			if rec.name == "." || rec.name == ".." {
				continue
			}

			if pending != nil {
				pending.extents = append(pending.extents, rec.extents...)
				pending.size += rec.size
			} else {
				pending = rec
			}

			if !multiExtent {
				children = append(children, *pending)
				pending = nil
			}
		}
	}

	dir.children = children
	return nil
}

func (r *Reader) resolve(p string) (*dirRecord, error) {
	p = strings.Trim(path.Clean("/"+p), "/")
	cur := r.root

	if p == "" {
		return &cur, nil
	}

	for _, seg := range strings.Split(p, "/") {
		if err := r.walkChildren(&cur); err != nil {
			return nil, err
		}

		found := false
		for _, c := range cur.children {
			if strings.EqualFold(c.name, seg) {
				cur = c
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %q", ErrNotExist, p)
		}
	}

	return &cur, nil
}

// ReadDir implements FS.
func (r *Reader) ReadDir(p string) ([]Entry, error) {
	rec, err := r.resolve(p)
	if err != nil {
		return nil, err
	}
	if !rec.isDir {
		return nil, fmt.Errorf("%w: %q", ErrNotDirectory, p)
	}
	if err := r.walkChildren(rec); err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(rec.children))
	for _, c := range rec.children {
		entries = append(entries, Entry{Name: c.name, IsDir: c.isDir, Size: c.size, Extents: c.extents})
	}
	return entries, nil
}

// Extents implements FS.
func (r *Reader) Extents(p string) ([]Extent, error) {
	rec, err := r.resolve(p)
	if err != nil {
		return nil, err
	}
	if rec.isDir {
		return nil, fmt.Errorf("%w: %q", ErrNotFile, p)
	}
	return rec.extents, nil
}

// Open implements FS.
func (r *Reader) Open(p string) (io.ReadCloser, error) {
	rec, err := r.resolve(p)
	if err != nil {
		return nil, err
	}
	if rec.isDir {
		return nil, fmt.Errorf("%w: %q", ErrNotFile, p)
	}

	return &extentReader{ra: r.ra, extents: rec.extents, size: rec.size}, nil
}

// extentReader concatenates a file's extents into a single byte stream.
type extentReader struct {
	ra      io.ReaderAt
	extents []Extent
	size    int64

	extentIdx int
	pos       int64 // position within the current extent, in bytes
	read      int64 // total bytes returned so far, truncated at size
}

func (e *extentReader) Read(p []byte) (int, error) {
	if e.read >= e.size {
		return 0, io.EOF
	}

	for e.extentIdx < len(e.extents) {
		ext := e.extents[e.extentIdx]
		extBytes := ext.Count * SectorSize

		if e.pos >= extBytes {
			e.extentIdx++
			e.pos = 0
			continue
		}

		remaining := e.size - e.read
		n := int64(len(p))
		if n > extBytes-e.pos {
			n = extBytes - e.pos
		}
		if n > remaining {
			n = remaining
		}

		read, err := e.ra.ReadAt(p[:n], ext.Offset*SectorSize+e.pos)
		e.pos += int64(read)
		e.read += int64(read)
		if err != nil && err != io.EOF {
			return read, err
		}
		return read, nil
	}

	return 0, io.EOF
}

func (e *extentReader) Close() error { return nil }
