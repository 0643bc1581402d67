// Package isofs is the ISO9660 filesystem collaborator the IRD engine reads
// ISO layout from: directory enumeration and path->sector-extent lookup.
// spec.md treats this as an external collaborator "assumed available"; this
// package provides a concrete reference implementation (grounded on the
// ECMA-119 layout this module's teacher already encodes in the opposite
// direction, see pkg/fs/iso9660.go in the upstream ps3netsrv project) behind
// a small interface so callers may substitute their own reader.
package isofs

import (
	"fmt"
	"io"
)

// SectorSize is the fixed ISO9660 logical block size used throughout PS3
// disc images.
const SectorSize int64 = 2048

// Extent is a contiguous run of sectors backing some or all of a file's data.
type Extent struct {
	Offset int64 // starting sector (LBA)
	Count  int64 // sector count
}

// End returns the sector one past the last sector of the extent.
func (e Extent) End() int64 { return e.Offset + e.Count }

// Entry describes one file or directory as seen by directory enumeration.
type Entry struct {
	Name    string
	IsDir   bool
	Size    int64 // byte length, directories report 0
	Extents []Extent
}

// FS is the filesystem collaborator the IRD engine depends on: directory
// enumeration plus path -> extent-list resolution. An ISO9660 image is opened
// once; ReadDir and Extents operate on paths relative to the volume root
// ("/" separated, no leading slash required).
type FS interface {
	// ReadDir lists the immediate children of a directory path ("" for root).
	ReadDir(path string) ([]Entry, error)

	// Open returns a stream over a single file's data, in path order,
	// concatenating all of its extents transparently. Used for metadata
	// reads (PARAM.SFO, PS3_DISC.SFB) where random access isn't needed.
	Open(path string) (io.ReadCloser, error)

	// Extents resolves a file path directly to its sector extents, in
	// declared (directory-walk) order, without reading its contents.
	Extents(path string) ([]Extent, error)
}

// ErrNotExist is returned when a path cannot be resolved to a directory entry.
var ErrNotExist = fmt.Errorf("isofs: no such file or directory")

// ErrNotDirectory is returned by ReadDir when the path names a file.
var ErrNotDirectory = fmt.Errorf("isofs: not a directory")

// ErrNotFile is returned by Open/Extents when the path names a directory.
var ErrNotFile = fmt.Errorf("isofs: not a file")
