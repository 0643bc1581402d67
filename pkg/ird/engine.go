package ird

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"log/slog"
	"path"
	"sort"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/xakep666/ird/internal/bufferpool"
	"github.com/xakep666/ird/internal/copier"
	"github.com/xakep666/ird/pkg/aescbc"
	"github.com/xakep666/ird/pkg/isofs"
	"github.com/xakep666/ird/pkg/sfo"
)

// headerFooterCopier pools the buffer used to stream header/footer regions
// into the gzip writer; header/footer capture happens twice per Generate call
// regardless of ISO size, so a shared pooled copier is worth it across
// repeated invocations (e.g. batch IRD generation from a CLI loop).
var headerFooterCopier = copier.NewPooledCopier(64 * 1024)

const (
	sfoPath        = "PS3_GAME/PARAM.SFO"
	sfbPath        = "PS3_DISC.SFB"
	updatePUPPath  = "PS3_UPDATE/PS3UPDAT.PUP"
	pupSystemMagic = "SCEUF"
	pupVersionOff  = 0x3E

	defaultBufferSectors = 1024 // 2 MiB at 2048 bytes/sector
)

// Status reports streaming-pass progress; StatusFunc is the external status
// callback spec.md §1 calls out as the only progress presentation the engine
// itself performs.
type Status struct {
	Stage        string
	SectorsDone  int64
	SectorsTotal int64

	// Note carries a non-fatal notice about the current pass: a dropped
	// short-read remnant or a non-contiguous file, logged at the same
	// moment via slog and otherwise silent (the pass still completes).
	Note string
}

// StatusFunc is called periodically while Generate runs; it may be nil.
type StatusFunc func(Status)

// EngineOptions configures one streaming pass over an ISO.
type EngineOptions struct {
	// FS enumerates the ISO's directory tree and resolves file paths to
	// sector extents.
	FS isofs.FS

	// Raw provides random access to the ISO's raw bytes, for header/footer
	// capture, region-table parsing, and the streaming pass.
	Raw io.ReaderAt

	// Size is the ISO's total byte length; must be a positive multiple of
	// 2048.
	Size int64

	// DiscKey is the disc's AES-128 decryption key, used to decrypt odd
	// (encrypted) regions during the streaming pass.
	DiscKey [keySize]byte

	// BufferSectors overrides the streaming read buffer size, in sectors;
	// defaults to 1024 (2 MiB).
	BufferSectors int

	// ClearRegions skips in-place AES decryption of odd regions, for ISOs
	// that are already fully decrypted (e.g. a "clear" 3k3y dump) where
	// hashing the raw bytes as-is is the correct behavior.
	ClearRegions bool

	Status StatusFunc
}

// Result is the engine's raw output: everything a disc scan can determine
// without reference to keys beyond DiscKey, PIC synthesis, or wire framing.
// Build (builder.go) turns this into a complete IRD.
type Result struct {
	FirstDataSector int64
	UpdateEnd       int64 // byte offset
	SystemVersion   string
	TitleID         string
	Title           string

	Regions []Region // Start/End/Hash all populated
	Files   []FileEntry

	Header []byte // gzip-compressed
	Footer []byte // gzip-compressed

	CRC32 uint32 // over the whole ISO, for reproducible UID assignment

	// Warnings collects non-fatal conditions spotted during the scan: a
	// dropped short-read remnant (wrapping ErrShortRead) or a
	// non-contiguous file. None of these abort Generate.
	Warnings []error
}

// openRegion is a region hash context still accepting bytes.
type openRegion struct {
	index int
	start int64 // sector
	end   int64 // sector, inclusive
	h     hash.Hash
}

// openFile is a file hash context still accepting bytes.
type openFile struct {
	index     int
	extents   []isofs.Extent
	h         hash.Hash
	extentIdx int // next extent expected to contribute bytes
}

type fileCandidate struct {
	fileKey int64
	path    string
	extents []isofs.Extent
}

// Generate runs the single-pass streaming engine described in spec.md §4.7:
// extent discovery followed by one forward scan that simultaneously computes
// the global CRC-32, every region MD5 (decrypting odd regions in place), and
// every file MD5 over post-decryption bytes.
func Generate(ctx context.Context, opts EngineOptions) (*Result, error) {
	if opts.Size <= 0 || opts.Size%sectorSize != 0 {
		return nil, fmt.Errorf("%w: size must be a positive multiple of %d", ErrInvalidArgument, sectorSize)
	}
	if opts.FS == nil || opts.Raw == nil {
		return nil, fmt.Errorf("%w: FS and Raw are required", ErrInvalidArgument)
	}

	bufSectors := opts.BufferSectors
	if bufSectors <= 0 {
		bufSectors = defaultBufferSectors
	}

	firstDataSector, err := firstSectorOf(opts.FS, sfbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: locating %s: %w", ErrInvalidISO, sfbPath, err)
	}

	files, fileWarnings, err := buildFileTable(opts.FS, "", opts.Status)
	if err != nil {
		return nil, err
	}

	updateEnd, err := computeUpdateEnd(opts.FS, files)
	if err != nil {
		return nil, err
	}

	systemVersion, err := readSystemVersion(opts.Raw, opts.FS)
	if err != nil {
		return nil, err
	}

	parsedRegions, err := parseRegionTable(opts.Raw, firstDataSector, updateEnd)
	if err != nil {
		return nil, err
	}

	titleID, title := readSFOIdentity(opts.FS)

	header, footer, err := captureHeaderFooter(opts.Raw, opts.Size, firstDataSector, updateEnd)
	if err != nil {
		return nil, err
	}

	crcSum, regionHashes, fileHashes, passWarnings, err := streamingPass(ctx, opts, parsedRegions, files, bufSectors)
	if err != nil {
		return nil, err
	}

	warnings := make([]error, 0, len(fileWarnings)+len(passWarnings))
	warnings = append(warnings, fileWarnings...)
	warnings = append(warnings, passWarnings...)

	regions := make([]Region, len(parsedRegions))
	for i, r := range parsedRegions {
		regions[i] = Region{Start: r.Start, End: r.End, Hash: regionHashes[i]}
	}

	entries := make([]FileEntry, len(files))
	for i, f := range files {
		entries[i] = FileEntry{FileKey: f.fileKey, Hash: fileHashes[i]}
	}

	return &Result{
		FirstDataSector: firstDataSector,
		UpdateEnd:       updateEnd,
		SystemVersion:   systemVersion,
		TitleID:         titleID,
		Title:           title,
		Regions:         regions,
		Files:           entries,
		Header:          header,
		Footer:          footer,
		CRC32:           crcSum,
		Warnings:        warnings,
	}, nil
}

func firstSectorOf(fs isofs.FS, p string) (int64, error) {
	extents, err := fs.Extents(p)
	if err != nil {
		return 0, err
	}
	if len(extents) == 0 {
		return 0, ErrExtentMissing
	}
	return extents[0].Offset, nil
}

func computeUpdateEnd(fsys isofs.FS, files []fileCandidate) (int64, error) {
	if extents, err := fsys.Extents(updatePUPPath); err == nil && len(extents) > 0 {
		last := extents[len(extents)-1]
		return last.End() * sectorSize, nil
	}

	if len(files) == 0 {
		return 0, fmt.Errorf("%w: no files found to derive UpdateEnd", ErrInvalidISO)
	}

	var maxEnd int64
	for _, f := range files {
		for _, ext := range f.extents {
			if end := ext.End() * sectorSize; end > maxEnd {
				maxEnd = end
			}
		}
	}
	return maxEnd, nil
}

func readSystemVersion(raw io.ReaderAt, fsys isofs.FS) (string, error) {
	extents, err := fsys.Extents(updatePUPPath)
	if err != nil || len(extents) == 0 {
		return "\x00\x00\x00\x00", nil
	}

	updateStart := extents[0].Offset * sectorSize

	magic := make([]byte, len(pupSystemMagic))
	if _, err := raw.ReadAt(magic, updateStart); err != nil {
		return "\x00\x00\x00\x00", nil
	}
	if string(magic) != pupSystemMagic {
		return "\x00\x00\x00\x00", nil
	}

	var offBuf [2]byte
	if _, err := raw.ReadAt(offBuf[:], updateStart+pupVersionOff); err != nil {
		return "\x00\x00\x00\x00", nil
	}
	versionOffset := int64(binary.BigEndian.Uint16(offBuf[:]))

	verBuf := make([]byte, 4)
	if _, err := raw.ReadAt(verBuf, updateStart+versionOffset); err != nil {
		return "\x00\x00\x00\x00", nil
	}
	return string(verBuf), nil
}

type parsedRegion struct {
	Start int64
	End   int64
}

// parseRegionTable decodes the region boundary table from ISO bytes 0.. per
// §4.7.1: a big-endian uint32 U at offset 0 gives RegionCount = 2U-1, followed
// by RegionCount big-endian uint32 sector boundaries at offset 8. Even
// (cleartext) regions read their inclusive [start,end] directly from two
// consecutive boundary entries; odd (encrypted) regions fill the gap between
// them.
func parseRegionTable(raw io.ReaderAt, firstDataSector, updateEnd int64) ([]parsedRegion, error) {
	var header [12]byte
	if _, err := raw.ReadAt(header[:], 0); err != nil {
		return nil, fmt.Errorf("%w: reading region header: %w", ErrInvalidISO, err)
	}

	u := binary.BigEndian.Uint32(header[0:4])
	if u == 0 {
		return nil, ErrNoRegions
	}
	regionCount := int(2*u - 1)
	if regionCount <= 0 || regionCount > 255 {
		return nil, fmt.Errorf("%w: region count %d out of range", ErrInvalidArgument, regionCount)
	}

	boundaryBytes := make([]byte, regionCount*4)
	if _, err := raw.ReadAt(boundaryBytes, 8); err != nil {
		return nil, fmt.Errorf("%w: reading region boundaries: %w", ErrInvalidISO, err)
	}

	boundaries := make([]int64, regionCount)
	for i := range boundaries {
		boundaries[i] = int64(binary.BigEndian.Uint32(boundaryBytes[i*4 : i*4+4]))
	}

	regions := make([]parsedRegion, regionCount)
	lastSector := updateEnd/sectorSize - 1

	for i := 0; i < regionCount; i++ {
		if i%2 == 0 {
			start := boundaries[i]
			if i == 0 {
				start = firstDataSector
			}

			end := lastSector
			if i+1 < regionCount {
				end = boundaries[i+1]
			}

			regions[i] = parsedRegion{Start: start, End: end}
		} else {
			regions[i] = parsedRegion{Start: regions[i-1].End + 1, End: boundaries[i+1] - 1}
		}
	}

	return regions, nil
}

func readSFOIdentity(fsys isofs.FS) (titleID, title string) {
	f, err := fsys.Open(sfoPath)
	if err != nil {
		return "", ""
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return "", ""
	}

	fields, err := sfo.Decode(bytes.NewReader(data))
	if err != nil {
		return "", ""
	}

	return fields["TITLE_ID"], fields["TITLE"]
}

func captureHeaderFooter(raw io.ReaderAt, size, firstDataSector, updateEnd int64) (header, footer []byte, err error) {
	header, err = gzipRegion(raw, 0, firstDataSector*sectorSize)
	if err != nil {
		return nil, nil, fmt.Errorf("ird: capturing header: %w", err)
	}

	footer, err = gzipRegion(raw, updateEnd, size)
	if err != nil {
		return nil, nil, fmt.Errorf("ird: capturing footer: %w", err)
	}

	return header, footer, nil
}

func gzipRegion(raw io.ReaderAt, start, end int64) ([]byte, error) {
	if end < start {
		return nil, fmt.Errorf("%w: region end %d before start %d", ErrInvalidArgument, end, start)
	}

	var buf bytes.Buffer
	gw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	gw.ModTime = time.Time{}

	section := io.NewSectionReader(raw, start, end-start)
	if _, err := headerFooterCopier.Copy(gw, section); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// buildFileTable walks the ISO tree depth-first in declared (directory-walk)
// order, per §9 Open Question (a), resolving each file to its extents and
// computing its FileKey (the minimum extent offset). Duplicate FileKeys keep
// only the first-encountered entry. The returned slice is sorted ascending by
// FileKey, per §4.7.1's ordering contract.
func buildFileTable(fsys isofs.FS, dir string, status StatusFunc) ([]fileCandidate, []error, error) {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: reading directory %q: %w", ErrInvalidISO, dir, err)
	}

	var candidates []fileCandidate
	var warnings []error

	for _, e := range entries {
		p := path.Join(dir, e.Name)

		if e.IsDir {
			children, childWarnings, err := buildFileTable(fsys, p, status)
			if err != nil {
				return nil, nil, err
			}
			candidates = append(candidates, children...)
			warnings = append(warnings, childWarnings...)
			continue
		}

		extents, err := fsys.Extents(p)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: resolving extents for %q: %w", ErrInvalidISO, p, err)
		}
		if len(extents) == 0 {
			return nil, nil, fmt.Errorf("%w: %q", ErrExtentMissing, p)
		}

		key := extents[0].Offset
		for _, ext := range extents[1:] {
			if ext.Offset < key {
				key = ext.Offset
			}
		}

		if hasExtentGap(extents) {
			note := fmt.Errorf("file %q is non-contiguous across its extents", p)
			warnings = append(warnings, note)
			slog.Warn("non-contiguous file, hashing anyway", "path", p)
			if status != nil {
				status(Status{Stage: "scan", Note: note.Error()})
			}
		}

		candidates = append(candidates, fileCandidate{fileKey: key, path: p, extents: extents})
	}

	if dir != "" {
		return candidates, warnings, nil
	}

	seen := make(map[int64]bool, len(candidates))
	deduped := candidates[:0]
	for _, c := range candidates {
		if seen[c.fileKey] {
			continue
		}
		seen[c.fileKey] = true
		deduped = append(deduped, c)
	}

	sort.Slice(deduped, func(i, j int) bool { return deduped[i].fileKey < deduped[j].fileKey })
	return deduped, warnings, nil
}

// hasExtentGap reports whether a file's extents, sorted by sector offset,
// leave a gap between one extent's end and the next one's start.
func hasExtentGap(extents []isofs.Extent) bool {
	if len(extents) < 2 {
		return false
	}

	sorted := make([]isofs.Extent, len(extents))
	copy(sorted, extents)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	for i := 1; i < len(sorted); i++ {
		if sorted[i].Offset != sorted[i-1].End() {
			return true
		}
	}
	return false
}

// streamingPass performs the single forward scan of §4.7.2: updates the
// global CRC-32, every open region MD5 (decrypting odd regions in place), and
// every open file MD5 over post-decryption bytes.
func streamingPass(ctx context.Context, opts EngineOptions, regions []parsedRegion, files []fileCandidate, bufSectors int) (crcSum uint32, regionHashes [][16]byte, fileHashes [][16]byte, warnings []error, err error) {
	crc := crc32.NewIEEE()

	openRegions := make([]*openRegion, len(regions))
	for i, r := range regions {
		openRegions[i] = &openRegion{index: i, start: r.Start, end: r.End, h: md5.New()}
	}

	openFiles := make([]*openFile, len(files))
	for i, f := range files {
		openFiles[i] = &openFile{index: i, extents: f.extents, h: md5.New()}
	}

	regionHashes = make([][16]byte, len(regions))
	fileHashes = make([][16]byte, len(files))

	decrypter, err := aescbc.NewSectorDecrypter(opts.DiscKey[:])
	if err != nil {
		return 0, nil, nil, nil, fmt.Errorf("ird: initializing sector decrypter: %w", err)
	}

	bufPool := bufferpool.NewBufferPool(bufSectors * sectorSize)
	buf := bufPool.Get()
	defer bufPool.Put(buf)

	var curSector int64
	var offset int64
	totalSectors := opts.Size / sectorSize

	for curSector < totalSectors {
		if err := ctx.Err(); err != nil {
			return 0, nil, nil, nil, err
		}

		want := int64(len(buf))
		if remaining := opts.Size - offset; remaining < want {
			want = remaining
		}

		n, readErr := opts.Raw.ReadAt(buf[:want], offset)
		if readErr != nil && readErr != io.EOF {
			return 0, nil, nil, nil, fmt.Errorf("%w: %w", ErrInvalidISO, readErr)
		}

		sectorAligned := int64(n) - int64(n)%sectorSize
		chunk := buf[:sectorAligned]
		bufSectorCount := sectorAligned / sectorSize

		if remnant := int64(n) - sectorAligned; remnant != 0 {
			warnErr := fmt.Errorf("%w: dropped %d trailing byte(s) at offset %d", ErrShortRead, remnant, offset+sectorAligned)
			warnings = append(warnings, warnErr)
			slog.Warn("short read: dropping trailing sub-sector remnant",
				"offset", offset+sectorAligned, "dropped_bytes", remnant)
			if opts.Status != nil {
				opts.Status(Status{
					Stage:        "streaming",
					SectorsDone:  curSector,
					SectorsTotal: totalSectors,
					Note:         warnErr.Error(),
				})
			}
		}

		crc.Write(chunk)

		for _, rg := range openRegions {
			if rg.h == nil || rg.end < curSector || rg.start >= curSector+bufSectorCount {
				continue
			}

			loStart := maxI64(rg.start, curSector)
			hiEnd := minI64(rg.end+1, curSector+bufSectorCount)
			if loStart >= hiEnd {
				continue
			}

			sliceStart := (loStart - curSector) * sectorSize
			sliceEnd := (hiEnd - curSector) * sectorSize
			rg.h.Write(chunk[sliceStart:sliceEnd])

			if rg.index%2 == 1 && !opts.ClearRegions {
				for s := loStart; s < hiEnd; s++ {
					off := (s - curSector) * sectorSize
					decrypter.DecryptSector(s, chunk[off:off+sectorSize])
				}
			}

			if rg.end < curSector+bufSectorCount {
				var sum [16]byte
				copy(sum[:], rg.h.Sum(nil))
				regionHashes[rg.index] = sum
				rg.h = nil
			}
		}

		for _, fl := range openFiles {
			if fl.h == nil {
				continue
			}

			for fl.extentIdx < len(fl.extents) {
				ext := fl.extents[fl.extentIdx]
				if ext.Offset >= curSector+bufSectorCount {
					break
				}

				loStart := maxI64(ext.Offset, curSector)
				hiEnd := minI64(ext.End(), curSector+bufSectorCount)
				if loStart >= hiEnd {
					break
				}

				sliceStart := (loStart - curSector) * sectorSize
				sliceEnd := (hiEnd - curSector) * sectorSize
				fl.h.Write(chunk[sliceStart:sliceEnd])

				if hiEnd < ext.End() {
					break // extent not fully consumed by this buffer yet
				}
				fl.extentIdx++
			}

			if fl.extentIdx >= len(fl.extents) {
				var sum [16]byte
				copy(sum[:], fl.h.Sum(nil))
				fileHashes[fl.index] = sum
				fl.h = nil
			}
		}

		curSector += bufSectorCount
		offset += sectorAligned

		if opts.Status != nil {
			opts.Status(Status{Stage: "streaming", SectorsDone: curSector, SectorsTotal: totalSectors})
		}

		if readErr == io.EOF || n == 0 {
			break
		}
	}

	for _, rg := range openRegions {
		if rg.h != nil {
			var sum [16]byte
			copy(sum[:], rg.h.Sum(nil))
			regionHashes[rg.index] = sum
		}
	}
	for _, fl := range openFiles {
		if fl.h != nil {
			var sum [16]byte
			copy(sum[:], fl.h.Sum(nil))
			fileHashes[fl.index] = sum
		}
	}

	return crc.Sum32(), regionHashes, fileHashes, warnings, nil
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minI64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
