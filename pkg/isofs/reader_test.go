package isofs_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xakep666/ird/pkg/isofs"
)

// buildMiniISO assembles the smallest image isofs.Reader can parse: 16
// reserved sectors, one primary volume descriptor, a terminator, a root
// directory sector containing "." ".." and one regular file entry, and the
// file's own data sector.
func buildMiniISO(t *testing.T, fileName string, fileContent []byte) []byte {
	t.Helper()

	const sector = int(isofs.SectorSize)

	rootExtentLBA := 17
	fileExtentLBA := 18

	rootData := make([]byte, sector)
	off := 0
	off += putDirRecord(rootData[off:], "\x00", rootExtentLBA, sector, true, false)
	off += putDirRecord(rootData[off:], "\x01", rootExtentLBA, sector, true, false)
	putDirRecord(rootData[off:], fileName, fileExtentLBA, len(fileContent), false, false)

	fileData := make([]byte, sector)
	copy(fileData, fileContent)

	pvd := make([]byte, sector)
	pvd[0] = 1 // primary
	copy(pvd[1:6], "CD001")
	pvd[6] = 1
	putDirRecord(pvd[156:190], "", rootExtentLBA, sector, true, false)

	term := make([]byte, sector)
	term[0] = 255
	copy(term[1:6], "CD001")
	term[6] = 1

	buf := make([]byte, 16*sector)
	buf = append(buf, pvd...)
	buf = append(buf, term...)
	buf = append(buf, rootData...)
	buf = append(buf, fileData...)

	return buf
}

// putDirRecord writes a minimal ECMA-119 9.1 directory record and returns its
// length. name == "\x00"/"\x01" special-cases self/parent per convention.
func putDirRecord(dst []byte, name string, lba, length int, isDir, multiExtent bool) int {
	idLen := len(name)
	total := 33 + idLen
	if idLen%2 == 0 {
		total++
	}

	dst[0] = byte(total)
	putLSBMSB32(dst[2:10], uint32(lba))
	putLSBMSB32(dst[10:18], uint32(length))

	var flags byte
	if isDir {
		flags |= 1 << 1
	}
	if multiExtent {
		flags |= 1 << 7
	}
	dst[25] = flags
	dst[32] = byte(idLen)
	copy(dst[33:33+idLen], name)

	return total
}

func putLSBMSB32(dst []byte, v uint32) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
	dst[3] = byte(v >> 24)
	dst[4] = byte(v >> 24)
	dst[5] = byte(v >> 16)
	dst[6] = byte(v >> 8)
	dst[7] = byte(v)
}

type readerAt struct{ b []byte }

func (r readerAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(r.b)) {
		return 0, io.EOF
	}
	n := copy(p, r.b[off:])
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

func TestReaderReadDirAndOpen(t *testing.T) {
	content := []byte("hello ps3 disc")
	img := buildMiniISO(t, "HELLO.TXT", content)

	r, err := isofs.NewReader(readerAt{img})
	require.NoError(t, err)

	entries, err := r.ReadDir("")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "HELLO.TXT", entries[0].Name)
	assert.False(t, entries[0].IsDir)
	assert.EqualValues(t, len(content), entries[0].Size)

	f, err := r.Open("HELLO.TXT")
	require.NoError(t, err)
	defer f.Close()

	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestReaderExtentsNotFound(t *testing.T) {
	img := buildMiniISO(t, "HELLO.TXT", []byte("x"))
	r, err := isofs.NewReader(readerAt{img})
	require.NoError(t, err)

	_, err = r.Extents("NOPE.TXT")
	assert.ErrorIs(t, err, isofs.ErrNotExist)
}

func TestReaderReadDirOnFileFails(t *testing.T) {
	img := buildMiniISO(t, "HELLO.TXT", []byte("x"))
	r, err := isofs.NewReader(readerAt{img})
	require.NoError(t, err)

	_, err = r.ReadDir("HELLO.TXT")
	assert.ErrorIs(t, err, isofs.ErrNotDirectory)
}

func TestReaderOpenOnDirectoryFails(t *testing.T) {
	img := buildMiniISO(t, "HELLO.TXT", []byte("x"))
	r, err := isofs.NewReader(readerAt{img})
	require.NoError(t, err)

	_, err = r.Open("")
	assert.ErrorIs(t, err, isofs.ErrNotFile)
}

func TestBuildMiniISONoJolietEscape(t *testing.T) {
	// sanity check our fixture builder doesn't accidentally emit a
	// supplementary volume descriptor that would switch the reader into
	// joliet mode.
	img := buildMiniISO(t, "HELLO.TXT", []byte("x"))
	assert.False(t, bytes.Contains(img[16*int(isofs.SectorSize):], []byte("%/E")))
}
