package ird

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/binary"
	"hash/crc32"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xakep666/ird/pkg/aescbc"
	"github.com/xakep666/ird/pkg/isofs"
)

// fakeFS is a hand-built isofs.FS for engine tests, sidestepping the ISO9660
// binary format entirely so these tests exercise extent-discovery and
// streaming logic, not isofs itself (that package has its own tests).
type fakeFS struct {
	dirs    map[string][]isofs.Entry
	extents map[string][]isofs.Extent
	raw     []byte
}

func (f *fakeFS) ReadDir(path string) ([]isofs.Entry, error) {
	e, ok := f.dirs[path]
	if !ok {
		return nil, isofs.ErrNotExist
	}
	return e, nil
}

func (f *fakeFS) Extents(path string) ([]isofs.Extent, error) {
	e, ok := f.extents[path]
	if !ok {
		return nil, isofs.ErrNotExist
	}
	return e, nil
}

func (f *fakeFS) Open(path string) (io.ReadCloser, error) {
	extents, ok := f.extents[path]
	if !ok {
		return nil, isofs.ErrNotExist
	}
	ext := extents[0]
	start := ext.Offset * isofs.SectorSize
	end := ext.End() * isofs.SectorSize
	return io.NopCloser(bytes.NewReader(f.raw[start:end])), nil
}

// buildTestISO assembles a 20-sector synthetic ISO: a single-region header
// (RegionCount=1), PS3_DISC.SFB at sector 2, PS3_GAME/PARAM.SFO at sector 3,
// and a 3-sector DATA.BIN at sectors 4-6. No PS3_UPDATE/PS3UPDAT.PUP, so
// UpdateEnd falls back to the highest file extent end.
func buildTestISO(t *testing.T) (*fakeFS, []byte) {
	t.Helper()

	const sector = int(isofs.SectorSize)
	raw := make([]byte, 20*sector)

	// region header: U=1 -> RegionCount = 2*1-1 = 1.
	binary.BigEndian.PutUint32(raw[0:4], 1)
	binary.BigEndian.PutUint32(raw[8:12], 6) // boundary value unused (single region, end clamped)

	dataContent := []byte("the quick brown fox jumps over the lazy dog, three sectors of it padded with zero bytes to fill the rest")
	copy(raw[4*sector:], dataContent)

	fs := &fakeFS{
		dirs: map[string][]isofs.Entry{
			"": {
				{Name: "PS3_DISC.SFB", Size: int64(sector)},
				{Name: "PS3_GAME", IsDir: true},
				{Name: "DATA.BIN", Size: int64(3 * sector)},
			},
			"PS3_GAME": {
				{Name: "PARAM.SFO", Size: int64(sector)},
			},
		},
		extents: map[string][]isofs.Extent{
			"PS3_DISC.SFB":       {{Offset: 2, Count: 1}},
			"PS3_GAME/PARAM.SFO": {{Offset: 3, Count: 1}},
			"DATA.BIN":           {{Offset: 4, Count: 3}},
		},
		raw: raw,
	}

	return fs, raw
}

func TestGenerateSingleRegion(t *testing.T) {
	fs, raw := buildTestISO(t)

	result, err := Generate(context.Background(), EngineOptions{
		FS:   fs,
		Raw:  bytes.NewReader(raw),
		Size: int64(len(raw)),
	})
	require.NoError(t, err)

	assert.EqualValues(t, 2, result.FirstDataSector)
	assert.EqualValues(t, 7*isofs.SectorSize, result.UpdateEnd) // DATA.BIN ends at sector 7 (exclusive)
	assert.Equal(t, "\x00\x00\x00\x00", result.SystemVersion)

	require.Len(t, result.Regions, 1)
	assert.EqualValues(t, 2, result.Regions[0].Start)
	assert.EqualValues(t, 6, result.Regions[0].End)

	// buildFileTable walks every file in the tree, including PS3_DISC.SFB and
	// PARAM.SFO themselves (keys 2 and 3), not just DATA.BIN (key 4).
	require.Len(t, result.Files, 3)
	assert.EqualValues(t, 2, result.Files[0].FileKey)
	assert.EqualValues(t, 3, result.Files[1].FileKey)
	assert.EqualValues(t, 4, result.Files[2].FileKey)
	assert.NotEqual(t, [16]byte{}, result.Files[2].Hash)
	assert.NotEqual(t, [16]byte{}, result.Regions[0].Hash)
	assert.NotZero(t, result.CRC32)
}

// sectorIV reproduces aescbc's per-sector IV convention (big-endian sector
// number in the low 4 bytes, zero elsewhere) from outside the package, since
// it's unexported there.
func sectorIV(sector int64) []byte {
	iv := make([]byte, aescbc.BlockSize)
	iv[len(iv)-4] = byte(sector >> 24)
	iv[len(iv)-3] = byte(sector >> 16)
	iv[len(iv)-2] = byte(sector >> 8)
	iv[len(iv)-1] = byte(sector)
	return iv
}

// TestGenerateEncryptedRegion exercises the three-region, interleaved
// decrypt+hash pipeline: a cleartext header region, an AES-CBC encrypted
// region holding DATA.BIN, and a trailing cleartext region holding
// CLEAR.BIN. It asserts the region hash is taken pre-decrypt (over
// ciphertext) while the file hash inside that same region is taken
// post-decrypt (over plaintext), proving the in-place decrypt actually runs
// between the two.
func TestGenerateEncryptedRegion(t *testing.T) {
	const sector = int(isofs.SectorSize)
	const totalSectors = 10
	raw := make([]byte, totalSectors*sector)

	// U=2 -> RegionCount = 3: region 0 (cleartext, sectors 2-3), region 1
	// (encrypted, sectors 4-6), region 2 (cleartext, sectors 7-9).
	binary.BigEndian.PutUint32(raw[0:4], 2)
	binary.BigEndian.PutUint32(raw[8:12], 0)  // boundaries[0]: unused, region 0 starts at firstDataSector
	binary.BigEndian.PutUint32(raw[12:16], 3) // boundaries[1]: region 0 ends at sector 3
	binary.BigEndian.PutUint32(raw[16:20], 7) // boundaries[2]: region 2 starts at sector 7

	discKey := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

	copy(raw[2*sector:], bytes.Repeat([]byte{0xAA}, sector)) // PS3_DISC.SFB
	copy(raw[3*sector:], bytes.Repeat([]byte{0xBB}, sector)) // PARAM.SFO

	plainData := bytes.Repeat([]byte("secretpayload!!!"), 3*sector/16)
	require.Len(t, plainData, 3*sector)
	plainFileHash := md5.Sum(plainData)

	cipherData := make([]byte, len(plainData))
	for i := 0; i < 3; i++ {
		sectorNum := int64(4 + i)
		src := plainData[i*sector : (i+1)*sector]
		dst := cipherData[i*sector : (i+1)*sector]
		require.NoError(t, aescbc.EncryptBlocks(discKey[:], sectorIV(sectorNum), dst, src))
	}
	copy(raw[4*sector:], cipherData)
	cipherFileHash := md5.Sum(cipherData)
	regionPreDecryptHash := md5.Sum(raw[4*sector : 7*sector]) // region 1 spans sectors 4-6 inclusive

	clearData := bytes.Repeat([]byte("plaintextbytes12"), 3*sector/16)
	clearFileHash := md5.Sum(clearData)
	copy(raw[7*sector:], clearData)

	fs := &fakeFS{
		dirs: map[string][]isofs.Entry{
			"": {
				{Name: "PS3_DISC.SFB", Size: int64(sector)},
				{Name: "PS3_GAME", IsDir: true},
				{Name: "DATA.BIN", Size: int64(3 * sector)},
				{Name: "CLEAR.BIN", Size: int64(3 * sector)},
			},
			"PS3_GAME": {
				{Name: "PARAM.SFO", Size: int64(sector)},
			},
		},
		extents: map[string][]isofs.Extent{
			"PS3_DISC.SFB":       {{Offset: 2, Count: 1}},
			"PS3_GAME/PARAM.SFO": {{Offset: 3, Count: 1}},
			"DATA.BIN":           {{Offset: 4, Count: 3}},
			"CLEAR.BIN":          {{Offset: 7, Count: 3}},
		},
		raw: raw,
	}

	result, err := Generate(context.Background(), EngineOptions{
		FS:      fs,
		Raw:     bytes.NewReader(raw),
		Size:    int64(len(raw)),
		DiscKey: discKey,
	})
	require.NoError(t, err)

	require.Len(t, result.Regions, 3)
	assert.False(t, result.Regions[0].Encrypted(0))
	assert.True(t, result.Regions[1].Encrypted(1))
	assert.False(t, result.Regions[2].Encrypted(2))

	assert.EqualValues(t, 4, result.Regions[1].Start)
	assert.EqualValues(t, 6, result.Regions[1].End)
	assert.Equal(t, regionPreDecryptHash, result.Regions[1].Hash)

	// Files: PS3_DISC.SFB (key 2), PARAM.SFO (key 3), DATA.BIN (key 4),
	// CLEAR.BIN (key 7).
	require.Len(t, result.Files, 4)
	var dataEntry, clearEntry *FileEntry
	for i := range result.Files {
		switch result.Files[i].FileKey {
		case 4:
			dataEntry = &result.Files[i]
		case 7:
			clearEntry = &result.Files[i]
		}
	}
	require.NotNil(t, dataEntry)
	require.NotNil(t, clearEntry)

	// The file hash is computed from the same bytes as the region hash, but
	// later in the same pass -- after in-place decryption has run. It must
	// match the plaintext, not the ciphertext, proving the decrypt happened.
	assert.Equal(t, plainFileHash, dataEntry.Hash)
	assert.NotEqual(t, cipherFileHash, dataEntry.Hash)
	assert.Equal(t, clearFileHash, clearEntry.Hash)
}

// truncatingReaderAt wraps a byte slice but reports io.EOF once reads cross
// cut, simulating an ISO source that ends mid-sector.
type truncatingReaderAt struct {
	data []byte
	cut  int64
}

func (r *truncatingReaderAt) ReadAt(p []byte, off int64) (int, error) {
	avail := r.cut - off
	if avail <= 0 {
		return 0, io.EOF
	}
	n := int64(len(p))
	if n > avail {
		n = avail
	}
	copy(p[:n], r.data[off:off+n])
	if n < int64(len(p)) {
		return int(n), io.EOF
	}
	return int(n), nil
}

// TestGenerateShortReadWarns exercises spec's "a trailing sub-sector remnant
// is logged and dropped" behavior: a source that ends 100 bytes into a
// sector must not fail the pass, but must surface ErrShortRead through both
// Result.Warnings and the Status callback's Note.
func TestGenerateShortReadWarns(t *testing.T) {
	fs, raw := buildTestISO(t)

	const sector = int64(isofs.SectorSize)
	cut := 5*sector + 100 // non-sector-aligned, past the header but before the footer

	var notes []string
	result, err := Generate(context.Background(), EngineOptions{
		FS:   fs,
		Raw:  &truncatingReaderAt{data: raw, cut: cut},
		Size: int64(len(raw)),
		Status: func(s Status) {
			if s.Note != "" {
				notes = append(notes, s.Note)
			}
		},
	})
	require.NoError(t, err)

	require.NotEmpty(t, result.Warnings)
	assert.ErrorIs(t, result.Warnings[len(result.Warnings)-1], ErrShortRead)
	require.NotEmpty(t, notes)
}

// TestBuildFileTableDetectsNonContiguousFile exercises spec's "if a file
// appears non-contiguous, emit a status note but still hash it": a file
// split across two extents with a sector gap between them must still be
// hashed, while a note reaches both Result.Warnings and Status.
func TestBuildFileTableDetectsNonContiguousFile(t *testing.T) {
	const sector = int(isofs.SectorSize)
	raw := make([]byte, 8*sector)
	binary.BigEndian.PutUint32(raw[0:4], 1)
	binary.BigEndian.PutUint32(raw[8:12], 7)

	fs := &fakeFS{
		dirs: map[string][]isofs.Entry{
			"": {
				{Name: "PS3_DISC.SFB", Size: int64(sector)},
				{Name: "SPLIT.BIN", Size: int64(2 * sector)},
			},
		},
		extents: map[string][]isofs.Extent{
			"PS3_DISC.SFB": {{Offset: 2, Count: 1}},
			"SPLIT.BIN":    {{Offset: 4, Count: 1}, {Offset: 6, Count: 1}}, // gap at sector 5
		},
		raw: raw,
	}

	var notes []string
	result, err := Generate(context.Background(), EngineOptions{
		FS:   fs,
		Raw:  bytes.NewReader(raw),
		Size: int64(len(raw)),
		Status: func(s Status) {
			if s.Note != "" {
				notes = append(notes, s.Note)
			}
		},
	})
	require.NoError(t, err)

	require.NotEmpty(t, notes)
	assert.Contains(t, notes[0], "SPLIT.BIN")
	assert.Contains(t, notes[0], "non-contiguous")

	require.NotEmpty(t, result.Warnings)
	var found bool
	for _, w := range result.Warnings {
		if w.Error() == notes[0] {
			found = true
		}
	}
	assert.True(t, found)

	require.Len(t, result.Files, 2)
	for _, f := range result.Files {
		assert.NotEqual(t, [16]byte{}, f.Hash) // still hashed despite the gap
	}
}

func TestGenerateRejectsBadSize(t *testing.T) {
	fs, raw := buildTestISO(t)
	_, err := Generate(context.Background(), EngineOptions{FS: fs, Raw: bytes.NewReader(raw), Size: 100})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestGenerateRequiresFSAndRaw(t *testing.T) {
	_, err := Generate(context.Background(), EngineOptions{Size: 2048})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestBuildReproducible(t *testing.T) {
	fs, raw := buildTestISO(t)

	res, err := Build(context.Background(), BuildOptions{
		FS:           fs,
		Raw:          bytes.NewReader(raw),
		Size:         int64(len(raw)),
		Keys:         FromDiscKey([16]byte{1, 2, 3, 4}),
		Reproducible: true,
	})
	require.NoError(t, err)

	assert.True(t, res.IRD.Reproducible())
	assert.Equal(t, crc32.ChecksumIEEE(raw), res.IRD.UID)
	assert.NotEqual(t, [16]byte{}, res.IRD.Data1Key)
	assert.NotEqual(t, [16]byte{}, res.IRD.Data2Key)
	assert.NotEqual(t, [picSize]byte{}, res.IRD.PIC)
}
