package ird

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
)

var magic = [4]byte{'3', 'I', 'R', 'D'}

// Write encodes ird per the §6.1 wire layout into a fresh body buffer,
// appends the body's little-endian CRC-32, and gzip-compresses the result to
// w. Compression is deterministic: zero mod time, maximum level.
func Write(w io.Writer, ird *IRD) error {
	if err := ird.validate(); err != nil {
		return err
	}

	body, err := encodeBody(ird)
	if err != nil {
		return err
	}

	sum := crc32.ChecksumIEEE(body)
	var sumBytes [4]byte
	binary.LittleEndian.PutUint32(sumBytes[:], sum)
	body = append(body, sumBytes[:]...)

	gw, err := gzip.NewWriterLevel(w, gzip.BestCompression)
	if err != nil {
		return fmt.Errorf("ird: creating gzip writer: %w", err)
	}
	gw.ModTime = time.Time{}

	if _, err := gw.Write(body); err != nil {
		return fmt.Errorf("ird: writing compressed body: %w", err)
	}
	return gw.Close()
}

func encodeBody(ird *IRD) ([]byte, error) {
	var buf bytes.Buffer

	buf.Write(magic[:])
	buf.WriteByte(byte(ird.Version))
	buf.WriteString(padTrunc(ird.Metadata.TitleID, titleIDSize))

	if err := writePrefixedString(&buf, ird.Metadata.Title); err != nil {
		return nil, err
	}

	buf.WriteString(padTrunc(ird.Metadata.SystemVersion, sysVerSize))
	buf.WriteString(padTrunc(ird.Metadata.DiscVersion, discVerSize))
	buf.WriteString(padTrunc(ird.Metadata.AppVersion, appVerSize))

	if ird.Version == Version7 {
		writeUint32(&buf, ird.UID)
	}

	writeUint32(&buf, uint32(len(ird.Header)))
	buf.Write(ird.Header)
	writeUint32(&buf, uint32(len(ird.Footer)))
	buf.Write(ird.Footer)

	if len(ird.Regions) > 255 {
		return nil, fmt.Errorf("%w: %d regions exceeds 255", ErrInvalidArgument, len(ird.Regions))
	}
	buf.WriteByte(byte(len(ird.Regions)))
	for _, r := range ird.Regions {
		buf.Write(r.Hash[:])
	}

	writeUint32(&buf, uint32(len(ird.Files)))
	for _, f := range ird.Files {
		writeInt64(&buf, f.FileKey)
		buf.Write(f.Hash[:])
	}

	writeUint16(&buf, ird.ExtraConfig)
	writeUint16(&buf, ird.Attachments)

	if ird.Version >= Version9 {
		buf.Write(ird.PIC[:])
	}

	buf.Write(ird.Data1Key[:])
	buf.Write(ird.Data2Key[:])

	if ird.Version < Version9 {
		buf.Write(ird.PIC[:])
	}

	if ird.Version > Version7 {
		writeUint32(&buf, ird.UID)
	}

	return buf.Bytes(), nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

// Read decodes an IRD container from r: gunzip, verify magic, dispatch on
// version, and check the trailing CRC-32 against the preceding bytes.
func Read(r io.Reader) (*IRD, error) {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("ird: opening gzip stream: %w", err)
	}
	defer gr.Close()

	body, err := io.ReadAll(gr)
	if err != nil {
		return nil, fmt.Errorf("ird: reading gzip stream: %w", err)
	}

	if len(body) < 4 {
		return nil, fmt.Errorf("%w: body too short for trailing CRC", ErrInvalidISO)
	}

	payload, wantCRCBytes := body[:len(body)-4], body[len(body)-4:]
	wantCRC := binary.LittleEndian.Uint32(wantCRCBytes)
	gotCRC := crc32.ChecksumIEEE(payload)
	if gotCRC != wantCRC {
		return nil, fmt.Errorf("%w: got %#x want %#x", ErrChecksumMismatch, gotCRC, wantCRC)
	}

	return decodeBody(bytes.NewReader(payload))
}

func decodeBody(r *bytes.Reader) (*IRD, error) {
	var gotMagic [4]byte
	if _, err := io.ReadFull(r, gotMagic[:]); err != nil {
		return nil, fmt.Errorf("ird: reading magic: %w", err)
	}
	if gotMagic != magic {
		return nil, fmt.Errorf("%w: got %q", ErrBadMagic, gotMagic)
	}

	versionByte, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("ird: reading version: %w", err)
	}
	version := Version(versionByte)
	if !version.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, versionByte)
	}

	out := &IRD{Version: version}

	out.Metadata.TitleID, err = readFixedTrimmed(r, titleIDSize)
	if err != nil {
		return nil, err
	}

	out.Metadata.Title, err = readPrefixedString(r)
	if err != nil {
		return nil, err
	}

	if out.Metadata.SystemVersion, err = readFixedTrimmed(r, sysVerSize); err != nil {
		return nil, err
	}
	if out.Metadata.DiscVersion, err = readFixedTrimmed(r, discVerSize); err != nil {
		return nil, err
	}
	if out.Metadata.AppVersion, err = readFixedTrimmed(r, appVerSize); err != nil {
		return nil, err
	}

	if version == Version7 {
		if out.UID, err = readUint32(r); err != nil {
			return nil, err
		}
	}

	out.Header, err = readLengthPrefixedBytes(r)
	if err != nil {
		return nil, fmt.Errorf("ird: reading header: %w", err)
	}
	out.Footer, err = readLengthPrefixedBytes(r)
	if err != nil {
		return nil, fmt.Errorf("ird: reading footer: %w", err)
	}

	regionCount, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("ird: reading region count: %w", err)
	}
	out.Regions = make([]Region, regionCount)
	for i := range out.Regions {
		if _, err := io.ReadFull(r, out.Regions[i].Hash[:]); err != nil {
			return nil, fmt.Errorf("ird: reading region %d hash: %w", i, err)
		}
	}

	fileCount, err := readUint32(r)
	if err != nil {
		return nil, fmt.Errorf("ird: reading file count: %w", err)
	}
	out.Files = make([]FileEntry, fileCount)
	for i := range out.Files {
		key, err := readInt64(r)
		if err != nil {
			return nil, fmt.Errorf("ird: reading file %d key: %w", i, err)
		}
		out.Files[i].FileKey = key
		if _, err := io.ReadFull(r, out.Files[i].Hash[:]); err != nil {
			return nil, fmt.Errorf("ird: reading file %d hash: %w", i, err)
		}
	}

	if out.ExtraConfig, err = readUint16(r); err != nil {
		return nil, err
	}
	if out.Attachments, err = readUint16(r); err != nil {
		return nil, err
	}

	if version >= Version9 {
		if _, err := io.ReadFull(r, out.PIC[:]); err != nil {
			return nil, fmt.Errorf("ird: reading PIC: %w", err)
		}
	}

	if _, err := io.ReadFull(r, out.Data1Key[:]); err != nil {
		return nil, fmt.Errorf("ird: reading data1 key: %w", err)
	}
	if _, err := io.ReadFull(r, out.Data2Key[:]); err != nil {
		return nil, fmt.Errorf("ird: reading data2 key: %w", err)
	}

	if version < Version9 {
		if _, err := io.ReadFull(r, out.PIC[:]); err != nil {
			return nil, fmt.Errorf("ird: reading PIC: %w", err)
		}
	}

	if version > Version7 {
		if out.UID, err = readUint32(r); err != nil {
			return nil, err
		}
	}

	return out, nil
}

func readFixedTrimmed(r io.Reader, n int) (string, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("ird: reading fixed field: %w", err)
	}
	return trimNUL(string(b)), nil
}

func readLengthPrefixedBytes(r io.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func readInt64(r io.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}
