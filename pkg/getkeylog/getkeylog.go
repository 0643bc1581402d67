// Package getkeylog parses the textual log produced by PS3 GetKey-style
// dumping tools, extracting the disc key, disc ID and PIC needed to generate
// an IRD without a physical redrive.
package getkeylog

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrMalformedLog is returned for any structural problem with the log.
var ErrMalformedLog = errors.New("getkeylog: malformed log")

const (
	succeededPrefix = "get_dec_key succeeded!"
	discKeyPrefix   = "disc_key = "
	discIDPrefix    = "disc_id = "
	picHeaderLine   = "PIC:"
	picLines        = 8
	picHexChars     = 256
	picDecodedBytes = 115
	picDecodedHex   = picDecodedBytes * 2
)

// Result holds the fields recovered from a GetKey log.
type Result struct {
	DiscKey []byte
	DiscID  []byte
	PIC     []byte

	// TrailingSerialNotMasked is set when the disc_id's last 8 hex chars were
	// not the literal "XXXXXXXX" placeholder before normalization -- the log
	// carried an actual disc-specific serial that this parser still
	// normalizes away. Non-fatal; surfaced so callers can decide whether to
	// warn.
	TrailingSerialNotMasked bool
}

// Parse scans r for the "get_dec_key succeeded!" line, the disc_key and
// disc_id lines, the 8-line PIC block following "PIC:", and a terminating
// SUCCESS line. Returns ErrMalformedLog if the log doesn't follow that shape
// or a WARNING line appears before SUCCESS.
func Parse(r io.Reader) (*Result, error) {
	sc := bufio.NewScanner(r)

	var ret Result
	var sawSuccessPrefix, sawDiscKey, sawDiscID, sawPIC, terminated bool

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())

		switch {
		case strings.HasPrefix(line, succeededPrefix):
			sawSuccessPrefix = true
		case strings.HasPrefix(line, discKeyPrefix):
			hexStr := strings.TrimSpace(strings.TrimPrefix(line, discKeyPrefix))
			key, err := decodeHex16(hexStr)
			if err != nil {
				return nil, fmt.Errorf("%w: disc_key: %w", ErrMalformedLog, err)
			}
			ret.DiscKey = key
			sawDiscKey = true
		case strings.HasPrefix(line, discIDPrefix):
			hexStr := strings.TrimSpace(strings.TrimPrefix(line, discIDPrefix))
			id, notMasked, err := decodeDiscID(hexStr)
			if err != nil {
				return nil, fmt.Errorf("%w: disc_id: %w", ErrMalformedLog, err)
			}
			ret.DiscID = id
			ret.TrailingSerialNotMasked = notMasked
			sawDiscID = true
		case line == picHeaderLine:
			pic, err := readPIC(sc)
			if err != nil {
				return nil, fmt.Errorf("%w: pic: %w", ErrMalformedLog, err)
			}
			ret.PIC = pic
			sawPIC = true
		case strings.HasPrefix(line, "WARNING") && !terminated:
			return nil, fmt.Errorf("%w: warning before success: %q", ErrMalformedLog, line)
		case strings.HasPrefix(line, "SUCCESS"):
			terminated = true
		}
	}

	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("getkeylog: scan failed: %w", err)
	}

	switch {
	case !sawSuccessPrefix:
		return nil, fmt.Errorf("%w: missing %q line", ErrMalformedLog, succeededPrefix)
	case !sawDiscKey:
		return nil, fmt.Errorf("%w: missing disc_key", ErrMalformedLog)
	case !sawDiscID:
		return nil, fmt.Errorf("%w: missing disc_id", ErrMalformedLog)
	case !sawPIC:
		return nil, fmt.Errorf("%w: missing PIC block", ErrMalformedLog)
	case !terminated:
		return nil, fmt.Errorf("%w: missing SUCCESS line", ErrMalformedLog)
	}

	return &ret, nil
}

func decodeHex16(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("hex decode failed: %w", err)
	}
	if len(b) != 16 {
		return nil, fmt.Errorf("expected 16 bytes, got %d", len(b))
	}
	return b, nil
}

// decodeDiscID normalizes the last 8 hex chars of the disc ID (a
// disc-specific serial the dumping tool masks) to "00000001" before decoding.
func decodeDiscID(s string) (id []byte, trailingNotMasked bool, err error) {
	if len(s) != 32 {
		return nil, false, fmt.Errorf("expected 32 hex chars, got %d", len(s))
	}

	trailing := s[24:]
	trailingNotMasked = !strings.EqualFold(trailing, "XXXXXXXX")

	normalized := s[:24] + "00000001"

	b, err := hex.DecodeString(normalized)
	if err != nil {
		return nil, false, fmt.Errorf("hex decode failed: %w", err)
	}
	if len(b) != 16 {
		return nil, false, fmt.Errorf("expected 16 bytes, got %d", len(b))
	}

	return b, trailingNotMasked, nil
}

func readPIC(sc *bufio.Scanner) ([]byte, error) {
	var sb strings.Builder

	for i := 0; i < picLines; i++ {
		if !sc.Scan() {
			return nil, fmt.Errorf("expected %d PIC lines, got %d", picLines, i)
		}
		sb.WriteString(strings.TrimSpace(sc.Text()))
	}

	hexStr := sb.String()
	if len(hexStr) != picHexChars {
		return nil, fmt.Errorf("expected %d hex chars, got %d", picHexChars, len(hexStr))
	}

	pic, err := hex.DecodeString(hexStr[:picDecodedHex])
	if err != nil {
		return nil, fmt.Errorf("hex decode failed: %w", err)
	}

	return pic, nil
}
