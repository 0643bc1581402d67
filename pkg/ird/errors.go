package ird

import "errors"

// Error kinds returned by the ird package and its engine. Wrapped with
// fmt.Errorf("...: %w", ...) at each call site so callers can dispatch with
// errors.Is/errors.As while still getting a readable message.
var (
	ErrInvalidArgument    = errors.New("ird: invalid argument")
	ErrFileNotFound       = errors.New("ird: file not found")
	ErrMalformedMetadata  = errors.New("ird: malformed metadata")
	ErrInvalidISO         = errors.New("ird: invalid iso")
	ErrNoRegions          = errors.New("ird: no regions")
	ErrExtentMissing      = errors.New("ird: file has no extents")
	ErrUnsupportedVersion = errors.New("ird: unsupported version")
	ErrChecksumMismatch   = errors.New("ird: checksum mismatch")
	ErrShortRead          = errors.New("ird: short read")
	ErrBadMagic           = errors.New("ird: bad magic")
)
