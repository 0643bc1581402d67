// Package pic synthesizes the 115-byte Physical Information Configuration
// descriptor carried by every PS3 Blu-ray disc, derived solely from the ISO's
// byte size and (for dual-layer discs) its layerbreak byte offset.
package pic

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Size is the fixed byte length of a PIC descriptor.
	Size = 115

	sectorSize = 2048

	// BDLayerSize is the largest size, in bytes, a single-layer (BD-25) disc
	// can hold; anything larger is dual-layer (BD-50).
	BDLayerSize int64 = 25_025_314_816

	defaultLayerbreakSectors = 12_219_392 // 25,025,314,816 / 2048
	l0StartSector            = 0x100000
	totalSectorsL1Const      = 32_505_854

	exactIRDMarkerByte = 114
	exactIRDMarker     = 0x03
)

var bd25Prelude = [24]byte{
	0x10, 0x02, 0x00, 0x00, 0x44, 0x49, 0x01, 0x08, 0x00, 0x00, 0x20, 0x00,
	0x42, 0x44, 0x4F, 0x01, 0x11, 0x01, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00,
}

// Errors returned by Synthesize.
var (
	ErrInvalidSize       = errors.New("pic: size must be a positive multiple of 2048")
	ErrInvalidLayerbreak = errors.New("pic: layerbreak is out of range")
	ErrBDMVRequiresLayerbreak = errors.New(
		"pic: BD-50 image containing /BDMV requires an explicit layerbreak")
)

// HasBDMV reports whether the source ISO contains a hybrid BD-Video /BDMV
// directory. Synthesize needs this only when size is BD-50 and layerbreak is
// unspecified.
type HasBDMV func() (bool, error)

// Options controls PIC synthesis.
type Options struct {
	// Size is the ISO byte length. Required, must be a positive multiple of 2048.
	Size int64

	// Layerbreak is the byte offset of the layer transition, for dual-layer
	// (BD-50) discs. Zero means "use the default and check for /BDMV".
	Layerbreak int64

	// CheckBDMV is consulted only when Size indicates BD-50 and Layerbreak is
	// zero, to refuse synthesizing a plausibly-wrong PIC for a hybrid disc.
	CheckBDMV HasBDMV

	// ExactIRD overwrites byte 114 with the 3k3y-style marker 0x03.
	ExactIRD bool
}

// Synthesize builds a 115-byte PIC per Options.
func Synthesize(opts Options) ([]byte, error) {
	if opts.Size <= 0 || opts.Size%sectorSize != 0 {
		return nil, ErrInvalidSize
	}

	var buf [Size]byte

	if opts.Size <= BDLayerSize {
		synthesizeBD25(&buf, opts.Size)
	} else {
		if err := synthesizeBD50(&buf, opts); err != nil {
			return nil, err
		}
	}

	if opts.ExactIRD {
		buf[exactIRDMarkerByte] = exactIRDMarker
	}

	return buf[:], nil
}

func synthesizeBD25(buf *[Size]byte, size int64) {
	copy(buf[:24], bd25Prelude[:])

	sectors := size / sectorSize
	totalSectors := uint32(sectors + 1_048_575)
	layerEnd := uint32(sectors + 1_048_574)

	binary.BigEndian.PutUint32(buf[24:28], totalSectors)
	copy(buf[28:32], []byte{0x00, 0x10, 0x00, 0x00})
	binary.BigEndian.PutUint32(buf[32:36], layerEnd)
	// remaining 79 bytes (buf[36:115]) are already zero.
}

func synthesizeBD50(buf *[Size]byte, opts Options) error {
	layerbreak := opts.Layerbreak

	if layerbreak == 0 {
		if opts.CheckBDMV != nil {
			hasBDMV, err := opts.CheckBDMV()
			if err != nil {
				return fmt.Errorf("pic: /BDMV check failed: %w", err)
			}
			if hasBDMV {
				return ErrBDMVRequiresLayerbreak
			}
		}
		layerbreak = BDLayerSize
	}

	if layerbreak <= 0 || layerbreak >= opts.Size || layerbreak%sectorSize != 0 ||
		layerbreak >= 2*BDLayerSize {
		return ErrInvalidLayerbreak
	}

	layerbreakSectors := layerbreak / sectorSize

	l0Start := int64(l0StartSector)
	l0End := layerbreakSectors + l0Start - 2
	l1Start := totalSectorsL1Const - layerbreakSectors + 2
	totalSectors := opts.Size/sectorSize + l0Start + (l1Start - l0End - 3)

	copy(buf[:24], bd25Prelude[:])
	binary.BigEndian.PutUint32(buf[24:28], uint32(totalSectors))
	binary.BigEndian.PutUint32(buf[28:32], uint32(l0Start))
	binary.BigEndian.PutUint32(buf[32:36], uint32(l0End))
	binary.BigEndian.PutUint32(buf[36:40], uint32(l1Start))
	// remaining bytes (buf[40:115]) are already zero.

	return nil
}
