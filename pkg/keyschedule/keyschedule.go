// Package keyschedule implements the two fixed AES-128-CBC schedules that
// relate the user-facing DiscKey/DiscID to the Data1Key/Data2Key values
// actually stored in an IRD. Both schedules are symmetric: deriving one side
// and deriving it back must reproduce the original bytes exactly.
package keyschedule

import (
	"fmt"

	"github.com/xakep666/ird/pkg/aescbc"
)

const KeySize = aescbc.BlockSize

var (
	// data1Key/data1IV is the fixed schedule relating DiscKey and Data1Key.
	// Data1Key is the IRD-stored value; DiscKey is what dumping tools produce.
	data1Key = [KeySize]byte{0x38, 0x0b, 0xcf, 0x0b, 0x53, 0x45, 0x5b, 0x3c, 0x78, 0x17, 0xab, 0x4f, 0xa3, 0xba, 0x90, 0xed}
	data1IV  = [KeySize]byte{0x69, 0x47, 0x47, 0x72, 0xaf, 0x6f, 0xda, 0xb3, 0x42, 0x74, 0x3a, 0xef, 0xaa, 0x18, 0x62, 0x87}

	// data2Key/data2IV is the fixed schedule relating DiscID and Data2Key.
	data2Key = [KeySize]byte{0x7c, 0xdd, 0x0e, 0x02, 0x07, 0x6e, 0xfe, 0x45, 0x99, 0xb1, 0xb8, 0x2c, 0x35, 0x99, 0x19, 0xb3}
	data2IV  = [KeySize]byte{0x22, 0x26, 0x92, 0x8d, 0x44, 0x03, 0x2f, 0x43, 0x6a, 0xfd, 0x26, 0x7e, 0x74, 0x8b, 0x23, 0x93}
)

func checkSize(name string, b []byte) error {
	if len(b) != KeySize {
		return fmt.Errorf("%s must be %d bytes, got %d", name, KeySize, len(b))
	}
	return nil
}

// DeriveData1Key computes Data1Key = AES-CBC-Decrypt(K1,IV1, discKey).
func DeriveData1Key(discKey []byte) ([]byte, error) {
	if err := checkSize("discKey", discKey); err != nil {
		return nil, err
	}

	out := make([]byte, KeySize)
	if err := aescbc.DecryptBlocks(data1Key[:], data1IV[:], out, discKey); err != nil {
		return nil, fmt.Errorf("derive data1 key failed: %w", err)
	}

	return out, nil
}

// DeriveDiscKey computes DiscKey = AES-CBC-Encrypt(K1,IV1, data1Key), the
// inverse of DeriveData1Key.
func DeriveDiscKey(data1KeyVal []byte) ([]byte, error) {
	if err := checkSize("data1Key", data1KeyVal); err != nil {
		return nil, err
	}

	out := make([]byte, KeySize)
	if err := aescbc.EncryptBlocks(data1Key[:], data1IV[:], out, data1KeyVal); err != nil {
		return nil, fmt.Errorf("derive disc key failed: %w", err)
	}

	return out, nil
}

// DeriveData2Key computes Data2Key = AES-CBC-Encrypt(K2,IV2, discID).
func DeriveData2Key(discID []byte) ([]byte, error) {
	if err := checkSize("discID", discID); err != nil {
		return nil, err
	}

	out := make([]byte, KeySize)
	if err := aescbc.EncryptBlocks(data2Key[:], data2IV[:], out, discID); err != nil {
		return nil, fmt.Errorf("derive data2 key failed: %w", err)
	}

	return out, nil
}

// DeriveDiscID computes DiscID = AES-CBC-Decrypt(K2,IV2, data2Key), the
// inverse of DeriveData2Key.
func DeriveDiscID(data2KeyVal []byte) ([]byte, error) {
	if err := checkSize("data2Key", data2KeyVal); err != nil {
		return nil, err
	}

	out := make([]byte, KeySize)
	if err := aescbc.DecryptBlocks(data2Key[:], data2IV[:], out, data2KeyVal); err != nil {
		return nil, fmt.Errorf("derive disc id failed: %w", err)
	}

	return out, nil
}

// DiscIDRegionCode is a closed enum of region codes carried in the last byte
// of a BD-25 DiscID.
type DiscIDRegionCode byte

const (
	RegionA DiscIDRegionCode = 'A'
	RegionB DiscIDRegionCode = 'B'
	RegionC DiscIDRegionCode = 'C'
)

// bd50DiscID is the fixed DiscID constant used for all BD-50 discs.
var bd50DiscID = [KeySize]byte{
	0x50, 0x53, 0x33, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

// DiscIDForSize returns the fixed BD-50 DiscID, or (for BD-25) the fixed
// DiscID with its last byte set to the given region code.
func DiscIDForSize(isBD50 bool, region DiscIDRegionCode) []byte {
	id := make([]byte, KeySize)
	copy(id, bd50DiscID[:])
	if !isBD50 {
		id[KeySize-1] = byte(region)
	}
	return id
}
