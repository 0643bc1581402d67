// Package aescbc wraps AES-128-CBC block operations with padding disabled,
// the form used throughout the PS3 disc-encryption stack: a fixed key, an
// explicit IV per call, and no PKCS#7 padding since every span decrypted or
// encrypted is already sector/block aligned.
package aescbc

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// BlockSize is the AES block size, and the only unit aescbc operates on.
const BlockSize = aes.BlockSize

// cbcMode is satisfied by both halves of crypto/cipher's CBC implementations,
// letting one cached BlockMode have its IV swapped out for a different sector
// instead of being rebuilt on every call.
type cbcMode interface {
	cipher.BlockMode
	SetIV(iv []byte)
}

// DecryptBlocks decrypts src into dst (may be the same slice) using AES-128-CBC
// with the given 16-byte key and IV. len(src) must be a non-zero multiple of
// BlockSize.
func DecryptBlocks(key, iv, dst, src []byte) error {
	cip, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("aes cipher init failed: %w", err)
	}

	cipher.NewCBCDecrypter(cip, iv).CryptBlocks(dst, src)
	return nil
}

// EncryptBlocks encrypts src into dst (may be the same slice) using AES-128-CBC
// with the given 16-byte key and IV. len(src) must be a non-zero multiple of
// BlockSize.
func EncryptBlocks(key, iv, dst, src []byte) error {
	cip, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("aes cipher init failed: %w", err)
	}

	cipher.NewCBCEncrypter(cip, iv).CryptBlocks(dst, src)
	return nil
}

// SectorDecrypter decrypts many same-key blocks in place across a stream,
// reusing one cipher.Block and swapping the CBC IV per call instead of paying
// for cipher.NewCBCDecrypter on every sector. Safe for use from a single
// goroutine only; construct one per concurrent stream.
type SectorDecrypter struct {
	cip    cipher.Block
	cbcDec cbcMode
	iv     [BlockSize]byte
}

// NewSectorDecrypter builds a reusable per-sector decrypter for the given key.
func NewSectorDecrypter(key []byte) (*SectorDecrypter, error) {
	cip, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher init failed: %w", err)
	}

	var zero [BlockSize]byte
	return &SectorDecrypter{
		cip:    cip,
		cbcDec: cipher.NewCBCDecrypter(cip, zero[:]).(cbcMode),
	}, nil
}

// DecryptSector decrypts exactly one BlockSize*n span in place, with the IV
// set to the big-endian 16-byte encoding of sector, per the per-sector IV
// convention (low 32 bits hold the LBA, upper bits are zero).
func (d *SectorDecrypter) DecryptSector(sector int64, data []byte) {
	putSectorIV(d.iv[:], sector)
	d.cbcDec.SetIV(d.iv[:])
	d.cbcDec.CryptBlocks(data, data)
}

// NewIVFromSector returns a standalone CBC decrypter using a freshly derived
// IV, safe to call concurrently (each call builds its own cipher.BlockMode).
func (d *SectorDecrypter) NewIVFromSector(sector int64) cipher.BlockMode {
	var iv [BlockSize]byte
	putSectorIV(iv[:], sector)
	return cipher.NewCBCDecrypter(d.cip, iv[:])
}

func putSectorIV(iv []byte, sector int64) {
	_ = iv[BlockSize-1]
	for i := range iv {
		iv[i] = 0
	}
	iv[BlockSize-4] = byte(sector >> 24)
	iv[BlockSize-3] = byte(sector >> 16)
	iv[BlockSize-2] = byte(sector >> 8)
	iv[BlockSize-1] = byte(sector)
}
