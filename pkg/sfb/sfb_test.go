package sfb_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xakep666/ird/pkg/sfb"
)

func TestDecode(t *testing.T) {
	// header (6 bytes) + pad to 0x20, then one entry (32 bytes) pointing past
	// the entry table, then a terminating all-zero entry, then values.
	buf := make([]byte, 0x20+32*2+16)

	copy(buf[0:4], ".SFB")
	buf[4], buf[5] = 0x00, 0x01 // version

	entry := buf[0x20 : 0x20+32]
	copy(entry[0:16], "VERSION")
	valueOff := uint32(0x20 + 32*2)
	putBE32(entry[16:20], valueOff)
	putBE32(entry[20:24], 4)

	copy(buf[valueOff:valueOff+4], "0001")

	got, err := sfb.Decode(bytes.NewReader(buf))
	require.NoError(t, err)
	assert.Equal(t, "0001", got["VERSION"])
}

func TestDecodeBadMagic(t *testing.T) {
	_, err := sfb.Decode(bytes.NewReader(make([]byte, 64)))
	assert.ErrorIs(t, err, sfb.ErrBadMagic)
}

func putBE32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
