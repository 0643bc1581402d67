package pic_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xakep666/ird/pkg/pic"
)

func TestSynthesizeBD25Prelude(t *testing.T) {
	got, err := pic.Synthesize(pic.Options{Size: pic.BDLayerSize})
	require.NoError(t, err)
	require.Len(t, got, pic.Size)

	wantPrelude := []byte{
		0x10, 0x02, 0x00, 0x00, 0x44, 0x49, 0x01, 0x08, 0x00, 0x00, 0x20, 0x00,
		0x42, 0x44, 0x4F, 0x01, 0x11, 0x01, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
	assert.Equal(t, wantPrelude, got[:24])

	for _, b := range got[36:] {
		assert.Equal(t, byte(0), b)
	}
}

func TestSynthesizeBD25ExactBoundary(t *testing.T) {
	// exactly BDLayerSize bytes still takes the BD-25 branch (strict >).
	_, err := pic.Synthesize(pic.Options{Size: pic.BDLayerSize})
	assert.NoError(t, err)
}

func TestSynthesizeBD50RequiresLayerbreakWithBDMV(t *testing.T) {
	_, err := pic.Synthesize(pic.Options{
		Size:      pic.BDLayerSize + 2048,
		CheckBDMV: func() (bool, error) { return true, nil },
	})
	assert.ErrorIs(t, err, pic.ErrBDMVRequiresLayerbreak)
}

func TestSynthesizeBD50DefaultLayerbreak(t *testing.T) {
	got, err := pic.Synthesize(pic.Options{
		Size:      pic.BDLayerSize * 2,
		CheckBDMV: func() (bool, error) { return false, nil },
	})
	require.NoError(t, err)
	assert.Len(t, got, pic.Size)
}

func TestSynthesizeExactIRDMarker(t *testing.T) {
	got, err := pic.Synthesize(pic.Options{Size: pic.BDLayerSize, ExactIRD: true})
	require.NoError(t, err)
	assert.Equal(t, byte(0x03), got[114])
}

func TestSynthesizeInvalidSize(t *testing.T) {
	_, err := pic.Synthesize(pic.Options{Size: 2047})
	assert.ErrorIs(t, err, pic.ErrInvalidSize)

	_, err = pic.Synthesize(pic.Options{Size: 0})
	assert.ErrorIs(t, err, pic.ErrInvalidSize)
}

func TestSynthesizeInvalidLayerbreak(t *testing.T) {
	_, err := pic.Synthesize(pic.Options{
		Size:       pic.BDLayerSize * 2,
		Layerbreak: 2049, // not a multiple of 2048
	})
	assert.ErrorIs(t, err, pic.ErrInvalidLayerbreak)
}
