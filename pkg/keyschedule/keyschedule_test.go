package keyschedule_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xakep666/ird/pkg/keyschedule"
)

func TestData1KeyRoundTrip(t *testing.T) {
	zeroKey := make([]byte, keyschedule.KeySize)

	data1, err := keyschedule.DeriveData1Key(zeroKey)
	require.NoError(t, err)

	discKey, err := keyschedule.DeriveDiscKey(data1)
	require.NoError(t, err)

	assert.Equal(t, zeroKey, discKey)
}

func TestData2KeyRoundTrip(t *testing.T) {
	discID := bytes.Repeat([]byte{0x42}, keyschedule.KeySize)

	data2, err := keyschedule.DeriveData2Key(discID)
	require.NoError(t, err)

	gotDiscID, err := keyschedule.DeriveDiscID(data2)
	require.NoError(t, err)

	assert.Equal(t, discID, gotDiscID)
}

func TestDeriveRejectsWrongSize(t *testing.T) {
	_, err := keyschedule.DeriveData1Key([]byte{0x01, 0x02})
	assert.Error(t, err)
}

func TestDiscIDForSize(t *testing.T) {
	bd50 := keyschedule.DiscIDForSize(true, keyschedule.RegionA)
	bd25 := keyschedule.DiscIDForSize(false, keyschedule.RegionB)

	assert.Len(t, bd50, keyschedule.KeySize)
	assert.Equal(t, bd50[:keyschedule.KeySize-1], bd25[:keyschedule.KeySize-1])
	assert.Equal(t, byte('B'), bd25[keyschedule.KeySize-1])
}
