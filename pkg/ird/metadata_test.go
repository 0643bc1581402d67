package ird

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadDiscMetadataFallsBackOnMalformedFiles(t *testing.T) {
	fs, _ := buildTestISO(t) // PS3_DISC.SFB and PARAM.SFO exist but aren't valid SFB/SFO bytes

	md, err := ReadDiscMetadata(fs)
	require.NoError(t, err)
	assert.NotNil(t, md.SFB)
	assert.NotNil(t, md.SFO)
	assert.Empty(t, md.SFB) // zero-filled sectors fail magic check, falls back to empty map
	assert.Empty(t, md.SFO)
}
