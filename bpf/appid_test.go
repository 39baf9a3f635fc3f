package bpf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppIDRoundTrip(t *testing.T) {
	const path = `\Device\HarddiskVolume1\Windows\System32\svchost.exe`

	b, err := EncodeAppID(path)
	require.NoError(t, err)
	assert.Len(t, b, 2*len(path))
	assert.Equal(t, []byte{'\\', 0, 'D', 0}, b[:4])

	s, err := DecodeAppID(b)
	require.NoError(t, err)
	assert.Equal(t, path, s)
}
