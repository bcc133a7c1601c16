package edb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVaruintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 2, 127, 128, 129, 16383, 16384, 1 << 35, ^uint64(0)}
	for _, v := range values {
		buf := appendVaruint(nil, v)
		got, n, ok := decodeVaruint(buf)
		require.True(t, ok, "decode of %d", v)
		require.Equal(t, len(buf), n)
		require.Equal(t, v, got)
		require.Equal(t, varuintSize(v), len(buf))
	}
}

func TestVaruintZeroIsOneByte(t *testing.T) {
	buf := appendVaruint(nil, 0)
	require.Equal(t, []byte{0x00}, buf)
}

func TestVaruintCanonicalNoTrailingContinuation(t *testing.T) {
	// A trailing continuation byte with no following byte is not a valid
	// encoding; decode must fail rather than silently accept it.
	_, _, ok := decodeVaruint([]byte{0x80})
	require.False(t, ok)
}
