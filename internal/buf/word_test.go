package buf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Word_LoadStore64(t *testing.T) {
	// make of a 64-byte slice is always 8-byte aligned.
	b := make([]byte, 64)
	require.True(t, Aligned64(b, 8))
	require.False(t, Aligned64(b, 3))
	require.False(t, Aligned64(b, 60))

	Store64(b, 8, 0xdeadbeefcafef00d)
	require.Equal(t, uint64(0xdeadbeefcafef00d), Load64(b, 8))
	require.Equal(t, uint64(0), Load64(b, 0))
	require.Equal(t, uint64(0), Load64(b, 16))
}

func Test_Word_FillAndMismatch(t *testing.T) {
	b := make([]byte, 37)
	Fill(b, 0x6b)
	require.Equal(t, -1, FirstMismatch(b, 0x6b))
	require.Equal(t, -1, LastMismatch(b, 0x6b))

	b[5] = 0
	b[30] = 1
	require.Equal(t, 5, FirstMismatch(b, 0x6b))
	require.Equal(t, 30, LastMismatch(b, 0x6b))

	Fill(nil, 1)
	require.Equal(t, -1, FirstMismatch(nil, 0))
}
