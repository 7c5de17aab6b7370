package astimoq

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAVCCToAnnexB(t *testing.T) {
	// Empty
	b, err := AVCCToAnnexB(nil)
	require.NoError(t, err)
	require.Empty(t, b)

	// Single 1-byte nal
	b, err = AVCCToAnnexB([]byte{0, 0, 0, 1, 0x65})
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 1, 0x65}, b)

	// Zero length nal
	b, err = AVCCToAnnexB([]byte{0, 0, 0, 0})
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 1}, b)

	// Trailing bytes are ignored
	b, err = AVCCToAnnexB([]byte{0, 0, 0, 1, 0x65, 0, 0})
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 1, 0x65}, b)

	// Overrun
	_, err = AVCCToAnnexB([]byte{0, 0, 0, 5, 0x65})
	require.ErrorIs(t, err, ErrNALLengthOverrun)
	_, err = AVCCToAnnexB([]byte{0xff, 0xff, 0xff, 0xff, 0x65})
	require.ErrorIs(t, err, ErrNALLengthOverrun)

	// Overrun after a valid nal
	_, err = AVCCToAnnexB(nalPayload([]byte{1, 2}, []byte{3})[:10])
	require.ErrorIs(t, err, ErrNALLengthOverrun)
}

func TestAVCCToAnnexBRoundTrip(t *testing.T) {
	for _, nals := range [][][]byte{
		{{0x67, 0x42}, {0x68}, {0x65, 1, 2, 3, 4, 5}},
		{bytes.Repeat([]byte{0xab}, 4096)},
		{{}, {0x01}, {}},
	} {
		var s int
		var expected []byte
		for _, n := range nals {
			s += len(n)
			expected = append(expected, 0, 0, 0, 1)
			expected = append(expected, n...)
		}
		b, err := AVCCToAnnexB(nalPayload(nals...))
		require.NoError(t, err)
		require.Len(t, b, s+4*len(nals))
		require.Equal(t, expected, b)
	}
}
