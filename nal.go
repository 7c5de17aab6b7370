package astimoq

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrNALLengthOverrun is returned when a NAL unit's declared length exceeds the input
var ErrNALLengthOverrun = errors.New("astimoq: nal length overruns input")

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// nalHeadroom is the extra capacity allocated on top of the input size so that the usual case never grows
const nalHeadroom = 1024

// AVCCToAnnexB converts length-prefixed NAL units (4-byte big-endian lengths) into start-code-prefixed NAL units.
// Trailing bytes that can't hold a length prefix are ignored. Any NAL unit overrunning the input fails the whole
// conversion.
func AVCCToAnnexB(src []byte) ([]byte, error) {
	dst := make([]byte, 0, len(src)+nalHeadroom)
	pos := 0
	for pos+4 <= len(src) {
		// Read length
		l := int(binary.BigEndian.Uint32(src[pos:]))
		pos += 4

		// Check length
		if l < 0 || l > len(src)-pos {
			return nil, fmt.Errorf("%w: length %d at position %d exceeds size %d", ErrNALLengthOverrun, l, pos-4, len(src))
		}

		// Append
		dst = append(dst, annexBStartCode...)
		dst = append(dst, src[pos:pos+l]...)
		pos += l
	}
	return dst, nil
}
