package astimoqlite

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/quic-go/quic-go/quicvarint"
)

// ALPN is the application protocol negotiated during the QUIC handshake
const ALPN = "moql"

// Version is the only protocol version spoken
const Version uint64 = 0xff0bad01

// Bidirectional stream types
const (
	StreamTypeSession   uint64 = 0x00
	StreamTypeSubscribe uint64 = 0x02
)

// Unidirectional stream types
const (
	DataTypeGroup uint64 = 0x00
)

// Limits
const (
	MaxCatalogsPerConsumer = 8
	MaxFrameSize           = 16 << 20
	MaxMessageSize         = 64 << 10
)

// ErrMessageTooLarge is returned when a size prefix exceeds the allowed maximum
var ErrMessageTooLarge = errors.New("astimoqlite: message too large")

// ParseError indicates a failure to parse a message field
type ParseError struct {
	Err   error
	Field string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("astimoqlite: parsing %s failed: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ClientSetup is the first message sent by the client on the session stream
type ClientSetup struct {
	Versions []uint64
}

// ServerSetup is the server's answer to ClientSetup
type ServerSetup struct {
	Version uint64
}

// Subscribe requests delivery of a track
type Subscribe struct {
	Broadcast  string
	ID         uint64
	MaxLatency time.Duration // Millisecond precision
	Priority   byte
	Track      string
}

// SubscribeOK confirms a subscription
type SubscribeOK struct {
	Priority byte
}

// GroupHeader starts every group stream
type GroupHeader struct {
	Sequence    uint64
	SubscribeID uint64
}

// AppendClientSetup appends a CLIENT_SETUP body to b
func AppendClientSetup(b []byte, m ClientSetup) []byte {
	b = quicvarint.Append(b, uint64(len(m.Versions)))
	for _, v := range m.Versions {
		b = quicvarint.Append(b, v)
	}
	return b
}

// ParseClientSetup parses a CLIENT_SETUP body
func ParseClientSetup(b []byte) (m ClientSetup, err error) {
	r := newBufReader(b)
	var n uint64
	if n, err = r.readVarint(); err != nil {
		err = &ParseError{Field: "num_versions", Err: err}
		return
	}
	if n > uint64(len(b)) {
		err = &ParseError{Field: "num_versions", Err: io.ErrUnexpectedEOF}
		return
	}
	m.Versions = make([]uint64, n)
	for i := range m.Versions {
		if m.Versions[i], err = r.readVarint(); err != nil {
			err = &ParseError{Field: "version", Err: err}
			return
		}
	}
	return
}

// AppendServerSetup appends a SERVER_SETUP body to b
func AppendServerSetup(b []byte, m ServerSetup) []byte {
	return quicvarint.Append(b, m.Version)
}

// ParseServerSetup parses a SERVER_SETUP body
func ParseServerSetup(b []byte) (m ServerSetup, err error) {
	r := newBufReader(b)
	if m.Version, err = r.readVarint(); err != nil {
		err = &ParseError{Field: "version", Err: err}
	}
	return
}

// AppendSubscribe appends a SUBSCRIBE body to b
func AppendSubscribe(b []byte, m Subscribe) []byte {
	b = quicvarint.Append(b, m.ID)
	b = appendVarIntBytes(b, []byte(m.Broadcast))
	b = appendVarIntBytes(b, []byte(m.Track))
	b = append(b, m.Priority)
	b = quicvarint.Append(b, uint64(m.MaxLatency/time.Millisecond))
	return b
}

// ParseSubscribe parses a SUBSCRIBE body
func ParseSubscribe(b []byte) (m Subscribe, err error) {
	r := newBufReader(b)
	if m.ID, err = r.readVarint(); err != nil {
		err = &ParseError{Field: "id", Err: err}
		return
	}
	var v []byte
	if v, err = r.readVarIntBytes(); err != nil {
		err = &ParseError{Field: "broadcast", Err: err}
		return
	}
	m.Broadcast = string(v)
	if v, err = r.readVarIntBytes(); err != nil {
		err = &ParseError{Field: "track", Err: err}
		return
	}
	m.Track = string(v)
	if m.Priority, err = r.readByte(); err != nil {
		err = &ParseError{Field: "priority", Err: err}
		return
	}
	var ms uint64
	if ms, err = r.readVarint(); err != nil {
		err = &ParseError{Field: "max_latency", Err: err}
		return
	}
	m.MaxLatency = time.Duration(ms) * time.Millisecond
	return
}

// AppendSubscribeOK appends a SUBSCRIBE_OK body to b
func AppendSubscribeOK(b []byte, m SubscribeOK) []byte {
	return append(b, m.Priority)
}

// ParseSubscribeOK parses a SUBSCRIBE_OK body
func ParseSubscribeOK(b []byte) (m SubscribeOK, err error) {
	r := newBufReader(b)
	if m.Priority, err = r.readByte(); err != nil {
		err = &ParseError{Field: "priority", Err: err}
	}
	return
}

// AppendGroupHeader appends a group header body to b
func AppendGroupHeader(b []byte, m GroupHeader) []byte {
	b = quicvarint.Append(b, m.SubscribeID)
	return quicvarint.Append(b, m.Sequence)
}

// ParseGroupHeader parses a group header body
func ParseGroupHeader(b []byte) (m GroupHeader, err error) {
	r := newBufReader(b)
	if m.SubscribeID, err = r.readVarint(); err != nil {
		err = &ParseError{Field: "subscribe_id", Err: err}
		return
	}
	if m.Sequence, err = r.readVarint(); err != nil {
		err = &ParseError{Field: "sequence", Err: err}
		return
	}
	return
}

// AppendFrame appends a frame body made of the timestamp followed by the codec payload
func AppendFrame(b []byte, timestampUS uint64, payload []byte) []byte {
	b = quicvarint.Append(b, timestampUS)
	return append(b, payload...)
}

// ParseFrame parses a frame body. The payload aliases b.
func ParseFrame(b []byte) (timestampUS uint64, payload []byte, err error) {
	r := newBufReader(b)
	if timestampUS, err = r.readVarint(); err != nil {
		err = &ParseError{Field: "timestamp", Err: err}
		return
	}
	payload = b[r.pos:]
	return
}

// WriteMessage writes a size-prefixed message in a single write
func WriteMessage(w io.Writer, body []byte) error {
	b := make([]byte, 0, len(body)+8)
	b = quicvarint.Append(b, uint64(len(body)))
	b = append(b, body...)
	_, err := w.Write(b)
	return err
}

// WriteTypedMessage writes a stream type followed by a size-prefixed message in a single write
func WriteTypedMessage(w io.Writer, typ uint64, body []byte) error {
	b := make([]byte, 0, len(body)+16)
	b = quicvarint.Append(b, typ)
	b = quicvarint.Append(b, uint64(len(body)))
	b = append(b, body...)
	_, err := w.Write(b)
	return err
}

// ReadMessage reads a size-prefixed message. io.EOF is returned as is when the stream ends before the size.
func ReadMessage(r quicvarint.Reader, max int) (b []byte, err error) {
	// Read size
	var s uint64
	if s, err = quicvarint.Read(r); err != nil {
		return
	}

	// Check size
	if s > uint64(max) {
		err = fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, s, max)
		return
	}

	// Read body
	b = make([]byte, s)
	if _, err = io.ReadFull(r, b); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		err = fmt.Errorf("astimoqlite: reading %d bytes message failed: %w", s, err)
		return
	}
	return
}

func appendVarIntBytes(b []byte, data []byte) []byte {
	b = quicvarint.Append(b, uint64(len(data)))
	return append(b, data...)
}

type bufReader struct {
	data []byte
	pos  int
}

func newBufReader(data []byte) *bufReader {
	return &bufReader{data: data}
}

func (b *bufReader) readVarint() (uint64, error) {
	if b.pos >= len(b.data) {
		return 0, io.ErrUnexpectedEOF
	}
	v, n, err := quicvarint.Parse(b.data[b.pos:])
	if err != nil {
		return 0, err
	}
	b.pos += n
	return v, nil
}

func (b *bufReader) readByte() (byte, error) {
	if b.pos >= len(b.data) {
		return 0, io.ErrUnexpectedEOF
	}
	v := b.data[b.pos]
	b.pos++
	return v, nil
}

func (b *bufReader) readVarIntBytes() ([]byte, error) {
	l, err := b.readVarint()
	if err != nil {
		return nil, err
	}
	if l > uint64(len(b.data)-b.pos) {
		return nil, io.ErrUnexpectedEOF
	}
	v := b.data[b.pos : b.pos+int(l)]
	b.pos += int(l)
	return v, nil
}
