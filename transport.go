package astimoq

import (
	"fmt"
	"time"
)

// Transport handles. Valid handles are strictly positive.
type (
	BroadcastID       int32
	CatalogConsumerID int32
	CatalogID         int32
	FrameID           int32
	OriginID          int32
	SessionID         int32
	TrackID           int32
)

// Session status codes
const (
	SessionStatusConnected int32 = 0
)

// Frame is a chunk of a transport frame
type Frame struct {
	Keyframe    bool
	Payload     []byte
	TimestampUS uint64
}

// TransportError is returned when a transport call fails. Code is the handle-style return code and is always <= 0.
type TransportError struct {
	Code int32
	Op   string
}

// Error implements the error interface
func (e *TransportError) Error() string {
	return fmt.Sprintf("astimoq: transport %s failed with code %d", e.Op, e.Code)
}

// NewTransportError creates a new transport error
func NewTransportError(op string, code int32) *TransportError {
	if code > 0 {
		code = -code
	}
	return &TransportError{Code: code, Op: op}
}

// Transport represents a handle-based MoQ consumer library.
// Callbacks can be invoked on any goroutine. Close methods must not wait for callbacks in flight.
type Transport interface {
	ConsumeAudioConfig(c CatalogID, index int) (AudioConfig, error)
	ConsumeAudioTrack(b BroadcastID, index int, latency time.Duration, fn func(FrameID)) (TrackID, error)
	ConsumeAudioTrackClose(t TrackID) error
	ConsumeCatalog(b BroadcastID, fn func(CatalogID)) (CatalogConsumerID, error)
	ConsumeCatalogClose(c CatalogConsumerID) error
	ConsumeClose(b BroadcastID) error
	ConsumeFrameChunk(f FrameID, index int) (Frame, error)
	ConsumeFrameClose(f FrameID) error
	ConsumeVideoConfig(c CatalogID, index int) (VideoConfig, error)
	ConsumeVideoTrack(b BroadcastID, index int, latency time.Duration, fn func(FrameID)) (TrackID, error)
	ConsumeVideoTrackClose(t TrackID) error
	OriginClose(o OriginID) error
	OriginConsume(o OriginID, path string) (BroadcastID, error)
	OriginCreate() (OriginID, error)
	SessionClose(s SessionID) error
	SessionConnect(url string, publish, consume OriginID, status func(code int32)) (SessionID, error)
}

// CatalogReader is implemented by transports able to return the full catalog a catalog handle points to
type CatalogReader interface {
	ConsumeCatalogSnapshot(c CatalogID) (Catalog, error)
}
