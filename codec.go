package astimoq

import "errors"

// Codec errors
var (
	ErrCodecEOF        = errors.New("astimoq: codec reached end of stream")
	ErrCodecWouldBlock = errors.New("astimoq: codec needs more input")
)

// CodecFactory represents an object capable of creating codecs
type CodecFactory interface {
	NewAudioCodec(c AudioConfig) (AudioCodec, error)
	NewVideoCodec(c VideoConfig) (VideoCodec, error)
}

// VideoCodec represents a video decoding context.
// ReceiveFrame must return ErrCodecWouldBlock or ErrCodecEOF when no frame is ready.
// A received frame is only valid until Release is called.
type VideoCodec interface {
	Close()
	NewColorConverter(width, height, pixelFormat int) (ColorConverter, error)
	ReceiveFrame() (VideoCodecFrame, error)
	SendPacket(data []byte, pts int64) error
}

// VideoCodecFrame represents a decoded video frame owned by its codec
type VideoCodecFrame interface {
	Height() int
	PixelFormat() int
	PTS() (pts int64, ok bool)
	Release()
	Width() int
}

// ColorConverter converts decoded frames into tightly packed RGBA
type ColorConverter interface {
	Close()
	ToRGBA(f VideoCodecFrame, dst []byte) error
}

// AudioCodec represents an audio decoding context
type AudioCodec interface {
	Close()
	NewSampleConverter(sampleRate, channels, sampleFormat int) (SampleConverter, error)
	ReceiveFrame() (AudioCodecFrame, error)
	SendPacket(data []byte, pts int64) error
}

// AudioCodecFrame represents a decoded audio frame owned by its codec
type AudioCodecFrame interface {
	Channels() int
	PTS() (pts int64, ok bool)
	Release()
	SampleFormat() int
	SampleRate() int
	Samples() int
}

// SampleConverter converts decoded frames into float32 planar samples, one slice per channel
type SampleConverter interface {
	Close()
	ToFloatPlanar(f AudioCodecFrame) ([][]float32, error)
}
