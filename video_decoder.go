package astimoq

import (
	"errors"
	"fmt"
)

// Maximum decoded frame dimensions
const (
	MaxFrameHeight = 4320
	MaxFrameWidth  = 7680
)

// Frame errors
var (
	ErrInvalidDimensions = errors.New("astimoq: invalid frame dimensions")
	ErrNilBuffer         = errors.New("astimoq: nil output buffer")
)

// VideoPicture is a decoded and converted video frame waiting to be emitted
type VideoPicture struct {
	Data   []byte // RGBA
	Height int
	PTS    uint64 // Microseconds
	Width  int
}

// VideoDecoder wraps a video codec: it normalizes the bitstream, submits packets, drains every ready frame and
// converts them to RGBA.
// It is not safe for concurrent use, callers serialize access through the decoder gate.
type VideoDecoder struct {
	c      VideoCodec
	cc     ColorConverter
	ccKey  colorConverterKey
	codec  VideoCodecID
	config VideoConfig
}

type colorConverterKey struct {
	height      int
	pixelFormat int
	width       int
}

// NewVideoDecoder creates a new video decoder. Nothing is left behind on failure.
func NewVideoDecoder(f CodecFactory, c VideoConfig) (d *VideoDecoder, err error) {
	// Create decoder
	d = &VideoDecoder{config: c}

	// Get codec
	d.codec, _ = c.CodecID()

	// Create codec
	if d.c, err = f.NewVideoCodec(c); err != nil {
		err = fmt.Errorf("astimoq: creating %s video codec failed: %w", d.codec, err)
		return nil, err
	}
	return
}

// Codec returns the codec id
func (d *VideoDecoder) Codec() VideoCodecID {
	return d.codec
}

// Config returns the config the decoder was created with
func (d *VideoDecoder) Config() VideoConfig {
	return d.config
}

// Decode submits a payload and returns every frame the codec had ready.
// The keyframe flag is advisory only.
// A non-nil error with no pictures means the packet was dropped. Errors affecting a single frame are joined to the
// returned error while the drain goes on.
func (d *VideoDecoder) Decode(payload []byte, ptsUS uint64, keyframe bool) (ps []VideoPicture, err error) {
	// Normalize bitstream
	data := payload
	if d.codec.UsesNALUnits() {
		if data, err = AVCCToAnnexB(payload); err != nil {
			err = fmt.Errorf("astimoq: normalizing bitstream of %d bytes failed: %w", len(payload), err)
			return
		}
	}

	// Send packet
	if err = d.c.SendPacket(data, int64(ptsUS)); err != nil {
		err = fmt.Errorf("astimoq: sending packet to %s decoder failed: %w", d.codec, err)
		return
	}

	// Drain
	var errs []error
	for {
		// Receive frame
		f, errR := d.c.ReceiveFrame()
		if errR != nil {
			if !errors.Is(errR, ErrCodecWouldBlock) && !errors.Is(errR, ErrCodecEOF) {
				errs = append(errs, fmt.Errorf("astimoq: receiving frame from %s decoder failed: %w", d.codec, errR))
			}
			break
		}

		// Convert frame
		p, errC := d.convert(f, ptsUS)
		f.Release()
		if errC != nil {
			errs = append(errs, errC)
			continue
		}
		ps = append(ps, p)
	}
	err = errors.Join(errs...)
	return
}

func (d *VideoDecoder) convert(f VideoCodecFrame, packetPTS uint64) (p VideoPicture, err error) {
	// Check dimensions
	w, h := f.Width(), f.Height()
	if w <= 0 || h <= 0 || w > MaxFrameWidth || h > MaxFrameHeight {
		err = fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, w, h)
		return
	}

	// Make sure the color converter matches the frame
	k := colorConverterKey{height: h, pixelFormat: f.PixelFormat(), width: w}
	if d.cc == nil || d.ccKey != k {
		// Close previous converter
		if d.cc != nil {
			d.cc.Close()
			d.cc = nil
		}

		// Create converter
		if d.cc, err = d.c.NewColorConverter(w, h, k.pixelFormat); err != nil {
			err = fmt.Errorf("astimoq: creating color converter for %dx%d failed: %w", w, h, err)
			return
		}
		d.ccKey = k
	}

	// Convert
	b := make([]byte, w*h*4)
	if err = d.cc.ToRGBA(f, b); err != nil {
		err = fmt.Errorf("astimoq: converting %dx%d frame to rgba failed: %w", w, h, err)
		return
	}

	// Get pts
	pts := packetPTS
	if v, ok := f.PTS(); ok && v >= 0 {
		pts = uint64(v)
	}

	p = VideoPicture{
		Data:   b,
		Height: h,
		PTS:    pts,
		Width:  w,
	}
	return
}

// Close frees the color converter and the codec
func (d *VideoDecoder) Close() {
	if d.cc != nil {
		d.cc.Close()
		d.cc = nil
	}
	if d.c != nil {
		d.c.Close()
		d.c = nil
	}
}
