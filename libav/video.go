package astilibav

import (
	"fmt"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/asticode/go-astimoq"
)

type videoCodec struct {
	c   *astikit.Closer
	cc  *astiav.CodecContext
	f   *astiav.Frame
	pkt *astiav.Packet
}

func newVideoCodec(id astiav.CodecID, extradata []byte) (v *videoCodec, err error) {
	// Create codec
	v = &videoCodec{c: astikit.NewCloser()}

	// Make sure everything is closed on failure
	defer func() {
		if err != nil {
			v.Close()
			v = nil
		}
	}()

	// Open context
	if v.cc, err = openCodecContext(id, extradata, nil); err != nil {
		err = fmt.Errorf("astilibav: opening %s context failed: %w", id, err)
		return
	}
	v.c.Add(v.cc.Free)

	// Alloc packet
	if v.pkt = astiav.AllocPacket(); v.pkt == nil {
		err = fmt.Errorf("%w: packet", ErrAllocFailed)
		return
	}
	v.c.Add(v.pkt.Free)

	// Alloc frame
	if v.f = astiav.AllocFrame(); v.f == nil {
		err = fmt.Errorf("%w: frame", ErrAllocFailed)
		return
	}
	v.c.Add(v.f.Free)
	return
}

// Close implements the astimoq.VideoCodec interface
func (v *videoCodec) Close() {
	v.c.Close()
}

// SendPacket implements the astimoq.VideoCodec interface
func (v *videoCodec) SendPacket(data []byte, pts int64) error {
	return sendPacket(v.cc, v.pkt, data, pts)
}

// ReceiveFrame implements the astimoq.VideoCodec interface
func (v *videoCodec) ReceiveFrame() (astimoq.VideoCodecFrame, error) {
	if err := receiveFrame(v.cc, v.f); err != nil {
		return nil, err
	}
	return videoFrame{f: v.f}, nil
}

// NewColorConverter implements the astimoq.VideoCodec interface
func (v *videoCodec) NewColorConverter(width, height, pixelFormat int) (astimoq.ColorConverter, error) {
	return newColorConverter(width, height, astiav.PixelFormat(pixelFormat))
}

type videoFrame struct {
	f *astiav.Frame
}

func (f videoFrame) Height() int { return f.f.Height() }
func (f videoFrame) PixelFormat() int { return int(f.f.PixelFormat()) }
func (f videoFrame) PTS() (int64, bool) { return framePTS(f.f) }
func (f videoFrame) Release() { f.f.Unref() }
func (f videoFrame) Width() int { return f.f.Width() }

type colorConverter struct {
	c      *astikit.Closer
	dst    *astiav.Frame
	height int
	ssc    *astiav.SoftwareScaleContext
	width  int
}

func newColorConverter(width, height int, pixelFormat astiav.PixelFormat) (c *colorConverter, err error) {
	// Create converter
	c = &colorConverter{
		c:      astikit.NewCloser(),
		height: height,
		width:  width,
	}

	// Make sure everything is closed on failure
	defer func() {
		if err != nil {
			c.Close()
			c = nil
		}
	}()

	// Create scale context
	if c.ssc, err = astiav.CreateSoftwareScaleContext(width, height, pixelFormat, width, height, astiav.PixelFormatRgba, astiav.NewSoftwareScaleContextFlags(astiav.SoftwareScaleContextFlagBilinear)); err != nil {
		err = newAvError("astiav.CreateSoftwareScaleContext", err)
		return
	}
	c.c.Add(c.ssc.Free)

	// Alloc destination frame
	if c.dst = astiav.AllocFrame(); c.dst == nil {
		err = fmt.Errorf("%w: frame", ErrAllocFailed)
		return
	}
	c.c.Add(c.dst.Free)

	// Alloc destination buffer
	c.dst.SetWidth(width)
	c.dst.SetHeight(height)
	c.dst.SetPixelFormat(astiav.PixelFormatRgba)
	if err = c.dst.AllocBuffer(1); err != nil {
		err = newAvError("c.dst.AllocBuffer", err)
		return
	}
	return
}

// ToRGBA implements the astimoq.ColorConverter interface
func (c *colorConverter) ToRGBA(f astimoq.VideoCodecFrame, dst []byte) (err error) {
	// Invalid frame
	v, ok := f.(videoFrame)
	if !ok {
		return fmt.Errorf("astilibav: invalid frame type %T", f)
	}

	// Invalid buffer
	if dst == nil {
		return astimoq.ErrNilBuffer
	} else if len(dst) < c.width*c.height*4 {
		return fmt.Errorf("astilibav: buffer of %d bytes is too small for %dx%d rgba", len(dst), c.width, c.height)
	}

	// Scale
	if err = c.ssc.ScaleFrame(v.f, c.dst); err != nil {
		return newAvError("c.ssc.ScaleFrame", err)
	}

	// Copy
	if _, err = c.dst.ImageCopyToBuffer(dst, 1); err != nil {
		return newAvError("c.dst.ImageCopyToBuffer", err)
	}
	return
}

// Close implements the astimoq.ColorConverter interface
func (c *colorConverter) Close() {
	c.c.Close()
}
