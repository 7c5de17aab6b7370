package astilibav

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/asticode/go-astimoq"
)

type audioCodec struct {
	c   *astikit.Closer
	cc  *astiav.CodecContext
	f   *astiav.Frame
	pkt *astiav.Packet
}

func newAudioCodec(id astiav.CodecID, cfg astimoq.AudioConfig) (a *audioCodec, err error) {
	// Create codec
	a = &audioCodec{c: astikit.NewCloser()}

	// Make sure everything is closed on failure
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	// Open context
	if a.cc, err = openCodecContext(id, cfg.Extradata, func(cc *astiav.CodecContext) {
		// Opus and raw AAC can't be opened without sample rate and channels
		if cfg.SampleRate > 0 {
			cc.SetSampleRate(cfg.SampleRate)
		}
		if l, ok := channelLayout(cfg.Channels); ok {
			cc.SetChannelLayout(l)
		}
	}); err != nil {
		err = fmt.Errorf("astilibav: opening %s context failed: %w", id, err)
		return
	}
	a.c.Add(a.cc.Free)

	// Alloc packet
	if a.pkt = astiav.AllocPacket(); a.pkt == nil {
		err = fmt.Errorf("%w: packet", ErrAllocFailed)
		return
	}
	a.c.Add(a.pkt.Free)

	// Alloc frame
	if a.f = astiav.AllocFrame(); a.f == nil {
		err = fmt.Errorf("%w: frame", ErrAllocFailed)
		return
	}
	a.c.Add(a.f.Free)
	return
}

// Close implements the astimoq.AudioCodec interface
func (a *audioCodec) Close() {
	a.c.Close()
}

// SendPacket implements the astimoq.AudioCodec interface
func (a *audioCodec) SendPacket(data []byte, pts int64) error {
	return sendPacket(a.cc, a.pkt, data, pts)
}

// ReceiveFrame implements the astimoq.AudioCodec interface
func (a *audioCodec) ReceiveFrame() (astimoq.AudioCodecFrame, error) {
	if err := receiveFrame(a.cc, a.f); err != nil {
		return nil, err
	}
	return audioFrame{f: a.f}, nil
}

// NewSampleConverter implements the astimoq.AudioCodec interface
func (a *audioCodec) NewSampleConverter(sampleRate, channels, sampleFormat int) (astimoq.SampleConverter, error) {
	return newSampleConverter(sampleRate)
}

type audioFrame struct {
	f *astiav.Frame
}

func (f audioFrame) Channels() int { return f.f.ChannelLayout().Channels() }
func (f audioFrame) PTS() (int64, bool) { return framePTS(f.f) }
func (f audioFrame) Release() { f.f.Unref() }
func (f audioFrame) SampleFormat() int { return int(f.f.SampleFormat()) }
func (f audioFrame) SampleRate() int { return f.f.SampleRate() }
func (f audioFrame) Samples() int { return f.f.NbSamples() }

type sampleConverter struct {
	c          *astikit.Closer
	dst        *astiav.Frame
	sampleRate int
	src        *astiav.SoftwareResampleContext
}

func newSampleConverter(sampleRate int) (c *sampleConverter, err error) {
	// Create converter
	c = &sampleConverter{
		c:          astikit.NewCloser(),
		sampleRate: sampleRate,
	}

	// Make sure everything is closed on failure
	defer func() {
		if err != nil {
			c.Close()
			c = nil
		}
	}()

	// Alloc resample context
	if c.src = astiav.AllocSoftwareResampleContext(); c.src == nil {
		err = fmt.Errorf("%w: software resample context", ErrAllocFailed)
		return
	}
	c.c.Add(c.src.Free)

	// Alloc destination frame
	if c.dst = astiav.AllocFrame(); c.dst == nil {
		err = fmt.Errorf("%w: frame", ErrAllocFailed)
		return
	}
	c.c.Add(c.dst.Free)
	return
}

// ToFloatPlanar implements the astimoq.SampleConverter interface
func (c *sampleConverter) ToFloatPlanar(f astimoq.AudioCodecFrame) (ps [][]float32, err error) {
	// Invalid frame
	v, ok := f.(audioFrame)
	if !ok {
		err = fmt.Errorf("astilibav: invalid frame type %T", f)
		return
	}

	// Make sure the destination frame is unreferenced
	defer c.dst.Unref()

	// Convert, the destination buffer is allocated by libswresample
	c.dst.SetChannelLayout(v.f.ChannelLayout())
	c.dst.SetSampleFormat(astiav.SampleFormatFltp)
	c.dst.SetSampleRate(c.sampleRate)
	if err = c.src.ConvertFrame(v.f, c.dst); err != nil {
		err = newAvError("c.src.ConvertFrame", err)
		return
	}

	// Copy planes one after the other
	channels, samples := c.dst.ChannelLayout().Channels(), c.dst.NbSamples()
	b := make([]byte, channels*samples*4)
	if _, err = c.dst.SamplesCopyToBuffer(b, 1); err != nil {
		err = newAvError("c.dst.SamplesCopyToBuffer", err)
		return
	}

	// Split planes
	ps = make([][]float32, channels)
	for ch := range ps {
		ps[ch] = make([]float32, samples)
		for i := range ps[ch] {
			ps[ch][i] = math.Float32frombits(binary.LittleEndian.Uint32(b[(ch*samples+i)*4:]))
		}
	}
	return
}

// Close implements the astimoq.SampleConverter interface
func (c *sampleConverter) Close() {
	c.c.Close()
}
