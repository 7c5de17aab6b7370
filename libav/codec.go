package astilibav

import (
	"fmt"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astimoq"
)

func videoCodecID(c astimoq.VideoCodecID) astiav.CodecID {
	switch c {
	case astimoq.VideoCodecHEVC:
		return astiav.CodecIDHevc
	case astimoq.VideoCodecAV1:
		return astiav.CodecIDAv1
	default:
		return astiav.CodecIDH264
	}
}

func audioCodecID(c astimoq.AudioCodecID) astiav.CodecID {
	if c == astimoq.AudioCodecAAC {
		return astiav.CodecIDAac
	}
	return astiav.CodecIDOpus
}

func channelLayout(channels int) (astiav.ChannelLayout, bool) {
	switch channels {
	case 1:
		return astiav.ChannelLayoutMono, true
	case 2:
		return astiav.ChannelLayoutStereo, true
	}
	return astiav.ChannelLayout{}, false
}

// Factory creates libav codecs
type Factory struct{}

// NewFactory creates a new factory
func NewFactory() *Factory {
	return &Factory{}
}

// NewVideoCodec implements the astimoq.CodecFactory interface
func (f *Factory) NewVideoCodec(c astimoq.VideoConfig) (astimoq.VideoCodec, error) {
	id, _ := c.CodecID()
	return newVideoCodec(videoCodecID(id), c.Extradata)
}

// NewAudioCodec implements the astimoq.CodecFactory interface
func (f *Factory) NewAudioCodec(c astimoq.AudioConfig) (astimoq.AudioCodec, error) {
	id, _ := c.CodecID()
	return newAudioCodec(audioCodecID(id), c)
}

// openCodecContext allocates and opens a decoding context. Nothing is left behind on failure.
func openCodecContext(id astiav.CodecID, extradata []byte, configure func(cc *astiav.CodecContext)) (cc *astiav.CodecContext, err error) {
	// Find decoder
	var cdc *astiav.Codec
	if cdc = astiav.FindDecoder(id); cdc == nil {
		err = fmt.Errorf("%w: %s", ErrDecoderNotFound, id)
		return
	}

	// Alloc context
	if cc = astiav.AllocCodecContext(cdc); cc == nil {
		err = fmt.Errorf("%w: codec context", ErrAllocFailed)
		return
	}

	// Make sure the context is freed on failure
	defer func() {
		if err != nil {
			cc.Free()
			cc = nil
		}
	}()

	// Set extradata, libav adds the padding
	if len(extradata) > 0 {
		if err = cc.SetExtraData(extradata); err != nil {
			err = newAvError("cc.SetExtraData", err)
			return
		}
	}

	// Configure
	if configure != nil {
		configure(cc)
	}

	// Open codec
	if err = cc.Open(cdc, nil); err != nil {
		err = newAvError("cc.Open", err)
		return
	}
	return
}

// sendPacket copies data into the packet and sends it to the codec context
func sendPacket(cc *astiav.CodecContext, pkt *astiav.Packet, data []byte, pts int64) (err error) {
	// Make sure the packet is unreferenced
	defer pkt.Unref()

	// Fill packet
	if err = pkt.FromData(data); err != nil {
		return newAvError("pkt.FromData", err)
	}
	pkt.SetPts(pts)

	// Send packet
	if err = cc.SendPacket(pkt); err != nil {
		return codecError("cc.SendPacket", err)
	}
	return
}

// receiveFrame receives a frame from the codec context
func receiveFrame(cc *astiav.CodecContext, f *astiav.Frame) error {
	if err := cc.ReceiveFrame(f); err != nil {
		return codecError("cc.ReceiveFrame", err)
	}
	return nil
}

func framePTS(f *astiav.Frame) (int64, bool) {
	if pts := f.Pts(); pts != astiav.NoPtsValue {
		return pts, true
	}
	return 0, false
}
