package astimoq

import (
	"errors"
	"fmt"
)

// AudioSamples is decoded and converted audio waiting to be emitted
type AudioSamples struct {
	Data       [][]float32 // One slice per channel
	PTS        uint64      // Microseconds
	SampleRate int
	Samples    int
}

// AudioDecoder wraps an audio codec and converts its output to float32 planar samples.
// It is not safe for concurrent use, callers serialize access through the decoder gate.
type AudioDecoder struct {
	c      AudioCodec
	codec  AudioCodecID
	config AudioConfig
	sc     SampleConverter
	scKey  sampleConverterKey
}

type sampleConverterKey struct {
	channels     int
	sampleFormat int
	sampleRate   int
}

// NewAudioDecoder creates a new audio decoder. Nothing is left behind on failure.
func NewAudioDecoder(f CodecFactory, c AudioConfig) (d *AudioDecoder, err error) {
	// Create decoder
	d = &AudioDecoder{config: c}

	// Get codec
	d.codec, _ = c.CodecID()

	// Create codec
	if d.c, err = f.NewAudioCodec(c); err != nil {
		err = fmt.Errorf("astimoq: creating %s audio codec failed: %w", d.codec, err)
		return nil, err
	}
	return
}

// Codec returns the codec id
func (d *AudioDecoder) Codec() AudioCodecID {
	return d.codec
}

// Config returns the config the decoder was created with
func (d *AudioDecoder) Config() AudioConfig {
	return d.config
}

// Decode submits a payload and returns every frame the codec had ready
func (d *AudioDecoder) Decode(payload []byte, ptsUS uint64) (ss []AudioSamples, err error) {
	// Send packet
	if err = d.c.SendPacket(payload, int64(ptsUS)); err != nil {
		err = fmt.Errorf("astimoq: sending packet to %s decoder failed: %w", d.codec, err)
		return
	}

	// Drain
	var errs []error
	var emittedUS uint64
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
		s, errC := d.convert(f, ptsUS+emittedUS)
		f.Release()
		if errC != nil {
			errs = append(errs, errC)
			continue
		}

		// Everything was buffered by the converter
		if s.Samples == 0 {
			continue
		}
		ss = append(ss, s)

		// Frames without pts follow the previous ones
		if s.SampleRate > 0 {
			emittedUS += uint64(s.Samples) * 1e6 / uint64(s.SampleRate)
		}
	}
	err = errors.Join(errs...)
	return
}

func (d *AudioDecoder) convert(f AudioCodecFrame, defaultPTS uint64) (s AudioSamples, err error) {
	// Check frame
	if f.Samples() <= 0 || f.Channels() <= 0 || f.SampleRate() <= 0 {
		err = fmt.Errorf("astimoq: invalid audio frame with %d samples, %d channels and sample rate %d", f.Samples(), f.Channels(), f.SampleRate())
		return
	}

	// Make sure the sample converter matches the frame
	k := sampleConverterKey{channels: f.Channels(), sampleFormat: f.SampleFormat(), sampleRate: f.SampleRate()}
	if d.sc == nil || d.scKey != k {
		// Close previous converter
		if d.sc != nil {
			d.sc.Close()
			d.sc = nil
		}

		// Create converter
		if d.sc, err = d.c.NewSampleConverter(k.sampleRate, k.channels, k.sampleFormat); err != nil {
			err = fmt.Errorf("astimoq: creating sample converter failed: %w", err)
			return
		}
		d.scKey = k
	}

	// Convert
	if s.Data, err = d.sc.ToFloatPlanar(f); err != nil {
		err = fmt.Errorf("astimoq: converting %d samples to float planar failed: %w", f.Samples(), err)
		return
	} else if len(s.Data) == 0 {
		err = ErrNilBuffer
		return
	}

	// Get pts
	s.PTS = defaultPTS
	if v, ok := f.PTS(); ok && v >= 0 {
		s.PTS = uint64(v)
	}
	s.SampleRate = f.SampleRate()
	s.Samples = len(s.Data[0])
	return
}

// Close frees the sample converter and the codec
func (d *AudioDecoder) Close() {
	if d.sc != nil {
		d.sc.Close()
		d.sc = nil
	}
	if d.c != nil {
		d.c.Close()
		d.c = nil
	}
}
