package astimoq

import "fmt"

func (s *Source) closeFrame(id FrameID) {
	if err := s.t.ConsumeFrameClose(id); err != nil {
		s.eh.Emit(EventError(s, fmt.Errorf("astimoq: closing frame %d failed: %w", id, err)))
	}
}

func (s *Source) dropFrame(track, reason string) {
	s.metrics.incDropped(track, reason)
	s.ss.dropped(track)
}

func (s *Source) readFrame(track string, id FrameID) (f Frame, ok bool) {
	// Count
	s.metrics.incReceived(track)
	s.ss.received(track)

	// Fast reject
	if !s.active.Load() {
		s.dropFrame(track, DropReasonInactive)
		return
	}

	// Read the first and only chunk
	var err error
	if f, err = s.t.ConsumeFrameChunk(id, 0); err != nil {
		s.dropFrame(track, DropReasonNoChunk)
		s.eh.Emit(EventError(s, fmt.Errorf("astimoq: reading %s frame %d failed: %w", track, id, err)))
		return
	}
	return f, true
}

func (s *Source) onVideoFrame(generation uint64, id FrameID) {
	// Invalid frame
	if id <= 0 {
		return
	}

	// Make sure the frame is released exactly once
	defer s.closeFrame(id)

	// Read frame
	f, ok := s.readFrame(TrackLabelVideo, id)
	if !ok {
		return
	}

	// Decode
	fs, err := s.decodeVideo(generation, f)
	if err != nil {
		s.eh.Emit(EventError(s, fmt.Errorf("astimoq: decoding video frame %d failed: %w", id, err)))
	}

	// Output, no lock is held at this point
	for _, v := range fs {
		s.s.OutputVideo(v)
	}
	s.metrics.addDecoded(TrackLabelVideo, len(fs))
	if len(fs) > 0 {
		s.ss.decoded(TrackLabelVideo, len(fs))
	}
}

// decodeVideo decodes the frame under the gate and returns the frames the sink must receive once the gate is released
func (s *Source) decodeVideo(generation uint64, f Frame) (fs []VideoFrame, err error) {
	// Lock
	l := s.g.acquire()
	defer l.release()

	// Check active again now that the gate is held
	if !s.active.Load() {
		s.dropFrame(TrackLabelVideo, DropReasonInactive)
		return
	}

	// Get decoder
	d := l.videoDecoder(generation)
	if d == nil {
		s.dropFrame(TrackLabelVideo, DropReasonStale)
		return
	}

	// Decode
	var ps []VideoPicture
	if ps, err = d.Decode(f.Payload, f.TimestampUS, f.Keyframe); err != nil && len(ps) == 0 {
		s.dropFrame(TrackLabelVideo, DropReasonDecode)
	}

	// Map timestamps
	activation := s.activation.Load()
	for _, p := range ps {
		fs = append(fs, VideoFrame{
			Activation: activation,
			Data:       p.Data,
			Format:     PixelFormatRGBA,
			FullRange:  true,
			Height:     p.Height,
			Linesize:   p.Width * 4,
			Timestamp:  s.vm.Map(p.PTS),
			Width:      p.Width,
		})
	}
	return
}

func (s *Source) onAudioFrame(generation uint64, id FrameID) {
	// Invalid frame
	if id <= 0 {
		return
	}

	// Make sure the frame is released exactly once
	defer s.closeFrame(id)

	// Read frame
	f, ok := s.readFrame(TrackLabelAudio, id)
	if !ok {
		return
	}

	// Decode
	fs, err := s.decodeAudio(generation, f)
	if err != nil {
		s.eh.Emit(EventError(s, fmt.Errorf("astimoq: decoding audio frame %d failed: %w", id, err)))
	}

	// Output, no lock is held at this point
	for _, a := range fs {
		s.s.OutputAudio(a)
	}
	s.metrics.addDecoded(TrackLabelAudio, len(fs))
	if len(fs) > 0 {
		s.ss.decoded(TrackLabelAudio, len(fs))
	}
}

func (s *Source) decodeAudio(generation uint64, f Frame) (fs []AudioFrame, err error) {
	// Lock
	l := s.g.acquire()
	defer l.release()

	// Check active again now that the gate is held
	if !s.active.Load() {
		s.dropFrame(TrackLabelAudio, DropReasonInactive)
		return
	}

	// Get decoder
	d := l.audioDecoder(generation)
	if d == nil {
		s.dropFrame(TrackLabelAudio, DropReasonStale)
		return
	}

	// Decode
	var ss []AudioSamples
	if ss, err = d.Decode(f.Payload, f.TimestampUS); err != nil && len(ss) == 0 {
		s.dropFrame(TrackLabelAudio, DropReasonDecode)
	}

	// Map timestamps
	activation := s.activation.Load()
	for _, v := range ss {
		fs = append(fs, AudioFrame{
			Activation: activation,
			Data:       v.Data,
			Format:     SampleFormatFloatPlanar,
			SampleRate: v.SampleRate,
			Samples:    v.Samples,
			Timestamp:  s.am.Map(v.PTS),
		})
	}
	return
}
