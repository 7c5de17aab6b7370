package astimoq

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

type mockedTransportCall struct {
	id   int32
	kind string
}

type mockedTransport struct {
	audioConfigs map[CatalogID]AudioConfig
	audioTracks  map[TrackID]func(FrameID)
	catalogFn    func(CatalogID)
	closes       []mockedTransportCall
	creates      []mockedTransportCall
	errs         map[string]error
	frameCloses  map[FrameID]int
	frames       map[FrameID]Frame
	id           int32
	m            *sync.Mutex
	statusFn     func(code int32)
	url          string
	videoConfigs map[CatalogID]VideoConfig
	videoTracks  map[TrackID]func(FrameID)
}

func newMockedTransport() *mockedTransport {
	return &mockedTransport{
		audioConfigs: make(map[CatalogID]AudioConfig),
		audioTracks:  make(map[TrackID]func(FrameID)),
		errs:         make(map[string]error),
		frameCloses:  make(map[FrameID]int),
		frames:       make(map[FrameID]Frame),
		m:            &sync.Mutex{},
		videoConfigs: make(map[CatalogID]VideoConfig),
		videoTracks:  make(map[TrackID]func(FrameID)),
	}
}

func (t *mockedTransport) failOn(kind string) {
	t.m.Lock()
	defer t.m.Unlock()
	t.errs[kind] = NewTransportError(kind, -1)
}

func (t *mockedTransport) create(kind string) (int32, error) {
	t.m.Lock()
	defer t.m.Unlock()
	if err, ok := t.errs[kind]; ok {
		return 0, err
	}
	t.id++
	t.creates = append(t.creates, mockedTransportCall{id: t.id, kind: kind})
	return t.id, nil
}

func (t *mockedTransport) close(kind string, id int32) error {
	t.m.Lock()
	defer t.m.Unlock()
	t.closes = append(t.closes, mockedTransportCall{id: id, kind: kind})
	return nil
}

func (t *mockedTransport) closedKinds() (ks []string) {
	t.m.Lock()
	defer t.m.Unlock()
	for _, c := range t.closes {
		ks = append(ks, c.kind)
	}
	return
}

func (t *mockedTransport) createdKinds() (ks []string) {
	t.m.Lock()
	defer t.m.Unlock()
	for _, c := range t.creates {
		ks = append(ks, c.kind)
	}
	return
}

// unbalanced returns created handles that were not closed exactly once
func (t *mockedTransport) unbalanced() (us []string) {
	t.m.Lock()
	defer t.m.Unlock()
	count := make(map[mockedTransportCall]int)
	for _, c := range t.closes {
		count[c]++
	}
	for _, c := range t.creates {
		if count[c] != 1 {
			us = append(us, fmt.Sprintf("%s:%d:%d", c.kind, c.id, count[c]))
		}
	}
	return
}

func (t *mockedTransport) OriginCreate() (OriginID, error) {
	id, err := t.create("origin")
	return OriginID(id), err
}

func (t *mockedTransport) OriginClose(o OriginID) error { return t.close("origin", int32(o)) }

func (t *mockedTransport) OriginConsume(o OriginID, path string) (BroadcastID, error) {
	id, err := t.create("broadcast")
	return BroadcastID(id), err
}

func (t *mockedTransport) SessionConnect(url string, publish, consume OriginID, status func(code int32)) (SessionID, error) {
	id, err := t.create("session")
	if err == nil {
		t.m.Lock()
		t.statusFn = status
		t.url = url
		t.m.Unlock()
	}
	return SessionID(id), err
}

func (t *mockedTransport) SessionClose(s SessionID) error { return t.close("session", int32(s)) }

func (t *mockedTransport) ConsumeClose(b BroadcastID) error { return t.close("broadcast", int32(b)) }

func (t *mockedTransport) ConsumeCatalog(b BroadcastID, fn func(CatalogID)) (CatalogConsumerID, error) {
	id, err := t.create("catalog")
	if err == nil {
		t.m.Lock()
		t.catalogFn = fn
		t.m.Unlock()
	}
	return CatalogConsumerID(id), err
}

func (t *mockedTransport) ConsumeCatalogClose(c CatalogConsumerID) error {
	return t.close("catalog", int32(c))
}

func (t *mockedTransport) ConsumeVideoConfig(c CatalogID, index int) (VideoConfig, error) {
	t.m.Lock()
	defer t.m.Unlock()
	v, ok := t.videoConfigs[c]
	if !ok || index != 0 {
		return VideoConfig{}, NewTransportError("video config", -1)
	}
	return v, nil
}

func (t *mockedTransport) ConsumeAudioConfig(c CatalogID, index int) (AudioConfig, error) {
	t.m.Lock()
	defer t.m.Unlock()
	v, ok := t.audioConfigs[c]
	if !ok || index != 0 {
		return AudioConfig{}, NewTransportError("audio config", -1)
	}
	return v, nil
}

func (t *mockedTransport) ConsumeVideoTrack(b BroadcastID, index int, latency time.Duration, fn func(FrameID)) (TrackID, error) {
	id, err := t.create("video_track")
	if err == nil {
		t.m.Lock()
		t.videoTracks[TrackID(id)] = fn
		t.m.Unlock()
	}
	return TrackID(id), err
}

func (t *mockedTransport) ConsumeVideoTrackClose(id TrackID) error {
	return t.close("video_track", int32(id))
}

func (t *mockedTransport) ConsumeAudioTrack(b BroadcastID, index int, latency time.Duration, fn func(FrameID)) (TrackID, error) {
	id, err := t.create("audio_track")
	if err == nil {
		t.m.Lock()
		t.audioTracks[TrackID(id)] = fn
		t.m.Unlock()
	}
	return TrackID(id), err
}

func (t *mockedTransport) ConsumeAudioTrackClose(id TrackID) error {
	return t.close("audio_track", int32(id))
}

func (t *mockedTransport) ConsumeFrameChunk(f FrameID, index int) (Frame, error) {
	t.m.Lock()
	defer t.m.Unlock()
	v, ok := t.frames[f]
	if !ok || index != 0 {
		return Frame{}, NewTransportError("frame chunk", -1)
	}
	return v, nil
}

func (t *mockedTransport) ConsumeFrameClose(f FrameID) error {
	t.m.Lock()
	defer t.m.Unlock()
	t.frameCloses[f]++
	return nil
}

func (t *mockedTransport) status(code int32) {
	t.m.Lock()
	fn := t.statusFn
	t.m.Unlock()
	fn(code)
}

func (t *mockedTransport) catalog(v *VideoConfig, a *AudioConfig) CatalogID {
	t.m.Lock()
	t.id++
	id := CatalogID(t.id)
	if v != nil {
		t.videoConfigs[id] = *v
	}
	if a != nil {
		t.audioConfigs[id] = *a
	}
	fn := t.catalogFn
	t.m.Unlock()
	fn(id)
	return id
}

func (t *mockedTransport) lastTrack(kind string) (fn func(FrameID)) {
	t.m.Lock()
	defer t.m.Unlock()
	for i := len(t.creates) - 1; i >= 0; i-- {
		if c := t.creates[i]; c.kind == kind {
			if kind == "video_track" {
				return t.videoTracks[TrackID(c.id)]
			}
			return t.audioTracks[TrackID(c.id)]
		}
	}
	return nil
}

// deliver registers a frame and delivers it through fn
func (t *mockedTransport) deliver(fn func(FrameID), f Frame) FrameID {
	t.m.Lock()
	t.id++
	id := FrameID(t.id)
	t.frames[id] = f
	t.m.Unlock()
	fn(id)
	return id
}

func (t *mockedTransport) frameCloseCount(id FrameID) int {
	t.m.Lock()
	defer t.m.Unlock()
	return t.frameCloses[id]
}

// nalPayload builds a length-prefixed payload out of NAL units
func nalPayload(nals ...[]byte) (b []byte) {
	for _, n := range nals {
		l := len(n)
		b = append(b, byte(l>>24), byte(l>>16), byte(l>>8), byte(l))
		b = append(b, n...)
	}
	return
}

type mockedCodecFactory struct {
	audio     []*mockedAudioCodec
	failAudio bool
	failVideo bool
	height    int
	m         *sync.Mutex
	video     []*mockedVideoCodec
	width     int
}

func newMockedCodecFactory() *mockedCodecFactory {
	return &mockedCodecFactory{
		height: 2,
		m:      &sync.Mutex{},
		width:  2,
	}
}

func (f *mockedCodecFactory) NewVideoCodec(c VideoConfig) (VideoCodec, error) {
	f.m.Lock()
	defer f.m.Unlock()
	if f.failVideo {
		return nil, errors.New("mocked video failure")
	}
	v := &mockedVideoCodec{
		config: c,
		height: f.height,
		m:      &sync.Mutex{},
		width:  f.width,
	}
	f.video = append(f.video, v)
	return v, nil
}

func (f *mockedCodecFactory) NewAudioCodec(c AudioConfig) (AudioCodec, error) {
	f.m.Lock()
	defer f.m.Unlock()
	if f.failAudio {
		return nil, errors.New("mocked audio failure")
	}
	a := &mockedAudioCodec{config: c, m: &sync.Mutex{}}
	f.audio = append(f.audio, a)
	return a, nil
}

func (f *mockedCodecFactory) lastVideo() *mockedVideoCodec {
	f.m.Lock()
	defer f.m.Unlock()
	if len(f.video) == 0 {
		return nil
	}
	return f.video[len(f.video)-1]
}

// mockedVideoCodec outputs one frame per packet and records any use overlapping or following Close
type mockedVideoCodec struct {
	block      chan struct{}
	closed     atomic.Bool
	config     VideoConfig
	entered    chan struct{}
	height     int
	inUse      atomic.Int32
	m          *sync.Mutex
	packets    [][]byte
	pending    []int64
	sendErr    error
	violations atomic.Int32
	width      int
}

func (c *mockedVideoCodec) enter() {
	if c.inUse.Add(1) > 1 || c.closed.Load() {
		c.violations.Add(1)
	}
}

func (c *mockedVideoCodec) leave() { c.inUse.Add(-1) }

func (c *mockedVideoCodec) SendPacket(data []byte, pts int64) error {
	c.enter()
	defer c.leave()
	if c.entered != nil {
		c.entered <- struct{}{}
	}
	if c.block != nil {
		<-c.block
	}
	c.m.Lock()
	defer c.m.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.packets = append(c.packets, append([]byte(nil), data...))
	c.pending = append(c.pending, pts)
	return nil
}

func (c *mockedVideoCodec) ReceiveFrame() (VideoCodecFrame, error) {
	c.enter()
	defer c.leave()
	c.m.Lock()
	defer c.m.Unlock()
	if len(c.pending) == 0 {
		return nil, ErrCodecWouldBlock
	}
	pts := c.pending[0]
	c.pending = c.pending[1:]
	return &mockedVideoFrame{height: c.height, pts: pts, width: c.width}, nil
}

func (c *mockedVideoCodec) NewColorConverter(width, height, pixelFormat int) (ColorConverter, error) {
	return &mockedColorConverter{}, nil
}

func (c *mockedVideoCodec) Close() {
	if c.inUse.Load() > 0 {
		c.violations.Add(1)
	}
	c.closed.Store(true)
}

func (c *mockedVideoCodec) sentPackets() [][]byte {
	c.m.Lock()
	defer c.m.Unlock()
	return c.packets
}

type mockedVideoFrame struct {
	height   int
	noPTS    bool
	pts      int64
	released bool
	width    int
}

func (f *mockedVideoFrame) Height() int      { return f.height }
func (f *mockedVideoFrame) PixelFormat() int { return 0 }
func (f *mockedVideoFrame) PTS() (int64, bool) {
	return f.pts, !f.noPTS
}
func (f *mockedVideoFrame) Release()   { f.released = true }
func (f *mockedVideoFrame) Width() int { return f.width }

type mockedColorConverter struct {
	closed bool
	err    error
}

func (c *mockedColorConverter) ToRGBA(f VideoCodecFrame, dst []byte) error {
	if c.err != nil {
		return c.err
	}
	for i := range dst {
		dst[i] = 0xff
	}
	return nil
}

func (c *mockedColorConverter) Close() { c.closed = true }

// mockedAudioCodec outputs one stereo frame of 960 samples at 48kHz per packet
type mockedAudioCodec struct {
	buffered int
	closed   bool
	config   AudioConfig
	m        *sync.Mutex
	pending  []int64
}

func (c *mockedAudioCodec) SendPacket(data []byte, pts int64) error {
	c.m.Lock()
	defer c.m.Unlock()
	c.pending = append(c.pending, pts)
	return nil
}

func (c *mockedAudioCodec) ReceiveFrame() (AudioCodecFrame, error) {
	c.m.Lock()
	defer c.m.Unlock()
	if len(c.pending) == 0 {
		return nil, ErrCodecWouldBlock
	}
	pts := c.pending[0]
	c.pending = c.pending[1:]
	return &mockedAudioFrame{channels: 2, pts: pts, sampleRate: 48000, samples: 960}, nil
}

func (c *mockedAudioCodec) NewSampleConverter(sampleRate, channels, sampleFormat int) (SampleConverter, error) {
	return &mockedSampleConverter{c: c}, nil
}

func (c *mockedAudioCodec) Close() {
	c.m.Lock()
	defer c.m.Unlock()
	c.closed = true
}

type mockedAudioFrame struct {
	channels   int
	noPTS      bool
	pts        int64
	sampleRate int
	samples    int
}

func (f *mockedAudioFrame) Channels() int { return f.channels }
func (f *mockedAudioFrame) PTS() (int64, bool) {
	return f.pts, !f.noPTS
}
func (f *mockedAudioFrame) Release()          {}
func (f *mockedAudioFrame) SampleFormat() int { return 0 }
func (f *mockedAudioFrame) SampleRate() int   { return f.sampleRate }
func (f *mockedAudioFrame) Samples() int      { return f.samples }

// mockedSampleConverter keeps buffered samples of every frame, the way a resampler does
type mockedSampleConverter struct {
	c *mockedAudioCodec
}

func (c *mockedSampleConverter) ToFloatPlanar(f AudioCodecFrame) ([][]float32, error) {
	c.c.m.Lock()
	buffered := c.c.buffered
	c.c.m.Unlock()
	ps := make([][]float32, f.Channels())
	for i := range ps {
		ps[i] = make([]float32, max(f.Samples()-buffered, 0))
	}
	return ps, nil
}

func (c *mockedSampleConverter) Close() {}

type mockedSink struct {
	audio []AudioFrame
	m     *sync.Mutex
	video []VideoFrame
}

func newMockedSink() *mockedSink {
	return &mockedSink{m: &sync.Mutex{}}
}

func (s *mockedSink) OutputVideo(f VideoFrame) {
	s.m.Lock()
	defer s.m.Unlock()
	s.video = append(s.video, f)
}

func (s *mockedSink) OutputAudio(f AudioFrame) {
	s.m.Lock()
	defer s.m.Unlock()
	s.audio = append(s.audio, f)
}

func (s *mockedSink) videoTimestamps() (ts []uint64) {
	s.m.Lock()
	defer s.m.Unlock()
	for _, f := range s.video {
		ts = append(ts, f.Timestamp)
	}
	return
}

func (s *mockedSink) audioTimestamps() (ts []uint64) {
	s.m.Lock()
	defer s.m.Unlock()
	for _, f := range s.audio {
		ts = append(ts, f.Timestamp)
	}
	return
}
