package astimoq

import (
	"sync"
	"sync/atomic"
)

// PixelFormat represents a host pixel format
type PixelFormat string

// Pixel formats
const (
	PixelFormatRGBA PixelFormat = "rgba"
)

// SampleFormat represents a host sample format
type SampleFormat string

// Sample formats
const (
	SampleFormatFloatPlanar SampleFormat = "float_planar"
)

// VideoFrame is a decoded video frame handed to the host. The sink owns Data once it receives the frame.
type VideoFrame struct {
	Activation uint64 // Activation that produced the frame, starting at 1
	Data       []byte
	Format     PixelFormat
	FullRange  bool
	Height     int
	Linesize   int
	Timestamp  uint64 // Nanoseconds
	Width      int
}

// AudioFrame is decoded audio handed to the host. The sink owns Data once it receives the frame.
type AudioFrame struct {
	Activation uint64      // Activation that produced the frame, starting at 1
	Data       [][]float32 // One slice per channel
	Format     SampleFormat
	SampleRate int
	Samples    int
	Timestamp  uint64 // Nanoseconds
}

// Channels returns the number of channels
func (f AudioFrame) Channels() int {
	return len(f.Data)
}

// Sink represents the host media pipeline
type Sink interface {
	OutputAudio(f AudioFrame)
	OutputVideo(f VideoFrame)
}

// Drainer is implemented by sinks buffering frames that must be dropped on deactivation.
// Drain drops every buffered frame. Frames of activation or of an earlier one may still reach the sink afterwards,
// when they were decoded before deactivation, and must be dropped as well.
type Drainer interface {
	Drain(activation uint64)
}

// QueueOptions represents queue options
type QueueOptions struct {
	AudioCapacity int
	VideoCapacity int
}

// Default queue capacity
const defaultQueueCapacity = 16

// Queue is a bounded sink pulled by the host render thread. When full, the oldest frame is dropped.
type Queue struct {
	am           *sync.Mutex // Locks as and droppedAudio
	as           []AudioFrame
	audioCap     int
	drained      *atomic.Uint64 // Last drained activation
	droppedAudio uint64
	droppedVideo uint64
	videoCap     int
	vm           *sync.Mutex // Locks vs and droppedVideo
	vs           []VideoFrame
}

// NewQueue creates a new queue
func NewQueue(o QueueOptions) *Queue {
	if o.AudioCapacity <= 0 {
		o.AudioCapacity = defaultQueueCapacity
	}
	if o.VideoCapacity <= 0 {
		o.VideoCapacity = defaultQueueCapacity
	}
	return &Queue{
		am:       &sync.Mutex{},
		audioCap: o.AudioCapacity,
		drained:  &atomic.Uint64{},
		vm:       &sync.Mutex{},
		videoCap: o.VideoCapacity,
	}
}

// OutputVideo implements the Sink interface
func (q *Queue) OutputVideo(f VideoFrame) {
	q.vm.Lock()
	defer q.vm.Unlock()
	if q.isDrained(f.Activation) {
		return
	}
	if len(q.vs) >= q.videoCap {
		q.vs = q.vs[1:]
		q.droppedVideo++
	}
	q.vs = append(q.vs, f)
}

// OutputAudio implements the Sink interface
func (q *Queue) OutputAudio(f AudioFrame) {
	q.am.Lock()
	defer q.am.Unlock()
	if q.isDrained(f.Activation) {
		return
	}
	if len(q.as) >= q.audioCap {
		q.as = q.as[1:]
		q.droppedAudio++
	}
	q.as = append(q.as, f)
}

// NextVideo pops the oldest video frame
func (q *Queue) NextVideo() (f VideoFrame, ok bool) {
	q.vm.Lock()
	defer q.vm.Unlock()
	if len(q.vs) == 0 {
		return
	}
	f, q.vs = q.vs[0], q.vs[1:]
	return f, true
}

// NextAudio pops the oldest audio frame
func (q *Queue) NextAudio() (f AudioFrame, ok bool) {
	q.am.Lock()
	defer q.am.Unlock()
	if len(q.as) == 0 {
		return
	}
	f, q.as = q.as[0], q.as[1:]
	return f, true
}

// Len returns the number of queued video and audio frames
func (q *Queue) Len() (video, audio int) {
	q.vm.Lock()
	video = len(q.vs)
	q.vm.Unlock()
	q.am.Lock()
	audio = len(q.as)
	q.am.Unlock()
	return
}

// Dropped returns the number of video and audio frames dropped because the queue was full
func (q *Queue) Dropped() (video, audio uint64) {
	q.vm.Lock()
	video = q.droppedVideo
	q.vm.Unlock()
	q.am.Lock()
	audio = q.droppedAudio
	q.am.Unlock()
	return
}

// isDrained returns whether frames of activation arrive after it was drained. Untagged frames are always kept.
func (q *Queue) isDrained(activation uint64) bool {
	return activation > 0 && activation <= q.drained.Load()
}

// Drain implements the Drainer interface
func (q *Queue) Drain(activation uint64) {
	if activation > q.drained.Load() {
		q.drained.Store(activation)
	}
	q.vm.Lock()
	q.vs = nil
	q.vm.Unlock()
	q.am.Lock()
	q.as = nil
	q.am.Unlock()
}
