package astimoq

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asticode/go-astikit"
	"github.com/google/uuid"
)

// DefaultTrackLatency is the target latency requested for every track
const DefaultTrackLatency = 100 * time.Millisecond

// Source errors
var (
	ErrAlreadyActive = errors.New("astimoq: source is already active")
	ErrNoTrack       = errors.New("astimoq: no track could be subscribed")
)

// SourceOptions represents source options
type SourceOptions struct {
	Codecs       CodecFactory
	EventHandler *EventHandler
	Logger       astikit.StdLogger
	Metrics      *Metrics
	Now          HostClock
	Sink         Sink
	Stater       *Stater
	TrackLatency time.Duration
	Transport    Transport
}

// Source subscribes to a MoQ broadcast, decodes its first video and audio tracks and hands decoded frames to a sink.
//
// Control methods (Activate, Deactivate, Update and Close) are serialized. Transport callbacks can run on any
// goroutine: session and catalog callbacks are serialized with control methods, frame callbacks only go through the
// decoder gate. Lock order is cm > m > decoder gate > timestamp mappers and no lock is held while calling the sink.
type Source struct {
	activation   *atomic.Uint64 // Written under m and read under the decoder gate
	active       *atomic.Bool
	activationID string // Locked by sm
	am           *TimestampMapper
	c            *subscriptionChain // Locked by m
	cf           CodecFactory
	cm           *sync.Mutex // Serializes control methods
	eh           *EventHandler
	epoch        uint64  // Locked by m
	es           []Event // Locked by m
	g            *decoderGate
	l            astikit.CompleteLogger
	latency      time.Duration
	m            *sync.Mutex
	metrics      *Metrics
	s            Sink
	settings     Settings // Locked by m
	sm           *sync.Mutex
	ss           *sourceStats
	st           *Stater
	state        State // Locked by sm
	t            Transport
	vm           *TimestampMapper
}

// NewSource creates a new source
func NewSource(o SourceOptions) (s *Source) {
	// Create source
	s = &Source{
		activation: &atomic.Uint64{},
		active:     &atomic.Bool{},
		am:         NewTimestampMapper(o.Now),
		c:          newSubscriptionChain(o.Transport),
		cf:         o.Codecs,
		cm:         &sync.Mutex{},
		eh:         o.EventHandler,
		g:          newDecoderGate(),
		l:          astikit.AdaptStdLogger(o.Logger),
		latency:    o.TrackLatency,
		m:          &sync.Mutex{},
		metrics:    o.Metrics,
		s:          o.Sink,
		sm:         &sync.Mutex{},
		ss:         newSourceStats(),
		st:         o.Stater,
		state:      StateIdle,
		t:          o.Transport,
		vm:         NewTimestampMapper(o.Now),
	}

	// Default values
	if s.eh == nil {
		s.eh = NewEventHandler()
	}
	if s.latency <= 0 {
		s.latency = DefaultTrackLatency
	}
	if s.s == nil {
		s.s = NewQueue(QueueOptions{})
	}

	// Add stats
	if s.st != nil {
		s.st.AddStats(s, s.ss.options()...)
	}
	s.metrics.setState(StateIdle)
	return
}

// State returns the current state
func (s *Source) State() State {
	s.sm.Lock()
	defer s.sm.Unlock()
	return s.state
}

// ActivationID returns the id of the current activation
func (s *Source) ActivationID() string {
	s.sm.Lock()
	defer s.sm.Unlock()
	return s.activationID
}

// Active returns whether the source is active
func (s *Source) Active() bool {
	return s.active.Load()
}

// Settings returns the stored settings
func (s *Source) Settings() Settings {
	s.m.Lock()
	defer s.m.Unlock()
	return s.settings
}

// Handles returns the live transport handles
func (s *Source) Handles() ChainHandles {
	s.m.Lock()
	defer s.m.Unlock()
	return s.c.handles()
}

// TimestampMappers returns the video and audio timestamp mappers
func (s *Source) TimestampMappers() (video, audio *TimestampMapper) {
	return s.vm, s.am
}

// EventHandler returns the event handler
func (s *Source) EventHandler() *EventHandler {
	return s.eh
}

// lock locks m. Events queued while m is locked are emitted by unlock once m is released.
func (s *Source) lock() {
	s.m.Lock()
}

func (s *Source) unlock() {
	es := s.es
	s.es = nil
	s.m.Unlock()
	for _, e := range es {
		s.eh.Emit(e)
	}
}

// Must be called while holding m
func (s *Source) queueEvent(e Event) {
	s.es = append(s.es, e)
}

// Must be called while holding m
func (s *Source) queueError(err error) {
	s.queueEvent(EventError(s, err))
}

// Must be called while holding m
func (s *Source) setState(to State) {
	// Lock
	s.sm.Lock()
	from := s.state
	if from == to || !from.canTransitionTo(to) {
		s.sm.Unlock()
		return
	}
	s.state = to
	id := s.activationID
	s.sm.Unlock()

	// Update metrics
	s.metrics.setState(to)

	// Queue event
	s.queueEvent(Event{
		Name: EventNameStateChanged,
		Payload: EventStateChanged{
			ActivationID: id,
			From:         from,
			To:           to,
		},
		Target: s,
	})
}

// Activate validates the settings and connects. The rest of the bringup happens asynchronously in transport callbacks.
func (s *Source) Activate(st Settings) (err error) {
	// Lock
	s.cm.Lock()
	defer s.cm.Unlock()

	// Activate
	return s.activate(st)
}

// Must be called while holding cm
func (s *Source) activate(st Settings) (err error) {
	// Already active
	if s.active.Load() {
		return ErrAlreadyActive
	}

	// Previous activation left live handles or a failed state behind
	s.lock()
	stale := s.c.handles() != ChainHandles{} || s.State() != StateIdle
	s.unlock()
	if stale {
		s.deactivate()
	}

	// Lock
	s.lock()
	defer s.unlock()

	// Store settings
	s.settings = st

	// Validate settings
	if err = st.Validate(); err != nil {
		s.queueError(fmt.Errorf("astimoq: validating settings failed: %w", err))
		return
	}

	// Create activation
	s.activation.Add(1)
	s.epoch++
	epoch := s.epoch
	s.sm.Lock()
	s.activationID = uuid.NewString()
	s.sm.Unlock()
	s.metrics.incActivations()
	s.l.Infof("astimoq: activating %s on %s (activation %s)", st.Broadcast, st.URL, s.ActivationID())

	// Reset timestamps
	s.vm.Reset()
	s.am.Reset()

	// Create origin
	var o OriginID
	if o, err = s.t.OriginCreate(); err != nil {
		err = fmt.Errorf("astimoq: creating origin failed: %w", err)
		s.queueError(err)
		return
	}
	s.c.setOrigin(o)

	// Update state
	s.active.Store(true)
	s.setState(StateConnecting)

	// Connect
	var id SessionID
	if id, err = s.t.SessionConnect(st.URL, 0, o, func(code int32) { s.onSessionStatus(epoch, code) }); err != nil {
		err = fmt.Errorf("astimoq: connecting to %s failed: %w", st.URL, err)
		s.queueError(err)
		s.abortLocked()
		s.setState(StateIdle)
		return
	}
	if err = s.c.setSession(id); err != nil {
		err = fmt.Errorf("astimoq: attaching session failed: %w", err)
		s.queueError(err)
		s.abortLocked()
		s.setState(StateIdle)
		return
	}
	return
}

// abortLocked marks the source inactive and closes whatever was created so far.
// Must be called while holding m.
func (s *Source) abortLocked() {
	s.active.Store(false)
	if err := s.c.close(); err != nil {
		s.queueError(fmt.Errorf("astimoq: closing subscriptions failed: %w", err))
	}
}

// failLocked marks the source inactive and failed. Live handles are kept until deactivation.
// Must be called while holding m.
func (s *Source) failLocked(err error) {
	s.active.Store(false)
	s.queueError(err)
	s.setState(StateFailed)
}

// Deactivate closes every subscription in reverse order, drops pending output and destroys the decoders.
// It is idempotent and blocks until every in-flight decode has returned.
func (s *Source) Deactivate() {
	// Lock
	s.cm.Lock()
	defer s.cm.Unlock()

	// Deactivate
	s.deactivate()
}

// Must be called while holding cm
func (s *Source) deactivate() {
	// Clear active flag and detach subscriptions
	s.lock()
	wasActive := s.active.Swap(false)
	s.epoch++
	c := s.c.detach()
	s.unlock()

	// Log
	if wasActive {
		s.l.Infof("astimoq: deactivating (activation %s)", s.ActivationID())
	}

	// Close subscriptions
	if err := c.close(); err != nil {
		s.eh.Emit(EventError(s, fmt.Errorf("astimoq: closing subscriptions failed: %w", err)))
	}

	// Drain pending output, frames decoded before the gate is destroyed are rejected by the sink
	if d, ok := s.s.(Drainer); ok {
		d.Drain(s.activation.Load())
	}

	// Destroy decoders
	l := s.g.acquire()
	l.destroy()
	l.release()

	// Reset timestamps
	s.vm.Reset()
	s.am.Reset()

	// Update state
	s.lock()
	s.setState(StateIdle)
	s.unlock()
}

// Update replaces the settings. Nothing happens if they didn't change, otherwise the source is deactivated and
// reactivated if both url and broadcast are set.
func (s *Source) Update(st Settings) (err error) {
	// Lock
	s.cm.Lock()
	defer s.cm.Unlock()

	// Nothing changed
	s.lock()
	unchanged := s.settings == st
	s.unlock()
	if unchanged {
		return
	}

	// Deactivate
	s.deactivate()

	// Store settings
	s.lock()
	s.settings = st
	s.unlock()

	// Reactivate
	if st.IsEmpty() {
		return
	}
	return s.activate(st)
}

// Close deactivates the source and removes its stats
func (s *Source) Close() error {
	// Deactivate
	s.Deactivate()

	// Remove stats
	if s.st != nil {
		s.st.DelStats(s, s.ss.options()...)
	}
	return nil
}

func (s *Source) onSessionStatus(epoch uint64, code int32) {
	// Lock
	s.lock()
	defer s.unlock()

	// Stale or inactive
	if epoch != s.epoch || !s.active.Load() {
		return
	}

	// Undefined status
	if code > SessionStatusConnected {
		s.l.Debugf("astimoq: ignoring session status %d", code)
		return
	}

	// Session failed
	if code < SessionStatusConnected {
		s.failLocked(fmt.Errorf("astimoq: session failed: %w", NewTransportError("session", code)))
		return
	}

	// Already connected
	if s.State() != StateConnecting {
		s.l.Debugf("astimoq: ignoring session status %d in state %s", code, s.State())
		return
	}

	// Update state
	s.l.Infof("astimoq: connected to %s", s.settings.URL)
	s.setState(StateSubscribing)

	// Consume broadcast
	b, err := s.t.OriginConsume(s.c.handles().Origin, s.settings.Broadcast)
	if err != nil {
		s.abortBringupLocked(fmt.Errorf("astimoq: consuming broadcast %s failed: %w", s.settings.Broadcast, err))
		return
	}
	if err = s.c.setBroadcast(b); err != nil {
		s.abortBringupLocked(fmt.Errorf("astimoq: attaching broadcast failed: %w", err))
		return
	}

	// Consume catalog
	c, err := s.t.ConsumeCatalog(b, func(id CatalogID) { s.onCatalog(epoch, id) })
	if err != nil {
		s.abortBringupLocked(fmt.Errorf("astimoq: consuming catalog failed: %w", err))
		return
	}
	if err = s.c.setCatalogConsumer(c); err != nil {
		s.abortBringupLocked(fmt.Errorf("astimoq: attaching catalog consumer failed: %w", err))
		return
	}
}

// Must be called while holding m
func (s *Source) abortBringupLocked(err error) {
	s.abortLocked()
	s.failLocked(err)
}

func (s *Source) onCatalog(epoch uint64, id CatalogID) {
	// Lock
	s.lock()
	defer s.unlock()

	// Stale or inactive
	if epoch != s.epoch || !s.active.Load() {
		return
	}

	// Invalid catalog
	if id <= 0 {
		s.queueError(fmt.Errorf("astimoq: invalid catalog: %w", NewTransportError("catalog", int32(id))))
		return
	}
	s.metrics.incCatalogs()

	// Read catalog
	c := s.readCatalog(id)

	// Get configs
	vc, ok := c.VideoConfig(0)
	if !ok {
		s.l.Warnf("astimoq: catalog has no usable video config, falling back to %s", DefaultVideoConfig().Codec)
		vc = DefaultVideoConfig()
	}
	if _, ok := vc.CodecID(); !ok {
		s.l.Warnf("astimoq: unknown video codec %q, falling back to h264", vc.Codec)
	}
	s.logVideoConfig(vc)
	ac, hasAudio := c.AudioConfig(0)
	if hasAudio {
		if _, ok := ac.CodecID(); !ok {
			s.l.Warnf("astimoq: unknown audio codec %q, falling back to opus", ac.Codec)
		}
	}

	// Close previous tracks so that no frame reaches the new decoders through them
	if err := s.c.closeTracks(); err != nil {
		s.queueError(fmt.Errorf("astimoq: closing tracks failed: %w", err))
	}

	// Create decoders
	generation, hasAudio, err := s.replaceDecoders(vc, ac, hasAudio)
	if err != nil {
		s.failLocked(err)
		return
	}

	// Get broadcast
	b := s.c.handles().Broadcast

	// Consume video track
	var tracks int
	if t, err := s.t.ConsumeVideoTrack(b, 0, s.latency, func(id FrameID) { s.onVideoFrame(generation, id) }); err != nil {
		s.l.Warnf("astimoq: consuming video track failed: %s", err)
	} else if err = s.c.setVideoTrack(t); err != nil {
		s.l.Warnf("astimoq: attaching video track failed: %s", err)
	} else {
		tracks++
	}

	// Consume audio track
	if hasAudio {
		if t, err := s.t.ConsumeAudioTrack(b, 0, s.latency, func(id FrameID) { s.onAudioFrame(generation, id) }); err != nil {
			s.l.Warnf("astimoq: consuming audio track failed: %s", err)
		} else if err = s.c.setAudioTrack(t); err != nil {
			s.l.Warnf("astimoq: attaching audio track failed: %s", err)
		} else {
			tracks++
		}
	}

	// No track
	if tracks == 0 {
		s.failLocked(ErrNoTrack)
		return
	}

	// Update state
	s.setState(StateStreaming)

	// Queue event
	s.queueEvent(Event{
		Name: EventNameCatalog,
		Payload: EventCatalog{
			ActivationID: s.ActivationID(),
			Catalog:      c,
		},
		Target: s,
	})
}

// readCatalog reads the full catalog when the transport allows it and falls back to track 0 configs otherwise.
// Must be called while holding m.
func (s *Source) readCatalog(id CatalogID) (c Catalog) {
	// Full catalog
	if r, ok := s.t.(CatalogReader); ok {
		var err error
		if c, err = r.ConsumeCatalogSnapshot(id); err == nil {
			return
		}
		s.l.Warnf("astimoq: reading catalog %d failed: %s", id, err)
		c = Catalog{}
	}

	// Video config
	if vc, err := s.t.ConsumeVideoConfig(id, 0); err != nil {
		s.l.Warnf("astimoq: reading video config of catalog %d failed: %s", id, err)
	} else {
		c.Video = append(c.Video, VideoTrack{Config: vc})
	}

	// Audio config
	if ac, err := s.t.ConsumeAudioConfig(id, 0); err != nil {
		s.l.Debugf("astimoq: catalog %d has no audio: %s", id, err)
	} else {
		c.Audio = append(c.Audio, AudioTrack{Config: ac})
	}
	return
}

func (s *Source) logVideoConfig(c VideoConfig) {
	if c.CodedWidth != nil && c.CodedHeight != nil {
		s.l.Infof("astimoq: video codec %s, coded size %dx%d", c.Codec, *c.CodedWidth, *c.CodedHeight)
	} else {
		s.l.Infof("astimoq: video codec %s", c.Codec)
	}
	i, err := c.Inspect()
	if err != nil {
		s.l.Warnf("astimoq: inspecting video config failed: %s", err)
		return
	}
	if i.Width > 0 && i.Height > 0 {
		s.l.Debugf("astimoq: avc profile %d, level %d, sps size %dx%d", i.Profile, i.Level, i.Width, i.Height)
	}
}

// replaceDecoders destroys the previous decoders and creates new ones under the gate.
// Failing to create the audio decoder only disables audio.
func (s *Source) replaceDecoders(vc VideoConfig, ac AudioConfig, hasAudio bool) (generation uint64, withAudio bool, err error) {
	// Lock
	l := s.g.acquire()
	defer l.release()

	// Destroy previous decoders
	l.destroy()

	// Create video decoder
	var v *VideoDecoder
	if v, err = NewVideoDecoder(s.cf, vc); err != nil {
		err = fmt.Errorf("astimoq: initializing video decoder failed: %w", err)
		return
	}

	// Create audio decoder
	var a *AudioDecoder
	if hasAudio {
		if a, err = NewAudioDecoder(s.cf, ac); err != nil {
			s.l.Warnf("astimoq: initializing audio decoder failed, audio is disabled: %s", err)
			a, err = nil, nil
		}
	}

	// Install decoders
	generation = l.replace(v, a)
	withAudio = a != nil
	return
}
