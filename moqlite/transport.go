package astimoqlite

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"github.com/asticode/go-astikit"
	"github.com/asticode/go-astimoq"
)

// Return codes carried by transport errors
const (
	codeInvalidHandle int32 = -1
	codeInvalidURL    int32 = -2
	codeConnectFailed int32 = -3
	codeSessionClosed int32 = -4
	codeNotFound      int32 = -5
	codeClosed        int32 = -6
)

// CatalogTrackName is the name of the track carrying the catalog
const CatalogTrackName = "catalog.json"

// Default track names used when the catalog doesn't name its tracks
const (
	defaultAudioTrackName = "audio"
	defaultVideoTrackName = "video"
)

// Track priorities
const (
	priorityAudio   byte = 2
	priorityCatalog byte = 0
	priorityVideo   byte = 1
)

// TransportOptions represents transport options
type TransportOptions struct {
	HandshakeTimeout   time.Duration
	InsecureSkipVerify bool
	Logger             astikit.StdLogger
	TLSConfig          *tls.Config
}

type origin struct {
	s *session
}

type broadcast struct {
	catalog    astimoq.Catalog
	hasCatalog bool
	o          *origin
	path       string
}

type catalogConsumer struct {
	b   *broadcast
	ids []astimoq.CatalogID
	sub *subscription
}

// Transport is a consumer-only MoQ-lite transport built on QUIC. It implements astimoq.Transport and
// astimoq.CatalogReader.
type Transport struct {
	broadcasts map[astimoq.BroadcastID]*broadcast
	cancel     context.CancelFunc
	catalogs   map[astimoq.CatalogID]astimoq.Catalog
	consumers  map[astimoq.CatalogConsumerID]*catalogConsumer
	ctx        context.Context
	frames     map[astimoq.FrameID]astimoq.Frame
	id         int32
	l          astikit.CompleteLogger
	m          *sync.Mutex // Locks everything except o, l, ctx and cancel
	o          TransportOptions
	origins    map[astimoq.OriginID]*origin
	sessions   map[astimoq.SessionID]*session
	tracks     map[astimoq.TrackID]*subscription
}

var (
	_ astimoq.CatalogReader = (*Transport)(nil)
	_ astimoq.Transport     = (*Transport)(nil)
)

// NewTransport creates a new transport
func NewTransport(o TransportOptions) (t *Transport) {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	t = &Transport{
		broadcasts: make(map[astimoq.BroadcastID]*broadcast),
		catalogs:   make(map[astimoq.CatalogID]astimoq.Catalog),
		consumers:  make(map[astimoq.CatalogConsumerID]*catalogConsumer),
		frames:     make(map[astimoq.FrameID]astimoq.Frame),
		l:          astikit.AdaptStdLogger(o.Logger),
		m:          &sync.Mutex{},
		o:          o,
		origins:    make(map[astimoq.OriginID]*origin),
		sessions:   make(map[astimoq.SessionID]*session),
		tracks:     make(map[astimoq.TrackID]*subscription),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return
}

// Must be called while holding m
func (t *Transport) nextID() int32 {
	t.id++
	if t.id <= 0 {
		t.id = 1
	}
	return t.id
}

// Close closes every session and subscription still open
func (t *Transport) Close() error {
	t.cancel()
	t.m.Lock()
	defer t.m.Unlock()
	for id, s := range t.tracks {
		s.close()
		delete(t.tracks, id)
	}
	for id, c := range t.consumers {
		c.sub.close()
		delete(t.consumers, id)
	}
	for id, s := range t.sessions {
		s.close()
		delete(t.sessions, id)
	}
	t.broadcasts = make(map[astimoq.BroadcastID]*broadcast)
	t.catalogs = make(map[astimoq.CatalogID]astimoq.Catalog)
	t.frames = make(map[astimoq.FrameID]astimoq.Frame)
	t.origins = make(map[astimoq.OriginID]*origin)
	return nil
}

// OriginCreate implements the astimoq.Transport interface
func (t *Transport) OriginCreate() (astimoq.OriginID, error) {
	t.m.Lock()
	defer t.m.Unlock()
	if t.ctx.Err() != nil {
		return 0, astimoq.NewTransportError("origin create", codeClosed)
	}
	id := astimoq.OriginID(t.nextID())
	t.origins[id] = &origin{}
	return id, nil
}

// OriginClose implements the astimoq.Transport interface
func (t *Transport) OriginClose(id astimoq.OriginID) error {
	t.m.Lock()
	defer t.m.Unlock()
	if _, ok := t.origins[id]; !ok {
		return astimoq.NewTransportError("origin close", codeInvalidHandle)
	}
	delete(t.origins, id)
	return nil
}

// SessionConnect implements the astimoq.Transport interface. Publishing is not supported, publish is ignored.
// The status callback is invoked on a dedicated goroutine.
func (t *Transport) SessionConnect(url string, publish, consume astimoq.OriginID, status func(code int32)) (astimoq.SessionID, error) {
	// Get address
	addr, err := sessionAddr(url)
	if err != nil {
		t.l.Warnf("astimoqlite: %s", err)
		return 0, astimoq.NewTransportError("session connect", codeInvalidURL)
	}

	// Lock
	t.m.Lock()
	defer t.m.Unlock()

	// Get origin
	o, ok := t.origins[consume]
	if !ok {
		return 0, astimoq.NewTransportError("session connect", codeInvalidHandle)
	}

	// Create session
	s := newSession(t.ctx, addr, t.o, t.l, status)
	id := astimoq.SessionID(t.nextID())
	t.sessions[id] = s
	o.s = s

	// Start
	go s.start()
	return id, nil
}

// SessionClose implements the astimoq.Transport interface
func (t *Transport) SessionClose(id astimoq.SessionID) error {
	t.m.Lock()
	defer t.m.Unlock()
	s, ok := t.sessions[id]
	if !ok {
		return astimoq.NewTransportError("session close", codeInvalidHandle)
	}
	s.close()
	delete(t.sessions, id)
	for _, o := range t.origins {
		if o.s == s {
			o.s = nil
		}
	}
	return nil
}

// OriginConsume implements the astimoq.Transport interface
func (t *Transport) OriginConsume(id astimoq.OriginID, path string) (astimoq.BroadcastID, error) {
	t.m.Lock()
	defer t.m.Unlock()
	o, ok := t.origins[id]
	if !ok {
		return 0, astimoq.NewTransportError("origin consume", codeInvalidHandle)
	}
	if o.s == nil {
		return 0, astimoq.NewTransportError("origin consume", codeSessionClosed)
	}
	bid := astimoq.BroadcastID(t.nextID())
	t.broadcasts[bid] = &broadcast{
		o:    o,
		path: path,
	}
	return bid, nil
}

// ConsumeClose implements the astimoq.Transport interface
func (t *Transport) ConsumeClose(id astimoq.BroadcastID) error {
	t.m.Lock()
	defer t.m.Unlock()
	if _, ok := t.broadcasts[id]; !ok {
		return astimoq.NewTransportError("consume close", codeInvalidHandle)
	}
	delete(t.broadcasts, id)
	return nil
}

// ConsumeCatalog implements the astimoq.Transport interface. Every catalog received gets a new id, only the most
// recent ones are kept.
func (t *Transport) ConsumeCatalog(id astimoq.BroadcastID, fn func(astimoq.CatalogID)) (astimoq.CatalogConsumerID, error) {
	// Lock
	t.m.Lock()
	defer t.m.Unlock()

	// Get broadcast
	b, ok := t.broadcasts[id]
	if !ok || b.o.s == nil {
		return 0, astimoq.NewTransportError("consume catalog", codeInvalidHandle)
	}

	// Create consumer
	c := &catalogConsumer{b: b}
	cid := astimoq.CatalogConsumerID(t.nextID())
	t.consumers[cid] = c

	// Subscribe
	c.sub = newSubscription(b.o.s, b.path, CatalogTrackName, priorityCatalog, 0, func(f astimoq.Frame) {
		// Only the first frame of a group holds a catalog
		if !f.Keyframe {
			return
		}
		if id, ok := t.onCatalog(c, f.Payload); ok {
			fn(id)
		}
	})
	go c.sub.run()
	return cid, nil
}

func (t *Transport) onCatalog(c *catalogConsumer, payload []byte) (id astimoq.CatalogID, ok bool) {
	// Parse
	ct, err := astimoq.ParseCatalog(payload)
	if err != nil {
		// An empty snapshot lets the consumer fall back to its default video config
		t.l.Warnf("astimoqlite: %s, delivering an empty catalog", err)
		ct = astimoq.Catalog{}
	}

	// Lock
	t.m.Lock()
	defer t.m.Unlock()

	// Consumer was closed
	if c.sub.closed.Load() {
		return
	}

	// Register
	id = astimoq.CatalogID(t.nextID())
	t.catalogs[id] = ct
	c.b.catalog = ct
	c.b.hasCatalog = true

	// Forget oldest catalogs
	c.ids = append(c.ids, id)
	if len(c.ids) > MaxCatalogsPerConsumer {
		for _, v := range c.ids[:len(c.ids)-MaxCatalogsPerConsumer] {
			delete(t.catalogs, v)
		}
		c.ids = c.ids[len(c.ids)-MaxCatalogsPerConsumer:]
	}
	return id, true
}

// ConsumeCatalogClose implements the astimoq.Transport interface
func (t *Transport) ConsumeCatalogClose(id astimoq.CatalogConsumerID) error {
	t.m.Lock()
	defer t.m.Unlock()
	c, ok := t.consumers[id]
	if !ok {
		return astimoq.NewTransportError("consume catalog close", codeInvalidHandle)
	}
	c.sub.close()
	for _, v := range c.ids {
		delete(t.catalogs, v)
	}
	delete(t.consumers, id)
	return nil
}

// ConsumeCatalogSnapshot implements the astimoq.CatalogReader interface
func (t *Transport) ConsumeCatalogSnapshot(id astimoq.CatalogID) (astimoq.Catalog, error) {
	t.m.Lock()
	defer t.m.Unlock()
	c, ok := t.catalogs[id]
	if !ok {
		return astimoq.Catalog{}, astimoq.NewTransportError("consume catalog snapshot", codeInvalidHandle)
	}
	return c, nil
}

// ConsumeVideoConfig implements the astimoq.Transport interface
func (t *Transport) ConsumeVideoConfig(id astimoq.CatalogID, index int) (astimoq.VideoConfig, error) {
	c, err := t.ConsumeCatalogSnapshot(id)
	if err != nil {
		return astimoq.VideoConfig{}, err
	}
	v, ok := c.VideoConfig(index)
	if !ok {
		return astimoq.VideoConfig{}, astimoq.NewTransportError("consume video config", codeNotFound)
	}
	return v, nil
}

// ConsumeAudioConfig implements the astimoq.Transport interface
func (t *Transport) ConsumeAudioConfig(id astimoq.CatalogID, index int) (astimoq.AudioConfig, error) {
	c, err := t.ConsumeCatalogSnapshot(id)
	if err != nil {
		return astimoq.AudioConfig{}, err
	}
	a, ok := c.AudioConfig(index)
	if !ok {
		return astimoq.AudioConfig{}, astimoq.NewTransportError("consume audio config", codeNotFound)
	}
	return a, nil
}

// trackName returns the name of the video or audio track at index in the latest catalog of the broadcast.
// A catalog without video tracks maps index 0 to the default video track.
// Must be called while holding m.
func trackName(b *broadcast, video bool, index int) (string, bool) {
	if video {
		if b.hasCatalog && index == 0 && len(b.catalog.Video) == 0 {
			return defaultVideoTrackName, true
		}
		if !b.hasCatalog || index < 0 || index >= len(b.catalog.Video) {
			return "", false
		}
		if n := b.catalog.Video[index].Track.Name; n != "" {
			return n, true
		}
		return defaultVideoTrackName, true
	}
	if !b.hasCatalog || index < 0 || index >= len(b.catalog.Audio) {
		return "", false
	}
	if n := b.catalog.Audio[index].Track.Name; n != "" {
		return n, true
	}
	return defaultAudioTrackName, true
}

func (t *Transport) consumeTrack(op string, id astimoq.BroadcastID, video bool, index int, latency time.Duration, fn func(astimoq.FrameID)) (astimoq.TrackID, error) {
	// Lock
	t.m.Lock()
	defer t.m.Unlock()

	// Get broadcast
	b, ok := t.broadcasts[id]
	if !ok || b.o.s == nil {
		return 0, astimoq.NewTransportError(op, codeInvalidHandle)
	}

	// Get track name
	name, ok := trackName(b, video, index)
	if !ok {
		return 0, astimoq.NewTransportError(op, codeNotFound)
	}
	priority := priorityAudio
	if video {
		priority = priorityVideo
	}

	// Subscribe
	sub := newSubscription(b.o.s, b.path, name, priority, latency, func(f astimoq.Frame) {
		// Frames are registered only once delivered
		t.m.Lock()
		fid := astimoq.FrameID(t.nextID())
		t.frames[fid] = f
		t.m.Unlock()
		fn(fid)
	})
	tid := astimoq.TrackID(t.nextID())
	t.tracks[tid] = sub
	go sub.run()
	return tid, nil
}

func (t *Transport) closeTrack(op string, id astimoq.TrackID) error {
	t.m.Lock()
	defer t.m.Unlock()
	s, ok := t.tracks[id]
	if !ok {
		return astimoq.NewTransportError(op, codeInvalidHandle)
	}
	s.close()
	delete(t.tracks, id)
	return nil
}

// ConsumeVideoTrack implements the astimoq.Transport interface
func (t *Transport) ConsumeVideoTrack(id astimoq.BroadcastID, index int, latency time.Duration, fn func(astimoq.FrameID)) (astimoq.TrackID, error) {
	return t.consumeTrack("consume video track", id, true, index, latency, fn)
}

// ConsumeVideoTrackClose implements the astimoq.Transport interface
func (t *Transport) ConsumeVideoTrackClose(id astimoq.TrackID) error {
	return t.closeTrack("consume video track close", id)
}

// ConsumeAudioTrack implements the astimoq.Transport interface
func (t *Transport) ConsumeAudioTrack(id astimoq.BroadcastID, index int, latency time.Duration, fn func(astimoq.FrameID)) (astimoq.TrackID, error) {
	return t.consumeTrack("consume audio track", id, false, index, latency, fn)
}

// ConsumeAudioTrackClose implements the astimoq.Transport interface
func (t *Transport) ConsumeAudioTrackClose(id astimoq.TrackID) error {
	return t.closeTrack("consume audio track close", id)
}

// ConsumeFrameChunk implements the astimoq.Transport interface. Frames are made of a single chunk.
func (t *Transport) ConsumeFrameChunk(id astimoq.FrameID, index int) (astimoq.Frame, error) {
	t.m.Lock()
	defer t.m.Unlock()
	f, ok := t.frames[id]
	if !ok {
		return astimoq.Frame{}, astimoq.NewTransportError("consume frame chunk", codeInvalidHandle)
	}
	if index != 0 {
		return astimoq.Frame{}, astimoq.NewTransportError("consume frame chunk", codeNotFound)
	}
	return f, nil
}

// ConsumeFrameClose implements the astimoq.Transport interface
func (t *Transport) ConsumeFrameClose(id astimoq.FrameID) error {
	t.m.Lock()
	defer t.m.Unlock()
	if _, ok := t.frames[id]; !ok {
		return astimoq.NewTransportError("consume frame close", codeInvalidHandle)
	}
	delete(t.frames, id)
	return nil
}

// Len returns the number of live frames
func (t *Transport) Len() int {
	t.m.Lock()
	defer t.m.Unlock()
	return len(t.frames)
}
