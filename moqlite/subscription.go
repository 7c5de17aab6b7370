package astimoqlite

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asticode/go-astikit"
	"github.com/asticode/go-astimoq"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"
)

// subscription is a track subscription. Frames are delivered in order, one at a time, on the subscription's own
// goroutine.
type subscription struct {
	broadcast   string
	c           *astikit.Chan
	cancel      context.CancelFunc
	closed      *atomic.Bool
	ctx         context.Context
	hasGroup    bool
	id          uint64
	l           astikit.CompleteLogger
	latency     time.Duration
	latestAt    time.Time
	latestGroup uint64
	m           *sync.Mutex // Locks hasGroup, latestAt and latestGroup
	onFrame     func(f astimoq.Frame)
	priority    byte
	s           *session
	track       string
}

func newSubscription(s *session, broadcast, track string, priority byte, latency time.Duration, onFrame func(f astimoq.Frame)) (sub *subscription) {
	// Create subscription
	sub = &subscription{
		broadcast: broadcast,
		c:         astikit.NewChan(astikit.ChanOptions{}),
		closed:    &atomic.Bool{},
		id:        s.nextSubscribeID(),
		l:         s.l,
		latency:   latency,
		m:         &sync.Mutex{},
		onFrame:   onFrame,
		priority:  priority,
		s:         s,
		track:     track,
	}
	sub.ctx, sub.cancel = context.WithCancel(s.ctx)

	// Groups can arrive as soon as the subscribe message is sent
	s.addSubscription(sub)

	// Start delivering
	go sub.c.Start(sub.ctx)
	return
}

// run subscribes and keeps the subscribe stream open until the subscription is closed or the server ends it
func (sub *subscription) run() {
	if err := sub.subscribe(); err != nil && sub.ctx.Err() == nil {
		sub.l.Warnf("astimoqlite: subscribing to %s/%s failed: %s", sub.broadcast, sub.track, err)
	}
}

func (sub *subscription) subscribe() (err error) {
	// Wait for the session
	if err = sub.s.wait(sub.ctx); err != nil {
		return
	}

	// Open stream
	var st quic.Stream
	if st, err = sub.s.c.OpenStreamSync(sub.ctx); err != nil {
		err = fmt.Errorf("astimoqlite: opening subscribe stream failed: %w", err)
		return
	}

	// Make sure the stream is cancelled when the subscription is closed
	stop := context.AfterFunc(sub.ctx, func() {
		st.CancelRead(0)
		st.CancelWrite(0)
	})
	defer stop()

	// Subscribe
	if err = WriteTypedMessage(st, StreamTypeSubscribe, AppendSubscribe(nil, Subscribe{
		Broadcast:  sub.broadcast,
		ID:         sub.id,
		MaxLatency: sub.latency,
		Priority:   sub.priority,
		Track:      sub.track,
	})); err != nil {
		err = fmt.Errorf("astimoqlite: writing subscribe failed: %w", err)
		return
	}

	// Read answer
	r := quicvarint.NewReader(st)
	var b []byte
	if b, err = ReadMessage(r, MaxMessageSize); err != nil {
		err = fmt.Errorf("astimoqlite: reading subscribe ok failed: %w", err)
		return
	}
	if _, err = ParseSubscribeOK(b); err != nil {
		return
	}
	sub.l.Debugf("astimoqlite: subscribed to %s/%s with id %d", sub.broadcast, sub.track, sub.id)

	// Wait for the end of the subscription
	for {
		if _, err = ReadMessage(r, MaxMessageSize); err != nil {
			return nil
		}
	}
}

// stale returns whether frames of the group must be dropped because a newer group started more than latency ago.
// A zero latency never drops.
func (sub *subscription) stale(sequence uint64) bool {
	if sub.latency <= 0 {
		return false
	}
	sub.m.Lock()
	defer sub.m.Unlock()
	return sequence < sub.latestGroup && time.Since(sub.latestAt) > sub.latency
}

type group struct {
	idx      int
	sequence uint64
	sub      *subscription
}

func (sub *subscription) newGroup(sequence uint64) *group {
	sub.m.Lock()
	defer sub.m.Unlock()
	if !sub.hasGroup || sequence > sub.latestGroup {
		sub.hasGroup = true
		sub.latestAt = time.Now()
		sub.latestGroup = sequence
	}
	return &group{
		sequence: sequence,
		sub:      sub,
	}
}

// push queues a frame for delivery. It returns false when the rest of the group must be dropped.
func (g *group) push(b []byte) bool {
	// Subscription is closed or group is stale
	if g.sub.closed.Load() || g.sub.stale(g.sequence) {
		return false
	}

	// Parse frame
	ts, payload, err := ParseFrame(b)
	if err != nil {
		g.sub.l.Debugf("astimoqlite: %s", err)
		return false
	}
	f := astimoq.Frame{
		Keyframe:    g.idx == 0,
		Payload:     payload,
		TimestampUS: ts,
	}
	g.idx++

	// Deliver
	g.sub.c.Add(func() {
		if g.sub.closed.Load() {
			return
		}
		g.sub.onFrame(f)
	})
	return true
}

// close doesn't wait for a delivery in flight
func (sub *subscription) close() {
	if sub.closed.Swap(true) {
		return
	}
	sub.s.delSubscription(sub.id)
	sub.cancel()
	sub.c.Stop()
}
