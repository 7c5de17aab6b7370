package astimoqlite

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/asticode/go-astikit"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"
	"golang.org/x/sync/errgroup"
)

// Session errors
var (
	ErrSessionClosed     = errors.New("astimoqlite: session closed")
	ErrUnsupportedScheme = errors.New("astimoqlite: unsupported url scheme")
	ErrVersionMismatch   = errors.New("astimoqlite: version mismatch")
)

const defaultPort = "443"

// sessionAddr maps a url to a host:port QUIC address
func sessionAddr(rawURL string) (addr string, err error) {
	// Parse url
	var u *url.URL
	if u, err = url.Parse(rawURL); err != nil {
		err = fmt.Errorf("astimoqlite: parsing url %s failed: %w", rawURL, err)
		return
	}

	// Check scheme
	switch strings.ToLower(u.Scheme) {
	case "https", "moql", "moq":
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
		return
	}

	// Check host
	if u.Hostname() == "" {
		err = fmt.Errorf("astimoqlite: url %s has no host", rawURL)
		return
	}

	// Default port
	port := u.Port()
	if port == "" {
		port = defaultPort
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

type session struct {
	addr   string
	c      quic.Connection // Set before ready is closed
	cancel context.CancelFunc
	ctx    context.Context
	err    error // Set before ready is closed
	l      astikit.CompleteLogger
	m      *sync.Mutex // Locks subs and subID
	o      TransportOptions
	ready  chan struct{}
	status func(code int32)
	subID  uint64
	subs   map[uint64]*subscription
}

func newSession(ctx context.Context, addr string, o TransportOptions, l astikit.CompleteLogger, status func(code int32)) (s *session) {
	s = &session{
		addr:   addr,
		l:      l,
		m:      &sync.Mutex{},
		o:      o,
		ready:  make(chan struct{}),
		status: status,
		subs:   make(map[uint64]*subscription),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	return
}

// start connects and runs the session until it dies. The status callback receives 0 once the session is set up and
// a negative code when it fails, unless the session has been closed locally.
func (s *session) start() {
	// Connect
	if err := s.connect(); err != nil {
		s.err = err
		close(s.ready)
		if s.ctx.Err() == nil {
			s.l.Warnf("astimoqlite: connecting to %s failed: %s", s.addr, err)
			s.status(codeConnectFailed)
		}
		return
	}
	close(s.ready)
	s.status(0)

	// Run
	g, ctx := errgroup.WithContext(s.ctx)
	g.Go(func() error { return s.acceptGroups(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		s.c.CloseWithError(0, "")
		return nil
	})
	err := g.Wait()

	// Session died
	if s.ctx.Err() == nil {
		s.l.Warnf("astimoqlite: session with %s died: %s", s.addr, err)
		s.status(codeSessionClosed)
	}
}

func (s *session) connect() (err error) {
	// Create tls config
	t := s.o.TLSConfig
	if t == nil {
		t = &tls.Config{}
	} else {
		t = t.Clone()
	}
	t.NextProtos = []string{ALPN}
	if s.o.InsecureSkipVerify {
		t.InsecureSkipVerify = true
	}

	// Dial
	if s.c, err = quic.DialAddr(s.ctx, s.addr, t, &quic.Config{
		HandshakeIdleTimeout: s.o.HandshakeTimeout,
		KeepAlivePeriod:      5 * time.Second,
	}); err != nil {
		err = fmt.Errorf("astimoqlite: dialing %s failed: %w", s.addr, err)
		return
	}

	// Make sure the connection is closed on failure
	defer func() {
		if err != nil {
			s.c.CloseWithError(0, "setup failed")
		}
	}()

	// Open session stream
	var st quic.Stream
	if st, err = s.c.OpenStreamSync(s.ctx); err != nil {
		err = fmt.Errorf("astimoqlite: opening session stream failed: %w", err)
		return
	}

	// Send setup
	if err = WriteTypedMessage(st, StreamTypeSession, AppendClientSetup(nil, ClientSetup{Versions: []uint64{Version}})); err != nil {
		err = fmt.Errorf("astimoqlite: writing client setup failed: %w", err)
		return
	}

	// Read setup
	var b []byte
	if b, err = ReadMessage(quicvarint.NewReader(st), MaxMessageSize); err != nil {
		err = fmt.Errorf("astimoqlite: reading server setup failed: %w", err)
		return
	}
	var ss ServerSetup
	if ss, err = ParseServerSetup(b); err != nil {
		return
	}
	if ss.Version != Version {
		err = fmt.Errorf("%w: %#x", ErrVersionMismatch, ss.Version)
		return
	}
	return
}

// wait blocks until the session is set up
func (s *session) wait(ctx context.Context) error {
	select {
	case <-s.ready:
		if s.err != nil {
			return s.err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrSessionClosed
	}
}

func (s *session) acceptGroups(ctx context.Context) error {
	for {
		// Accept
		st, err := s.c.AcceptUniStream(ctx)
		if err != nil {
			return fmt.Errorf("astimoqlite: accepting uni stream failed: %w", err)
		}

		// Read in a goroutine
		go s.readGroup(st)
	}
}

func (s *session) readGroup(st quic.ReceiveStream) {
	// Make sure the stream is released
	defer st.CancelRead(0)

	// Read type
	r := quicvarint.NewReader(st)
	typ, err := quicvarint.Read(r)
	if err != nil {
		return
	}
	if typ != DataTypeGroup {
		s.l.Debugf("astimoqlite: ignoring uni stream of type %d", typ)
		return
	}

	// Read header
	b, err := ReadMessage(r, MaxMessageSize)
	if err != nil {
		s.l.Debugf("astimoqlite: reading group header failed: %s", err)
		return
	}
	h, err := ParseGroupHeader(b)
	if err != nil {
		s.l.Debugf("astimoqlite: %s", err)
		return
	}

	// Get subscription
	s.m.Lock()
	sub, ok := s.subs[h.SubscribeID]
	s.m.Unlock()
	if !ok {
		return
	}

	// Read frames
	g := sub.newGroup(h.Sequence)
	for {
		if b, err = ReadMessage(r, MaxFrameSize); err != nil {
			return
		}
		if !g.push(b) {
			return
		}
	}
}

func (s *session) nextSubscribeID() uint64 {
	s.m.Lock()
	defer s.m.Unlock()
	s.subID++
	return s.subID
}

func (s *session) addSubscription(sub *subscription) {
	s.m.Lock()
	defer s.m.Unlock()
	s.subs[sub.id] = sub
}

func (s *session) delSubscription(id uint64) {
	s.m.Lock()
	defer s.m.Unlock()
	delete(s.subs, id)
}

// close doesn't wait for the session goroutines, the connection is closed by the goroutine that created it
func (s *session) close() {
	s.cancel()
}
