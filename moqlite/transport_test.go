package astimoqlite

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/asticode/go-astimoq"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"
	"github.com/stretchr/testify/require"
)

type testGroup struct {
	frames [][]byte
	seq    uint64
}

// testRelay is a minimal MoQ-lite server publishing fixed groups per track
type testRelay struct {
	groups map[string][]testGroup
	ln     *quic.Listener
	m      *sync.Mutex
	subs   []Subscribe
}

func newTestRelay(t *testing.T, groups map[string][]testGroup) *testRelay {
	// Create certificate
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.CreateCertificate(rand.Reader, &x509.Certificate{
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		NotAfter:     time.Now().Add(time.Hour),
		NotBefore:    time.Now().Add(-time.Hour),
		SerialNumber: big.NewInt(1),
	}, &x509.Certificate{SerialNumber: big.NewInt(1)}, &k.PublicKey, k)
	require.NoError(t, err)

	// Listen
	ln, err := quic.ListenAddr("127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: k}},
		NextProtos:   []string{ALPN},
	}, &quic.Config{})
	require.NoError(t, err)
	r := &testRelay{
		groups: groups,
		ln:     ln,
		m:      &sync.Mutex{},
	}
	t.Cleanup(func() { ln.Close() })
	go r.serve()
	return r
}

func (r *testRelay) url() string {
	return fmt.Sprintf("moql://127.0.0.1:%d/", r.ln.Addr().(*net.UDPAddr).Port)
}

func (r *testRelay) subscribes() []Subscribe {
	r.m.Lock()
	defer r.m.Unlock()
	return append([]Subscribe{}, r.subs...)
}

func (r *testRelay) serve() {
	for {
		c, err := r.ln.Accept(context.Background())
		if err != nil {
			return
		}
		go r.handleConn(c)
	}
}

func (r *testRelay) handleConn(c quic.Connection) {
	for {
		st, err := c.AcceptStream(context.Background())
		if err != nil {
			return
		}
		go r.handleStream(c, st)
	}
}

func (r *testRelay) handleStream(c quic.Connection, st quic.Stream) {
	rd := quicvarint.NewReader(st)
	typ, err := quicvarint.Read(rd)
	if err != nil {
		return
	}
	b, err := ReadMessage(rd, MaxMessageSize)
	if err != nil {
		return
	}
	switch typ {
	case StreamTypeSession:
		if _, err = ParseClientSetup(b); err != nil {
			return
		}
		if err = WriteMessage(st, AppendServerSetup(nil, ServerSetup{Version: Version})); err != nil {
			return
		}
	case StreamTypeSubscribe:
		var s Subscribe
		if s, err = ParseSubscribe(b); err != nil {
			return
		}
		r.m.Lock()
		r.subs = append(r.subs, s)
		r.m.Unlock()
		if err = WriteMessage(st, AppendSubscribeOK(nil, SubscribeOK{Priority: s.Priority})); err != nil {
			return
		}
		for _, g := range r.groups[s.Track] {
			if err = r.sendGroup(c, s.ID, g); err != nil {
				return
			}
		}
	}

	// Wait for the client to end the stream
	for {
		if _, err = ReadMessage(rd, MaxMessageSize); err != nil {
			return
		}
	}
}

func (r *testRelay) sendGroup(c quic.Connection, id uint64, g testGroup) (err error) {
	var st quic.SendStream
	if st, err = c.OpenUniStreamSync(context.Background()); err != nil {
		return
	}
	defer st.Close()
	if err = WriteTypedMessage(st, DataTypeGroup, AppendGroupHeader(nil, GroupHeader{Sequence: g.seq, SubscribeID: id})); err != nil {
		return
	}
	for _, f := range g.frames {
		if err = WriteMessage(st, f); err != nil {
			return
		}
	}
	return
}

func newTestTransport(t *testing.T) *Transport {
	tr := NewTransport(TransportOptions{
		HandshakeTimeout:   time.Second,
		InsecureSkipVerify: true,
	})
	t.Cleanup(func() { tr.Close() })
	return tr
}

func connect(t *testing.T, tr *Transport, url string) (astimoq.OriginID, chan int32) {
	o, err := tr.OriginCreate()
	require.NoError(t, err)
	status := make(chan int32, 4)
	_, err = tr.SessionConnect(url, 0, o, func(code int32) { status <- code })
	require.NoError(t, err)
	return o, status
}

func waitFor[T any](t *testing.T, c chan T) T {
	select {
	case v := <-c:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
	}
	var v T
	return v
}

func TestTransport(t *testing.T) {
	// Create catalog
	w := uint32(1280)
	catalog, err := astimoq.MarshalCatalog(astimoq.Catalog{
		Audio: []astimoq.AudioTrack{{
			Config: astimoq.AudioConfig{Channels: 2, Codec: "opus", SampleRate: 48000},
			Track:  astimoq.Track{Name: "sound"},
		}},
		Video: []astimoq.VideoTrack{{
			Config: astimoq.VideoConfig{Codec: "avc1.64001f", CodedWidth: &w},
			Track:  astimoq.Track{Name: "camera"},
		}},
	})
	require.NoError(t, err)

	// Create relay
	r := newTestRelay(t, map[string][]testGroup{
		CatalogTrackName: {{frames: [][]byte{catalog}, seq: 0}},
		"camera": {{
			frames: [][]byte{
				AppendFrame(nil, 0, []byte("key")),
				AppendFrame(nil, 33_333, []byte("delta")),
			},
			seq: 5,
		}},
	})

	// Connect
	tr := newTestTransport(t)
	o, status := connect(t, tr, r.url())
	require.Equal(t, int32(0), waitFor(t, status))

	// Catalog
	b, err := tr.OriginConsume(o, "live")
	require.NoError(t, err)
	catalogs := make(chan astimoq.CatalogID, 4)
	cc, err := tr.ConsumeCatalog(b, func(id astimoq.CatalogID) { catalogs <- id })
	require.NoError(t, err)
	cid := waitFor(t, catalogs)
	require.Greater(t, cid, astimoq.CatalogID(0))
	vc, err := tr.ConsumeVideoConfig(cid, 0)
	require.NoError(t, err)
	require.Equal(t, "avc1.64001f", vc.Codec)
	require.Equal(t, &w, vc.CodedWidth)
	ac, err := tr.ConsumeAudioConfig(cid, 0)
	require.NoError(t, err)
	require.Equal(t, 48000, ac.SampleRate)
	_, err = tr.ConsumeVideoConfig(cid, 1)
	var te *astimoq.TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, codeNotFound, te.Code)

	// Video
	frames := make(chan astimoq.FrameID, 4)
	vt, err := tr.ConsumeVideoTrack(b, 0, time.Second, func(id astimoq.FrameID) { frames <- id })
	require.NoError(t, err)
	f1 := waitFor(t, frames)
	f2 := waitFor(t, frames)
	require.Equal(t, 2, tr.Len())
	f, err := tr.ConsumeFrameChunk(f1, 0)
	require.NoError(t, err)
	require.Equal(t, astimoq.Frame{Keyframe: true, Payload: []byte("key")}, f)
	_, err = tr.ConsumeFrameChunk(f1, 1)
	require.ErrorAs(t, err, &te)
	require.Equal(t, codeNotFound, te.Code)
	f, err = tr.ConsumeFrameChunk(f2, 0)
	require.NoError(t, err)
	require.Equal(t, astimoq.Frame{Payload: []byte("delta"), TimestampUS: 33_333}, f)
	require.NoError(t, tr.ConsumeFrameClose(f1))
	require.NoError(t, tr.ConsumeFrameClose(f2))
	require.Equal(t, 0, tr.Len())
	require.Error(t, tr.ConsumeFrameClose(f1))

	// Subscribes
	ss := r.subscribes()
	require.Len(t, ss, 2)
	require.Equal(t, "live", ss[0].Broadcast)
	require.Equal(t, CatalogTrackName, ss[0].Track)
	require.Equal(t, "camera", ss[1].Track)
	require.Equal(t, priorityVideo, ss[1].Priority)
	require.Equal(t, time.Second, ss[1].MaxLatency)

	// Audio track is named by the catalog but the relay doesn't publish it
	at, err := tr.ConsumeAudioTrack(b, 0, time.Second, func(astimoq.FrameID) {})
	require.NoError(t, err)
	_, err = tr.ConsumeAudioTrack(b, 1, time.Second, func(astimoq.FrameID) {})
	require.ErrorAs(t, err, &te)
	require.Equal(t, codeNotFound, te.Code)

	// Close
	require.NoError(t, tr.ConsumeAudioTrackClose(at))
	require.NoError(t, tr.ConsumeVideoTrackClose(vt))
	require.Error(t, tr.ConsumeVideoTrackClose(vt))
	require.NoError(t, tr.ConsumeCatalogClose(cc))
	_, err = tr.ConsumeVideoConfig(cid, 0)
	require.Error(t, err)
	require.NoError(t, tr.ConsumeClose(b))
	require.NoError(t, tr.OriginClose(o))
	require.NoError(t, tr.Close())
	_, err = tr.OriginCreate()
	require.Error(t, err)

	// No status is reported once closed locally
	select {
	case code := <-status:
		t.Fatalf("unexpected status %d", code)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTransportCatalogHistory(t *testing.T) {
	// Create groups
	var gs []testGroup
	for i := 0; i < MaxCatalogsPerConsumer+2; i++ {
		b, err := astimoq.MarshalCatalog(astimoq.Catalog{Video: []astimoq.VideoTrack{{Config: astimoq.VideoConfig{Codec: "avc1", Framerate: float64(i)}}}})
		require.NoError(t, err)
		gs = append(gs, testGroup{frames: [][]byte{b, []byte("ignored")}, seq: uint64(i)})
	}

	// Connect
	r := newTestRelay(t, map[string][]testGroup{CatalogTrackName: gs})
	tr := newTestTransport(t)
	o, status := connect(t, tr, r.url())
	require.Equal(t, int32(0), waitFor(t, status))
	b, err := tr.OriginConsume(o, "live")
	require.NoError(t, err)
	catalogs := make(chan astimoq.CatalogID, len(gs))
	_, err = tr.ConsumeCatalog(b, func(id astimoq.CatalogID) { catalogs <- id })
	require.NoError(t, err)

	// Groups travel on separate streams and may arrive in any order
	var ids []astimoq.CatalogID
	for range gs {
		ids = append(ids, waitFor(t, catalogs))
	}
	var kept int
	for _, id := range ids {
		if _, err = tr.ConsumeCatalogSnapshot(id); err == nil {
			kept++
		}
	}
	require.Equal(t, MaxCatalogsPerConsumer, kept)

	// Only the newest ids are kept
	for _, id := range ids[:2] {
		_, err = tr.ConsumeCatalogSnapshot(id)
		require.Error(t, err)
	}

	// Default track name
	_, err = tr.ConsumeVideoTrack(b, 0, 0, func(astimoq.FrameID) {})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		ss := r.subscribes()
		return len(ss) == 2 && ss[1].Track == defaultVideoTrackName
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTransportInvalidCatalog(t *testing.T) {
	// Connect
	r := newTestRelay(t, map[string][]testGroup{CatalogTrackName: {{frames: [][]byte{[]byte("{")}, seq: 0}}})
	tr := newTestTransport(t)
	o, status := connect(t, tr, r.url())
	require.Equal(t, int32(0), waitFor(t, status))
	b, err := tr.OriginConsume(o, "live")
	require.NoError(t, err)

	// An empty catalog is delivered
	catalogs := make(chan astimoq.CatalogID, 1)
	_, err = tr.ConsumeCatalog(b, func(id astimoq.CatalogID) { catalogs <- id })
	require.NoError(t, err)
	cid := waitFor(t, catalogs)
	require.Greater(t, cid, astimoq.CatalogID(0))
	c, err := tr.ConsumeCatalogSnapshot(cid)
	require.NoError(t, err)
	require.Equal(t, astimoq.Catalog{}, c)
	_, err = tr.ConsumeVideoConfig(cid, 0)
	require.Error(t, err)

	// Video falls back to the default track
	_, err = tr.ConsumeVideoTrack(b, 0, time.Second, func(astimoq.FrameID) {})
	require.NoError(t, err)
	_, err = tr.ConsumeAudioTrack(b, 0, time.Second, func(astimoq.FrameID) {})
	require.Error(t, err)
	require.Eventually(t, func() bool {
		ss := r.subscribes()
		return len(ss) == 2 && ss[1].Track == defaultVideoTrackName
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTransportConnectFailure(t *testing.T) {
	// Get a port nobody listens to
	c, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	port := c.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, c.Close())

	tr := NewTransport(TransportOptions{HandshakeTimeout: 200 * time.Millisecond})
	defer tr.Close()
	o, status := connect(t, tr, fmt.Sprintf("https://127.0.0.1:%d", port))
	require.Equal(t, codeConnectFailed, waitFor(t, status))

	// Subscriptions on a dead session don't deliver
	b, err := tr.OriginConsume(o, "live")
	require.NoError(t, err)
	_, err = tr.ConsumeCatalog(b, func(astimoq.CatalogID) { t.Fatal("unexpected catalog") })
	require.NoError(t, err)
}

func TestTransportInvalidHandles(t *testing.T) {
	tr := newTestTransport(t)
	var te *astimoq.TransportError

	// Invalid url
	o, err := tr.OriginCreate()
	require.NoError(t, err)
	for _, u := range []string{"http://localhost", "moql://", "%"} {
		_, err = tr.SessionConnect(u, 0, o, func(int32) {})
		require.ErrorAs(t, err, &te, u)
		require.Equal(t, codeInvalidURL, te.Code)
	}

	// No session
	_, err = tr.OriginConsume(o, "live")
	require.ErrorAs(t, err, &te)
	require.Equal(t, codeSessionClosed, te.Code)

	// Unknown handles
	for _, fn := range []func() error{
		func() error { return tr.OriginClose(100) },
		func() error { return tr.SessionClose(100) },
		func() error { return tr.ConsumeClose(100) },
		func() error { return tr.ConsumeCatalogClose(100) },
		func() error { return tr.ConsumeVideoTrackClose(100) },
		func() error { return tr.ConsumeAudioTrackClose(100) },
		func() error { return tr.ConsumeFrameClose(100) },
		func() error {
			_, err := tr.ConsumeFrameChunk(100, 0)
			return err
		},
		func() error {
			_, err := tr.ConsumeCatalog(100, func(astimoq.CatalogID) {})
			return err
		},
		func() error {
			_, err := tr.ConsumeVideoTrack(100, 0, 0, func(astimoq.FrameID) {})
			return err
		},
		func() error {
			_, err := tr.SessionConnect("moql://localhost", 0, 100, func(int32) {})
			return err
		},
	} {
		err = fn()
		require.True(t, errors.As(err, &te))
		require.Equal(t, codeInvalidHandle, te.Code)
	}
}

func TestSessionAddr(t *testing.T) {
	for _, v := range []struct {
		addr string
		err  bool
		url  string
	}{
		{addr: "relay.example.com:443", url: "https://relay.example.com/anon"},
		{addr: "relay.example.com:4443", url: "moql://relay.example.com:4443"},
		{addr: "[::1]:443", url: "MOQ://[::1]"},
		{err: true, url: "http://relay.example.com"},
		{err: true, url: "https:///path"},
		{err: true, url: "://"},
	} {
		addr, err := sessionAddr(v.url)
		if v.err {
			require.Error(t, err, v.url)
			continue
		}
		require.NoError(t, err, v.url)
		require.Equal(t, v.addr, addr)
	}
}
