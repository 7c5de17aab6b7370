package astimoq

import (
	"errors"
	"fmt"

	"github.com/asticode/go-astikit"
)

// ChainHandles lists the live handles of a subscription chain. Zero means not live.
type ChainHandles struct {
	AudioTrack      TrackID           `json:"audio_track,omitempty"`
	Broadcast       BroadcastID       `json:"broadcast,omitempty"`
	CatalogConsumer CatalogConsumerID `json:"catalog_consumer,omitempty"`
	Origin          OriginID          `json:"origin,omitempty"`
	Session         SessionID         `json:"session,omitempty"`
	VideoTrack      TrackID           `json:"video_track,omitempty"`
}

// subscriptionChain owns the nested transport subscriptions: origin > session > broadcast > catalog > tracks.
// Each level has its own closer and a level can only be attached when its parent is live. Closing a level closes
// every level below it first.
// It is not safe for concurrent use, the source serializes access.
type subscriptionChain struct {
	bc *astikit.Closer // Broadcast
	cc *astikit.Closer // Catalog consumer
	h  ChainHandles
	oc *astikit.Closer // Origin
	sc *astikit.Closer // Session
	t  Transport
	tc *astikit.Closer // Tracks
}

var errChainParentNotLive = errors.New("astimoq: parent subscription is not live")

func newSubscriptionChain(t Transport) *subscriptionChain {
	return &subscriptionChain{t: t}
}

func (c *subscriptionChain) handles() ChainHandles {
	return c.h
}

func (c *subscriptionChain) setOrigin(id OriginID) {
	c.h.Origin = id
	c.oc = astikit.NewCloser()
	c.oc.AddWithError(func() (err error) {
		if err = c.t.OriginClose(id); err != nil {
			err = fmt.Errorf("astimoq: closing origin %d failed: %w", id, err)
		}
		return
	})
}

func (c *subscriptionChain) setSession(id SessionID) error {
	if c.oc == nil {
		return errChainParentNotLive
	}
	c.h.Session = id
	c.sc = astikit.NewCloser()
	c.sc.AddWithError(func() (err error) {
		if err = c.t.SessionClose(id); err != nil {
			err = fmt.Errorf("astimoq: closing session %d failed: %w", id, err)
		}
		return
	})
	return nil
}

func (c *subscriptionChain) setBroadcast(id BroadcastID) error {
	if c.sc == nil {
		return errChainParentNotLive
	}
	c.h.Broadcast = id
	c.bc = astikit.NewCloser()
	c.bc.AddWithError(func() (err error) {
		if err = c.t.ConsumeClose(id); err != nil {
			err = fmt.Errorf("astimoq: closing broadcast %d failed: %w", id, err)
		}
		return
	})
	return nil
}

func (c *subscriptionChain) setCatalogConsumer(id CatalogConsumerID) error {
	if c.bc == nil {
		return errChainParentNotLive
	}
	c.h.CatalogConsumer = id
	c.cc = astikit.NewCloser()
	c.cc.AddWithError(func() (err error) {
		if err = c.t.ConsumeCatalogClose(id); err != nil {
			err = fmt.Errorf("astimoq: closing catalog consumer %d failed: %w", id, err)
		}
		return
	})
	return nil
}

func (c *subscriptionChain) tracksCloser() (*astikit.Closer, error) {
	if c.cc == nil {
		return nil, errChainParentNotLive
	}
	if c.tc == nil {
		c.tc = astikit.NewCloser()
	}
	return c.tc, nil
}

// Video must be attached before audio so that audio is closed first
func (c *subscriptionChain) setVideoTrack(id TrackID) error {
	tc, err := c.tracksCloser()
	if err != nil {
		return err
	}
	c.h.VideoTrack = id
	tc.AddWithError(func() (err error) {
		if err = c.t.ConsumeVideoTrackClose(id); err != nil {
			err = fmt.Errorf("astimoq: closing video track %d failed: %w", id, err)
		}
		return
	})
	return nil
}

func (c *subscriptionChain) setAudioTrack(id TrackID) error {
	tc, err := c.tracksCloser()
	if err != nil {
		return err
	}
	c.h.AudioTrack = id
	tc.AddWithError(func() (err error) {
		if err = c.t.ConsumeAudioTrackClose(id); err != nil {
			err = fmt.Errorf("astimoq: closing audio track %d failed: %w", id, err)
		}
		return
	})
	return nil
}

func closeLevel(c **astikit.Closer) error {
	if *c == nil {
		return nil
	}
	err := (*c).Close()
	*c = nil
	return err
}

// closeTracks closes the audio track and then the video track
func (c *subscriptionChain) closeTracks() error {
	err := closeLevel(&c.tc)
	c.h.AudioTrack, c.h.VideoTrack = 0, 0
	return err
}

// close closes every live level in reverse creation order
func (c *subscriptionChain) close() error {
	var errs []error
	if err := c.closeTracks(); err != nil {
		errs = append(errs, err)
	}
	for _, l := range []**astikit.Closer{&c.cc, &c.bc, &c.sc, &c.oc} {
		if err := closeLevel(l); err != nil {
			errs = append(errs, err)
		}
	}
	c.h = ChainHandles{}
	return errors.Join(errs...)
}

// detach returns a chain owning the current handles and leaves c empty
func (c *subscriptionChain) detach() (d *subscriptionChain) {
	d = &subscriptionChain{
		bc: c.bc,
		cc: c.cc,
		h:  c.h,
		oc: c.oc,
		sc: c.sc,
		t:  c.t,
		tc: c.tc,
	}
	c.bc, c.cc, c.oc, c.sc, c.tc = nil, nil, nil, nil, nil
	c.h = ChainHandles{}
	return
}
