package astimoq

import (
	"errors"
	"fmt"
	"sync"

	"github.com/asticode/go-astikit"
)

// Embedder errors
var (
	ErrEmbedderNotStarted    = errors.New("astimoq: embedder not started")
	ErrEmbedderStarted       = errors.New("astimoq: embedder already started")
	ErrPublishingUnsupported = errors.New("astimoq: publishing is not supported")
)

// Publishing is a publish backend. Packets it receives are owned by it.
type Publishing interface {
	Start(url, path, profile string) error
	Stop() error
	WriteAudioPacket(data []byte, dtsUS uint64) error
	WriteVideoPacket(data []byte, keyframe bool, dtsUS uint64) error
}

// EmbedderOptions represents embedder options
type EmbedderOptions struct {
	Logger     astikit.StdLogger
	Publishing Publishing
}

// Embedder is the publish-side surface offered to hosts. Every input is copied before the call returns.
type Embedder struct {
	l       astikit.CompleteLogger
	m       *sync.Mutex // Locks started
	p       Publishing
	started bool
}

// NewEmbedder creates a new embedder
func NewEmbedder(o EmbedderOptions) *Embedder {
	return &Embedder{
		l: astikit.AdaptStdLogger(o.Logger),
		m: &sync.Mutex{},
		p: o.Publishing,
	}
}

// Start starts publishing path to url
func (e *Embedder) Start(url, path, profile string) (err error) {
	// No backend
	if e.p == nil {
		return ErrPublishingUnsupported
	}

	// Validate
	if err = (Settings{Broadcast: path, URL: url}).Validate(); err != nil {
		return
	}

	// Lock
	e.m.Lock()
	defer e.m.Unlock()

	// Already started
	if e.started {
		return ErrEmbedderStarted
	}

	// Start
	if err = e.p.Start(url, path, profile); err != nil {
		err = fmt.Errorf("astimoq: starting publishing failed: %w", err)
		return
	}
	e.started = true
	e.l.Infof("astimoq: publishing %s to %s", path, url)
	return
}

// Stop stops publishing. It is a no-op if publishing has not started.
func (e *Embedder) Stop() (err error) {
	// Lock
	e.m.Lock()
	defer e.m.Unlock()

	// Not started
	if !e.started {
		return
	}

	// Stop
	e.started = false
	if err = e.p.Stop(); err != nil {
		err = fmt.Errorf("astimoq: stopping publishing failed: %w", err)
		return
	}
	e.l.Info("astimoq: publishing stopped")
	return
}

// WriteVideoPacket publishes a video packet
func (e *Embedder) WriteVideoPacket(data []byte, keyframe bool, dtsUS uint64) error {
	e.m.Lock()
	defer e.m.Unlock()
	if !e.started {
		return ErrEmbedderNotStarted
	}
	return e.p.WriteVideoPacket(append([]byte(nil), data...), keyframe, dtsUS)
}

// WriteAudioPacket publishes an audio packet
func (e *Embedder) WriteAudioPacket(data []byte, dtsUS uint64) error {
	e.m.Lock()
	defer e.m.Unlock()
	if !e.started {
		return ErrEmbedderNotStarted
	}
	return e.p.WriteAudioPacket(append([]byte(nil), data...), dtsUS)
}
