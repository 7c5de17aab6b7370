package astimoq

import "sync"

// decoderGate guards the existence and use of the decoders.
// Every replacement or destruction of the decoders bumps the generation so that frames subscribed against a previous
// set of decoders can be told apart.
type decoderGate struct {
	audio      *AudioDecoder
	generation uint64
	m          *sync.Mutex
	video      *VideoDecoder
}

func newDecoderGate() *decoderGate {
	return &decoderGate{m: &sync.Mutex{}}
}

// decoderLease is an exclusive hold on the gate. Release can be called several times, only the first call unlocks.
type decoderLease struct {
	g *decoderGate
	o *sync.Once
}

func (g *decoderGate) acquire() *decoderLease {
	g.m.Lock()
	return &decoderLease{
		g: g,
		o: &sync.Once{},
	}
}

func (l *decoderLease) release() {
	l.o.Do(l.g.m.Unlock)
}

func (l *decoderLease) videoDecoder(generation uint64) *VideoDecoder {
	if l.g.generation != generation {
		return nil
	}
	return l.g.video
}

func (l *decoderLease) audioDecoder(generation uint64) *AudioDecoder {
	if l.g.generation != generation {
		return nil
	}
	return l.g.audio
}

// replace destroys the current decoders, installs the new ones and returns the new generation
func (l *decoderLease) replace(v *VideoDecoder, a *AudioDecoder) uint64 {
	l.destroy()
	l.g.video = v
	l.g.audio = a
	return l.g.generation
}

// destroy destroys the current decoders
func (l *decoderLease) destroy() {
	if l.g.video != nil {
		l.g.video.Close()
		l.g.video = nil
	}
	if l.g.audio != nil {
		l.g.audio.Close()
		l.g.audio = nil
	}
	l.g.generation++
}
