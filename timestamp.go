package astimoq

import (
	"sync"
	"time"
)

// HostClock returns the host clock in nanoseconds
type HostClock func() uint64

var clockStart = time.Now()

// MonotonicClock is the default host clock. It is monotonic and starts at process start.
func MonotonicClock() uint64 {
	return uint64(time.Since(clockStart))
}

// TimestampAnchor describes the first frame of an activation
type TimestampAnchor struct {
	FirstHostTime uint64 // Nanoseconds
	FirstPTS      uint64 // Microseconds
}

// TimestampMapper translates source PTS expressed in microseconds into a strictly monotonic host timeline expressed
// in nanoseconds.
//
// The first frame since the last reset anchors the mapping, every following output is bumped to last output + 1ns
// whenever the source PTS doesn't move forward.
type TimestampMapper struct {
	clock         HostClock
	firstHostTime uint64
	firstPTS      uint64
	hasFirstFrame bool
	lastOutput    uint64
	m             *sync.Mutex // Locks everything except clock
	regressions   uint64
}

// NewTimestampMapper creates a new timestamp mapper
func NewTimestampMapper(clock HostClock) *TimestampMapper {
	if clock == nil {
		clock = MonotonicClock
	}
	return &TimestampMapper{
		clock: clock,
		m:     &sync.Mutex{},
	}
}

// Map maps a source PTS in microseconds to a host timestamp in nanoseconds
func (m *TimestampMapper) Map(ptsUS uint64) (ns uint64) {
	// Lock
	m.m.Lock()
	defer m.m.Unlock()

	// Convert
	ns = ptsUS * 1000

	// First frame
	if !m.hasFirstFrame {
		m.hasFirstFrame = true
		m.firstPTS = ptsUS
		m.firstHostTime = m.clock()
		m.lastOutput = ns
		return
	}

	// Enforce strict monotonicity
	if ns <= m.lastOutput {
		ns = m.lastOutput + 1
		m.regressions++
	}
	m.lastOutput = ns
	return
}

// Anchor returns the first frame anchor, if any
func (m *TimestampMapper) Anchor() (a TimestampAnchor, ok bool) {
	m.m.Lock()
	defer m.m.Unlock()
	if !m.hasFirstFrame {
		return
	}
	return TimestampAnchor{
		FirstHostTime: m.firstHostTime,
		FirstPTS:      m.firstPTS,
	}, true
}

// LastOutput returns the last emitted host timestamp
func (m *TimestampMapper) LastOutput() uint64 {
	m.m.Lock()
	defer m.m.Unlock()
	return m.lastOutput
}

// Regressions returns the number of timestamps that had to be bumped since the last reset
func (m *TimestampMapper) Regressions() uint64 {
	m.m.Lock()
	defer m.m.Unlock()
	return m.regressions
}

// Reset forgets the anchor. Next mapped frame becomes the first frame.
func (m *TimestampMapper) Reset() {
	m.m.Lock()
	defer m.m.Unlock()
	m.firstHostTime = 0
	m.firstPTS = 0
	m.hasFirstFrame = false
	m.lastOutput = 0
	m.regressions = 0
}
