package astimoq

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asticode/go-astikit"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Stat names
const (
	StatNameAudioFramesDecoded  = "astimoq.audio.frames.decoded"
	StatNameAudioFramesDropped  = "astimoq.audio.frames.dropped"
	StatNameAudioFramesReceived = "astimoq.audio.frames.received"
	StatNamePSUtil              = "astimoq.ps.util"
	StatNameVideoFramesDecoded  = "astimoq.video.frames.decoded"
	StatNameVideoFramesDropped  = "astimoq.video.frames.dropped"
	StatNameVideoFramesReceived = "astimoq.video.frames.received"
)

// EventStat represents a stat event
type EventStat struct {
	Description string
	Label       string
	Name        string
	Target      interface{}
	Unit        string
	Value       interface{}
}

// Stater represents an object that can compute and handle stats
type Stater struct {
	eh *EventHandler
	m  *sync.Mutex                           // Locks ts
	ts map[*astikit.StatMetadata]interface{} // Targets indexed by stats metadata
	s  *astikit.Stater
}

// NewStater creates a new stater
func NewStater(period time.Duration, eh *EventHandler) (s *Stater) {
	s = &Stater{
		eh: eh,
		m:  &sync.Mutex{},
		ts: make(map[*astikit.StatMetadata]interface{}),
	}
	s.s = astikit.NewStater(astikit.StaterOptions{
		HandleFunc: s.handle,
		Period:     period,
	})
	return
}

// AddStats adds stats
func (s *Stater) AddStats(target interface{}, os ...astikit.StatOptions) {
	s.m.Lock()
	defer s.m.Unlock()
	for _, o := range os {
		s.ts[o.Metadata] = target
	}
	s.s.AddStats(os...)
}

// DelStats deletes stats
func (s *Stater) DelStats(target interface{}, os ...astikit.StatOptions) {
	s.m.Lock()
	defer s.m.Unlock()
	for _, o := range os {
		delete(s.ts, o.Metadata)
	}
	s.s.DelStats(os...)
}

// Start starts the stater
func (s *Stater) Start(ctx context.Context) { s.s.Start(ctx) }

// Stop stops the stater
func (s *Stater) Stop() { s.s.Stop() }

func (s *Stater) handle(stats []astikit.StatValue) {
	// No stats
	if len(stats) == 0 {
		return
	}

	// Loop through stats
	ss := []EventStat{}
	for _, stat := range stats {
		// Get target
		s.m.Lock()
		t, ok := s.ts[stat.StatMetadata]
		s.m.Unlock()

		// No target
		if !ok {
			continue
		}

		// Append
		ss = append(ss, EventStat{
			Description: stat.Description,
			Label:       stat.Label,
			Name:        stat.Name,
			Target:      t,
			Unit:        stat.Unit,
			Value:       stat.Value,
		})
	}

	// Send event
	s.eh.Emit(Event{
		Name:    EventNameStats,
		Payload: ss,
	})
}

// PSUtilStatOptions returns the process utilization stat options
func PSUtilStatOptions() astikit.StatOptions {
	return astikit.StatOptions{
		Metadata: &astikit.StatMetadata{
			Description: "CPU and memory usage",
			Label:       "PS util",
			Name:        StatNamePSUtil,
		},
		Valuer: newStatPSUtil(),
	}
}

type statPSUtil struct{}

func newStatPSUtil() *statPSUtil {
	return &statPSUtil{}
}

// StatPSUtilValue is the value of the process utilization stat
type StatPSUtilValue struct {
	CPU    StatPSUtilValueCPU    `json:"cpu"`
	Memory StatPSUtilValueMemory `json:"memory"`
}

// StatPSUtilValueCPU represents cpu usage in percent
type StatPSUtilValueCPU struct {
	Global     float64   `json:"global"`
	Individual []float64 `json:"individual"`
}

// StatPSUtilValueMemory represents memory usage in bytes
type StatPSUtilValueMemory struct {
	Total uint64 `json:"total"`
	Used  uint64 `json:"used"`
}

func (s *statPSUtil) Value(delta time.Duration) interface{} {
	var v StatPSUtilValue
	if vs, err := cpu.Percent(0, false); err == nil && len(vs) > 0 {
		v.CPU.Global = vs[0]
	}
	if vs, err := cpu.Percent(0, true); err == nil {
		v.CPU.Individual = vs
	}
	if vv, err := mem.VirtualMemory(); err == nil {
		v.Memory = StatPSUtilValueMemory{
			Total: vv.Total,
			Used:  vv.Used,
		}
	}
	return v
}

// sourceStats holds per track frame counters
type sourceStats struct {
	audioDecoded  uint64
	audioDropped  uint64
	audioReceived uint64
	os            []astikit.StatOptions
	videoDecoded  uint64
	videoDropped  uint64
	videoReceived uint64
}

func newSourceStats() (s *sourceStats) {
	s = &sourceStats{}
	s.os = s.newOptions()
	return
}

// options returns the same stat options every time so that they can be deleted
func (s *sourceStats) options() []astikit.StatOptions {
	return s.os
}

func (s *sourceStats) newOptions() []astikit.StatOptions {
	o := func(name, label, description string, v *uint64) astikit.StatOptions {
		return astikit.StatOptions{
			Metadata: &astikit.StatMetadata{
				Description: description,
				Label:       label,
				Name:        name,
				Unit:        "fps",
			},
			Valuer: astikit.NewAtomicUint64RateStat(v),
		}
	}
	return []astikit.StatOptions{
		o(StatNameVideoFramesReceived, "Video received", "Number of video frames received per second", &s.videoReceived),
		o(StatNameVideoFramesDecoded, "Video decoded", "Number of video frames handed to the sink per second", &s.videoDecoded),
		o(StatNameVideoFramesDropped, "Video dropped", "Number of video frames dropped per second", &s.videoDropped),
		o(StatNameAudioFramesReceived, "Audio received", "Number of audio frames received per second", &s.audioReceived),
		o(StatNameAudioFramesDecoded, "Audio decoded", "Number of audio frames handed to the sink per second", &s.audioDecoded),
		o(StatNameAudioFramesDropped, "Audio dropped", "Number of audio frames dropped per second", &s.audioDropped),
	}
}

func (s *sourceStats) received(track string) {
	if track == TrackLabelVideo {
		atomic.AddUint64(&s.videoReceived, 1)
	} else {
		atomic.AddUint64(&s.audioReceived, 1)
	}
}

func (s *sourceStats) decoded(track string, n int) {
	if track == TrackLabelVideo {
		atomic.AddUint64(&s.videoDecoded, uint64(n))
	} else {
		atomic.AddUint64(&s.audioDecoded, uint64(n))
	}
}

func (s *sourceStats) dropped(track string) {
	if track == TrackLabelVideo {
		atomic.AddUint64(&s.videoDropped, 1)
	} else {
		atomic.AddUint64(&s.audioDropped, 1)
	}
}
