package astimoq

import (
	"testing"
	"time"

	"github.com/asticode/go-astikit"
	"github.com/stretchr/testify/require"
)

func TestSourceStats(t *testing.T) {
	s := newSourceStats()
	os := s.options()
	require.Len(t, os, 6)
	require.Equal(t, os, s.options())

	s.received(TrackLabelVideo)
	s.received(TrackLabelVideo)
	s.decoded(TrackLabelVideo, 1)
	s.dropped(TrackLabelVideo)
	s.received(TrackLabelAudio)
	s.decoded(TrackLabelAudio, 3)

	values := func(d time.Duration) map[string]interface{} {
		m := make(map[string]interface{})
		for _, o := range os {
			m[o.Metadata.Name] = o.Valuer.(astikit.StatValuer).Value(d)
		}
		return m
	}
	require.Equal(t, map[string]interface{}{
		StatNameAudioFramesDecoded:  3.0,
		StatNameAudioFramesDropped:  0.0,
		StatNameAudioFramesReceived: 1.0,
		StatNameVideoFramesDecoded:  1.0,
		StatNameVideoFramesDropped:  1.0,
		StatNameVideoFramesReceived: 2.0,
	}, values(time.Second))

	// Rates are computed since the previous value
	s.received(TrackLabelVideo)
	vs := values(2 * time.Second)
	require.Equal(t, 0.5, vs[StatNameVideoFramesReceived])
	require.Equal(t, 0.0, vs[StatNameAudioFramesDecoded])
}
