package astimoq

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Track labels
const (
	TrackLabelAudio = "audio"
	TrackLabelVideo = "video"
)

// Drop reasons
const (
	DropReasonDecode   = "decode"
	DropReasonInactive = "inactive"
	DropReasonNoChunk  = "no_chunk"
	DropReasonStale    = "stale"
)

// Metrics holds the source's prometheus metrics
type Metrics struct {
	Activations    prometheus.Counter
	Catalogs       prometheus.Counter
	FramesDecoded  *prometheus.CounterVec
	FramesDropped  *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec
	State          *prometheus.GaugeVec
	r              *prometheus.Registry
}

// NewMetrics creates and registers the metrics in a dedicated registry
func NewMetrics() *Metrics {
	r := prometheus.NewRegistry()
	f := promauto.With(r)
	return &Metrics{
		Activations: f.NewCounter(prometheus.CounterOpts{
			Namespace: "astimoq",
			Name:      "activations_total",
			Help:      "Total number of source activations",
		}),
		Catalogs: f.NewCounter(prometheus.CounterOpts{
			Namespace: "astimoq",
			Name:      "catalogs_total",
			Help:      "Total number of catalogs received",
		}),
		FramesDecoded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "astimoq",
			Name:      "frames_decoded_total",
			Help:      "Total number of frames handed to the sink",
		}, []string{"track"}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "astimoq",
			Name:      "frames_dropped_total",
			Help:      "Total number of dropped frames",
		}, []string{"track", "reason"}),
		FramesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "astimoq",
			Name:      "frames_received_total",
			Help:      "Total number of frames received from the transport",
		}, []string{"track"}),
		State: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "astimoq",
			Name:      "state",
			Help:      "Current source state, 1 for the current state and 0 for the others",
		}, []string{"state"}),
		r: r,
	}
}

// Handler returns the /metrics handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.r, promhttp.HandlerOpts{})
}

func (m *Metrics) setState(s State) {
	if m == nil {
		return
	}
	for _, v := range States() {
		g := 0.0
		if v == s {
			g = 1
		}
		m.State.WithLabelValues(string(v)).Set(g)
	}
}

func (m *Metrics) incActivations() {
	if m == nil {
		return
	}
	m.Activations.Inc()
}

func (m *Metrics) incCatalogs() {
	if m == nil {
		return
	}
	m.Catalogs.Inc()
}

func (m *Metrics) incReceived(track string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(track).Inc()
}

func (m *Metrics) addDecoded(track string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FramesDecoded.WithLabelValues(track).Add(float64(n))
}

func (m *Metrics) incDropped(track, reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(track, reason).Inc()
}
