package internal

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects observational counters and gauges for one stream.
// All updates are side channels: a metrics failure never influences
// replication or playback.
type Metrics struct {
	registry *prometheus.Registry

	trackReplicators *prometheus.GaugeVec
	maxTime          prometheus.Gauge
	activeTracks     prometheus.Gauge
	releasedChunks   *prometheus.CounterVec
	accumulatedLag   prometheus.Gauge
	laggingSources   prometheus.Gauge
}

// NewMetrics creates a metrics set backed by its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	return &Metrics{
		registry: reg,
		trackReplicators: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamsync_track_replicators",
			Help: "Number of peers replicating a track's chunk log.",
		}, []string{"track"}),
		maxTime: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "streamsync_max_time_microseconds",
			Help: "Highest known media time of the stream in microseconds.",
		}),
		activeTracks: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "streamsync_active_tracks",
			Help: "Number of tracks currently held open for playback.",
		}),
		releasedChunks: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "streamsync_released_chunks_total",
			Help: "Chunks released to the renderer, by media kind.",
		}, []string{"kind"}),
		accumulatedLag: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "streamsync_accumulated_lag_microseconds",
			Help: "Total playback time spent stalled waiting for chunk data.",
		}),
		laggingSources: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "streamsync_lagging_sources",
			Help: "Number of tracks currently stalling playback.",
		}),
	}
}

func (m *Metrics) ObserveReplicators(trackID [32]byte, n int) {
	if m == nil {
		return
	}
	m.trackReplicators.WithLabelValues(shortID(trackID)).Set(float64(n))
}

func (m *Metrics) ObserveMaxTime(t uint64) {
	if m == nil {
		return
	}
	m.maxTime.Set(float64(t))
}

func (m *Metrics) ObserveActiveTracks(n int) {
	if m == nil {
		return
	}
	m.activeTracks.Set(float64(n))
}

func (m *Metrics) ObserveReleasedChunk(kind MediaKind) {
	if m == nil {
		return
	}
	m.releasedChunks.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) ObserveLag(accumulated uint64, lagging int) {
	if m == nil {
		return
	}
	m.accumulatedLag.Set(float64(accumulated))
	m.laggingSources.Set(float64(lagging))
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
