package assets

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Upload outcomes recorded by Metrics.
const (
	outcomeCreated      = "created"
	outcomeDeduplicated = "deduplicated"
	outcomeRejected     = "rejected"
	outcomeFailed       = "failed"
)

// Metrics collects service counters. A nil *Metrics records nothing.
type Metrics struct {
	uploads           *prometheus.CounterVec
	uploadBytes       prometheus.Histogram
	thumbnailFailures prometheus.Counter
	sweepRemoved      prometheus.Counter
	sweepFreedBytes   prometheus.Counter
	sweepFailures     prometheus.Counter
	strayBlobs        *prometheus.CounterVec
}

// NewMetrics registers the service metrics on reg. With a nil registerer the
// collectors are created but not registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		uploads: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assetstore_uploads_total",
				Help: "Uploads by outcome",
			},
			[]string{"outcome"},
		),
		uploadBytes: f.NewHistogram(
			prometheus.HistogramOpts{
				Name: "assetstore_upload_size_bytes",
				Help: "Distribution of accepted upload sizes",
				Buckets: []float64{
					16384,    // 16KB
					262144,   // 256KB
					1048576,  // 1MB
					10485760, // 10MB
					52428800, // 50MB
				},
			},
		),
		thumbnailFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "assetstore_thumbnail_failures_total",
			Help: "Uploads stored without a thumbnail because derivation failed",
		}),
		sweepRemoved: f.NewCounter(prometheus.CounterOpts{
			Name: "assetstore_sweep_removed_total",
			Help: "Orphaned assets removed by cleanup",
		}),
		sweepFreedBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "assetstore_sweep_freed_bytes_total",
			Help: "Bytes reclaimed by cleanup",
		}),
		sweepFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "assetstore_sweep_failures_total",
			Help: "Orphans left in place because removal failed",
		}),
		strayBlobs: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assetstore_stray_blobs_removed_total",
				Help: "Unreferenced blobs deleted by verify --repair",
			},
			[]string{"namespace"},
		),
	}
}

func (m *Metrics) upload(outcome string, size int) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(outcome).Inc()
	if outcome == outcomeCreated || outcome == outcomeDeduplicated {
		m.uploadBytes.Observe(float64(size))
	}
}

func (m *Metrics) thumbnailFailed() {
	if m == nil {
		return
	}
	m.thumbnailFailures.Inc()
}

func (m *Metrics) swept(removed int, freed int64, failed int) {
	if m == nil {
		return
	}
	m.sweepRemoved.Add(float64(removed))
	m.sweepFreedBytes.Add(float64(freed))
	m.sweepFailures.Add(float64(failed))
}

func (m *Metrics) strayRemoved(ns string) {
	if m == nil {
		return
	}
	m.strayBlobs.WithLabelValues(ns).Inc()
}
