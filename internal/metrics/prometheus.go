package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CapturesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "thumbgrab_captures_total",
		Help: "Total number of frame captures, by format and status",
	}, []string{"format", "status"})

	CaptureDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "thumbgrab_capture_duration_seconds",
		Help:    "Time spent resampling and encoding a single capture",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	SeekDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "thumbgrab_seek_duration_seconds",
		Help:    "Time between a seek request and the frame being presented",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})

	LoadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "thumbgrab_media_loads_total",
		Help: "Media loads, by status",
	}, []string{"status"})

	GallerySize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "thumbgrab_gallery_size",
		Help: "Number of images currently held in the gallery",
	})

	ExportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "thumbgrab_exports_total",
		Help: "Downloads delivered, by kind (single, archive) and status",
	}, []string{"kind", "status"})

	ExportBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "thumbgrab_export_bytes_total",
		Help: "Bytes handed to download sinks",
	})

	FetchProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "thumbgrab_platform_probes_total",
		Help: "Platform thumbnail probes, by tier and availability",
	}, []string{"tier", "available"})
)
