package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AnalysesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ultrascan_analyses_total",
		Help: "Total number of video analyses finished, by workflow and status",
	}, []string{"workflow", "status"})

	AnalysisDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ultrascan_analysis_duration_seconds",
		Help:    "Duration of the analysis pipeline stages",
		Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"stage"})

	FramesSampledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ultrascan_frames_sampled_total",
		Help: "Total number of frames sampled across all analyses",
	})

	ClassifierErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ultrascan_classifier_errors_total",
		Help: "Frames whose classification request failed, by workflow",
	}, []string{"workflow"})

	DetectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ultrascan_detections_total",
		Help: "Allowed detections received from the classifier, by workflow",
	}, []string{"workflow"})

	ActiveAnalyses = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ultrascan_active_analyses",
		Help: "Number of analyses currently running",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ultrascan_analysis_queue_depth",
		Help: "Number of analyses waiting for a worker",
	})

	RelocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ultrascan_relocations_total",
		Help: "Artifact relocations reaching a state, by kind and state",
	}, []string{"kind", "state"})

	RetryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ultrascan_retry_total",
		Help: "Total number of relocation retries by the reconciler",
	}, []string{"kind"})

	ReportsGeneratedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ultrascan_reports_generated_total",
		Help: "Total number of PDF reports assembled",
	})

	VisitsSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ultrascan_visits_submitted_total",
		Help: "Visit submissions, by outcome",
	}, []string{"status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ultrascan_http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// Handler exposes the default registry on a gin route.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
