package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Camera pipeline metrics
	FramesPulled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surveillance_frames_pulled_total",
		Help: "Frames read from camera sources",
	}, []string{"camera"})

	FramesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surveillance_frames_processed_total",
		Help: "Frames that went through motion detection",
	}, []string{"camera"})

	FramesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surveillance_frames_skipped_total",
		Help: "Frames dropped by the skip interval",
	}, []string{"camera"})

	MotionFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surveillance_motion_frames_total",
		Help: "Processed frames with motion",
	}, []string{"camera"})

	ObjectFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surveillance_object_frames_total",
		Help: "Motion frames where the classifier found an object",
	}, []string{"camera"})

	ClassifierErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surveillance_classifier_errors_total",
		Help: "Classifier failures, counted as no object",
	}, []string{"camera"})

	ClassifierLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "surveillance_classifier_latency_seconds",
		Help:    "Classifier round trip latency",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"camera"})

	SourceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surveillance_source_errors_total",
		Help: "Frame source failures by kind",
	}, []string{"camera", "kind"})

	Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surveillance_reconnects_total",
		Help: "Reconnect backoffs entered",
	}, []string{"camera"})

	CameraState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "surveillance_camera_state",
		Help: "1 for the current session state of each camera",
	}, []string{"camera", "state"})

	WorkerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surveillance_worker_restarts_total",
		Help: "Camera workers restarted by the supervisor",
	}, []string{"camera"})

	// Recording metrics
	SegmentsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surveillance_segments_opened_total",
		Help: "Video segments opened",
	}, []string{"camera"})

	SegmentsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surveillance_segments_closed_total",
		Help: "Video segments closed",
	}, []string{"camera"})

	SegmentFrames = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "surveillance_segment_frames",
		Help:    "Frames per closed segment",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
	}, []string{"camera"})

	RecordingErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surveillance_recording_errors_total",
		Help: "Failed segment writes",
	}, []string{"camera"})

	// Archive metrics
	ArchiveBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "surveillance_archive_bytes",
		Help: "Bytes under the archive root at the last sweep",
	})

	ArchiveLimitBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "surveillance_archive_limit_bytes",
		Help: "Configured archive size limit",
	})

	EvictedFiles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "surveillance_archive_evicted_files_total",
		Help: "Files deleted by the archive manager",
	})

	EvictedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "surveillance_archive_evicted_bytes_total",
		Help: "Bytes reclaimed by the archive manager",
	})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "surveillance_archive_sweep_duration_seconds",
		Help:    "Archive sweep latency",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	})

	SweepErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surveillance_archive_sweep_errors_total",
		Help: "Archive sweeps that ended in an error",
	}, []string{"reason"})
)

// SessionStates lists the values used for the CameraState state label
var SessionStates = []string{"connecting", "streaming", "stopped"}

// SetCameraState marks state as the only active state for a camera
func SetCameraState(camera, state string) {
	for _, s := range SessionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		CameraState.WithLabelValues(camera, s).Set(v)
	}
}

// Handler returns the Prometheus exposition handler
func Handler() http.Handler {
	return promhttp.Handler()
}
