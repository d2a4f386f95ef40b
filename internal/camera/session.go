package camera

import (
	"bytes"
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"github.com/SergueiMoscow/surveillance/internal/ai"
	"github.com/SergueiMoscow/surveillance/internal/framecache"
	"github.com/SergueiMoscow/surveillance/internal/logger"
	"github.com/SergueiMoscow/surveillance/internal/metrics"
	"github.com/SergueiMoscow/surveillance/internal/motion"
	"github.com/SergueiMoscow/surveillance/internal/service"
	"github.com/SergueiMoscow/surveillance/internal/video"
)

// State is the connection state of a camera session
type State string

const (
	StateConnecting State = "connecting"
	StateStreaming  State = "streaming"
	StateStopped    State = "stopped"
)

// equalFrameWarnThreshold is the number of byte-identical consecutive
// frames after which a stalled-source warning is logged
const equalFrameWarnThreshold = 20

// SessionConfig contains per-camera pipeline settings
type SessionConfig struct {
	ID               string
	Locator          string
	SkipFrames       int
	ReconnectBackoff time.Duration
	FrameWidth       int
	FrameHeight      int
	JPEGQuality      int
}

// Status is a point-in-time view of a session
type Status struct {
	ID              string     `json:"id"`
	Source          string     `json:"source"`
	State           State      `json:"state"`
	FramesPulled    int64      `json:"frames_pulled"`
	FramesProcessed int64      `json:"frames_processed"`
	LastFrameAt     *time.Time `json:"last_frame_at,omitempty"`
	ConnectedAt     *time.Time `json:"connected_at,omitempty"`
	Recording       bool       `json:"recording"`
	SegmentPath     string     `json:"segment_path,omitempty"`
	SegmentFrames   int        `json:"segment_frames"`
	Reconnects      int64      `json:"reconnects"`
	LastError       string     `json:"last_error,omitempty"`
	Restarts        int64      `json:"restarts"`
}

// Session drives one camera: it pulls frames, detects motion and objects,
// records qualifying frames and publishes the latest frame to the cache.
// All pipeline state is owned by the goroutine running Run.
type Session struct {
	cfg        SessionConfig
	opener     video.SourceOpener
	detector   *motion.Detector
	classifier ai.Classifier
	recorder   *video.Recorder
	cache      *framecache.Cache
	bus        *service.EventBus
	logger     *logger.Logger

	frameCounter int64
	repeatCount  int
	lastData     []byte

	mu     sync.RWMutex
	status Status
}

// NewSession creates a session. bus may be nil.
func NewSession(
	cfg SessionConfig,
	opener video.SourceOpener,
	detector *motion.Detector,
	classifier ai.Classifier,
	recorder *video.Recorder,
	cache *framecache.Cache,
	bus *service.EventBus,
	log *logger.Logger,
) *Session {
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 60 * time.Second
	}
	if cfg.FrameWidth <= 0 || cfg.FrameHeight <= 0 {
		cfg.FrameWidth, cfg.FrameHeight = 640, 360
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 85
	}

	s := &Session{
		cfg:        cfg,
		opener:     opener,
		detector:   detector,
		classifier: classifier,
		recorder:   recorder,
		cache:      cache,
		bus:        bus,
		logger:     log.Camera(cfg.ID),
		status: Status{
			ID:     cfg.ID,
			Source: video.Redact(cfg.Locator),
			State:  StateConnecting,
		},
	}
	metrics.SetCameraState(cfg.ID, string(StateConnecting))
	return s
}

// ID returns the camera id
func (s *Session) ID() string {
	return s.cfg.ID
}

// Status returns a snapshot of the session state
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.status
	if st.LastFrameAt != nil {
		t := *st.LastFrameAt
		st.LastFrameAt = &t
	}
	if st.ConnectedAt != nil {
		t := *st.ConnectedAt
		st.ConnectedAt = &t
	}
	return st
}

// Run connects to the source and processes frames until ctx is cancelled.
// Source failures never end Run; they trigger a backoff and a reconnect.
func (s *Session) Run(ctx context.Context) error {
	defer s.shutdown()

	for ctx.Err() == nil {
		s.setState(StateConnecting)

		src, err := s.opener.Open(ctx, s.cfg.Locator)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("Failed to open camera source", "error", err, "retry_in", s.cfg.ReconnectBackoff)
			s.setError(err)
			metrics.SourceErrors.WithLabelValues(s.cfg.ID, "open").Inc()
			if !s.backoff(ctx) {
				return nil
			}
			continue
		}

		s.onConnected()
		err = s.consume(ctx, src)
		s.closeRecorder("source released")
		// a new connection starts with a fresh motion reference
		s.detector.Reset()

		if ctx.Err() != nil {
			return nil
		}

		s.logger.Warn("Lost connection to camera", "error", err, "retry_in", s.cfg.ReconnectBackoff)
		s.setError(err)
		metrics.SourceErrors.WithLabelValues(s.cfg.ID, "pull").Inc()
		s.publish(service.EventTypeCameraDisconnected, map[string]interface{}{
			"camera_id": s.cfg.ID,
			"reason":    errString(err),
		})

		s.setState(StateConnecting)
		if !s.backoff(ctx) {
			return nil
		}
	}
	return nil
}

// consume streams from src and releases it, also when a pipeline stage panics
func (s *Session) consume(ctx context.Context, src video.Source) error {
	defer func() {
		if err := src.Close(); err != nil {
			s.logger.Debug("Failed to close camera source", "error", err)
		}
	}()
	return s.stream(ctx, src)
}

// stream pulls frames until the source fails or ctx is cancelled
func (s *Session) stream(ctx context.Context, src video.Source) error {
	for {
		frame, err := src.Pull(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, video.ErrFrameUnavailable) {
				s.logger.Debug("Frame unavailable", "error", err)
				metrics.SourceErrors.WithLabelValues(s.cfg.ID, "unavailable").Inc()
				continue
			}
			return err
		}
		s.handleFrame(ctx, frame)
	}
}

// handleFrame runs one pipeline cycle for a pulled frame
func (s *Session) handleFrame(ctx context.Context, frame *video.Frame) {
	s.frameCounter++
	metrics.FramesPulled.WithLabelValues(s.cfg.ID).Inc()
	s.trackRepeats(frame.Data)

	now := time.Now()
	s.mu.Lock()
	s.status.FramesPulled++
	s.status.LastFrameAt = &now
	s.mu.Unlock()

	if s.frameCounter%int64(s.cfg.SkipFrames+1) != 0 {
		metrics.FramesSkipped.WithLabelValues(s.cfg.ID).Inc()
		return
	}

	metrics.FramesProcessed.WithLabelValues(s.cfg.ID).Inc()
	s.mu.Lock()
	s.status.FramesProcessed++
	s.mu.Unlock()

	rgba := video.ToRGBA(frame.Image)
	result := s.detector.Detect(rgba)
	if result.ColdStart {
		s.logger.Debug("Motion reference initialized")
		return
	}
	if result.Motion {
		metrics.MotionFrames.WithLabelValues(s.cfg.ID).Inc()
	}

	resized := video.Resize(rgba, s.cfg.FrameWidth, s.cfg.FrameHeight)
	out, objectFound := s.classify(ctx, resized)

	if result.Motion && objectFound {
		s.record(out)
	} else {
		s.closeRecorder("no motion or object")
	}

	jpeg, err := video.EncodeJPEG(out, s.cfg.JPEGQuality)
	if err != nil {
		s.logger.Warn("Failed to encode frame", "error", err)
		return
	}
	s.cache.Put(s.cfg.ID, jpeg)
}

// classify runs the classifier; failures count as no object
func (s *Session) classify(ctx context.Context, img *image.RGBA) (image.Image, bool) {
	start := time.Now()
	det, err := s.classifier.Detect(ctx, img)
	metrics.ClassifierLatency.WithLabelValues(s.cfg.ID).Observe(time.Since(start).Seconds())
	if err != nil {
		s.logger.Debug("Classifier failed", "error", err)
		metrics.ClassifierErrors.WithLabelValues(s.cfg.ID).Inc()
		return img, false
	}
	if det.Found {
		metrics.ObjectFrames.WithLabelValues(s.cfg.ID).Inc()
	}
	if det.Frame == nil {
		return img, det.Found
	}
	return det.Frame, det.Found
}

// record writes a qualifying frame, rolling over to a new segment at the cap
func (s *Session) record(img image.Image) {
	if s.recorder.Full() {
		s.closeRecorder("frame cap reached")
	}

	wasOpen := s.recorder.IsOpen()
	if err := s.recorder.Write(img); err != nil {
		s.logger.Error("Failed to write segment frame", "error", err)
		metrics.RecordingErrors.WithLabelValues(s.cfg.ID).Inc()
		s.closeRecorder("write failed")
		return
	}

	info, _ := s.recorder.Current()
	if !wasOpen {
		metrics.SegmentsOpened.WithLabelValues(s.cfg.ID).Inc()
		s.publish(service.EventTypeSegmentOpened, map[string]interface{}{
			"segment_id": info.ID,
			"camera_id":  info.CameraID,
			"path":       info.Path,
			"width":      info.Width,
			"height":     info.Height,
			"opened_at":  info.OpenedAt,
		})
	}

	s.mu.Lock()
	s.status.Recording = true
	s.status.SegmentPath = info.Path
	s.status.SegmentFrames = info.Frames
	s.mu.Unlock()
}

// closeRecorder finishes the open segment, if any
func (s *Session) closeRecorder(reason string) {
	info, closed, err := s.recorder.Close()
	if !closed {
		return
	}
	if err != nil {
		s.logger.Warn("Segment closed with error", "error", err, "path", info.Path)
	}

	metrics.SegmentsClosed.WithLabelValues(s.cfg.ID).Inc()
	metrics.SegmentFrames.WithLabelValues(s.cfg.ID).Observe(float64(info.Frames))
	s.publish(service.EventTypeSegmentClosed, map[string]interface{}{
		"segment_id": info.ID,
		"camera_id":  info.CameraID,
		"path":       info.Path,
		"width":      info.Width,
		"height":     info.Height,
		"frames":     info.Frames,
		"size_bytes": info.SizeBytes,
		"opened_at":  info.OpenedAt,
		"closed_at":  info.ClosedAt,
		"reason":     reason,
	})

	s.mu.Lock()
	s.status.Recording = false
	s.status.SegmentPath = ""
	s.status.SegmentFrames = 0
	s.mu.Unlock()
}

// trackRepeats counts consecutive byte-identical frames from the source
func (s *Session) trackRepeats(data []byte) {
	if len(data) > 0 && bytes.Equal(data, s.lastData) {
		s.repeatCount++
		if s.repeatCount > equalFrameWarnThreshold {
			s.logger.Warn("Camera keeps delivering identical frames", "count", s.repeatCount)
		}
	} else {
		s.repeatCount = 0
	}
	s.lastData = data
}

// backoff waits the reconnect delay. It returns false if ctx ended first.
func (s *Session) backoff(ctx context.Context) bool {
	metrics.Reconnects.WithLabelValues(s.cfg.ID).Inc()
	s.mu.Lock()
	s.status.Reconnects++
	s.mu.Unlock()

	timer := time.NewTimer(s.cfg.ReconnectBackoff)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Session) onConnected() {
	now := time.Now()
	s.mu.Lock()
	s.status.ConnectedAt = &now
	s.status.LastError = ""
	s.mu.Unlock()

	s.setState(StateStreaming)
	s.logger.Info("Camera connected", "source", video.Redact(s.cfg.Locator))
	s.publish(service.EventTypeCameraConnected, map[string]interface{}{
		"camera_id": s.cfg.ID,
	})
}

func (s *Session) shutdown() {
	s.closeRecorder("shutdown")
	s.setState(StateStopped)
	s.logger.Info("Camera session stopped")
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	changed := s.status.State != state
	s.status.State = state
	if state != StateStreaming {
		s.status.ConnectedAt = nil
	}
	s.mu.Unlock()

	if changed {
		metrics.SetCameraState(s.cfg.ID, string(state))
	}
}

func (s *Session) setError(err error) {
	s.mu.Lock()
	s.status.LastError = errString(err)
	s.mu.Unlock()
}

func (s *Session) setRestarts(n int64) {
	s.mu.Lock()
	s.status.Restarts = n
	s.mu.Unlock()
}

func (s *Session) publish(eventType service.EventType, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(service.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Source:    "camera/" + s.cfg.ID,
		Data:      data,
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
