package video

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/SergueiMoscow/surveillance/internal/logger"
)

// DefaultMaxFrames is the frame cap of a single segment. A configured
// cap may be lower, never higher.
const DefaultMaxFrames = 500

// ErrRecorderFull is returned by Write once the segment reached its cap
var ErrRecorderFull = errors.New("segment frame cap reached")

// RecorderConfig contains segment recording settings for one camera
type RecorderConfig struct {
	Root      string
	CameraID  string
	FPS       int
	MaxFrames int
}

// SegmentInfo describes a recorded segment
type SegmentInfo struct {
	ID        string
	CameraID  string
	Path      string
	Width     int
	Height    int
	Frames    int
	SizeBytes int64
	OpenedAt  time.Time
	ClosedAt  time.Time
}

// Recorder writes frames of one camera into capped video segments. The
// segment file is created lazily on the first Write, which also fixes the
// frame dimensions. A Recorder is owned by a single camera session.
type Recorder struct {
	cfg    RecorderConfig
	sinks  SinkFactory
	active *ActiveSegments
	logger *logger.Logger
	now    func() time.Time

	sink          Sink
	info          SegmentInfo
	framesWritten int
}

// NewRecorder creates a recorder. active may be nil.
func NewRecorder(cfg RecorderConfig, sinks SinkFactory, active *ActiveSegments, log *logger.Logger) *Recorder {
	if cfg.FPS <= 0 {
		cfg.FPS = 20
	}
	if cfg.MaxFrames <= 0 || cfg.MaxFrames > DefaultMaxFrames {
		cfg.MaxFrames = DefaultMaxFrames
	}
	return &Recorder{
		cfg:    cfg,
		sinks:  sinks,
		active: active,
		logger: log,
		now:    time.Now,
	}
}

// Write appends a frame, opening a new segment first if none is open
func (r *Recorder) Write(img image.Image) error {
	if r.Full() {
		return ErrRecorderFull
	}
	if r.sink == nil {
		if err := r.open(img.Bounds().Dx(), img.Bounds().Dy()); err != nil {
			return err
		}
	}
	if err := r.sink.Append(img); err != nil {
		return fmt.Errorf("failed to append frame: %w", err)
	}
	r.framesWritten++
	r.info.Frames = r.framesWritten
	return nil
}

func (r *Recorder) open(width, height int) error {
	openedAt := r.now()
	path, err := r.segmentPath(openedAt)
	if err != nil {
		return err
	}

	sink, err := r.sinks.Open(path, width, height, r.cfg.FPS)
	if err != nil {
		return fmt.Errorf("failed to open segment %s: %w", path, err)
	}

	r.sink = sink
	r.framesWritten = 0
	r.info = SegmentInfo{
		ID:       uuid.NewString(),
		CameraID: r.cfg.CameraID,
		Path:     path,
		Width:    width,
		Height:   height,
		OpenedAt: openedAt,
	}
	if r.active != nil {
		r.active.Add(path)
	}

	r.logger.Info("Segment opened",
		"camera_id", r.cfg.CameraID,
		"path", path,
		"width", width,
		"height", height,
	)
	return nil
}

// segmentPath builds root/camera/YYYY/MM/DD/m_YYYY-MM-DD_HH:MM:SS.avi,
// adding a numeric suffix when that name is taken.
func (r *Recorder) segmentPath(t time.Time) (string, error) {
	dir := filepath.Join(r.cfg.Root, r.cfg.CameraID, t.Format("2006"), t.Format("01"), t.Format("02"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create segment directory: %w", err)
	}

	base := "m_" + t.Format("2006-01-02_15:04:05")
	path := filepath.Join(dir, base+".avi")
	for i := 1; r.taken(path); i++ {
		path = filepath.Join(dir, fmt.Sprintf("%s_%d.avi", base, i))
	}
	return path, nil
}

func (r *Recorder) taken(path string) bool {
	if r.active != nil && r.active.Contains(path) {
		return true
	}
	_, err := os.Stat(path)
	return err == nil
}

// Close finishes the open segment. It is a no-op when nothing is open.
// The returned bool reports whether a segment was closed.
func (r *Recorder) Close() (SegmentInfo, bool, error) {
	if r.sink == nil {
		return SegmentInfo{}, false, nil
	}

	err := r.sink.Close()
	if err != nil {
		err = fmt.Errorf("failed to close segment %s: %w", r.info.Path, err)
	}

	info := r.info
	info.ClosedAt = r.now()
	if st, statErr := os.Stat(info.Path); statErr == nil {
		info.SizeBytes = st.Size()
	}

	if r.active != nil {
		r.active.Remove(info.Path)
	}
	r.sink = nil
	r.framesWritten = 0
	r.info = SegmentInfo{}

	r.logger.Info("Segment closed",
		"camera_id", info.CameraID,
		"path", info.Path,
		"frames", info.Frames,
		"bytes", info.SizeBytes,
	)
	return info, true, err
}

// IsOpen reports whether a segment is open
func (r *Recorder) IsOpen() bool {
	return r.sink != nil
}

// Full reports whether the open segment reached the frame cap
func (r *Recorder) Full() bool {
	return r.framesWritten >= r.cfg.MaxFrames
}

// FramesWritten returns the number of frames in the open segment
func (r *Recorder) FramesWritten() int {
	return r.framesWritten
}

// Current returns the open segment, if any
func (r *Recorder) Current() (SegmentInfo, bool) {
	return r.info, r.sink != nil
}
