package video

import (
	"context"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/SergueiMoscow/surveillance/internal/logger"
)

// Sink is an open, writable video segment
type Sink interface {
	Append(img image.Image) error
	Close() error
}

// SinkFactory creates video sinks
type SinkFactory interface {
	Open(path string, width, height, fps int) (Sink, error)
}

// FFmpegSinkFactory writes MJPEG-in-AVI segments by piping JPEG frames
// into an ffmpeg process
type FFmpegSinkFactory struct {
	ffmpeg  *FFmpegWrapper
	quality int
	logger  *logger.Logger
}

// NewFFmpegSinkFactory creates a sink factory. quality is the JPEG quality
// used for frames handed to ffmpeg.
func NewFFmpegSinkFactory(ffmpeg *FFmpegWrapper, quality int, log *logger.Logger) *FFmpegSinkFactory {
	return &FFmpegSinkFactory{ffmpeg: ffmpeg, quality: quality, logger: log}
}

// Open starts an ffmpeg process writing to path
func (f *FFmpegSinkFactory) Open(path string, width, height, fps int) (Sink, error) {
	if f.ffmpeg == nil {
		return nil, fmt.Errorf("ffmpeg is required to record %s", path)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cmd := f.ffmpeg.BuildCommand(ctx, buildSegmentArgs(path, width, height, fps))

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stderr := &tailBuffer{limit: stderrTail}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	return &ffmpegSink{
		cmd:     cmd,
		cancel:  cancel,
		stdin:   stdin,
		stderr:  stderr,
		quality: f.quality,
		path:    path,
	}, nil
}

func buildSegmentArgs(path string, width, height, fps int) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "image2pipe",
		"-framerate", fmt.Sprintf("%d", fps),
		"-vcodec", "mjpeg",
		"-i", "-",
		"-vf", fmt.Sprintf("scale=%d:%d", width, height),
		"-c:v", "mjpeg",
		"-q:v", "3",
		"-f", "avi",
		"-y",
		path,
	}
}

type ffmpegSink struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	stdin   io.WriteCloser
	stderr  *tailBuffer
	quality int
	path    string
	closed  bool
}

func (s *ffmpegSink) Append(img image.Image) error {
	data, err := EncodeJPEG(img, s.quality)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sink closed")
	}
	if _, err := s.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write frame to %s: %w (%s)", s.path, err, strings.TrimSpace(s.stderr.String()))
	}
	return nil
}

// Close finishes the file and waits for ffmpeg to exit
func (s *ffmpegSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	defer s.cancel()

	_ = s.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("ffmpeg failed for %s: %w (%s)", s.path, err, strings.TrimSpace(s.stderr.String()))
		}
		return nil
	case <-time.After(15 * time.Second):
		s.cancel()
		<-done
		return fmt.Errorf("ffmpeg did not finish %s in time", s.path)
	}
}
