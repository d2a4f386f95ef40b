package video

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/SergueiMoscow/surveillance/internal/logger"
)

const (
	readChunkSize  = 64 * 1024
	maxFrameBuffer = 16 * 1024 * 1024
	stderrTail     = 4 * 1024
)

// StreamSourceConfig configures an ffmpeg-backed stream source
type StreamSourceConfig struct {
	Locator       string
	RTSPTransport string        // "tcp" or "udp"
	ReadTimeout   time.Duration // 0 waits forever
	Quality       int           // ffmpeg -q:v, 2 (best) to 31
}

// StreamSource decodes a stream with an ffmpeg child process that writes
// MJPEG frames to stdout. Only the newest undelivered frame is kept.
type StreamSource struct {
	logger      *logger.Logger
	locator     string
	readTimeout time.Duration
	cmd         *exec.Cmd
	cancel      context.CancelFunc
	frames      chan []byte
	done        chan struct{}
	stderr      *tailBuffer
	closeOnce   sync.Once
	mu          sync.Mutex
	exitErr     error
}

// StartStreamSource spawns ffmpeg for cfg.Locator
func StartStreamSource(ctx context.Context, ffmpeg *FFmpegWrapper, cfg StreamSourceConfig, log *logger.Logger) (*StreamSource, error) {
	procCtx, cancel := context.WithCancel(ctx)
	cmd := ffmpeg.BuildCommand(procCtx, buildStreamArgs(cfg))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr := &tailBuffer{limit: stderrTail}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	s := &StreamSource{
		logger:      log,
		locator:     Redact(cfg.Locator),
		readTimeout: cfg.ReadTimeout,
		cmd:         cmd,
		cancel:      cancel,
		frames:      make(chan []byte, 1),
		done:        make(chan struct{}),
		stderr:      stderr,
	}
	go s.readLoop(stdout)

	log.Debug("Stream source started", "locator", s.locator, "pid", cmd.Process.Pid)
	return s, nil
}

func buildStreamArgs(cfg StreamSourceConfig) []string {
	quality := cfg.Quality
	if quality < 2 || quality > 31 {
		quality = 3
	}

	args := []string{"-hide_banner", "-loglevel", "error"}
	input := cfg.Locator
	switch {
	case IsRTSP(input):
		transport := cfg.RTSPTransport
		if transport == "" {
			transport = "tcp"
		}
		args = append(args, "-rtsp_transport", transport)
	default:
		if u, err := url.Parse(input); err == nil && strings.EqualFold(u.Scheme, "file") {
			input = u.Path
		}
		// pace file playback at its native frame rate
		args = append(args, "-re")
	}

	return append(args,
		"-i", input,
		"-an",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", fmt.Sprintf("%d", quality),
		"-",
	)
}

func (s *StreamSource) readLoop(stdout io.Reader) {
	defer close(s.done)
	defer close(s.frames)

	buf := make([]byte, 0, readChunkSize*2)
	chunk := make([]byte, readChunkSize)
	for {
		n, err := stdout.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				frame := extractJPEGFrame(&buf)
				if frame == nil {
					break
				}
				s.offer(frame)
			}
			if len(buf) > maxFrameBuffer {
				s.logger.Warn("Discarding oversized stream buffer", "locator", s.locator, "bytes", len(buf))
				buf = buf[:0]
			}
		}
		if err != nil {
			waitErr := s.cmd.Wait()
			s.mu.Lock()
			if waitErr != nil {
				s.exitErr = fmt.Errorf("ffmpeg exited: %w: %s", waitErr, strings.TrimSpace(s.stderr.String()))
			} else if err != io.EOF {
				s.exitErr = err
			}
			s.mu.Unlock()
			return
		}
	}
}

// offer replaces any undelivered frame with frame
func (s *StreamSource) offer(frame []byte) {
	select {
	case s.frames <- frame:
		return
	default:
	}
	select {
	case <-s.frames:
	default:
	}
	s.frames <- frame
}

// Pull returns the newest frame produced by ffmpeg
func (s *StreamSource) Pull(ctx context.Context) (*Frame, error) {
	var timeout <-chan time.Time
	if s.readTimeout > 0 {
		timer := time.NewTimer(s.readTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case data, ok := <-s.frames:
		if !ok {
			if err := s.err(); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrSourceClosed, err)
			}
			return nil, ErrSourceClosed
		}
		frame, err := DecodeJPEG(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFrameUnavailable, err)
		}
		return frame, nil
	case <-timeout:
		return nil, fmt.Errorf("no frame received within %s", s.readTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops ffmpeg and waits for the reader to finish
func (s *StreamSource) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		select {
		case <-s.done:
		case <-time.After(5 * time.Second):
			s.logger.Warn("Stream source did not exit in time", "locator", s.locator)
		}
	})
	return nil
}

func (s *StreamSource) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}

// extractJPEGFrame removes and returns the first complete JPEG (SOI..EOI)
// from buffer, or nil when none is complete yet.
func extractJPEGFrame(buffer *[]byte) []byte {
	b := *buffer
	start := bytes.Index(b, []byte{0xFF, 0xD8})
	if start == -1 {
		// keep a trailing 0xFF that may begin the next marker
		if len(b) > 0 && b[len(b)-1] == 0xFF {
			*buffer = append(b[:0], 0xFF)
		} else {
			*buffer = b[:0]
		}
		return nil
	}

	end := bytes.Index(b[start+2:], []byte{0xFF, 0xD9})
	if end == -1 {
		if start > 0 {
			*buffer = append(b[:0], b[start:]...)
		}
		return nil
	}
	end += start + 4

	frame := make([]byte, end-start)
	copy(frame, b[start:end])
	*buffer = append(b[:0], b[end:]...)
	return frame
}

// tailBuffer keeps the last limit bytes written to it
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.limit {
		t.buf = append(t.buf[:0], t.buf[len(t.buf)-t.limit:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
