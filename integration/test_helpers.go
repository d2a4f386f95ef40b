package integration

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/SergueiMoscow/surveillance/internal/config"
	"github.com/SergueiMoscow/surveillance/internal/logger"
	"github.com/SergueiMoscow/surveillance/internal/video"
)

// TestEnvironment provides a test environment for integration tests
type TestEnvironment struct {
	TempDir string
	Config  *config.Config
	Logger  *logger.Logger
}

// SetupTestEnvironment creates a configuration rooted in a temp directory
// with one camera "gate" and small frames
func SetupTestEnvironment(t *testing.T) *TestEnvironment {
	tmpDir := t.TempDir()

	cfg := config.Default()
	cfg.Cameras.List = []config.CameraConfig{{ID: "gate", Source: "rtsp://10.0.0.5/stream1"}}
	cfg.Cameras.FrameWidth = 64
	cfg.Cameras.FrameHeight = 36
	cfg.Cameras.ReconnectBackoff = config.Duration(10 * time.Millisecond)
	cfg.Cameras.RestartDelay = config.Duration(10 * time.Millisecond)
	cfg.Motion = config.MotionConfig{MinArea: 100, Threshold: 25, BlurKernel: 3, DilateIterations: 1}
	cfg.Detection.Mode = "none"
	cfg.Recording.Root = filepath.Join(tmpDir, "archive")
	cfg.Recording.MaxFrames = 3
	cfg.State.DBPath = filepath.Join(tmpDir, "db", "surveillance.db")

	return &TestEnvironment{
		TempDir: tmpDir,
		Config:  cfg,
		Logger:  logger.NewNopLogger(),
	}
}

// WaitForCondition waits for a condition to become true
func WaitForCondition(timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		<-ticker.C
	}
	return false
}

// ContextWithTimeout creates a context with timeout for tests
func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

func solidFrame(c color.Color) *video.Frame {
	img := image.NewRGBA(image.Rect(0, 0, 64, 36))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return video.NewFrame(img, nil)
}

// scriptedSource returns its frames in order, then blocks until ctx is done
type scriptedSource struct {
	mu     sync.Mutex
	frames []*video.Frame
}

// alternatingSource yields n frames that each differ from the previous one
func alternatingSource(n int) *scriptedSource {
	s := &scriptedSource{}
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			s.frames = append(s.frames, solidFrame(color.Black))
		} else {
			s.frames = append(s.frames, solidFrame(color.White))
		}
	}
	return s
}

func (s *scriptedSource) Pull(ctx context.Context) (*video.Frame, error) {
	s.mu.Lock()
	if len(s.frames) > 0 {
		f := s.frames[0]
		s.frames = s.frames[1:]
		s.mu.Unlock()
		return f, nil
	}
	s.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *scriptedSource) Close() error { return nil }

// singleOpener hands out one source, then refuses
type singleOpener struct {
	mu  sync.Mutex
	src video.Source
}

func (o *singleOpener) Open(ctx context.Context, locator string) (video.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.src == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	src := o.src
	o.src = nil
	return src, nil
}

// fileSinks writes a byte per appended frame so segments have a real size
type fileSinks struct{}

func (fileSinks) Open(path string, width, height, fps int) (video.Sink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &fileSink{f: f}, nil
}

type fileSink struct {
	f *os.File
}

func (s *fileSink) Append(image.Image) error {
	_, err := s.f.Write([]byte{0})
	return err
}

func (s *fileSink) Close() error {
	return s.f.Close()
}

// writeSegment creates an archive file of size bytes with the given mtime
func writeSegment(t *testing.T, path string, size int, mtime time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, make([]byte, size), 0644); err != nil {
		t.Fatalf("Failed to write segment: %v", err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("Failed to set mtime: %v", err)
	}
}
