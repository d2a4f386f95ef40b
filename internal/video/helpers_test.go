package video

import (
	"errors"
	"image"
	"image/color"
	"image/draw"
	"os"
	"sync"
)

type fakeSink struct {
	path     string
	width    int
	height   int
	frames   int
	closed   bool
	failNext bool
}

func (s *fakeSink) Append(img image.Image) error {
	if s.failNext {
		return errors.New("disk full")
	}
	s.frames++
	return nil
}

func (s *fakeSink) Close() error {
	s.closed = true
	return nil
}

// fakeSinkFactory creates an empty file per segment so path collisions
// behave like real segments
type fakeSinkFactory struct {
	mu      sync.Mutex
	sinks   []*fakeSink
	openErr error
}

func (f *fakeSinkFactory) Open(path string, width, height, fps int) (Sink, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	if err := os.WriteFile(path, []byte("RIFF"), 0644); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSink{path: path, width: width, height: height}
	f.sinks = append(f.sinks, s)
	return s, nil
}

func solidImage(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return img
}
