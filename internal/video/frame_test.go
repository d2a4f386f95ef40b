package video

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeJPEG(t *testing.T) {
	data, err := EncodeJPEG(solidImage(32, 24, color.RGBA{R: 200, G: 10, B: 10, A: 255}), 85)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8}, data[:2])

	frame, err := DecodeJPEG(data)
	require.NoError(t, err)
	assert.Equal(t, 32, frame.Width)
	assert.Equal(t, 24, frame.Height)
	assert.Equal(t, data, frame.Data)
	assert.False(t, frame.Timestamp.IsZero())

	_, err = DecodeJPEG([]byte("not a jpeg"))
	assert.Error(t, err)
}

func TestResize(t *testing.T) {
	src := solidImage(1280, 720, color.White)
	out := Resize(src, 640, 360)
	assert.Equal(t, image.Rect(0, 0, 640, 360), out.Bounds())
	assert.Equal(t, color.RGBA{R: 255, G: 255, B: 255, A: 255}, out.RGBAAt(320, 180))

	same := Resize(src, 1280, 720)
	assert.Equal(t, src.Bounds(), same.Bounds())
	same.Set(0, 0, color.Black)
	assert.NotEqual(t, src.At(0, 0), same.At(0, 0), "resize must return a copy")
}

func TestToRGBA_NormalizesOrigin(t *testing.T) {
	src := solidImage(10, 10, color.White).SubImage(image.Rect(2, 2, 6, 8))
	out := ToRGBA(src)
	assert.Equal(t, image.Rect(0, 0, 4, 6), out.Bounds())
}

func TestExtractJPEGFrame(t *testing.T) {
	frameA := []byte{0xFF, 0xD8, 1, 2, 3, 0xFF, 0xD9}
	frameB := []byte{0xFF, 0xD8, 4, 0xFF, 0xD9}

	buf := append([]byte{9, 9}, frameA...)
	buf = append(buf, frameB[:3]...)

	got := extractJPEGFrame(&buf)
	assert.Equal(t, frameA, got)
	assert.Nil(t, extractJPEGFrame(&buf), "second frame incomplete")
	assert.Equal(t, frameB[:3], buf)

	buf = append(buf, frameB[3:]...)
	assert.Equal(t, frameB, extractJPEGFrame(&buf))
	assert.Empty(t, buf)
}

func TestExtractJPEGFrame_GarbageIsDropped(t *testing.T) {
	buf := []byte{1, 2, 3, 0xFF}
	assert.Nil(t, extractJPEGFrame(&buf))
	assert.Equal(t, []byte{0xFF}, buf)

	buf = append(buf, 0xD8, 7, 0xFF, 0xD9)
	assert.Equal(t, []byte{0xFF, 0xD8, 7, 0xFF, 0xD9}, extractJPEGFrame(&buf))
}

func TestTailBuffer(t *testing.T) {
	tb := &tailBuffer{limit: 5}
	_, _ = tb.Write([]byte("hello "))
	_, _ = tb.Write([]byte("world"))
	assert.Equal(t, "world", tb.String())
}

func TestActiveSegments(t *testing.T) {
	a := NewActiveSegments()
	a.Add("/data/cam1/2024/01/01/m_a.avi")
	a.Add("/data/cam2//2024/01/01/m_b.avi")

	assert.True(t, a.Contains("/data/cam1/2024/01/01/m_a.avi"))
	assert.True(t, a.Contains("/data/cam2/2024/01/01/m_b.avi"))
	assert.Len(t, a.List(), 2)

	a.Remove("/data/cam1/2024/01/01/m_a.avi")
	assert.False(t, a.Contains("/data/cam1/2024/01/01/m_a.avi"))
	assert.Equal(t, []string{"/data/cam2/2024/01/01/m_b.avi"}, a.List())
}
