package video

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"time"

	xdraw "golang.org/x/image/draw"
)

// Frame represents a single decoded video frame
type Frame struct {
	Image     image.Image // Decoded pixels
	Data      []byte      // Encoded bytes as delivered by the source, if any
	Timestamp time.Time   // Capture time
	Width     int         // Frame width
	Height    int         // Frame height
}

// NewFrame wraps a decoded image
func NewFrame(img image.Image, data []byte) *Frame {
	b := img.Bounds()
	return &Frame{
		Image:     img,
		Data:      data,
		Timestamp: time.Now(),
		Width:     b.Dx(),
		Height:    b.Dy(),
	}
}

// DecodeJPEG decodes a JPEG-encoded frame
func DecodeJPEG(data []byte) (*Frame, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode jpeg: %w", err)
	}
	return NewFrame(img, data), nil
}

// EncodeJPEG encodes an image as JPEG with the given quality (1-100)
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// ToRGBA returns a mutable RGBA copy of img with its origin at (0, 0)
func ToRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// Resize scales img to width x height using bilinear interpolation.
// An image already at the target size is returned as an RGBA copy.
func Resize(img image.Image, width, height int) *image.RGBA {
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return ToRGBA(img)
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}
