// Package motion detects changes between consecutive frames of a camera
// using a blurred luma reference frame.
package motion

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/SergueiMoscow/surveillance/internal/config"
)

// ZoneColor is used to outline qualifying regions
var ZoneColor = color.RGBA{R: 0, G: 255, B: 0, A: 255}

// Result is the outcome of comparing a frame against the reference
type Result struct {
	// Motion is true when at least one region reaches the minimum area
	Motion bool
	// ColdStart is true when the frame only seeded the reference
	ColdStart bool
	// Regions holds the qualifying regions
	Regions []Region
}

// Detector keeps the reference frame for a single camera. It is not safe
// for concurrent use; each camera session owns one.
type Detector struct {
	cfg       config.MotionConfig
	reference *image.Gray
}

// NewDetector creates a detector with the given tuning
func NewDetector(cfg config.MotionConfig) *Detector {
	return &Detector{cfg: cfg}
}

// Detect compares frame with the reference and replaces the reference with
// the blurred luma of frame. When zone drawing is enabled and frame is a
// draw.Image, qualifying regions are outlined on it.
func (d *Detector) Detect(frame image.Image) Result {
	current := GaussianBlur(ToGray(frame), d.cfg.BlurKernel)

	prev := d.reference
	d.reference = current
	if prev == nil || prev.Rect.Size() != current.Rect.Size() {
		return Result{ColdStart: true}
	}

	mask := DiffMask(prev, current, uint8(d.cfg.Threshold))
	mask = Dilate(mask, d.cfg.DilateIterations)

	var res Result
	for _, r := range FindRegions(mask) {
		if r.Area < d.cfg.MinArea {
			continue
		}
		res.Motion = true
		res.Regions = append(res.Regions, r)
	}

	if d.cfg.DisplayChangeZones && len(res.Regions) > 0 {
		if img, ok := frame.(draw.Image); ok {
			DrawRegions(img, res.Regions, ZoneColor)
		}
	}
	return res
}

// Reset drops the reference so the next frame is a cold start
func (d *Detector) Reset() {
	d.reference = nil
}

// HasReference reports whether a reference frame is stored
func (d *Detector) HasReference() bool {
	return d.reference != nil
}
