package ai

import (
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var palette = []color.RGBA{
	{R: 255, G: 56, B: 56, A: 255},
	{R: 255, G: 157, B: 151, A: 255},
	{R: 255, G: 112, B: 31, A: 255},
	{R: 255, G: 178, B: 29, A: 255},
	{R: 207, G: 210, B: 49, A: 255},
	{R: 72, G: 249, B: 10, A: 255},
	{R: 26, G: 147, B: 52, A: 255},
	{R: 0, G: 212, B: 187, A: 255},
	{R: 44, G: 153, B: 168, A: 255},
	{R: 0, G: 194, B: 255, A: 255},
	{R: 52, G: 69, B: 147, A: 255},
	{R: 100, G: 115, B: 255, A: 255},
	{R: 203, G: 56, B: 255, A: 255},
	{R: 255, G: 149, B: 200, A: 255},
}

// ClassColor returns a stable color for a class name
func ClassColor(class string) color.RGBA {
	h := fnv.New32a()
	_, _ = h.Write([]byte(class))
	return palette[h.Sum32()%uint32(len(palette))]
}

// Annotate returns a copy of img with a labelled rectangle per box
func Annotate(img image.Image, boxes []BoundingBox) *image.RGBA {
	bounds := img.Bounds()
	out := image.NewRGBA(bounds)
	draw.Draw(out, bounds, img, bounds.Min, draw.Src)

	for _, box := range boxes {
		c := ClassColor(box.ClassName)
		r := box.Rect().Add(bounds.Min).Intersect(bounds)
		if r.Empty() {
			continue
		}
		drawBox(out, r, c, 2)

		// label above the box, or inside it when there is no room
		y := r.Min.Y - 15
		if y <= bounds.Min.Y+15 {
			y = r.Min.Y + 15
		}
		drawLabel(out, fmt.Sprintf("%s: %.2f%%", box.ClassName, box.Confidence*100), r.Min.X, y-10, c)
	}
	return out
}

func drawBox(img *image.RGBA, r image.Rectangle, c color.Color, thickness int) {
	fill := image.NewUniform(c)
	for i := 0; i < thickness; i++ {
		draw.Draw(img, image.Rect(r.Min.X, r.Min.Y+i, r.Max.X, r.Min.Y+i+1), fill, image.Point{}, draw.Src)
		draw.Draw(img, image.Rect(r.Min.X, r.Max.Y-i-1, r.Max.X, r.Max.Y-i), fill, image.Point{}, draw.Src)
		draw.Draw(img, image.Rect(r.Min.X+i, r.Min.Y, r.Min.X+i+1, r.Max.Y), fill, image.Point{}, draw.Src)
		draw.Draw(img, image.Rect(r.Max.X-i-1, r.Min.Y, r.Max.X-i, r.Max.Y), fill, image.Point{}, draw.Src)
	}
}

func drawLabel(img *image.RGBA, label string, x, y int, c color.Color) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}
