package motion

import (
	"image"
	"image/color"
	"image/draw"
)

// Region is an 8-connected group of set mask pixels
type Region struct {
	Bounds image.Rectangle
	// Area is the number of pixels in the region
	Area int
}

// FindRegions labels 8-connected components of non-zero mask pixels
func FindRegions(mask *image.Gray) []Region {
	w, h := mask.Rect.Dx(), mask.Rect.Dy()
	visited := make([]bool, w*h)
	var regions []Region
	var stack []int

	for start := 0; start < w*h; start++ {
		if visited[start] || mask.Pix[(start/w)*mask.Stride+start%w] == 0 {
			continue
		}

		visited[start] = true
		stack = append(stack[:0], start)
		region := Region{Bounds: image.Rect(start%w, start/w, start%w+1, start/w+1)}

		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			px, py := p%w, p/w
			region.Area++
			region.Bounds = region.Bounds.Union(image.Rect(px, py, px+1, py+1))

			for dy := -1; dy <= 1; dy++ {
				ny := py + dy
				if ny < 0 || ny >= h {
					continue
				}
				for dx := -1; dx <= 1; dx++ {
					nx := px + dx
					if nx < 0 || nx >= w || (dx == 0 && dy == 0) {
						continue
					}
					n := ny*w + nx
					if visited[n] || mask.Pix[ny*mask.Stride+nx] == 0 {
						continue
					}
					visited[n] = true
					stack = append(stack, n)
				}
			}
		}
		regions = append(regions, region)
	}
	return regions
}

// DrawRegions outlines each region on img with a 2px rectangle
func DrawRegions(img draw.Image, regions []Region, c color.Color) {
	for _, r := range regions {
		drawRect(img, r.Bounds.Add(img.Bounds().Min), c, 2)
	}
}

func drawRect(img draw.Image, r image.Rectangle, c color.Color, thickness int) {
	src := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+thickness),
		image.Rect(r.Min.X, r.Max.Y-thickness, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+thickness, r.Max.Y),
		image.Rect(r.Max.X-thickness, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(img, e.Intersect(img.Bounds()), src, image.Point{}, draw.Src)
	}
}
