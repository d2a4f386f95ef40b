package motion

import (
	"image"
	"image/color"
	"math"
)

// ToGray converts an image to 8-bit luma
func ToGray(img image.Image) *image.Gray {
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))

	switch src := img.(type) {
	case *image.Gray:
		for y := 0; y < b.Dy(); y++ {
			copy(gray.Pix[y*gray.Stride:y*gray.Stride+b.Dx()], src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):])
		}
	case *image.YCbCr:
		for y := 0; y < b.Dy(); y++ {
			off := src.YOffset(b.Min.X, b.Min.Y+y)
			copy(gray.Pix[y*gray.Stride:y*gray.Stride+b.Dx()], src.Y[off:off+b.Dx()])
		}
	case *image.RGBA:
		for y := 0; y < b.Dy(); y++ {
			row := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
			for x := 0; x < b.Dx(); x++ {
				r, g, bl := row[x*4], row[x*4+1], row[x*4+2]
				gray.Pix[y*gray.Stride+x] = luma(uint32(r), uint32(g), uint32(bl))
			}
		}
	default:
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				gray.Pix[y*gray.Stride+x] = color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray).Y
			}
		}
	}
	return gray
}

func luma(r, g, b uint32) uint8 {
	return uint8((19595*r + 38470*g + 7471*b + 1<<15) >> 16)
}

// gaussianKernel returns a normalized 1-D kernel. The sigma derivation
// matches the usual "sigma from size" rule: 0.3*((k-1)/2 - 1) + 0.8.
func gaussianKernel(size int) []float64 {
	sigma := 0.3*(float64(size-1)*0.5-1) + 0.8
	kernel := make([]float64, size)
	half := size / 2
	var sum float64
	for i := range kernel {
		x := float64(i - half)
		kernel[i] = math.Exp(-(x * x) / (2 * sigma * sigma))
		sum += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

// GaussianBlur applies a separable Gaussian blur with an odd kernel size.
// Borders are clamped.
func GaussianBlur(src *image.Gray, size int) *image.Gray {
	if size <= 1 {
		return cloneGray(src)
	}
	w, h := src.Rect.Dx(), src.Rect.Dy()
	kernel := gaussianKernel(size)
	half := size / 2

	tmp := make([]float64, w*h)
	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride:]
		for x := 0; x < w; x++ {
			var acc float64
			for k, kv := range kernel {
				acc += kv * float64(row[clamp(x+k-half, 0, w-1)])
			}
			tmp[y*w+x] = acc
		}
	}

	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc float64
			for k, kv := range kernel {
				acc += kv * tmp[clamp(y+k-half, 0, h-1)*w+x]
			}
			dst.Pix[y*dst.Stride+x] = uint8(math.Round(math.Min(acc, 255)))
		}
	}
	return dst
}

// DiffMask returns a binary mask (0 or 255) of pixels whose absolute
// difference exceeds threshold. Both images must have the same size.
func DiffMask(a, b *image.Gray, threshold uint8) *image.Gray {
	w, h := a.Rect.Dx(), a.Rect.Dy()
	mask := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		ra := a.Pix[y*a.Stride:]
		rb := b.Pix[y*b.Stride:]
		for x := 0; x < w; x++ {
			d := int(ra[x]) - int(rb[x])
			if d < 0 {
				d = -d
			}
			if d > int(threshold) {
				mask.Pix[y*mask.Stride+x] = 255
			}
		}
	}
	return mask
}

// Dilate grows set pixels of a binary mask with a 3x3 square element,
// repeated iterations times.
func Dilate(mask *image.Gray, iterations int) *image.Gray {
	out := cloneGray(mask)
	w, h := out.Rect.Dx(), out.Rect.Dy()
	tmp := make([]uint8, w*h)

	for it := 0; it < iterations; it++ {
		for y := 0; y < h; y++ {
			row := out.Pix[y*out.Stride:]
			for x := 0; x < w; x++ {
				v := row[x]
				if x > 0 && row[x-1] > v {
					v = row[x-1]
				}
				if x < w-1 && row[x+1] > v {
					v = row[x+1]
				}
				tmp[y*w+x] = v
			}
		}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				v := tmp[y*w+x]
				if y > 0 && tmp[(y-1)*w+x] > v {
					v = tmp[(y-1)*w+x]
				}
				if y < h-1 && tmp[(y+1)*w+x] > v {
					v = tmp[(y+1)*w+x]
				}
				out.Pix[y*out.Stride+x] = v
			}
		}
	}
	return out
}

func cloneGray(src *image.Gray) *image.Gray {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		copy(dst.Pix[y*dst.Stride:y*dst.Stride+w], src.Pix[src.PixOffset(src.Rect.Min.X, src.Rect.Min.Y+y):])
	}
	return dst
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
