package imaging

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// at reads g with edge clamping
func at(g *image.Gray, x, y int) uint8 {
	w, h := g.Bounds().Dx(), g.Bounds().Dy()
	if x < 0 {
		x = 0
	} else if x >= w {
		x = w - 1
	}
	if y < 0 {
		y = 0
	} else if y >= h {
		y = h - 1
	}
	return g.Pix[y*g.Stride+x]
}

// rotate turns g by angle degrees about its centre. Uncovered corners are white.
func rotate(g *image.Gray, angle float64) *image.Gray {
	b := g.Bounds()
	dst := image.NewGray(b)
	draw.Draw(dst, b, image.NewUniform(color.Gray{Y: 255}), image.Point{}, draw.Src)

	rad := angle * math.Pi / 180
	sin, cos := math.Sin(rad), math.Cos(rad)
	cx, cy := float64(b.Dx())/2, float64(b.Dy())/2

	// src -> dst: translate to origin, rotate, translate back
	s2d := f64.Aff3{
		cos, -sin, cx - cos*cx + sin*cy,
		sin, cos, cy - sin*cx - cos*cy,
	}
	draw.BiLinear.Transform(dst, s2d, g, b, draw.Over, nil)
	return dst
}

// medianFilter applies a 3x3 median
func medianFilter(g *image.Gray) *image.Gray {
	w, h := g.Bounds().Dx(), g.Bounds().Dy()
	dst := image.NewGray(image.Rect(0, 0, w, h))
	var win [9]uint8
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := 0
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					win[i] = at(g, x+dx, y+dy)
					i++
				}
			}
			dst.Pix[y*dst.Stride+x] = median9(&win)
		}
	}
	return dst
}

// median9 insertion-sorts the window in place and returns its middle element
func median9(win *[9]uint8) uint8 {
	for i := 1; i < len(win); i++ {
		v := win[i]
		j := i - 1
		for j >= 0 && win[j] > v {
			win[j+1] = win[j]
			j--
		}
		win[j+1] = v
	}
	return win[4]
}

// adjust applies v' = (v-128)*contrast + 128 + brightness*255
func adjust(g *image.Gray, contrast, brightness float64) *image.Gray {
	if contrast == 1 && brightness == 0 {
		return g
	}
	var lut [256]uint8
	for v := 0; v < 256; v++ {
		lut[v] = clampByte((float64(v)-128)*contrast + 128 + brightness*255)
	}
	w, h := g.Bounds().Dx(), g.Bounds().Dy()
	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.Pix[y*dst.Stride+x] = lut[g.Pix[y*g.Stride+x]]
		}
	}
	return dst
}

// gaussian3 is the 3x3 binomial kernel, sum 16
var gaussian3 = [3][3]int{{1, 2, 1}, {2, 4, 2}, {1, 2, 1}}

// unsharpMask sharpens with v' = v + amount*(v - blur(v))
func unsharpMask(g *image.Gray, amount float64) *image.Gray {
	w, h := g.Bounds().Dx(), g.Bounds().Dy()
	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum := 0
			for ky := 0; ky < 3; ky++ {
				for kx := 0; kx < 3; kx++ {
					sum += gaussian3[ky][kx] * int(at(g, x+kx-1, y+ky-1))
				}
			}
			v := float64(g.Pix[y*g.Stride+x])
			blur := float64(sum) / 16
			dst.Pix[y*dst.Stride+x] = clampByte(v + amount*(v-blur))
		}
	}
	return dst
}

// binarize maps pixels >= threshold to white and the rest to black.
// A zero threshold leaves the image untouched.
func binarize(g *image.Gray, threshold int) *image.Gray {
	if threshold <= 0 {
		return g
	}
	w, h := g.Bounds().Dx(), g.Bounds().Dy()
	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if int(g.Pix[y*g.Stride+x]) >= threshold {
				dst.Pix[y*dst.Stride+x] = 255
			}
		}
	}
	return dst
}

// laplacianVariance is the variance of the 4-neighbour Laplacian over interior pixels
func laplacianVariance(g *image.Gray) float64 {
	w, h := g.Bounds().Dx(), g.Bounds().Dy()
	if w < 3 || h < 3 {
		return 0
	}
	var sum, sumSq float64
	n := 0
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			c := 4 * int(g.Pix[y*g.Stride+x])
			lap := float64(int(g.Pix[(y-1)*g.Stride+x]) + int(g.Pix[(y+1)*g.Stride+x]) +
				int(g.Pix[y*g.Stride+x-1]) + int(g.Pix[y*g.Stride+x+1]) - c)
			sum += lap
			sumSq += lap * lap
			n++
		}
	}
	mean := sum / float64(n)
	return sumSq/float64(n) - mean*mean
}
