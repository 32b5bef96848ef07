/**
 * Raster decoding shared by the quality assessor and the preprocessor
 */

package imaging

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// MaxPixels rejects images whose header claims an absurd size before the
// full decode allocates it
const MaxPixels = 60_000_000

// Decode parses any supported raster format (jpeg, png, gif, bmp, tiff, webp)
func Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("empty image buffer")
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, format, fmt.Errorf("invalid image dimensions %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Width*cfg.Height > MaxPixels {
		return nil, format, fmt.Errorf("image too large: %dx%d", cfg.Width, cfg.Height)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, format, fmt.Errorf("failed to decode %s image: %w", format, err)
	}
	return img, format, nil
}

// toGray converts any image to an 8-bit luminance image anchored at (0,0)
func toGray(img image.Image) *image.Gray {
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(g, g.Bounds(), img, b.Min, draw.Src)
	return g
}

// downscale shrinks g so that its longest edge is at most maxEdge, keeping
// the aspect ratio. Smaller images are returned unchanged.
func downscale(g *image.Gray, maxEdge int) *image.Gray {
	w, h := g.Bounds().Dx(), g.Bounds().Dy()
	long := w
	if h > long {
		long = h
	}
	if long <= maxEdge {
		return g
	}

	scale := float64(maxEdge) / float64(long)
	nw := maxInt(1, int(float64(w)*scale+0.5))
	nh := maxInt(1, int(float64(h)*scale+0.5))
	dst := image.NewGray(image.Rect(0, 0, nw, nh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), g, g.Bounds(), draw.Src, nil)
	return dst
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func clampByte(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v + 0.5)
}
