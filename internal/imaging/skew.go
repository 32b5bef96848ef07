package imaging

import (
	"image"
	"math"
)

const (
	// MaxSkewAngle is the largest baseline rotation (degrees) searched for
	MaxSkewAngle = 15.0
	// SkewStep is the search resolution in degrees
	SkewStep = 0.5

	minSkewSamples = 50
	maxSkewSamples = 20000
)

type point struct{ x, y float64 }

// EstimateSkew returns the dominant text baseline angle in degrees, positive
// when lines descend to the right. It runs a projection-profile search: the
// dark pixels are projected onto rows of a rotated frame and the angle whose
// profile has the highest energy wins. Ties go to the smaller |angle|.
func EstimateSkew(g *image.Gray) float64 {
	pts := darkPixels(g)
	if len(pts) < minSkewSamples {
		return 0
	}

	w, h := g.Bounds().Dx(), g.Bounds().Dy()
	bins := make([]int, w+h+2)

	bestAngle := 0.0
	bestScore := -1.0
	for _, angle := range searchAngles() {
		score := profileEnergy(pts, angle, w, bins)
		if score > bestScore {
			bestScore = score
			bestAngle = angle
		}
	}
	return bestAngle
}

// searchAngles yields 0, +step, -step, +2step, ... up to MaxSkewAngle
func searchAngles() []float64 {
	n := int(MaxSkewAngle / SkewStep)
	angles := make([]float64, 0, 2*n+1)
	angles = append(angles, 0)
	for i := 1; i <= n; i++ {
		a := float64(i) * SkewStep
		angles = append(angles, a, -a)
	}
	return angles
}

func profileEnergy(pts []point, angle float64, offset int, bins []int) float64 {
	for i := range bins {
		bins[i] = 0
	}
	rad := angle * math.Pi / 180
	sin, cos := math.Sin(rad), math.Cos(rad)
	for _, p := range pts {
		row := int(math.Floor(p.y*cos-p.x*sin)) + offset
		if row >= 0 && row < len(bins) {
			bins[row]++
		}
	}
	var energy float64
	for _, c := range bins {
		energy += float64(c) * float64(c)
	}
	return energy
}

// darkPixels collects ink pixel coordinates, subsampled with a fixed stride
// so the result is deterministic
func darkPixels(g *image.Gray) []point {
	w, h := g.Bounds().Dx(), g.Bounds().Dy()
	if w == 0 || h == 0 {
		return nil
	}

	var sum float64
	for _, v := range g.Pix {
		sum += float64(v)
	}
	cutoff := uint8(sum / float64(len(g.Pix)) * 0.75)

	var pts []point
	for y := 0; y < h; y++ {
		row := g.Pix[y*g.Stride : y*g.Stride+w]
		for x, v := range row {
			if v < cutoff {
				pts = append(pts, point{float64(x), float64(y)})
			}
		}
	}

	if len(pts) <= maxSkewSamples {
		return pts
	}
	stride := len(pts)/maxSkewSamples + 1
	sampled := make([]point, 0, len(pts)/stride+1)
	for i := 0; i < len(pts); i += stride {
		sampled = append(sampled, pts[i])
	}
	return sampled
}
