/**
 * Image Quality Assessor
 *
 * Scores a prescription photo on six independent signals and folds them into
 * a single processability decision. Assess never fails: undecodable input
 * yields a zero score with an "unreadable image" recommendation.
 */

package imaging

import (
	"image"
	"math"

	"github.com/knappy214/medguard-sa-sub003/internal/models"
)

// Weights of the individual signals in overallScore; they sum to 1
const (
	WeightResolution = 0.15
	WeightContrast   = 0.20
	WeightBrightness = 0.15
	WeightBlur       = 0.25
	WeightNoise      = 0.15
	WeightSkew       = 0.10
)

const (
	// DefaultTargetPixels is a 1200x1600 scan, enough for reliable OCR
	DefaultTargetPixels = 1200 * 1600
	// DefaultProcessableThreshold is the overallScore needed to attempt OCR
	DefaultProcessableThreshold = 0.4
	// BlurFloor is the minimum blur score regardless of the overall score
	BlurFloor = 0.1

	idealMidpoint = 127.5
	maxStdDev     = 127.5

	// Laplacian variance at or below blurVarianceLow is considered blurry and
	// maps into [0, BlurFloor]; blurVarianceHigh and above scores 1
	blurVarianceLow  = 100.0
	blurVarianceHigh = 500.0

	// pixels with a gradient below noiseEdgeThreshold count as flat
	noiseEdgeThreshold = 24
	noiseMADScale      = 12.0
	minFlatFraction    = 0.01

	analysisMaxEdge = 1024

	UnreadableImage = "unreadable image"
)

// Assessor computes QualityAssessments
type Assessor struct {
	TargetPixels         int
	ProcessableThreshold float64
}

// NewAssessor creates an assessor; a threshold outside (0,1] uses the default
func NewAssessor(threshold float64) *Assessor {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultProcessableThreshold
	}
	return &Assessor{
		TargetPixels:         DefaultTargetPixels,
		ProcessableThreshold: threshold,
	}
}

// Assess decodes data and scores it
func (a *Assessor) Assess(data []byte) models.QualityAssessment {
	img, _, err := Decode(data)
	if err != nil {
		return Unreadable()
	}
	return a.AssessImage(img)
}

// Unreadable is the assessment reported for input that cannot be decoded
func Unreadable() models.QualityAssessment {
	return models.QualityAssessment{
		OverallScore:    0,
		IsProcessable:   false,
		Decodable:       false,
		Recommendations: []string{UnreadableImage},
	}
}

// AssessImage scores an already decoded image
func (a *Assessor) AssessImage(img image.Image) models.QualityAssessment {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return Unreadable()
	}

	gray := downscale(toGray(img), analysisMaxEdge)

	mean, std := meanStd(gray)
	angle := EstimateSkew(gray)

	q := models.QualityAssessment{
		Width:      w,
		Height:     h,
		Decodable:  true,
		Resolution: models.Clamp01(float64(w*h) / float64(a.targetPixels())),
		Contrast:   models.Clamp01(std / maxStdDev),
		Brightness: models.Clamp01(1 - math.Abs(mean-idealMidpoint)/idealMidpoint),
		Blur:       blurScore(laplacianVariance(gray)),
		Noise:      noiseScore(gray),
		SkewAngle:  angle,
		Skew:       models.Clamp01(1 - math.Abs(angle)/MaxSkewAngle),
	}

	overall := WeightResolution*q.Resolution +
		WeightContrast*q.Contrast +
		WeightBrightness*q.Brightness +
		WeightBlur*q.Blur +
		WeightNoise*q.Noise +
		WeightSkew*q.Skew
	overall = models.Clamp01(overall)

	threshold := a.threshold()
	// a blurry image is never processable; keep the score consistent with that
	if q.Blur < BlurFloor && overall >= threshold {
		overall = math.Max(0, math.Nextafter(threshold, 0))
	}

	q.OverallScore = overall
	q.IsProcessable = overall >= threshold && q.Blur >= BlurFloor
	q.Recommendations = recommendations(q, mean)
	return q
}

func (a *Assessor) targetPixels() int {
	if a.TargetPixels <= 0 {
		return DefaultTargetPixels
	}
	return a.TargetPixels
}

func (a *Assessor) threshold() float64 {
	if a.ProcessableThreshold <= 0 || a.ProcessableThreshold > 1 {
		return DefaultProcessableThreshold
	}
	return a.ProcessableThreshold
}

func meanStd(g *image.Gray) (float64, float64) {
	w, h := g.Bounds().Dx(), g.Bounds().Dy()
	var hist [256]int
	for y := 0; y < h; y++ {
		for _, v := range g.Pix[y*g.Stride : y*g.Stride+w] {
			hist[v]++
		}
	}
	n := float64(w * h)
	var sum float64
	for v, c := range hist {
		sum += float64(v * c)
	}
	mean := sum / n
	var variance float64
	for v, c := range hist {
		d := float64(v) - mean
		variance += d * d * float64(c)
	}
	return mean, math.Sqrt(variance / n)
}

func blurScore(variance float64) float64 {
	if variance <= blurVarianceLow {
		return models.Clamp01(BlurFloor * variance / blurVarianceLow)
	}
	t := (variance - blurVarianceLow) / (blurVarianceHigh - blurVarianceLow)
	return models.Clamp01(BlurFloor + (1-BlurFloor)*t)
}

// noiseScore measures the mean absolute deviation from the local 3x3 mean in
// flat regions. Images with almost no flat area are treated as pure noise.
func noiseScore(g *image.Gray) float64 {
	w, h := g.Bounds().Dx(), g.Bounds().Dy()
	if w < 3 || h < 3 {
		return 1
	}

	var mad float64
	flat := 0
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			gx := int(g.Pix[y*g.Stride+x+1]) - int(g.Pix[y*g.Stride+x-1])
			gy := int(g.Pix[(y+1)*g.Stride+x]) - int(g.Pix[(y-1)*g.Stride+x])
			if absInt(gx)+absInt(gy) >= noiseEdgeThreshold {
				continue
			}
			sum := 0
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					sum += int(g.Pix[(y+dy)*g.Stride+x+dx])
				}
			}
			mad += math.Abs(float64(g.Pix[y*g.Stride+x]) - float64(sum)/9)
			flat++
		}
	}

	interior := (w - 2) * (h - 2)
	if float64(flat) < minFlatFraction*float64(interior) {
		return 0
	}
	return models.Clamp01(1 - (mad/float64(flat))/noiseMADScale)
}

func recommendations(q models.QualityAssessment, mean float64) []string {
	recs := []string{}
	if q.Resolution < 0.5 {
		recs = append(recs, "increase resolution: move closer or scan at 300 dpi")
	}
	if q.Contrast < 0.3 {
		recs = append(recs, "improve contrast: use a plain dark background and even lighting")
	}
	if q.Brightness < 0.5 {
		if mean < idealMidpoint {
			recs = append(recs, "image is too dark: add light")
		} else {
			recs = append(recs, "image is overexposed: avoid flash glare")
		}
	}
	if q.Blur < 0.3 {
		recs = append(recs, "image is blurry: hold the camera steady and refocus")
	}
	if q.Noise < 0.5 {
		recs = append(recs, "image is noisy: improve lighting to reduce grain")
	}
	if q.Skew < 0.8 {
		recs = append(recs, "straighten the prescription so text lines are horizontal")
	}
	return recs
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
