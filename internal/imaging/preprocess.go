package imaging

import (
	"bytes"
	"fmt"
	"image/png"
	"math"

	"github.com/knappy214/medguard-sa-sub003/internal/models"
)

const (
	// minDeskewAngle below which no rotation is applied
	minDeskewAngle = 0.25
	unsharpAmount  = 1.0
)

// Preprocessor applies the deterministic OCR preparation transform:
// deskew, median denoise, contrast/brightness, unsharp mask, binarize.
type Preprocessor struct {
	encoder png.Encoder
}

// NewPreprocessor creates a preprocessor with a fixed PNG encoder
func NewPreprocessor() *Preprocessor {
	return &Preprocessor{encoder: png.Encoder{CompressionLevel: png.DefaultCompression}}
}

// Preprocess returns the transformed image as PNG together with the options
// actually applied. Identical (data, opts) always produce identical bytes.
func (p *Preprocessor) Preprocess(data []byte, opts models.PreprocessingOptions) ([]byte, models.PreprocessingOptions, error) {
	eff := opts.Normalized()
	eff.SkewAngle = 0

	img, _, err := Decode(data)
	if err != nil {
		return nil, eff, err
	}

	g := toGray(img)

	if eff.Deskew {
		angle := math.Round(EstimateSkew(downscale(g, analysisMaxEdge))*10) / 10
		if math.Abs(angle) >= minDeskewAngle {
			g = rotate(g, -angle)
			eff.SkewAngle = angle
		}
	}

	if eff.Denoise {
		g = medianFilter(g)
	}

	g = adjust(g, eff.Contrast, eff.Brightness)

	if eff.Sharpen {
		g = unsharpMask(g, unsharpAmount)
	}

	g = binarize(g, eff.Threshold)

	var buf bytes.Buffer
	if err := p.encoder.Encode(&buf, g); err != nil {
		return nil, eff, fmt.Errorf("failed to encode preprocessed image: %w", err)
	}

	return buf.Bytes(), eff.Normalized(), nil
}
