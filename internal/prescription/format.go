/**
 * Format & Language Detector
 *
 * Classifies recognized prescription text into a known template family using
 * weighted structural markers (headers, numbering schemes, letterhead
 * keywords), and picks the dominant language.
 */

package prescription

import (
	"regexp"
	"sort"
	"strings"

	"github.com/knappy214/medguard-sa-sub003/internal/models"
)

const (
	// MinFormatConfidence below which the format is reported as Unknown
	MinFormatConfidence = 0.2
	// formatSaturation is the fraction of a format's total marker weight that
	// already counts as a certain match
	formatSaturation = 0.5
	// letterheadFraction is the top share of the page treated as letterhead
	letterheadFraction = 0.15
	// letterheadBonus multiplies the weight of a letterhead marker found there
	letterheadBonus = 1.5
)

type marker struct {
	feature    string
	pattern    *regexp.Regexp
	weight     float64
	letterhead bool
}

func newMarker(feature, expr string, weight float64, letterhead bool) marker {
	return marker{feature: feature, pattern: regexp.MustCompile(expr), weight: weight, letterhead: letterhead}
}

// numberedItems matches "1." / "2)" style medication numbering at line start
var numberedItems = regexp.MustCompile(`(?m)^\s*\d{1,2}[.)]\s+\S`)

var formatMarkers = map[models.FormatType][]marker{
	models.FormatStandard: {
		newMarker("rx_symbol", `(?i)(^|\s)(rx\b|r/)`, 1.0, false),
		newMarker("prescription_header", `(?i)\b(prescription|voorskrif)\b`, 1.0, true),
		newMarker("patient_field", `(?i)\b(patient|pasi[eë]nt)\s*(name|naam)?\s*:`, 1.5, false),
		newMarker("date_field", `(?i)\b(date|datum)\s*:`, 0.5, false),
		newMarker("hpcsa_number", `(?i)\bhpcsa\b|\bmp\s*\d{5,}`, 2.0, false),
		newMarker("signature_line", `(?i)\b(signature|handtekening)\b`, 1.0, false),
		newMarker("repeat_instruction", `(?i)\b(repeat|herhaal)\b`, 1.0, false),
		newMarker("icd10_field", `(?i)\bicd[- ]?10\b`, 1.5, false),
		newMarker("numbered_items", numberedItems.String(), 1.0, false),
	},
	models.FormatPrivate: {
		newMarker("doctor_title", `(?i)\b(dr|dokter)\.?\s+[a-z]`, 1.0, true),
		newMarker("practice_incorporated", `(?i)\b(inc|incorporated|ing)\b\.?`, 1.5, true),
		newMarker("medical_centre", `(?i)\bmedi(cal|ese)\s+(centre|center|sentrum)\b`, 1.5, true),
		newMarker("practice_number", `(?i)\b(practice|praktyk|pr)\.?\s*(no|nr|number)\b`, 2.0, true),
		newMarker("contact_details", `(?i)\b(tel|cell|sel|fax)\b\.?\s*:?\s*[0-9(+]`, 1.0, true),
		newMarker("email", `[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`, 1.0, true),
		newMarker("medical_aid", `(?i)\b(medical\s+aid|mediese\s+fonds|scheme)\b`, 2.0, false),
		newMarker("member_number", `(?i)\bmember\s*(no|nr|number)\b`, 1.5, false),
		newMarker("numbered_items", numberedItems.String(), 0.5, false),
	},
	models.FormatInternational: {
		newMarker("dea_number", `(?i)\bdea\s*(#|no|number)?\s*:?\s*[a-z]{2}\d{7}\b`, 2.0, false),
		newMarker("npi_number", `(?i)\bnpi\b`, 2.0, false),
		newMarker("nhs_number", `(?i)\bnhs\b`, 2.0, true),
		newMarker("gmc_number", `(?i)\bgmc\b`, 2.0, false),
		newMarker("sig_line", `(?i)\bsig\s*:`, 1.5, false),
		newMarker("disp_line", `(?i)\bdisp(ense)?\s*:`, 1.5, false),
		newMarker("refills", `(?i)\brefills?\b`, 1.5, false),
		newMarker("substitution", `(?i)\b(dispense as written|daw|substitution permitted)\b`, 1.0, false),
	},
}

// formatOrder breaks ties deterministically
var formatOrder = []models.FormatType{models.FormatStandard, models.FormatPrivate, models.FormatInternational}

// Detector classifies prescription text
type Detector struct{}

// NewDetector creates a detector over the built-in marker tables
func NewDetector() *Detector {
	return &Detector{}
}

// Detect classifies text; blocks are used to locate letterhead markers
func (d *Detector) Detect(text string, blocks []models.TextBlock) models.PrescriptionFormat {
	header := letterheadText(blocks)

	bestType := models.FormatUnknown
	bestScore := 0.0
	var bestFeatures []string

	for _, ft := range formatOrder {
		score, features := scoreFormat(formatMarkers[ft], text, header)
		if score > bestScore {
			bestType, bestScore, bestFeatures = ft, score, features
		}
	}

	result := models.PrescriptionFormat{
		Type:       bestType,
		Confidence: models.Clamp01(bestScore),
		Features:   bestFeatures,
		Language:   DetectLanguage(text),
	}
	if result.Features == nil {
		result.Features = []string{}
	}
	if bestScore < MinFormatConfidence {
		result.Type = models.FormatUnknown
	}
	return result
}

func scoreFormat(markers []marker, text, header string) (float64, []string) {
	var total, matched float64
	var features []string
	for _, mk := range markers {
		total += mk.weight
		if !mk.pattern.MatchString(text) {
			continue
		}
		w := mk.weight
		features = append(features, mk.feature)
		if mk.letterhead && header != "" && mk.pattern.MatchString(header) {
			w *= letterheadBonus
			features = append(features, "letterhead:"+mk.feature)
		}
		matched += w
	}
	if total == 0 {
		return 0, nil
	}
	sort.Strings(features)
	return models.Clamp01(matched / (total * formatSaturation)), features
}

// letterheadText joins the blocks located in the top part of the page
func letterheadText(blocks []models.TextBlock) string {
	maxY := 0
	for _, b := range blocks {
		if bottom := b.BoundingBox.Y + b.BoundingBox.Height; bottom > maxY {
			maxY = bottom
		}
	}
	if maxY == 0 {
		return ""
	}
	limit := float64(maxY) * letterheadFraction
	var parts []string
	for _, b := range blocks {
		if float64(b.BoundingBox.Y) <= limit {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, " ")
}
