/**
 * Medical Text Normalizer
 *
 * Expands prescription shorthand and turns candidate lines into structured
 * medication items with a per-item field confidence.
 */

package prescription

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/knappy214/medguard-sa-sub003/internal/models"
)

// Field weights of the pattern-quality score; they sum to 1
const (
	fieldWeightName      = 0.35
	fieldWeightDosage    = 0.25
	fieldWeightFrequency = 0.25
	fieldWeightDuration  = 0.15

	// a missing duration is common on chronic scripts, so it is only half a miss
	missingDurationScore = 0.5
)

var (
	// 5/7 = five days, 2/52 = two weeks, 3/12 = three months
	durationShorthand = regexp.MustCompile(`(\d{1,3})\s*/\s*(7|52|12)`)

	dosagePattern = regexp.MustCompile(`(?i)(\d+(?:[.,]\d+)?)\s*(mg/\d*\s*ml|mcg|µg|ug|mg|ml|g|iu|units?|%)(?:[^a-z]|$)`)

	numberingPattern = regexp.MustCompile(`^\s*(?:\d{1,2}[.)]|[-•*])\s+`)

	frequencyPattern = regexp.MustCompile(`(?i)\b(once daily|twice daily|three times daily|four times daily|` +
		`every \d+ hours|every other day|as needed|at night|in the morning|at bedtime|immediately|` +
		`\d+ times (?:a|per) day|daagliks|twee keer per dag|drie keer per dag)\b`)

	durationPattern = regexp.MustCompile(`(?i)\b(?:for\s+)?(\d+)\s*(days?|weeks?|months?|dae|weke|maande)\b`)

	formWords = toSet("tablet", "tablets", "capsule", "capsules", "suspension", "syrup",
		"injection", "ointment", "drops", "suppository", "cream", "take", "neem", "apply")

	prescriptionNumberPattern = regexp.MustCompile(`(?i)\b(?:rx|script|prescription|voorskrif)\s*(?:no\.?|nr\.?|number|#)\s*[:#]?\s*([A-Z0-9][A-Z0-9-]{2,})`)

	doctorPattern = regexp.MustCompile(`\b(?:[Dd][Rr]\.?|[Dd]octor|[Dd]okter)[ \t]+((?:[A-Z]\.[ \t]*)*[A-Z][A-Za-z'-]+(?:[ \t]+[A-Z][A-Za-z'-]+){0,2})`)

	icd10Dotted = regexp.MustCompile(`\b([A-TV-Z][0-9]{2}\.[0-9A-Z]{1,4})\b`)
	icd10Plain  = regexp.MustCompile(`\b([A-TV-Z][0-9]{2})(?:[^.0-9A-Za-z]|$)`)
	icd10Line   = regexp.MustCompile(`(?i)\b(icd[- ]?10|diagnosis|diagnose)\b`)
)

var durationUnits = map[string]string{
	"7":  "days",
	"52": "weeks",
	"12": "months",
}

// Header holds the non-medication fields of a prescription
type Header struct {
	PrescriptionNumber string
	DoctorName         string
	ICD10Codes         []string
}

// Normalizer expands abbreviations and segments medication lines
type Normalizer struct{}

// NewNormalizer creates a normalizer over the built-in abbreviation table
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Expand replaces abbreviations and duration shorthand. It is idempotent.
func (n *Normalizer) Expand(text string) string {
	return expandDurations(expandAbbreviations(text))
}

// expandDurations rewrites N/7, N/52 and N/12 unless they are part of a date
// or fraction
func expandDurations(s string) string {
	matches := durationShorthand.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}

	var b strings.Builder
	last := 0
	for _, mt := range matches {
		start, end := mt[0], mt[1]
		if !boundaryBefore(s, start) || !boundaryAfter(s, end) {
			continue
		}
		if start > 0 && s[start-1] == '/' || end < len(s) && s[end] == '/' {
			continue
		}
		count, _ := strconv.Atoi(s[mt[2]:mt[3]])
		unit := durationUnits[s[mt[4]:mt[5]]]
		if count == 1 {
			unit = strings.TrimSuffix(unit, "s")
		}
		b.WriteString(s[last:start])
		b.WriteString("for " + strconv.Itoa(count) + " " + unit)
		last = end
	}
	b.WriteString(s[last:])
	return b.String()
}

// Segment turns expanded text into medication items. Block confidences from
// the recognizer are combined with how well each line matched the patterns;
// providerConfidence stands in when no block matches a line.
func (n *Normalizer) Segment(text string, blocks []models.TextBlock, providerConfidence float64) []models.ExtractedMedication {
	blockConf := indexBlocks(blocks)

	meds := []models.ExtractedMedication{}
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || !isCandidateLine(line) {
			continue
		}
		med, ok := parseLine(line)
		if !ok {
			continue
		}
		ocr := lineConfidence(line, blockConf, providerConfidence)
		med.FieldConfidence = models.Clamp01(patternQuality(med) * ocr)
		meds = append(meds, med)
	}
	return meds
}

func isCandidateLine(line string) bool {
	if dosagePattern.MatchString(line) {
		return true
	}
	return numberingPattern.MatchString(line) && frequencyPattern.MatchString(line)
}

func parseLine(line string) (models.ExtractedMedication, bool) {
	med := models.ExtractedMedication{SourceLine: line}
	rest := numberingPattern.ReplaceAllString(line, "")

	nameEnd := len(rest)
	if loc := dosagePattern.FindStringSubmatchIndex(rest); loc != nil {
		med.Dosage = strings.Replace(rest[loc[2]:loc[3]], ",", ".", 1)
		med.Unit = normalizeUnit(rest[loc[4]:loc[5]])
		nameEnd = loc[0]
		rest = rest[:loc[0]] + " " + rest[loc[5]:]
	}

	if loc := frequencyPattern.FindStringIndex(rest); loc != nil {
		med.Frequency = strings.ToLower(rest[loc[0]:loc[1]])
		if loc[0] < nameEnd {
			nameEnd = loc[0]
		}
		rest = rest[:loc[0]] + " " + rest[loc[1]:]
	}

	if loc := durationPattern.FindStringSubmatchIndex(rest); loc != nil {
		med.Duration = "for " + rest[loc[2]:loc[3]] + " " + strings.ToLower(rest[loc[4]:loc[5]])
		if loc[0] < nameEnd {
			nameEnd = loc[0]
		}
		rest = rest[:loc[0]] + " " + rest[loc[1]:]
	}

	if nameEnd > len(rest) {
		nameEnd = len(rest)
	}
	name, consumed := extractName(rest[:nameEnd])
	if name == "" {
		return med, false
	}
	med.Name = name
	med.Instructions = cleanInstructions(rest[consumed:])
	return med, true
}

var wordPattern = regexp.MustCompile(`\S+`)

// extractName keeps up to three leading words that look like a drug name and
// returns the byte offset just past the last word it used
func extractName(s string) (string, int) {
	var words []string
	consumed := 0
	for _, loc := range wordPattern.FindAllStringIndex(s, -1) {
		w := strings.Trim(s[loc[0]:loc[1]], ".,:;()")
		lw := strings.ToLower(w)
		if lw == "" {
			consumed = loc[1]
			continue
		}
		if formWords[lw] {
			if len(words) > 0 {
				break
			}
			consumed = loc[1]
			continue
		}
		if !hasLetter(lw) {
			break
		}
		words = append(words, w)
		consumed = loc[1]
		if len(words) == 3 {
			break
		}
	}
	return strings.Join(words, " "), consumed
}

func cleanInstructions(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return strings.Trim(s, " .,;:-")
}

func normalizeUnit(u string) string {
	u = strings.ToLower(strings.Join(strings.Fields(u), ""))
	switch u {
	case "ug", "µg":
		return "mcg"
	case "unit":
		return "units"
	}
	return u
}

func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

// patternQuality scores how completely a line matched the field patterns
func patternQuality(med models.ExtractedMedication) float64 {
	var q float64
	switch {
	case len(med.Name) >= 3 && !strings.ContainsAny(med.Name, "0123456789"):
		q += fieldWeightName
	case med.Name != "":
		q += fieldWeightName / 2
	}
	if med.Dosage != "" {
		q += fieldWeightDosage
	}
	if med.Frequency != "" {
		q += fieldWeightFrequency
	}
	if med.Duration != "" {
		q += fieldWeightDuration
	} else {
		q += fieldWeightDuration * missingDurationScore
	}
	return q
}

// indexBlocks maps lower-cased block words to their confidences
func indexBlocks(blocks []models.TextBlock) map[string][]float64 {
	idx := make(map[string][]float64)
	for _, b := range blocks {
		for _, w := range strings.Fields(strings.ToLower(b.Text)) {
			idx[w] = append(idx[w], b.Confidence)
		}
	}
	return idx
}

func lineConfidence(line string, idx map[string][]float64, fallback float64) float64 {
	var sum float64
	n := 0
	for _, w := range strings.Fields(strings.ToLower(line)) {
		for _, c := range idx[w] {
			sum += c
			n++
		}
	}
	if n == 0 {
		return models.Clamp01(fallback)
	}
	return sum / float64(n)
}

// ExtractHeader pulls the prescription number, prescriber and ICD-10 codes
func (n *Normalizer) ExtractHeader(text string) Header {
	h := Header{ICD10Codes: []string{}}

	if mt := prescriptionNumberPattern.FindStringSubmatch(text); mt != nil {
		h.PrescriptionNumber = mt[1]
	}
	if mt := doctorPattern.FindStringSubmatch(text); mt != nil {
		h.DoctorName = strings.TrimSpace(mt[1])
	}

	seen := map[string]bool{}
	add := func(code string) {
		if !seen[code] {
			seen[code] = true
			h.ICD10Codes = append(h.ICD10Codes, code)
		}
	}
	for _, line := range strings.Split(text, "\n") {
		for _, mt := range icd10Dotted.FindAllStringSubmatch(line, -1) {
			add(mt[1])
		}
		if icd10Line.MatchString(line) {
			for _, mt := range icd10Plain.FindAllStringSubmatch(line, -1) {
				add(mt[1])
			}
		}
	}
	return h
}
