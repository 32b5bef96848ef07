package prescription

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// AbbreviationCategory groups the lookup table for reporting
type AbbreviationCategory string

const (
	CategoryFrequency   AbbreviationCategory = "frequency"
	CategoryDosageForm  AbbreviationCategory = "dosage_form"
	CategoryRoute       AbbreviationCategory = "route"
	CategoryTiming      AbbreviationCategory = "timing"
	CategoryInstruction AbbreviationCategory = "instruction"
)

type abbreviation struct {
	short    string
	expanded string
	category AbbreviationCategory
}

// abbreviationTable is the fixed lookup table. No expansion may contain a
// key as a whole word, which keeps expansion idempotent.
var abbreviationTable = []abbreviation{
	// frequency
	{"od", "once daily", CategoryFrequency},
	{"o.d.", "once daily", CategoryFrequency},
	{"qd", "once daily", CategoryFrequency},
	{"q.d.", "once daily", CategoryFrequency},
	{"bd", "twice daily", CategoryFrequency},
	{"b.d.", "twice daily", CategoryFrequency},
	{"bid", "twice daily", CategoryFrequency},
	{"b.i.d.", "twice daily", CategoryFrequency},
	{"tds", "three times daily", CategoryFrequency},
	{"t.d.s.", "three times daily", CategoryFrequency},
	{"tid", "three times daily", CategoryFrequency},
	{"t.i.d.", "three times daily", CategoryFrequency},
	{"qds", "four times daily", CategoryFrequency},
	{"q.d.s.", "four times daily", CategoryFrequency},
	{"qid", "four times daily", CategoryFrequency},
	{"q.i.d.", "four times daily", CategoryFrequency},
	{"qod", "every other day", CategoryFrequency},
	{"q4h", "every 4 hours", CategoryFrequency},
	{"q6h", "every 6 hours", CategoryFrequency},
	{"q8h", "every 8 hours", CategoryFrequency},
	{"q12h", "every 12 hours", CategoryFrequency},
	{"prn", "as needed", CategoryFrequency},
	{"p.r.n.", "as needed", CategoryFrequency},
	{"stat", "immediately", CategoryFrequency},
	{"nocte", "at night", CategoryFrequency},
	{"mane", "in the morning", CategoryFrequency},

	// dosage form
	{"tab", "tablet", CategoryDosageForm},
	{"tabs", "tablets", CategoryDosageForm},
	{"cap", "capsule", CategoryDosageForm},
	{"caps", "capsules", CategoryDosageForm},
	{"susp", "suspension", CategoryDosageForm},
	{"syr", "syrup", CategoryDosageForm},
	{"inj", "injection", CategoryDosageForm},
	{"oint", "ointment", CategoryDosageForm},
	{"ung", "ointment", CategoryDosageForm},
	{"gtt", "drops", CategoryDosageForm},
	{"gtts", "drops", CategoryDosageForm},
	{"supp", "suppository", CategoryDosageForm},

	// route
	{"po", "by mouth", CategoryRoute},
	{"p.o.", "by mouth", CategoryRoute},
	{"sl", "under the tongue", CategoryRoute},
	{"im", "intramuscular", CategoryRoute},
	{"iv", "intravenous", CategoryRoute},
	{"sc", "subcutaneous", CategoryRoute},
	{"subcut", "subcutaneous", CategoryRoute},
	{"inh", "inhaled", CategoryRoute},
	{"npo", "nothing by mouth", CategoryRoute},

	// timing
	{"ac", "before meals", CategoryTiming},
	{"a.c.", "before meals", CategoryTiming},
	{"pc", "after meals", CategoryTiming},
	{"p.c.", "after meals", CategoryTiming},
	{"hs", "at bedtime", CategoryTiming},
	{"h.s.", "at bedtime", CategoryTiming},

	// instruction
	{"sos", "if necessary", CategoryInstruction},
	{"ud", "as directed", CategoryInstruction},
	{"u.d.", "as directed", CategoryInstruction},
	{"prn/sos", "as needed", CategoryInstruction},
	{"rpt", "repeat", CategoryInstruction},
	{"disp", "dispense", CategoryInstruction},
	{"sig", "label", CategoryInstruction},
}

// sortedAbbreviations orders the table longest key first so that "tabs" wins
// over "tab" and "b.i.d." over "bid"
var sortedAbbreviations = func() []abbreviation {
	out := append([]abbreviation(nil), abbreviationTable...)
	sort.SliceStable(out, func(i, j int) bool {
		if len(out[i].short) != len(out[j].short) {
			return len(out[i].short) > len(out[j].short)
		}
		return out[i].short < out[j].short
	})
	return out
}()

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// boundaryBefore reports whether position i of s starts a word
func boundaryBefore(s string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return !isWordRune(r)
}

// boundaryAfter reports whether position i of s ends a word
func boundaryAfter(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return !isWordRune(r)
}

// expandAbbreviations scans s once, replacing whole-word table entries,
// case-insensitively, longest match first
func expandAbbreviations(s string) string {
	var b strings.Builder
	b.Grow(len(s) + len(s)/4)

	i := 0
	for i < len(s) {
		if boundaryBefore(s, i) {
			if abbr, n := matchAbbreviation(s, i); n > 0 {
				b.WriteString(abbr.expanded)
				i += n
				continue
			}
		}
		_, size := utf8.DecodeRuneInString(s[i:])
		b.WriteString(s[i : i+size])
		i += size
	}
	return b.String()
}

func matchAbbreviation(s string, i int) (abbreviation, int) {
	for _, abbr := range sortedAbbreviations {
		end := i + len(abbr.short)
		if end > len(s) {
			continue
		}
		if !strings.EqualFold(s[i:end], abbr.short) {
			continue
		}
		// dotted forms end in punctuation and so always end a word
		if strings.HasSuffix(abbr.short, ".") || boundaryAfter(s, end) {
			return abbr, len(abbr.short)
		}
	}
	return abbreviation{}, 0
}
