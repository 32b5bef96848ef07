package prescription

import (
	"strings"
	"unicode"

	"github.com/knappy214/medguard-sa-sub003/internal/models"
)

// LanguageDominance is the share of matched tokens a language needs to win
const LanguageDominance = 0.7

var englishStopwords = toSet(
	"the", "and", "of", "to", "take", "daily", "with", "for", "days", "times",
	"before", "after", "meals", "morning", "night", "once", "twice", "a", "in",
	"at", "by", "every", "hours", "as", "needed", "patient", "doctor", "apply",
	"capsule", "capsules", "tablets", "mouth", "one", "two", "three", "four",
	"weeks", "month", "months", "food", "bedtime", "when", "required",
	"signature", "date", "repeat", "name", "address",
)

var afrikaansStopwords = toSet(
	"die", "en", "van", "tot", "met", "neem", "daagliks", "keer", "voor", "na",
	"ete", "oggend", "aand", "soggens", "saans", "een", "twee", "drie", "vier",
	"elke", "ure", "dae", "weke", "maande", "pasiënt", "pasient", "dokter", "nie",
	"vir", "op", "dag", "maaltye", "benodig", "kos", "slaaptyd", "indien",
	"nodig", "handtekening", "datum", "herhaal", "naam", "adres", "tablette",
	"kapsules", "mond", "word", "moet", "om",
)

// afrikaansDiacritics mark a token as Afrikaans even if it is not a stopword
const afrikaansDiacritics = "êëôéïûáèŉîöüÊËÔÉÏÛ"

func toSet(words ...string) map[string]bool {
	s := make(map[string]bool, len(words))
	for _, w := range words {
		s[w] = true
	}
	return s
}

// DetectLanguage returns en, af or mixed. Text without any recognised token
// defaults to English.
func DetectLanguage(text string) models.Language {
	var en, af int
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	}) {
		// tokens spelled the same in both languages count for neither
		inEN, inAF := englishStopwords[tok], afrikaansStopwords[tok]
		switch {
		case inEN && inAF:
		case inEN:
			en++
		case inAF || strings.ContainsAny(tok, afrikaansDiacritics):
			af++
		}
	}

	total := en + af
	if total == 0 {
		return models.LanguageEnglish
	}
	switch {
	case float64(en)/float64(total) >= LanguageDominance:
		return models.LanguageEnglish
	case float64(af)/float64(total) >= LanguageDominance:
		return models.LanguageAfrikaans
	default:
		return models.LanguageMixed
	}
}
