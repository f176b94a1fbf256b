package pipeline

import (
	"strings"
	"unicode"
)

// NormalizeTurkish lowercases with Turkish casing rules (İ->i, I->ı), trims
// and collapses whitespace.
func NormalizeTurkish(s string) string {
	lowered := strings.ToLowerSpecial(unicode.TurkishCase, strings.TrimSpace(s))
	return strings.Join(strings.Fields(lowered), " ")
}

// diacriticFold maps the Turkish-specific letters onto their ASCII
// counterparts so "günaydın" and "gunaydin" compare equal.
var diacriticFold = map[rune]rune{
	'ç': 'c',
	'ğ': 'g',
	'ı': 'i',
	'ö': 'o',
	'ş': 's',
	'ü': 'u',
}

// FoldDiacritics applies the diacritic mapping to an already lowercased
// string.
func FoldDiacritics(s string) string {
	return strings.Map(func(r rune) rune {
		if folded, ok := diacriticFold[r]; ok {
			return folded
		}
		return r
	}, s)
}

// Tokenize splits on anything that is not a Unicode letter or digit.
func Tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// turkishSuffixes is the fixed strip list for the lemmatizer, longest first.
// This is deliberately crude: it only needs to make inflected forms of the
// same word land on the same stem, not produce dictionary lemmas.
var turkishSuffixes = []string{
	"larımızdan", "lerimizden",
	"larımız", "lerimiz",
	"lardan", "lerden",
	"ların", "lerin",
	"ları", "leri",
	"lar", "ler",
	"ımız", "imiz", "umuz", "ümüz",
	"dan", "den", "tan", "ten",
	"nın", "nin", "nun", "nün",
	"ın", "in", "un", "ün",
	"ya", "ye",
	"da", "de", "ta", "te",
	"ı", "i", "u", "ü",
	"a", "e",
}

const minStemRunes = 2

// LemmaOf strips the longest matching suffix, keeping at least two runes of
// stem. Operates on folded tokens, so the suffix list is matched after
// diacritic folding too.
func LemmaOf(token string) string {
	runes := []rune(token)
	for _, suffix := range turkishSuffixes {
		folded := FoldDiacritics(suffix)
		suffixRunes := []rune(folded)
		if len(runes)-len(suffixRunes) < minStemRunes {
			continue
		}
		if strings.HasSuffix(token, folded) {
			return string(runes[:len(runes)-len(suffixRunes)])
		}
	}
	return token
}

// Lemmatize maps each token to its stem.
func Lemmatize(tokens []string) []string {
	out := make([]string, len(tokens))
	for i, tok := range tokens {
		out[i] = LemmaOf(tok)
	}
	return out
}

// tokenSet builds a set from a token slice.
func tokenSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

// jaccard computes set overlap over union; empty sets score zero.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// bigrams returns the set of character bigrams of s (spaces excluded).
func bigrams(s string) map[string]struct{} {
	runes := []rune(strings.ReplaceAll(s, " ", ""))
	set := make(map[string]struct{})
	for i := 0; i+1 < len(runes); i++ {
		set[string(runes[i:i+2])] = struct{}{}
	}
	return set
}
