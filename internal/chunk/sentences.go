package chunk

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Abbreviations that end with a period but do not end a sentence. The
// preprocessor expands most of these already; the guard covers text that
// skipped preprocessing.
var nonTerminalAbbrev = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true,
	"sr": true, "jr": true, "st": true, "mt": true, "vs": true,
	"etc": true, "vol": true, "ch": true, "fig": true, "no": true,
	"sra": true, "srta": true, "ud": true, "uds": true,
}

// SplitSentences performs locale-aware sentence boundary detection for the
// latin-script languages the pipeline handles (English and Spanish,
// including inverted punctuation). It is intentionally conservative:
// a boundary requires terminal punctuation followed by whitespace and an
// uppercase letter, an opening quote, or inverted Spanish punctuation.
func SplitSentences(text string) []string {
	var sentences []string
	start := 0

	for i := 0; i < len(text); i++ {
		c := text[i]
		if c != '.' && c != '!' && c != '?' {
			continue
		}

		// Swallow a run of terminal punctuation plus closing quotes.
		end := i + 1
		for end < len(text) && (text[end] == '.' || text[end] == '!' || text[end] == '?' ||
			text[end] == '"' || text[end] == '\'' || text[end] == ')') {
			end++
		}

		if c == '.' && isAbbreviation(text[start:i]) {
			i = end - 1
			continue
		}
		if !boundaryFollows(text[end:]) {
			i = end - 1
			continue
		}

		if s := strings.TrimSpace(text[start:end]); s != "" {
			sentences = append(sentences, s)
		}
		start = end
		i = end - 1
	}

	if s := strings.TrimSpace(text[start:]); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// boundaryFollows reports whether the text after terminal punctuation looks
// like the start of a new sentence.
func boundaryFollows(rest string) bool {
	if rest == "" {
		return true
	}
	j := 0
	for j < len(rest) && (rest[j] == ' ' || rest[j] == '\n' || rest[j] == '\t') {
		j++
	}
	if j == 0 {
		return false // punctuation glued to the next word, e.g. "3.14"
	}
	if j >= len(rest) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(rest[j:])
	if unicode.IsUpper(r) || r == '¿' || r == '¡' {
		return true
	}
	return r == '"' || r == '\'' || r == '(' || unicode.IsDigit(r)
}

// isAbbreviation checks whether the text preceding a period ends in a known
// non-terminal abbreviation.
func isAbbreviation(before string) bool {
	i := len(before)
	for i > 0 {
		r, size := utf8.DecodeLastRuneInString(before[:i])
		if !unicode.IsLetter(r) {
			break
		}
		i -= size
	}
	word := strings.ToLower(before[i:])
	return nonTerminalAbbrev[word]
}
