package textproc

import "strings"

var spanishMarkers = []string{
	"el", "la", "los", "las", "de", "del", "que", "en", "por", "con",
	"para", "su", "se", "como", "más", "pero", "sus", "era", "sí", "yo",
}

var englishMarkers = []string{
	"the", "and", "of", "to", "in", "that", "is", "was", "he", "for",
	"it", "with", "as", "his", "on", "be", "at", "by", "this", "had",
}

// DetectLanguage guesses en/es from stop-word frequency. Returns "unknown"
// when the text is too short or neither language dominates.
func DetectLanguage(text string) string {
	words := strings.Fields(strings.ToLower(text))
	if len(words) < 5 {
		return "unknown"
	}

	counts := make(map[string]int, len(words))
	for _, w := range words {
		counts[strings.Trim(w, ".,;:!?¡¿\"'()")]++
	}

	var spanish, english int
	for _, m := range spanishMarkers {
		spanish += counts[m]
	}
	for _, m := range englishMarkers {
		english += counts[m]
	}

	total := float64(len(words))
	esRatio := float64(spanish) / total
	enRatio := float64(english) / total

	switch {
	case esRatio > enRatio && esRatio > 0.05:
		return "es"
	case enRatio > esRatio && enRatio > 0.05:
		return "en"
	default:
		return "unknown"
	}
}
