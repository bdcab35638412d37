package textproc

import (
	"regexp"
	"strings"
)

// Preprocessor is a pure text transform applied before chunking. It fixes
// extraction artifacts and expands abbreviations so the synthesis backend
// receives clean prose. The transform is deterministic: the same input and
// settings always produce the same output, which the conversion fingerprint
// relies on.
type Preprocessor struct {
	language   string // "", "en", "es"
	dictionary *Dictionary

	detected string
}

func NewPreprocessor(language string, dict *Dictionary) *Preprocessor {
	return &Preprocessor{language: language, dictionary: dict}
}

var ligatures = strings.NewReplacer(
	"ﬀ", "ff",
	"ﬁ", "fi",
	"ﬂ", "fl",
	"ﬃ", "ffi",
	"ﬄ", "ffl",
	"ﬅ", "st",
	"ﬆ", "st",
)

var encodingFixes = strings.NewReplacer(
	"‘", "'",
	"’", "'",
	"“", `"`,
	"”", `"`,
	"–", "-",
	"—", " - ",
	"…", "...",
	" ", " ",
	"­", "",
	"\uFEFF", "",
)

var enAbbreviations = map[string]string{
	"Dr.":   "Doctor",
	"Mr.":   "Mister",
	"Mrs.":  "Missus",
	"Ms.":   "Miss",
	"Prof.": "Professor",
	"vs.":   "versus",
	"etc.":  "etcetera",
	"St.":   "Saint",
	"Jr.":   "Junior",
	"Sr.":   "Senior",
	"Vol.":  "Volume",
	"Ch.":   "Chapter",
	"Fig.":  "Figure",
	"Mt.":   "Mount",
	"i.e.":  "that is",
	"e.g.":  "for example",
	"a.m.":  "A M",
	"p.m.":  "P M",
	"A.M.":  "A M",
	"P.M.":  "P M",
}

var esAbbreviations = map[string]string{
	"Dr.":   "Doctor",
	"Dra.":  "Doctora",
	"Sr.":   "Señor",
	"Sra.":  "Señora",
	"Srta.": "Señorita",
	"Prof.": "Profesor",
	"Ud.":   "Usted",
	"Uds.":  "Ustedes",
	"Cap.":  "Capítulo",
	"Vol.":  "Volumen",
	"núm.":  "número",
	"etc.":  "etcétera",
	"pág.":  "página",
}

var (
	hyphenBreakRE    = regexp.MustCompile(`(\w+)-\s*\n\s*(\w+)`)
	pageNumberRE     = regexp.MustCompile(`(?i)^(Page\s+)?\d+\s*$`)
	separatorRE      = regexp.MustCompile(`^[-_=]{3,}$`)
	multiDotRE       = regexp.MustCompile(`\.{2,}`)
	multiBangRE      = regexp.MustCompile(`!{2,}`)
	multiQuestionRE  = regexp.MustCompile(`\?{2,}`)
	missingSpaceRE   = regexp.MustCompile(`([.!?])([A-Za-z])`)
	manyNewlinesRE   = regexp.MustCompile(`\n{3,}`)
	singleNewlineRE  = regexp.MustCompile(`([^\n])\n([^\n])`)
	runSpacesRE      = regexp.MustCompile(`[ \t]+`)
	paragraphTrimRE  = regexp.MustCompile(` *\n\n *`)
	currencyDigitRE  = regexp.MustCompile(`([$€])(\d)`)
)

// Process runs the full cleanup pipeline over raw extracted text.
func (p *Preprocessor) Process(text string) string {
	if p.language == "" {
		p.detected = DetectLanguage(text)
	} else {
		p.detected = p.language
	}

	text = ligatures.Replace(text)
	text = encodingFixes.Replace(text)
	text = hyphenBreakRE.ReplaceAllString(text, "$1$2")
	text = p.removePageArtifacts(text)
	text = p.expandAbbreviations(text)
	text = p.dictionary.Apply(text)
	text = currencyDigitRE.ReplaceAllString(text, "$1 $2")
	text = normalizePunctuation(text)
	text = normalizeWhitespace(text)
	return text
}

// DetectedLanguage reports the language chosen during the last Process call.
func (p *Preprocessor) DetectedLanguage() string { return p.detected }

func (p *Preprocessor) removePageArtifacts(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		stripped := strings.TrimSpace(line)
		if pageNumberRE.MatchString(stripped) || separatorRE.MatchString(stripped) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func (p *Preprocessor) expandAbbreviations(text string) string {
	abbrevs := enAbbreviations
	if p.detected == "es" {
		abbrevs = esAbbreviations
	}
	return replaceWholeWords(text, abbrevs)
}

func normalizePunctuation(text string) string {
	text = multiDotRE.ReplaceAllString(text, "...")
	text = multiBangRE.ReplaceAllString(text, "!")
	text = multiQuestionRE.ReplaceAllString(text, "?")
	text = missingSpaceRE.ReplaceAllString(text, "$1 $2")
	text = strings.ReplaceAll(text, ";", ".")
	return text
}

func normalizeWhitespace(text string) string {
	text = manyNewlinesRE.ReplaceAllString(text, "\n\n")
	// Rejoin wrapped lines; paragraph breaks (double newlines) survive.
	for singleNewlineRE.MatchString(text) {
		text = singleNewlineRE.ReplaceAllString(text, "$1 $2")
	}
	text = runSpacesRE.ReplaceAllString(text, " ")
	text = paragraphTrimRE.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
