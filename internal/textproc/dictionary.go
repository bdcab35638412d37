package textproc

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Dictionary is a custom pronunciation dictionary loaded from YAML.
// Words, abbreviations and acronyms are replaced as whole words,
// case-sensitive; patterns are raw regex substitutions applied last.
type Dictionary struct {
	Version       int               `yaml:"version"`
	Language      string            `yaml:"language"`
	Words         map[string]string `yaml:"words"`
	Abbreviations map[string]string `yaml:"abbreviations"`
	Acronyms      map[string]string `yaml:"acronyms"`
	Patterns      []Pattern         `yaml:"patterns"`
}

type Pattern struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// LoadDictionary reads a pronunciation dictionary from a YAML file.
func LoadDictionary(path string) (*Dictionary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pronunciation dictionary: %w", err)
	}
	var d Dictionary
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse pronunciation dictionary: %w", err)
	}
	if d.Version == 0 {
		d.Version = 1
	}
	if d.Language == "" {
		d.Language = "en"
	}
	return &d, nil
}

// MergeDictionaries overlays override on top of base; override entries win
// and override patterns run after base patterns.
func MergeDictionaries(base, override *Dictionary) *Dictionary {
	if base == nil {
		return override
	}
	if override == nil {
		return base
	}
	merged := &Dictionary{
		Version:       override.Version,
		Language:      override.Language,
		Words:         map[string]string{},
		Abbreviations: map[string]string{},
		Acronyms:      map[string]string{},
	}
	for k, v := range base.Words {
		merged.Words[k] = v
	}
	for k, v := range override.Words {
		merged.Words[k] = v
	}
	for k, v := range base.Abbreviations {
		merged.Abbreviations[k] = v
	}
	for k, v := range override.Abbreviations {
		merged.Abbreviations[k] = v
	}
	for k, v := range base.Acronyms {
		merged.Acronyms[k] = v
	}
	for k, v := range override.Acronyms {
		merged.Acronyms[k] = v
	}
	merged.Patterns = append(append([]Pattern{}, base.Patterns...), override.Patterns...)
	return merged
}

// Apply runs all replacement classes: abbreviations, then words, then
// acronyms, then regex patterns. Invalid patterns are skipped.
func (d *Dictionary) Apply(text string) string {
	if d == nil {
		return text
	}
	text = replaceWholeWords(text, d.Abbreviations)
	text = replaceWholeWords(text, d.Words)
	text = replaceWholeWords(text, d.Acronyms)
	for _, p := range d.Patterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			continue
		}
		text = re.ReplaceAllString(text, p.Replacement)
	}
	return text
}

// Fingerprint returns canonical content for hashing into the conversion
// fingerprint: any edit to the dictionary must invalidate checkpoints.
func (d *Dictionary) Fingerprint() string {
	if d == nil {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "v%d:%s", d.Version, d.Language)
	appendSorted := func(label string, m map[string]string) {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, ";%s:%s=%s", label, k, m[k])
		}
	}
	appendSorted("w", d.Words)
	appendSorted("a", d.Abbreviations)
	appendSorted("c", d.Acronyms)
	for _, p := range d.Patterns {
		fmt.Fprintf(&sb, ";p:%s=%s", p.Pattern, p.Replacement)
	}
	return sb.String()
}

func replaceWholeWords(text string, replacements map[string]string) string {
	if len(replacements) == 0 {
		return text
	}
	// Longest keys first so "Sra." wins over "Sr.".
	keys := make([]string, 0, len(replacements))
	for k := range replacements {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys {
		re, err := regexp.Compile(`\b` + regexp.QuoteMeta(k))
		if err != nil {
			continue
		}
		text = re.ReplaceAllString(text, replacements[k])
	}
	return text
}
