package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Settings covers every knob that affects synthesized output. Adding a field
// here automatically invalidates older checkpoints for runs that set it.
type Settings struct {
	Voice              string  `json:"voice"`
	Speed              float64 `json:"speed"`
	SampleRate         int     `json:"sample_rate"`
	MaxChars           int     `json:"max_chars"`
	MinChars           int     `json:"min_chars"`
	ParagraphPauseOver int     `json:"paragraph_pause_over"`
	ChapterMinLength   int     `json:"chapter_min_length"`
	Language           string  `json:"language,omitempty"`
	Dictionary         string  `json:"dictionary,omitempty"` // canonical dictionary content
	ChapterFilter      string  `json:"chapter_filter,omitempty"`
}

// File hashes the raw input bytes.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open input for hashing: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash input: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Compute derives the conversion fingerprint from the input content hash and
// the settings. The JSON encoding of Settings is canonical (fixed field
// order), so equal inputs always produce equal fingerprints.
func Compute(inputHash string, settings Settings) (string, error) {
	encoded, err := json.Marshal(settings)
	if err != nil {
		return "", fmt.Errorf("encode settings: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(inputHash))
	h.Write([]byte{0})
	h.Write(encoded)
	return hex.EncodeToString(h.Sum(nil)), nil
}
