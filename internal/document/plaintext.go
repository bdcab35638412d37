package document

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

type plaintextExtractor struct{}

// NewPlaintextExtractor reads .txt inputs verbatim as a single page with no TOC.
func NewPlaintextExtractor() Extractor {
	return plaintextExtractor{}
}

func (plaintextExtractor) Extract(ctx context.Context, path string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	text := string(data)
	return &Document{
		Text:  text,
		Pages: []Page{{Number: 1, Offset: 0, Text: text}},
		Metadata: map[string]string{
			"source": filepath.Base(path),
		},
	}, nil
}
