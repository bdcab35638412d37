package document

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/mattn/go-shellwords"
)

type execExtractor struct {
	cmd []string
}

// NewExecExtractor wraps an external extraction tool (pdf/epub parsing lives
// outside this process). The tool receives the input path as its final
// argument and writes a Document as JSON on stdout.
func NewExecExtractor(command string) (Extractor, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse extraction command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("extraction command empty")
	}
	return &execExtractor{cmd: args}, nil
}

func (e *execExtractor) Extract(ctx context.Context, path string) (*Document, error) {
	base := e.cmd[0]
	args := append(append([]string{}, e.cmd[1:]...), path)
	cmd := exec.CommandContext(ctx, base, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("extraction tool: %w: %s", err, stderr.String())
		}
		return nil, fmt.Errorf("extraction tool: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(stdout.Bytes(), &doc); err != nil {
		return nil, fmt.Errorf("decode extraction output: %w", err)
	}
	if doc.Text == "" {
		return nil, fmt.Errorf("extraction tool returned no text for %s", path)
	}
	return &doc, nil
}
