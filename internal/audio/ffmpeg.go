package audio

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ConvertOptions controls the ffmpeg transcode of the intermediate WAV.
type ConvertOptions struct {
	FFmpegPath string
	Format     string // "mp3" or "m4b"
	Bitrate    string // e.g. "64k"
	Title      string
	Markers    []ChapterMarker
}

// Convert transcodes wavPath into outPath using ffmpeg. For m4b output the
// chapter markers are embedded as an FFMETADATA chapter list so players can
// navigate by chapter.
func Convert(ctx context.Context, wavPath, outPath string, opts ConvertOptions) error {
	ffmpeg := opts.FFmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	if _, err := exec.LookPath(ffmpeg); err != nil {
		return fmt.Errorf("ffmpeg not found (%s): %w", ffmpeg, err)
	}

	args := []string{"-y", "-hide_banner", "-loglevel", "error", "-i", wavPath}

	var metaPath string
	switch opts.Format {
	case "mp3":
		args = append(args, "-codec:a", "libmp3lame", "-b:a", opts.Bitrate)
	case "m4b":
		if len(opts.Markers) > 0 {
			var err error
			metaPath, err = writeFFMetadata(filepath.Dir(outPath), opts)
			if err != nil {
				return err
			}
			defer os.Remove(metaPath)
			args = append(args, "-i", metaPath, "-map_metadata", "1")
		}
		args = append(args, "-codec:a", "aac", "-b:a", opts.Bitrate, "-f", "mp4")
	default:
		return fmt.Errorf("unsupported output format %q", opts.Format)
	}
	args = append(args, outPath)

	cmd := exec.CommandContext(ctx, ffmpeg, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("ffmpeg: %w: %s", err, msg)
		}
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return nil
}

// writeFFMetadata emits an ;FFMETADATA1 file with one [CHAPTER] block per
// marker. Chapter end times come from the next marker's start.
func writeFFMetadata(dir string, opts ConvertOptions) (string, error) {
	f, err := os.CreateTemp(dir, "chapters.*.txt")
	if err != nil {
		return "", fmt.Errorf("create chapter metadata: %w", err)
	}

	var b strings.Builder
	b.WriteString(";FFMETADATA1\n")
	if opts.Title != "" {
		b.WriteString("title=" + escapeMetadata(opts.Title) + "\n")
	}
	for i, m := range opts.Markers {
		start := m.Start.Milliseconds()
		var end int64
		if i+1 < len(opts.Markers) {
			end = opts.Markers[i+1].Start.Milliseconds()
		} else {
			// ffmpeg clamps a chapter end past EOF to the stream duration
			end = start + 24*60*60*1000
		}
		fmt.Fprintf(&b, "[CHAPTER]\nTIMEBASE=1/1000\nSTART=%d\nEND=%d\ntitle=%s\n", start, end, escapeMetadata(m.Title))
	}

	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write chapter metadata: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

var metadataEscaper = strings.NewReplacer("=", `\=`, ";", `\;`, "#", `\#`, "\\", `\\`, "\n", `\n`)

func escapeMetadata(s string) string {
	return metadataEscaper.Replace(s)
}
