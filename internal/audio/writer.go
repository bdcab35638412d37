package audio

import (
	"fmt"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/hearthside-labs/tomecast/internal/synth"
)

// ChapterMarker records where a chapter starts in the output timeline.
type ChapterMarker struct {
	Title string
	Start time.Duration
}

// StreamWriter appends PCM to a growing WAV file. Segments are written in
// playback order as they arrive; nothing is buffered beyond the encoder's
// own writes, so output size is independent of book length.
type StreamWriter struct {
	f          *os.File
	enc        *wav.Encoder
	sampleRate int
	written    int64
	markers    []ChapterMarker
	closed     bool
}

// NewStreamWriter creates path and prepares a 16-bit mono WAV encoder on it.
func NewStreamWriter(path string, sampleRate int) (*StreamWriter, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output: %w", err)
	}
	return &StreamWriter{
		f:          f,
		enc:        wav.NewEncoder(f, sampleRate, 16, 1, 1),
		sampleRate: sampleRate,
	}, nil
}

// Position reports how much audio has been written so far.
func (w *StreamWriter) Position() time.Duration {
	return time.Duration(float64(w.written) / float64(w.sampleRate) * float64(time.Second))
}

// MarkChapter records a chapter boundary at the current position.
func (w *StreamWriter) MarkChapter(title string) {
	w.markers = append(w.markers, ChapterMarker{Title: title, Start: w.Position()})
}

// Markers returns the chapter markers recorded so far.
func (w *StreamWriter) Markers() []ChapterMarker {
	out := make([]ChapterMarker, len(w.markers))
	copy(out, w.markers)
	return out
}

// WriteSegment appends a synthesized segment. The segment's sample rate must
// match the writer's; mixed-rate output would play at the wrong pitch.
func (w *StreamWriter) WriteSegment(seg synth.Segment) error {
	if seg.SampleRate != w.sampleRate {
		return fmt.Errorf("segment sample rate %d does not match output %d", seg.SampleRate, w.sampleRate)
	}
	buf := &goaudio.IntBuffer{
		Data:           seg.Samples,
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: w.sampleRate},
		SourceBitDepth: 16,
	}
	if err := w.enc.Write(buf); err != nil {
		return fmt.Errorf("write segment: %w", err)
	}
	w.written += int64(len(seg.Samples))
	return nil
}

// WriteSilence appends d of silence.
func (w *StreamWriter) WriteSilence(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	n := int(d.Seconds() * float64(w.sampleRate))
	if n == 0 {
		return nil
	}
	return w.WriteSegment(synth.Segment{Samples: make([]int, n), SampleRate: w.sampleRate})
}

// Close finishes the WAV header and closes the file. Safe to call twice.
func (w *StreamWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.enc.Close(); err != nil {
		w.f.Close()
		return fmt.Errorf("finish wav: %w", err)
	}
	return w.f.Close()
}
