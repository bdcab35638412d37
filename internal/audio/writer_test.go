package audio

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/go-audio/wav"

	"github.com/hearthside-labs/tomecast/internal/synth"
)

func TestStreamWriterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	w, err := NewStreamWriter(path, 24000)
	if err != nil {
		t.Fatalf("NewStreamWriter: %v", err)
	}

	first := synth.Segment{Samples: []int{1, 2, 3}, SampleRate: 24000}
	second := synth.Segment{Samples: []int{-1, -2, -3}, SampleRate: 24000}
	if err := w.WriteSegment(first); err != nil {
		t.Fatalf("WriteSegment: %v", err)
	}
	if err := w.WriteSegment(second); err != nil {
		t.Fatalf("WriteSegment: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()
	buf, err := wav.NewDecoder(f).FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	want := []int{1, 2, 3, -1, -2, -3}
	if !reflect.DeepEqual(buf.Data, want) {
		t.Fatalf("samples = %v, want %v", buf.Data, want)
	}
	if buf.Format.SampleRate != 24000 || buf.Format.NumChannels != 1 {
		t.Fatalf("format = %+v", buf.Format)
	}
}

func TestStreamWriterRejectsRateMismatch(t *testing.T) {
	w, err := NewStreamWriter(filepath.Join(t.TempDir(), "out.wav"), 24000)
	if err != nil {
		t.Fatalf("NewStreamWriter: %v", err)
	}
	defer w.Close()

	if err := w.WriteSegment(synth.Segment{Samples: []int{1}, SampleRate: 22050}); err == nil {
		t.Fatal("expected error for mismatched sample rate")
	}
}

func TestWriteSilenceAndPosition(t *testing.T) {
	w, err := NewStreamWriter(filepath.Join(t.TempDir(), "out.wav"), 1000)
	if err != nil {
		t.Fatalf("NewStreamWriter: %v", err)
	}
	defer w.Close()

	if err := w.WriteSilence(500 * time.Millisecond); err != nil {
		t.Fatalf("WriteSilence: %v", err)
	}
	if got := w.Position(); got != 500*time.Millisecond {
		t.Fatalf("Position = %s, want 500ms", got)
	}
	if err := w.WriteSilence(0); err != nil {
		t.Fatalf("WriteSilence(0): %v", err)
	}
	if got := w.Position(); got != 500*time.Millisecond {
		t.Fatalf("Position after zero silence = %s", got)
	}
}

func TestChapterMarkers(t *testing.T) {
	w, err := NewStreamWriter(filepath.Join(t.TempDir(), "out.wav"), 1000)
	if err != nil {
		t.Fatalf("NewStreamWriter: %v", err)
	}
	defer w.Close()

	w.MarkChapter("Chapter 1")
	if err := w.WriteSilence(2 * time.Second); err != nil {
		t.Fatalf("WriteSilence: %v", err)
	}
	w.MarkChapter("Chapter 2")

	markers := w.Markers()
	if len(markers) != 2 {
		t.Fatalf("got %d markers, want 2", len(markers))
	}
	if markers[0].Start != 0 || markers[0].Title != "Chapter 1" {
		t.Fatalf("first marker: %+v", markers[0])
	}
	if markers[1].Start != 2*time.Second || markers[1].Title != "Chapter 2" {
		t.Fatalf("second marker: %+v", markers[1])
	}
}

func TestCloseTwice(t *testing.T) {
	w, err := NewStreamWriter(filepath.Join(t.TempDir(), "out.wav"), 24000)
	if err != nil {
		t.Fatalf("NewStreamWriter: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestWriteFFMetadata(t *testing.T) {
	path, err := writeFFMetadata(t.TempDir(), ConvertOptions{
		Title: "My Book; annotated",
		Markers: []ChapterMarker{
			{Title: "Chapter 1", Start: 0},
			{Title: "Chapter 2", Start: 90 * time.Second},
		},
	})
	if err != nil {
		t.Fatalf("writeFFMetadata: %v", err)
	}
	defer os.Remove(path)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read metadata: %v", err)
	}
	content := string(data)
	if !strings.HasPrefix(content, ";FFMETADATA1\n") {
		t.Fatalf("missing header: %q", content)
	}
	if !strings.Contains(content, `title=My Book\; annotated`) {
		t.Errorf("title not escaped: %q", content)
	}
	if !strings.Contains(content, "START=0\nEND=90000\ntitle=Chapter 1") {
		t.Errorf("first chapter block wrong: %q", content)
	}
	if !strings.Contains(content, "START=90000\n") {
		t.Errorf("second chapter start wrong: %q", content)
	}
}

func TestConvertRejectsUnknownFormat(t *testing.T) {
	err := Convert(context.Background(), "in.wav", "out.ogg", ConvertOptions{Format: "ogg", FFmpegPath: "/bin/true"})
	if err == nil {
		t.Fatal("expected error for unsupported format")
	}
}
