package synth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func TestMockSynthDeterministic(t *testing.T) {
	s := NewMockSynth(24000)
	req := Request{Text: "Hello there, reader.", Voice: "af_heart", Speed: 1.0}

	a, err := s.Synthesize(context.Background(), req)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	b, err := s.Synthesize(context.Background(), req)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatal("identical requests produced different segments")
	}
	if a.SampleRate != 24000 {
		t.Fatalf("sample rate = %d, want 24000", a.SampleRate)
	}
	if len(a.Samples) == 0 {
		t.Fatal("empty segment")
	}
}

func TestMockSynthSpeedShortensAudio(t *testing.T) {
	s := NewMockSynth(24000)

	slow, err := s.Synthesize(context.Background(), Request{Text: "Some sentence of text.", Speed: 1.0})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	fast, err := s.Synthesize(context.Background(), Request{Text: "Some sentence of text.", Speed: 2.0})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(fast.Samples) >= len(slow.Samples) {
		t.Fatalf("speed 2.0 produced %d samples, speed 1.0 produced %d", len(fast.Samples), len(slow.Samples))
	}
	if slow.Duration() <= fast.Duration() {
		t.Fatalf("durations not ordered: slow=%s fast=%s", slow.Duration(), fast.Duration())
	}
}

func TestMockSynthCancelled(t *testing.T) {
	s := NewMockSynth(24000)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Synthesize(ctx, Request{Text: "late"}); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func TestExecSynthRoundTrip(t *testing.T) {
	// four samples of 16-bit LE PCM: 1, -1, 256, 0 -> base64 AQD//wABAAA=
	script := filepath.Join(t.TempDir(), "fake-tts.sh")
	content := "#!/bin/sh\ncat > /dev/null\necho '{\"pcm_base64\":\"AQD//wABAAA=\",\"sample_rate\":24000}'\n"
	if err := os.WriteFile(script, []byte(content), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	s, err := NewExecSynth("sh "+script, 24000)
	if err != nil {
		t.Fatalf("NewExecSynth: %v", err)
	}
	seg, err := s.Synthesize(context.Background(), Request{Text: "hello", Voice: "af_heart", Speed: 1.0})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	want := []int{1, -1, 256, 0}
	if !reflect.DeepEqual(seg.Samples, want) {
		t.Fatalf("samples = %v, want %v", seg.Samples, want)
	}
	if seg.SampleRate != 24000 {
		t.Fatalf("sample rate = %d, want 24000", seg.SampleRate)
	}
}

func TestExecSynthCommandFailure(t *testing.T) {
	s, err := NewExecSynth("sh -c 'echo broken >&2; exit 3'", 24000)
	if err != nil {
		t.Fatalf("NewExecSynth: %v", err)
	}
	if _, err := s.Synthesize(context.Background(), Request{Text: "x"}); err == nil {
		t.Fatal("expected error from failing command")
	}
}

func TestExecSynthEmptyCommand(t *testing.T) {
	if _, err := NewExecSynth("", 24000); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func encodeWAV(t *testing.T, samples []int, sampleRate int) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seg.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Data:           samples,
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	f.Close()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	return data
}

func TestHTTPSynthRoundTrip(t *testing.T) {
	want := []int{10, -10, 300, -300}
	body := encodeWAV(t, want, 22050)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(body)
	}))
	defer srv.Close()

	s := NewHTTPSynth(srv.URL, 5*time.Second)
	seg, err := s.Synthesize(context.Background(), Request{Text: "hello", Voice: "amy"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if !reflect.DeepEqual(seg.Samples, want) {
		t.Fatalf("samples = %v, want %v", seg.Samples, want)
	}
	if seg.SampleRate != 22050 {
		t.Fatalf("sample rate = %d, want 22050", seg.SampleRate)
	}
}

func TestHTTPSynthServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewHTTPSynth(srv.URL, 5*time.Second)
	if _, err := s.Synthesize(context.Background(), Request{Text: "x"}); err == nil {
		t.Fatal("expected error from 503 response")
	}
}
