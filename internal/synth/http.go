package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-audio/wav"
)

type httpSynth struct {
	endpoint string
	client   *http.Client
}

type httpRequest struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice"`
	Speed float64 `json:"speed"`
}

// NewHTTPSynth returns a synthesizer backed by a TTS server that accepts a
// JSON request and answers with a WAV body, the way piper-compatible servers
// do.
func NewHTTPSynth(endpoint string, timeout time.Duration) Synthesizer {
	return &httpSynth{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (h *httpSynth) Synthesize(ctx context.Context, req Request) (Segment, error) {
	payload, err := json.Marshal(httpRequest{Text: req.Text, Voice: req.Voice, Speed: req.Speed})
	if err != nil {
		return Segment{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Segment{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return Segment{}, fmt.Errorf("synthesis request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Segment{}, fmt.Errorf("synthesis server returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Segment{}, fmt.Errorf("read synthesis response: %w", err)
	}

	dec := wav.NewDecoder(bytes.NewReader(data))
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Segment{}, fmt.Errorf("decode synthesis wav: %w", err)
	}
	if buf.Format == nil || buf.Format.NumChannels != 1 {
		return Segment{}, fmt.Errorf("synthesis wav must be mono")
	}
	return Segment{Samples: buf.Data, SampleRate: buf.Format.SampleRate}, nil
}
