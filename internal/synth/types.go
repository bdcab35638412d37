package synth

import (
	"context"
	"time"
)

// Request contains the parameters for synthesizing one chunk of text.
type Request struct {
	Text  string
	Voice string
	Speed float64
}

// Segment is the synthesized audio for one request: 16-bit mono PCM samples.
type Segment struct {
	Samples    []int
	SampleRate int
}

// Duration reports the playback length of the segment.
func (s Segment) Duration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(len(s.Samples)) / float64(s.SampleRate) * float64(time.Second))
}

// Synthesizer converts text into audio. Implementations must be safe for
// concurrent use; the dispatcher calls Synthesize from multiple workers.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (Segment, error)
}
