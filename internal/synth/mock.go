package synth

import "context"

// secondsPerChar approximates a steady narration pace.
const secondsPerChar = 0.06

type mockSynth struct {
	sampleRate int
}

// NewMockSynth returns a synthesizer that produces deterministic silence
// sized from the text length and speed. Equal requests always yield equal
// segments, which makes resumed runs byte-comparable in tests.
func NewMockSynth(sampleRate int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) (Segment, error) {
	if err := ctx.Err(); err != nil {
		return Segment{}, err
	}
	speed := req.Speed
	if speed <= 0 {
		speed = 1.0
	}
	n := int(float64(len(req.Text)) * secondsPerChar / speed * float64(m.sampleRate))
	if n < 1 {
		n = 1
	}
	return Segment{Samples: make([]int, n), SampleRate: m.sampleRate}, nil
}
