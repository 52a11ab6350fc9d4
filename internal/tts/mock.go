package tts

import (
	"context"
	"strings"
)

// wordDuration is how long the mock voice spends on each word, in seconds.
const wordDuration = 0.25

type mockSynth struct {
	sampleRate int
}

// NewMockSynth returns silence sized to the reply's word count.
func NewMockSynth(sampleRate int) Synthesizer {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &mockSynth{sampleRate: sampleRate}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if err := ctx.Err(); err != nil {
			errs <- err
			return
		}
		samples := int(float64(len(strings.Fields(req.Text))) * wordDuration * float64(m.sampleRate))
		chunks <- Chunk{
			SampleRate: m.sampleRate,
			PCM:        make([]byte, samples*2),
			Final:      true,
		}
	}()
	return chunks, errs
}
