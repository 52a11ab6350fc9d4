// Package tts turns hold-to-ask replies into audio for the phone gateway.
package tts

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-pendant/internal/config"
)

// Request is one reply to speak.
type Request struct {
	ReplyID string
	Text    string
	Voice   string
}

// Chunk carries mono 16-bit PCM.
type Chunk struct {
	Sequence   int
	SampleRate int
	PCM        []byte
	Final      bool
}

// Synthesizer produces audio for a reply. Both channels are closed when
// synthesis ends.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (<-chan Chunk, <-chan error)
}

// New builds the synthesizer selected by cfg.
func New(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockSynth(cfg.SampleRate), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate)
	}
	return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
}
