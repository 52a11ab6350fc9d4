package stt

import (
	"context"
)

// Recognizer transcribes a complete PCM window. Segment times are relative to
// the start of the window.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) ([]Segment, error)
}
