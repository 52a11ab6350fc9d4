package stt

import (
	"context"
	"fmt"
	"sync"
)

type mockRecognizer struct {
	phrases []string
	mu      sync.Mutex
	next    int
}

// NewMockRecognizer returns one segment per window, cycling through phrases.
func NewMockRecognizer(phrases []string) Recognizer {
	return &mockRecognizer{phrases: phrases}
}

func (m *mockRecognizer) Transcribe(_ context.Context, pcm []byte, sampleRate int) ([]Segment, error) {
	if len(pcm) == 0 {
		return nil, nil
	}
	m.mu.Lock()
	n := m.next
	m.next++
	m.mu.Unlock()

	text := fmt.Sprintf("[mock transcript length=%d]", len(pcm))
	if len(m.phrases) > 0 {
		text = m.phrases[n%len(m.phrases)]
	}
	return []Segment{{
		Text: text,
		End:  float64(len(pcm)/2) / float64(sampleRate),
	}}, nil
}
