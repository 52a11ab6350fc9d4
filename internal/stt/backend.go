// Package stt routes audio to exactly one speech recognition backend at a time.
package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-pendant/internal/device"
)

// Segment is one unit of recognized speech. Times are seconds from the start
// of the stream.
type Segment struct {
	Text    string  `json:"text"`
	Speaker int     `json:"speaker"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
}

// Kind is the closed set of recognition backends.
type Kind int

const (
	KindRemote Kind = iota
	KindOnDeviceStreaming
	KindOnDeviceBatch
	KindMock
)

func (k Kind) String() string {
	switch k {
	case KindRemote:
		return "remote"
	case KindOnDeviceStreaming:
		return "on-device-streaming"
	case KindOnDeviceBatch:
		return "on-device-batch"
	case KindMock:
		return "mock"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func ParseKind(s string) (Kind, error) {
	for _, k := range []Kind{KindRemote, KindOnDeviceStreaming, KindOnDeviceBatch, KindMock} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown transcription mode %q", s)
}

// NeedsPCM reports whether the backend only accepts raw PCM. The remote
// service accepts compressed frames directly.
func (k Kind) NeedsPCM() bool {
	switch k {
	case KindRemote:
		return false
	case KindOnDeviceStreaming, KindOnDeviceBatch, KindMock:
		return true
	default:
		return true
	}
}

// StreamConfig describes the audio a backend will receive.
type StreamConfig struct {
	SampleRate int
	Codec      device.Codec
	// PCM is true when pushed bytes are 16-bit little-endian samples,
	// regardless of Codec.
	PCM bool
}

// Handlers receive backend output. They may be called from any goroutine.
type Handlers struct {
	OnSegments func([]Segment)
	OnError    func(error)
}

func (h Handlers) segments(segs []Segment) {
	if h.OnSegments != nil && len(segs) > 0 {
		h.OnSegments(segs)
	}
}

func (h Handlers) fail(err error) {
	if h.OnError != nil && err != nil {
		h.OnError(err)
	}
}

// Backend is one recognition engine session. Start returns once the backend
// is ready to accept audio; ctx bounds loading only. Push must not block.
// Stop releases every resource and is safe to call more than once.
type Backend interface {
	Start(ctx context.Context, cfg StreamConfig, h Handlers) error
	Push(p []byte)
	Stop(ctx context.Context) error
}
