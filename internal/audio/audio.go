// Package audio normalizes the peripheral stream and the local microphone into
// one chunk stream for transcription.
package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-pendant/internal/apperr"
	"github.com/loqalabs/loqa-pendant/internal/device"
)

// Kind selects where audio comes from.
type Kind int

const (
	KindDevice Kind = iota
	KindMicrophone
)

func (k Kind) String() string {
	switch k {
	case KindDevice:
		return "device"
	case KindMicrophone:
		return "microphone"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func ParseKind(s string) (Kind, error) {
	switch s {
	case "device":
		return KindDevice, nil
	case "microphone":
		return KindMicrophone, nil
	default:
		return 0, fmt.Errorf("unknown audio source %q", s)
	}
}

// Format describes the bytes a started source delivers.
type Format struct {
	Codec      device.Codec
	SampleRate int
	// PCM is true when chunks are 16-bit little-endian mono samples.
	PCM bool
}

// Source delivers audio chunks to fn until Stop. Chunks are owned by the
// callee once delivered.
type Source interface {
	Start(ctx context.Context, wantPCM bool, fn func([]byte)) (Format, error)
	Stop()
}

var ErrNoDevice = apperr.New(apperr.KindLogical, "no device connected")

// DeviceProvider returns the connected peripheral, or nil.
type DeviceProvider interface {
	Current() *device.Peripheral
}

// Selector holds the current source choice. Opening a source builds a fresh
// session object, so decoder state never outlives one listening session.
type Selector struct {
	devices DeviceProvider
	mic     Source
	capture *Capture
	stats   *Stats
	log     *slog.Logger

	mu   sync.Mutex
	kind Kind
}

func NewSelector(kind Kind, devices DeviceProvider, mic Source, capture *Capture, stats *Stats, log *slog.Logger) *Selector {
	return &Selector{
		devices: devices,
		mic:     mic,
		capture: capture,
		stats:   stats,
		log:     log.With(slog.String("component", "audio")),
		kind:    kind,
	}
}

func (s *Selector) Select(kind Kind) {
	s.mu.Lock()
	s.kind = kind
	s.mu.Unlock()
	s.log.Info("audio source selected", slog.String("source", kind.String()))
}

func (s *Selector) Kind() Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kind
}

// Open returns a source for the selected origin.
func (s *Selector) Open() (Source, error) {
	switch s.Kind() {
	case KindMicrophone:
		if s.mic == nil {
			return nil, apperr.New(apperr.KindBackend, "microphone unavailable")
		}
		return s.mic, nil
	case KindDevice:
		p := s.devices.Current()
		if p == nil {
			return nil, ErrNoDevice
		}
		return NewPeripheralSource(p, s.capture, s.stats, s.log), nil
	default:
		return nil, fmt.Errorf("unknown audio source %v", s.Kind())
	}
}
