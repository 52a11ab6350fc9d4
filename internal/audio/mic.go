package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/loqalabs/loqa-pendant/internal/device"
)

// MicSource reads the default input device. Its output is always PCM16 mono.
type MicSource struct {
	sampleRate int
	frameMS    int
	log        *slog.Logger

	mu     sync.Mutex
	stream *portaudio.Stream
	cancel context.CancelFunc
	done   chan struct{}
}

func NewMicSource(sampleRate, frameMS int, log *slog.Logger) *MicSource {
	return &MicSource{sampleRate: sampleRate, frameMS: frameMS, log: log.With(slog.String("source", "microphone"))}
}

func (m *MicSource) Start(ctx context.Context, _ bool, fn func([]byte)) (Format, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream != nil {
		return Format{}, fmt.Errorf("microphone already started")
	}
	if err := portaudio.Initialize(); err != nil {
		return Format{}, fmt.Errorf("init portaudio: %w", err)
	}
	buf := make([]int16, m.sampleRate*m.frameMS/1000)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(m.sampleRate), len(buf), buf)
	if err != nil {
		_ = portaudio.Terminate()
		return Format{}, fmt.Errorf("open microphone: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		_ = portaudio.Terminate()
		return Format{}, fmt.Errorf("start microphone: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.stream = stream
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(runCtx, stream, buf, fn, m.done)

	m.log.Info("microphone started", slog.Int("sample_rate", m.sampleRate))
	return Format{Codec: device.CodecPCM16, SampleRate: m.sampleRate, PCM: true}, nil
}

func (m *MicSource) loop(ctx context.Context, stream *portaudio.Stream, buf []int16, fn func([]byte), done chan struct{}) {
	defer close(done)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := stream.Read(); err != nil {
			if ctx.Err() == nil {
				m.log.Warn("microphone read failed", slogError(err))
			}
			return
		}
		fn(SamplesToBytes(buf))
	}
}

func (m *MicSource) Stop() {
	m.mu.Lock()
	stream, cancel, done := m.stream, m.cancel, m.done
	m.stream, m.cancel, m.done = nil, nil, nil
	m.mu.Unlock()
	if stream == nil {
		return
	}
	cancel()
	_ = stream.Stop()
	<-done
	_ = stream.Close()
	_ = portaudio.Terminate()
	m.log.Info("microphone stopped")
}
