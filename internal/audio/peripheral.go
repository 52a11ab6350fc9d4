package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-pendant/internal/device"
)

// Stats counts chunks across sessions.
type Stats struct {
	Chunks       atomic.Int64
	Malformed    atomic.Int64
	DecodeErrors atomic.Int64
}

// PeripheralSource streams the device audio channel for one session.
type PeripheralSource struct {
	p       *device.Peripheral
	capture *Capture
	stats   *Stats
	log     *slog.Logger

	mu     sync.Mutex
	cancel func()
}

func NewPeripheralSource(p *device.Peripheral, capture *Capture, stats *Stats, log *slog.Logger) *PeripheralSource {
	if stats == nil {
		stats = &Stats{}
	}
	return &PeripheralSource{p: p, capture: capture, stats: stats, log: log.With(slog.String("device", p.ID()))}
}

func (s *PeripheralSource) Start(ctx context.Context, wantPCM bool, fn func([]byte)) (Format, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return Format{}, fmt.Errorf("audio source already started")
	}

	codec, err := s.p.Codec(ctx)
	if err != nil {
		return Format{}, err
	}
	format := Format{Codec: codec, SampleRate: codec.SampleRate(), PCM: !codec.Compressed()}

	var dec Decoder
	if wantPCM && codec.Compressed() {
		if dec, err = NewDecoder(codec); err != nil {
			return Format{}, err
		}
		format.PCM = true
	}
	// Diagnostic capture always needs PCM, so it keeps its own decoder when
	// the session forwards compressed frames.
	var captureDec Decoder
	if s.capture != nil && codec.Compressed() && dec == nil {
		if captureDec, err = NewDecoder(codec); err != nil {
			return Format{}, err
		}
	}

	if s.capture != nil {
		s.capture.SetSampleRate(format.SampleRate)
	}

	cancel, err := s.p.SubscribeAudio(ctx, func(packet []byte) {
		s.handle(packet, dec, captureDec, fn)
	})
	if err != nil {
		return Format{}, fmt.Errorf("subscribe audio: %w", err)
	}
	s.cancel = cancel
	s.log.Info("device audio started",
		slog.String("codec", codec.String()),
		slog.Bool("decode", dec != nil))
	return format, nil
}

func (s *PeripheralSource) handle(packet []byte, dec, captureDec Decoder, fn func([]byte)) {
	_, payload, err := device.SplitAudio(packet)
	if err != nil {
		s.stats.Malformed.Add(1)
		s.log.Debug("dropping malformed audio packet", slog.Int("length", len(packet)))
		return
	}
	out := append([]byte(nil), payload...)
	if dec != nil {
		pcm, err := dec.Decode(payload)
		if err != nil {
			s.stats.DecodeErrors.Add(1)
			s.log.Warn("dropping undecodable audio frame", slogError(err))
			return
		}
		out = pcm
	}

	if s.capture != nil && s.capture.Active() {
		switch {
		case captureDec != nil:
			if pcm, err := captureDec.Decode(payload); err == nil {
				s.capture.Write(pcm)
			}
		default:
			s.capture.Write(out)
		}
	}

	s.stats.Chunks.Add(1)
	fn(out)
}

// Stop unsubscribes. It is safe to call more than once.
func (s *PeripheralSource) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		s.log.Info("device audio stopped")
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
