package tts

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-pendant/internal/protocol"
)

// Publisher is the subset of the bus client the speaker needs.
type Publisher interface {
	Publish(subject string, v any) error
}

// Speaker synthesizes replies and publishes the audio. Only the newest reply
// is spoken; starting another cancels the one in progress.
type Speaker struct {
	synth   Synthesizer
	pub     Publisher
	voice   string
	timeout time.Duration
	log     *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

func NewSpeaker(synth Synthesizer, pub Publisher, voice string, timeout time.Duration, log *slog.Logger) *Speaker {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &Speaker{
		synth:   synth,
		pub:     pub,
		voice:   voice,
		timeout: timeout,
		log:     log.With(slog.String("component", "tts")),
	}
}

// Speak starts speaking text and returns the reply id the audio is tagged
// with. Empty text is ignored.
func (s *Speaker) Speak(text string) string {
	if text == "" {
		return ""
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ""
	}
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	s.cancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	id := uuid.NewString()
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.speak(ctx, Request{ReplyID: id, Text: text, Voice: s.voice})
	}()
	return id
}

func (s *Speaker) speak(ctx context.Context, req Request) {
	chunks, errs := s.synth.Synthesize(ctx, req)
	sequence := 0
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			msg := protocol.ReplyAudio{
				ReplyID:    req.ReplyID,
				Sequence:   sequence,
				SampleRate: chunk.SampleRate,
				PCM:        chunk.PCM,
				Final:      chunk.Final,
			}
			sequence++
			if err := s.pub.Publish(protocol.SubjectReplyAudio, msg); err != nil {
				s.log.Warn("failed to publish reply audio", slog.String("reply", req.ReplyID), slogError(err))
			}
		case err, ok := <-errs:
			if ok && err != nil {
				s.log.Warn("reply synthesis failed", slog.String("reply", req.ReplyID), slogError(err))
			}
			errs = nil
		}
	}
	s.log.Debug("reply spoken", slog.String("reply", req.ReplyID), slog.Int("chunks", sequence))
}

// Close cancels speech in progress and waits for it to stop.
func (s *Speaker) Close() {
	s.mu.Lock()
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
