package walsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-pendant/internal/clock"
	"github.com/loqalabs/loqa-pendant/internal/conversation"
	"github.com/loqalabs/loqa-pendant/internal/stt"
)

// Processor turns downloaded recordings into conversations.
type Processor struct {
	index       Index
	recognizer  stt.Recognizer
	window      time.Duration
	finalizer   conversation.Finalizer
	deleteAfter bool
	clock       clock.Clock
	log         *slog.Logger
}

func NewProcessor(index Index, recognizer stt.Recognizer, window time.Duration, finalizer conversation.Finalizer, deleteAfter bool, clk clock.Clock, log *slog.Logger) *Processor {
	return &Processor{
		index:       index,
		recognizer:  recognizer,
		window:      window,
		finalizer:   finalizer,
		deleteAfter: deleteAfter,
		clock:       clk,
		log:         log.With(slog.String("component", "walsync-processor")),
	}
}

// Process transcribes a recording, hands the result to the finalizer and
// marks the recording processed. The file is removed afterwards when
// configured. A recording with no speech yields ok=false.
func (p *Processor) Process(ctx context.Context, id string) (conversation.Conversation, bool, error) {
	rec, err := p.index.GetRecording(ctx, id)
	if err != nil {
		return conversation.Conversation{}, false, err
	}
	pcm, rate, dropped, err := DecodePCM(rec)
	if err != nil {
		return conversation.Conversation{}, false, fmt.Errorf("decode recording %s: %w", id, err)
	}
	if dropped > 0 {
		p.log.Warn("dropped undecodable frames", slog.String("recording", id), slog.Int("frames", dropped))
	}

	segs, err := stt.TranscribeWindows(ctx, p.recognizer, pcm, rate, p.window)
	if err != nil {
		return conversation.Conversation{}, false, fmt.Errorf("transcribe recording %s: %w", id, err)
	}

	var conv conversation.Conversation
	ok := len(segs) > 0
	if ok {
		conv = conversation.Conversation{
			ID:          uuid.NewString(),
			CreatedAt:   rec.CreatedAt,
			FinalizedAt: p.clock.Now(),
			Segments:    segs,
		}
		if err := p.finalizer.Finalize(ctx, conv); err != nil {
			return conversation.Conversation{}, false, fmt.Errorf("store conversation for %s: %w", id, err)
		}
	}

	if err := p.index.MarkRecordingProcessed(ctx, id); err != nil {
		return conv, ok, err
	}
	p.log.Info("recording processed", slog.String("recording", id), slog.Int("segments", len(segs)))
	if p.deleteAfter {
		if err := Delete(ctx, p.index, id); err != nil {
			p.log.Warn("delete processed recording failed", slog.String("recording", id), slog.String("error", err.Error()))
		}
	}
	return conv, ok, nil
}

// Delete removes a recording file and its index entry. A file already gone
// is not an error.
func Delete(ctx context.Context, index Index, id string) error {
	rec, err := index.GetRecording(ctx, id)
	if err != nil {
		return err
	}
	if err := os.Remove(rec.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove recording file: %w", err)
	}
	return index.DeleteRecording(ctx, id)
}
