package stt

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loqalabs/loqa-pendant/internal/apperr"
)

var ErrModelMissing = apperr.New(apperr.KindBackend, "recognition model not found")

// checkModel fails unless path names an existing file or directory.
func checkModel(path string) error {
	if path == "" {
		return ErrModelMissing
	}
	if _, err := os.Stat(path); err != nil {
		return apperr.Wrap(apperr.KindBackend, err, "recognition model %s", path)
	}
	return nil
}

// TranscribeWindows splits pcm into fixed windows and shifts each window's
// segment times onto one timeline.
func TranscribeWindows(ctx context.Context, rec Recognizer, pcm []byte, sampleRate int, window time.Duration) ([]Segment, error) {
	size := windowBytes(sampleRate, window)
	var out []Segment
	for start := 0; start < len(pcm); start += size {
		end := min(start+size, len(pcm))
		segs, err := rec.Transcribe(ctx, pcm[start:end], sampleRate)
		if err != nil {
			return out, err
		}
		out = append(out, shift(segs, bytesToSeconds(start, sampleRate))...)
	}
	return out, nil
}

func windowBytes(sampleRate int, window time.Duration) int {
	n := int(window.Seconds()*float64(sampleRate)) * 2
	if n <= 0 {
		n = sampleRate * 2
	}
	return n
}

func bytesToSeconds(n, sampleRate int) float64 {
	return float64(n/2) / float64(sampleRate)
}

func shift(segs []Segment, by float64) []Segment {
	out := make([]Segment, len(segs))
	for i, s := range segs {
		s.Start += by
		s.End += by
		out[i] = s
	}
	return out
}

type pcmWindow struct {
	pcm   []byte
	start float64
}

// batchBackend re-decodes a rolling PCM buffer every window.
type batchBackend struct {
	rec        Recognizer
	window     time.Duration
	modelPath  string
	needsModel bool
	log        *slog.Logger

	mu         sync.Mutex
	started    bool
	sampleRate int
	buf        []byte
	consumed   int
	windows    chan pcmWindow
	handlers   Handlers
	cancel     context.CancelFunc
	done       chan struct{}
}

func newBatchBackend(rec Recognizer, window time.Duration, modelPath string, needsModel bool, log *slog.Logger) *batchBackend {
	return &batchBackend{rec: rec, window: window, modelPath: modelPath, needsModel: needsModel, log: log}
}

func (b *batchBackend) Start(ctx context.Context, cfg StreamConfig, h Handlers) error {
	if !cfg.PCM {
		return apperr.New(apperr.KindBackend, "batch recognizer requires pcm input")
	}
	if b.needsModel {
		if err := checkModel(b.modelPath); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.started = true
	b.sampleRate = cfg.SampleRate
	b.buf = nil
	b.consumed = 0
	b.windows = make(chan pcmWindow, 4)
	b.handlers = h
	b.cancel = cancel
	b.done = make(chan struct{})
	windows, done := b.windows, b.done
	b.mu.Unlock()

	go b.run(runCtx, windows, h, done)
	return nil
}

func (b *batchBackend) run(ctx context.Context, windows <-chan pcmWindow, h Handlers, done chan struct{}) {
	defer close(done)
	for w := range windows {
		segs, err := b.rec.Transcribe(ctx, w.pcm, b.sampleRate)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.fail(apperr.Wrap(apperr.KindBackend, err, "batch transcription"))
			continue
		}
		h.segments(shift(segs, w.start))
	}
}

func (b *batchBackend) Push(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return
	}
	b.buf = append(b.buf, p...)
	size := windowBytes(b.sampleRate, b.window)
	for len(b.buf) >= size {
		b.emitLocked(size)
	}
}

func (b *batchBackend) emitLocked(n int) {
	w := pcmWindow{pcm: append([]byte(nil), b.buf[:n]...), start: bytesToSeconds(b.consumed, b.sampleRate)}
	b.buf = b.buf[n:]
	b.consumed += n
	select {
	case b.windows <- w:
	default:
		b.log.Warn("batch recognizer behind, dropping window", slog.Float64("start", w.start))
	}
}

// Stop flushes the partial window, then waits for outstanding windows.
func (b *batchBackend) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = false
	// Anything under a quarter second is not worth a decode pass.
	if len(b.buf) >= b.sampleRate/2 {
		b.emitLocked(len(b.buf) - len(b.buf)%2)
	}
	close(b.windows)
	cancel, done := b.cancel, b.done
	b.mu.Unlock()

	select {
	case <-done:
		cancel()
		return nil
	case <-ctx.Done():
		cancel()
		<-done
		return apperr.Wrap(apperr.KindTimeout, ctx.Err(), "flush batch recognizer")
	}
}
