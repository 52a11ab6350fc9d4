// Package conversation groups transcript segments into conversations bounded
// by silence.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-pendant/internal/apperr"
	"github.com/loqalabs/loqa-pendant/internal/clock"
	"github.com/loqalabs/loqa-pendant/internal/stt"
)

// Conversation is the live or finalized group of segments. Title and Summary
// stay empty until extraction fills them.
type Conversation struct {
	ID          string        `json:"id"`
	CreatedAt   time.Time     `json:"created_at"`
	FinalizedAt time.Time     `json:"finalized_at,omitempty"`
	Title       string        `json:"title"`
	Summary     string        `json:"summary"`
	Segments    []stt.Segment `json:"segments"`
}

func (c Conversation) clone() Conversation {
	c.Segments = append([]stt.Segment(nil), c.Segments...)
	return c
}

// Transcript joins segment text, one line per segment.
func (c Conversation) Transcript() string {
	var out []byte
	for i, s := range c.Segments {
		if i > 0 {
			out = append(out, '\n')
		}
		out = fmt.Appendf(out, "Speaker %d: %s", s.Speaker, s.Text)
	}
	return string(out)
}

// Finalizer receives finished conversations. It runs in the background and
// owns persistence and summarization.
type Finalizer interface {
	Finalize(ctx context.Context, c Conversation) error
}

type FinalizerFunc func(ctx context.Context, c Conversation) error

func (f FinalizerFunc) Finalize(ctx context.Context, c Conversation) error { return f(ctx, c) }

// EventKind names a segmenter transition.
type EventKind int

const (
	EventBegan EventKind = iota
	EventUpdated
	EventFinalized
	EventStopped
)

func (k EventKind) String() string {
	switch k {
	case EventBegan:
		return "began"
	case EventUpdated:
		return "updated"
	case EventFinalized:
		return "finalized"
	case EventStopped:
		return "stopped"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event carries a snapshot of the affected conversation.
type Event struct {
	Kind         EventKind
	Conversation Conversation
}

var ErrNotLive = apperr.New(apperr.KindLogical, "no live conversation")

const DefaultSilenceTimeout = 2 * time.Minute

// Segmenter is the only writer of the live conversation.
type Segmenter struct {
	clock     clock.Clock
	timeout   time.Duration
	finalizer Finalizer
	log       *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu        sync.Mutex
	live      *Conversation
	timer     clock.Timer
	gen       uint64
	observers []func(Event)
}

func NewSegmenter(clk clock.Clock, timeout time.Duration, finalizer Finalizer, log *slog.Logger) *Segmenter {
	if timeout <= 0 {
		timeout = DefaultSilenceTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Segmenter{
		clock:     clk,
		timeout:   timeout,
		finalizer: finalizer,
		log:       log.With(slog.String("component", "segmenter")),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// OnEvent registers an observer. Observers run synchronously, outside the lock.
func (s *Segmenter) OnEvent(fn func(Event)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// Begin starts a fresh live conversation. Segments still pending in the
// current one are handed off first.
func (s *Segmenter) Begin() Conversation {
	s.mu.Lock()
	var events []Event
	if s.live != nil && len(s.live.Segments) > 0 {
		events = append(events, s.handoffLocked())
	}
	events = append(events, s.beginLocked())
	live := s.live.clone()
	s.mu.Unlock()
	s.emit(events...)
	return live
}

func (s *Segmenter) beginLocked() Event {
	s.stopTimerLocked()
	s.live = &Conversation{ID: uuid.NewString(), CreatedAt: s.clock.Now()}
	return Event{Kind: EventBegan, Conversation: s.live.clone()}
}

// OnSegments appends to the live conversation and restarts the silence timer.
func (s *Segmenter) OnSegments(segs []stt.Segment) error {
	if len(segs) == 0 {
		return nil
	}
	s.mu.Lock()
	if s.live == nil {
		s.mu.Unlock()
		return ErrNotLive
	}
	s.live.Segments = append(s.live.Segments, segs...)
	s.stopTimerLocked()
	gen := s.gen
	s.timer = s.clock.AfterFunc(s.timeout, func() { s.expire(gen) })
	ev := Event{Kind: EventUpdated, Conversation: s.live.clone()}
	s.mu.Unlock()
	s.emit(ev)
	return nil
}

// stopTimerLocked cancels the pending timer and invalidates any callback that
// already fired but has not yet taken the lock.
func (s *Segmenter) stopTimerLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Segmenter) expire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.live == nil || len(s.live.Segments) == 0 {
		s.mu.Unlock()
		return
	}
	s.log.Info("silence timeout reached", slog.String("conversation", s.live.ID))
	finalized := s.handoffLocked()
	began := s.beginLocked()
	s.mu.Unlock()
	s.emit(finalized, began)
}

// ManualFinalize hands off the live conversation and begins a replacement.
// It reports false, doing nothing, when there is nothing to finalize.
func (s *Segmenter) ManualFinalize() bool {
	s.mu.Lock()
	if s.live == nil || len(s.live.Segments) == 0 {
		s.mu.Unlock()
		return false
	}
	finalized := s.handoffLocked()
	began := s.beginLocked()
	s.mu.Unlock()
	s.emit(finalized, began)
	return true
}

// Stop finalizes pending segments without a replacement and goes idle.
func (s *Segmenter) Stop() {
	s.mu.Lock()
	if s.live == nil {
		s.mu.Unlock()
		return
	}
	var events []Event
	s.stopTimerLocked()
	if len(s.live.Segments) > 0 {
		events = append(events, s.handoffLocked())
	}
	events = append(events, Event{Kind: EventStopped, Conversation: s.live.clone()})
	s.live = nil
	s.mu.Unlock()
	s.emit(events...)
}

// handoffLocked snapshots the live conversation and passes it to the
// finalizer on a background goroutine.
func (s *Segmenter) handoffLocked() Event {
	s.stopTimerLocked()
	snap := s.live.clone()
	snap.FinalizedAt = s.clock.Now()
	s.live.Segments = nil

	s.log.Info("conversation finalized",
		slog.String("conversation", snap.ID),
		slog.Int("segments", len(snap.Segments)))
	if s.finalizer != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.finalizer.Finalize(s.ctx, snap); err != nil {
				s.log.Warn("conversation hand-off failed", slog.String("conversation", snap.ID), slog.String("error", err.Error()))
			}
		}()
	}
	return Event{Kind: EventFinalized, Conversation: snap}
}

// Live returns a snapshot of the live conversation.
func (s *Segmenter) Live() (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live == nil {
		return Conversation{}, false
	}
	return s.live.clone(), true
}

// Wait blocks until every background hand-off has returned.
func (s *Segmenter) Wait() {
	s.wg.Wait()
}

// Close stops the segmenter and waits for hand-offs. Finalizers see their
// context cancelled only if they are still running after the wait times out.
func (s *Segmenter) Close(timeout time.Duration) {
	s.Stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.cancel()
		<-done
	}
	s.cancel()
}

func (s *Segmenter) emit(events ...Event) {
	s.mu.Lock()
	observers := append([]func(Event){}, s.observers...)
	s.mu.Unlock()
	for _, ev := range events {
		for _, fn := range observers {
			fn(ev)
		}
	}
}
