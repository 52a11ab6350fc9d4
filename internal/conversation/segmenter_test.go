package conversation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-pendant/internal/clock"
	"github.com/loqalabs/loqa-pendant/internal/stt"
)

type recorder struct {
	mu    sync.Mutex
	convs []Conversation
	err   error
}

func (r *recorder) Finalize(_ context.Context, c Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.convs = append(r.convs, c)
	return r.err
}

func (r *recorder) all() []Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Conversation(nil), r.convs...)
}

func newTestSegmenter(t *testing.T) (*Segmenter, *clock.Fake, *recorder) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	rec := &recorder{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewSegmenter(clk, 2*time.Minute, rec, log), clk, rec
}

func seg(text string) stt.Segment {
	return stt.Segment{Text: text}
}

func TestSegmentsRequireLiveConversation(t *testing.T) {
	s, _, _ := newTestSegmenter(t)
	if err := s.OnSegments([]stt.Segment{seg("x")}); !errors.Is(err, ErrNotLive) {
		t.Fatalf("expected ErrNotLive, got %v", err)
	}
}

func TestManualFinalizeProducesOneConversationInOrder(t *testing.T) {
	s, _, rec := newTestSegmenter(t)
	first := s.Begin()
	for _, text := range []string{"a", "b", "c"} {
		if err := s.OnSegments([]stt.Segment{seg(text)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if !s.ManualFinalize() {
		t.Fatal("expected finalize to run")
	}
	s.Wait()

	convs := rec.all()
	if len(convs) != 1 {
		t.Fatalf("expected one finalized conversation, got %d", len(convs))
	}
	got := convs[0]
	if got.ID != first.ID || len(got.Segments) != 3 || got.Segments[0].Text != "a" || got.Segments[2].Text != "c" {
		t.Fatalf("unexpected finalized conversation %+v", got)
	}
	live, ok := s.Live()
	if !ok || len(live.Segments) != 0 || live.ID == first.ID {
		t.Fatalf("expected a fresh empty live conversation, got %+v", live)
	}
}

func TestManualFinalizeOnEmptyIsNoop(t *testing.T) {
	s, _, rec := newTestSegmenter(t)
	s.Begin()
	if s.ManualFinalize() {
		t.Fatal("expected no-op on empty conversation")
	}
	s.Wait()
	if len(rec.all()) != 0 {
		t.Fatal("finalizer should not run")
	}
}

func TestSilenceTimerRestartsOnEverySegment(t *testing.T) {
	s, clk, rec := newTestSegmenter(t)
	s.Begin()
	for i := 0; i < 5; i++ {
		if err := s.OnSegments([]stt.Segment{seg("tick")}); err != nil {
			t.Fatalf("append: %v", err)
		}
		clk.Advance(2*time.Minute - time.Second)
	}
	s.Wait()
	if n := len(rec.all()); n != 0 {
		t.Fatalf("finalized %d conversations while speech continued", n)
	}
	if clk.Pending() != 1 {
		t.Fatalf("expected exactly one pending timer, got %d", clk.Pending())
	}

	clk.Advance(time.Second)
	s.Wait()
	convs := rec.all()
	if len(convs) != 1 || len(convs[0].Segments) != 5 {
		t.Fatalf("expected one finalize with 5 segments, got %+v", convs)
	}

	clk.Advance(10 * time.Minute)
	s.Wait()
	if n := len(rec.all()); n != 1 {
		t.Fatalf("empty replacement must not finalize, got %d", n)
	}
	if live, ok := s.Live(); !ok || len(live.Segments) != 0 {
		t.Fatalf("expected empty live conversation after timeout, got %+v", live)
	}
}

func TestStopFinalizesWithoutReplacement(t *testing.T) {
	s, clk, rec := newTestSegmenter(t)
	var kinds []EventKind
	s.OnEvent(func(ev Event) { kinds = append(kinds, ev.Kind) })

	s.Begin()
	if err := s.OnSegments([]stt.Segment{seg("bye")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	s.Stop()
	s.Stop()
	s.Wait()

	if _, ok := s.Live(); ok {
		t.Fatal("expected idle after stop")
	}
	if len(rec.all()) != 1 {
		t.Fatalf("expected pending segments finalized on stop")
	}
	if clk.Pending() != 0 {
		t.Fatalf("expected no timers after stop, got %d", clk.Pending())
	}
	want := []EventKind{EventBegan, EventUpdated, EventFinalized, EventStopped}
	if len(kinds) != len(want) {
		t.Fatalf("unexpected events %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event %d: got %v want %v", i, kinds[i], want[i])
		}
	}
}

func TestFinalizerFailureDoesNotBlockCapture(t *testing.T) {
	s, _, rec := newTestSegmenter(t)
	rec.err = errors.New("summarizer offline")
	s.Begin()
	_ = s.OnSegments([]stt.Segment{seg("a")})
	s.ManualFinalize()
	if err := s.OnSegments([]stt.Segment{seg("b")}); err != nil {
		t.Fatalf("capture should continue after failed hand-off: %v", err)
	}
	s.Close(time.Second)
}

func TestTranscript(t *testing.T) {
	c := Conversation{Segments: []stt.Segment{{Text: "hi", Speaker: 0}, {Text: "yo", Speaker: 1}}}
	if got := c.Transcript(); got != "Speaker 0: hi\nSpeaker 1: yo" {
		t.Fatalf("unexpected transcript %q", got)
	}
}
