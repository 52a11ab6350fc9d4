package stt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBackend records lifecycle calls into a shared journal.
type fakeBackend struct {
	name     string
	journal  *journal
	startErr error
	gate     chan struct{}
	flush    []Segment

	mu       sync.Mutex
	handlers Handlers
	pushed   [][]byte
}

type journal struct {
	mu     sync.Mutex
	events []string
	active int
	max    int
}

func (j *journal) add(ev string, delta int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
	j.active += delta
	if j.active > j.max {
		j.max = j.active
	}
}

func (j *journal) snapshot() ([]string, int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.events...), j.max
}

func (b *fakeBackend) Start(ctx context.Context, _ StreamConfig, h Handlers) error {
	b.journal.add("start "+b.name, 1)
	if b.gate != nil {
		select {
		case <-b.gate:
		case <-ctx.Done():
			b.journal.add("abort "+b.name, -1)
			return ctx.Err()
		}
	}
	if b.startErr != nil {
		b.journal.add("fail "+b.name, -1)
		return b.startErr
	}
	b.mu.Lock()
	b.handlers = h
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) Push(p []byte) {
	b.mu.Lock()
	b.pushed = append(b.pushed, p)
	b.mu.Unlock()
}

func (b *fakeBackend) Stop(context.Context) error {
	if len(b.flush) > 0 {
		b.emit(b.flush...)
		b.mu.Lock()
		h := b.handlers
		b.mu.Unlock()
		h.OnError(errors.New("stream closed"))
	}
	b.journal.add("stop "+b.name, -1)
	return nil
}

func (b *fakeBackend) emit(segs ...Segment) {
	b.mu.Lock()
	h := b.handlers
	b.mu.Unlock()
	h.OnSegments(segs)
}

func TestRouterEnforcesSingleBackend(t *testing.T) {
	j := &journal{}
	backends := map[Kind]*fakeBackend{
		KindRemote:        {name: "remote", journal: j},
		KindOnDeviceBatch: {name: "batch", journal: j},
	}
	r := NewRouter(func(k Kind) (Backend, error) { return backends[k], nil }, discard())
	ctx := context.Background()

	if err := r.Start(ctx, KindRemote, StreamConfig{SampleRate: 16000}, Handlers{}); err != nil {
		t.Fatalf("start remote: %v", err)
	}
	if err := r.Start(ctx, KindOnDeviceBatch, StreamConfig{SampleRate: 16000, PCM: true}, Handlers{}); !errors.Is(err, ErrBackendActive) {
		t.Fatalf("expected ErrBackendActive, got %v", err)
	}
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := r.Start(ctx, KindOnDeviceBatch, StreamConfig{SampleRate: 16000, PCM: true}, Handlers{}); err != nil {
		t.Fatalf("start batch: %v", err)
	}
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("second stop should be a no-op: %v", err)
	}

	events, max := j.snapshot()
	want := []string{"start remote", "stop remote", "start batch", "stop batch"}
	if len(events) != len(want) {
		t.Fatalf("unexpected events %v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("event %d: got %q want %q (all %v)", i, events[i], want[i], events)
		}
	}
	if max != 1 {
		t.Fatalf("expected at most one active backend, saw %d", max)
	}
}

func TestRouterLoadingStateAndPushGate(t *testing.T) {
	j := &journal{}
	b := &fakeBackend{name: "slow", journal: j, gate: make(chan struct{})}
	r := NewRouter(func(Kind) (Backend, error) { return b, nil }, discard())

	var mu sync.Mutex
	var states []State
	r.OnChange(func(s Status) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	})

	var got []Segment
	var gotMu sync.Mutex
	h := Handlers{OnSegments: func(segs []Segment) {
		gotMu.Lock()
		got = append(got, segs...)
		gotMu.Unlock()
	}}

	done := make(chan error, 1)
	go func() { done <- r.Start(context.Background(), KindOnDeviceStreaming, StreamConfig{SampleRate: 16000, PCM: true}, h) }()

	deadline := time.Now().Add(2 * time.Second)
	for r.Status().State != StateLoading {
		if time.Now().After(deadline) {
			t.Fatal("router never reported loading")
		}
		time.Sleep(time.Millisecond)
	}
	r.Push([]byte{1, 2})
	if r.Dropped() != 1 {
		t.Fatalf("expected push during loading to be dropped")
	}

	close(b.gate)
	if err := <-done; err != nil {
		t.Fatalf("start: %v", err)
	}
	r.Push([]byte{3, 4})
	b.mu.Lock()
	pushed := len(b.pushed)
	b.mu.Unlock()
	if pushed != 1 {
		t.Fatalf("expected one forwarded push, got %d", pushed)
	}

	b.emit(Segment{Text: "hello"})
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	b.emit(Segment{Text: "late"})

	gotMu.Lock()
	defer gotMu.Unlock()
	if len(got) != 1 || got[0].Text != "hello" {
		t.Fatalf("expected only pre-stop segment, got %+v", got)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateLoading, StateReady, StateStopping, StateIdle}
	if len(states) != len(want) {
		t.Fatalf("unexpected state sequence %v", states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("state %d: got %v want %v", i, states[i], want[i])
		}
	}
}

func TestRouterDeliversSegmentsFlushedOnStop(t *testing.T) {
	j := &journal{}
	b := &fakeBackend{name: "batch", journal: j, flush: []Segment{{Text: "tail"}}}
	r := NewRouter(func(Kind) (Backend, error) { return b, nil }, discard())

	var mu sync.Mutex
	var got []Segment
	var errs []error
	h := Handlers{
		OnSegments: func(segs []Segment) {
			mu.Lock()
			got = append(got, segs...)
			mu.Unlock()
		},
		OnError: func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		},
	}
	if err := r.Start(context.Background(), KindOnDeviceBatch, StreamConfig{SampleRate: 16000, PCM: true}, h); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	b.emit(Segment{Text: "late"})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Text != "tail" {
		t.Fatalf("expected the flushed segment only, got %+v", got)
	}
	if len(errs) != 0 {
		t.Fatalf("errors during stop must not surface, got %v", errs)
	}
}

func TestRouterStartFailureReturnsToIdle(t *testing.T) {
	j := &journal{}
	b := &fakeBackend{name: "broken", journal: j, startErr: ErrModelMissing}
	r := NewRouter(func(Kind) (Backend, error) { return b, nil }, discard())

	err := r.Start(context.Background(), KindOnDeviceBatch, StreamConfig{SampleRate: 16000, PCM: true}, Handlers{})
	if !errors.Is(err, ErrModelMissing) {
		t.Fatalf("expected model missing error, got %v", err)
	}
	if st := r.Status().State; st != StateIdle {
		t.Fatalf("expected idle after failure, got %v", st)
	}
}

func TestRouterStopDuringLoadingAborts(t *testing.T) {
	j := &journal{}
	b := &fakeBackend{name: "slow", journal: j, gate: make(chan struct{})}
	r := NewRouter(func(Kind) (Backend, error) { return b, nil }, discard())

	done := make(chan error, 1)
	go func() { done <- r.Start(context.Background(), KindOnDeviceBatch, StreamConfig{SampleRate: 16000, PCM: true}, Handlers{}) }()
	for r.Status().State != StateLoading {
		time.Sleep(time.Millisecond)
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := <-done; !errors.Is(err, ErrStartAborted) {
		t.Fatalf("expected ErrStartAborted, got %v", err)
	}
	if st := r.Status().State; st != StateIdle {
		t.Fatalf("expected idle, got %v", st)
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range []Kind{KindRemote, KindOnDeviceStreaming, KindOnDeviceBatch, KindMock} {
		got, err := ParseKind(k.String())
		if err != nil || got != k {
			t.Fatalf("round trip %v: got %v %v", k, got, err)
		}
	}
	if _, err := ParseKind("cloud"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
	if KindRemote.NeedsPCM() || !KindOnDeviceBatch.NeedsPCM() {
		t.Fatal("unexpected pcm requirements")
	}
}
