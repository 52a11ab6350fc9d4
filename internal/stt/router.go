package stt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-pendant/internal/apperr"
)

// State is the router lifecycle.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateReady
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrBackendActive = apperr.New(apperr.KindLogical, "a transcription backend is already active")
	ErrStartAborted  = apperr.New(apperr.KindLogical, "backend start aborted by stop")
)

// Factory builds a backend for kind.
type Factory func(kind Kind) (Backend, error)

// Status is a router snapshot.
type Status struct {
	State State
	Kind  Kind
}

// Router owns the single active backend.
type Router struct {
	factory Factory
	log     *slog.Logger
	dropped atomic.Int64

	mu        sync.Mutex
	state     State
	session   *session
	observers []func(Status)
}

type session struct {
	kind    Kind
	backend Backend
	cancel  context.CancelFunc
	loaded  chan struct{}
}

func NewRouter(factory Factory, log *slog.Logger) *Router {
	return &Router{factory: factory, log: log.With(slog.String("component", "stt-router"))}
}

// OnChange registers an observer for state transitions. Observers run
// synchronously on the goroutine causing the transition.
func (r *Router) OnChange(fn func(Status)) {
	r.mu.Lock()
	r.observers = append(r.observers, fn)
	r.mu.Unlock()
}

func (r *Router) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked()
}

func (r *Router) statusLocked() Status {
	st := Status{State: r.state}
	if r.session != nil {
		st.Kind = r.session.kind
	}
	return st
}

// Dropped counts pushes discarded because no backend was ready.
func (r *Router) Dropped() int64 { return r.dropped.Load() }

// Start initializes kind and blocks until it is ready or fails. It fails with
// ErrBackendActive unless the router is idle.
func (r *Router) Start(ctx context.Context, kind Kind, cfg StreamConfig, h Handlers) error {
	r.mu.Lock()
	if r.state != StateIdle {
		r.mu.Unlock()
		return ErrBackendActive
	}
	backend, err := r.factory(kind)
	if err != nil {
		r.mu.Unlock()
		return apperr.Wrap(apperr.KindBackend, err, "create %s backend", kind)
	}
	loadCtx, cancel := context.WithCancel(ctx)
	s := &session{kind: kind, backend: backend, cancel: cancel, loaded: make(chan struct{})}
	r.session = s
	r.state = StateLoading
	r.notifyLocked()

	r.log.Info("starting transcription backend", slog.String("backend", kind.String()), slog.Int("sample_rate", cfg.SampleRate))
	err = backend.Start(loadCtx, cfg, r.wrap(s, h))
	cancel()
	close(s.loaded)

	r.mu.Lock()
	if r.session != s || r.state == StateStopping {
		r.mu.Unlock()
		return ErrStartAborted
	}
	if err != nil {
		r.session = nil
		r.state = StateIdle
		r.notifyLocked()
		r.log.Warn("transcription backend failed to start", slog.String("backend", kind.String()), slogError(err))
		if apperr.KindOf(err) == apperr.KindUnknown {
			err = apperr.Wrap(apperr.KindBackend, err, "start %s backend", kind)
		}
		return err
	}
	r.state = StateReady
	r.notifyLocked()
	r.log.Info("transcription backend ready", slog.String("backend", kind.String()))
	return nil
}

// wrap drops output from sessions that are no longer current. Segments
// flushed by the backend while it stops are still delivered; errors raised
// during the stop are not.
func (r *Router) wrap(s *session, h Handlers) Handlers {
	return Handlers{
		OnSegments: func(segs []Segment) {
			if ok, _ := r.current(s); ok {
				h.segments(segs)
			}
		},
		OnError: func(err error) {
			if ok, stopping := r.current(s); ok && !stopping {
				r.log.Warn("transcription backend error", slog.String("backend", s.kind.String()), slogError(err))
				h.fail(err)
			}
		},
	}
}

func (r *Router) current(s *session) (current, stopping bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session == s, r.state == StateStopping
}

// Push forwards audio to a ready backend and drops it otherwise.
func (r *Router) Push(p []byte) {
	r.mu.Lock()
	if r.state != StateReady {
		r.mu.Unlock()
		r.dropped.Add(1)
		return
	}
	backend := r.session.backend
	r.mu.Unlock()
	backend.Push(p)
}

// Stop tears down the active backend and returns once its resources are
// released. Stopping an idle or already stopping router is a no-op.
func (r *Router) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.state == StateIdle || r.state == StateStopping {
		r.mu.Unlock()
		return nil
	}
	s := r.session
	r.state = StateStopping
	r.notifyLocked()

	s.cancel()
	<-s.loaded
	err := s.backend.Stop(ctx)

	r.mu.Lock()
	r.session = nil
	r.state = StateIdle
	r.notifyLocked()
	if err != nil {
		r.log.Warn("transcription backend stop failed", slog.String("backend", s.kind.String()), slogError(err))
		return apperr.Wrap(apperr.KindBackend, err, "stop %s backend", s.kind)
	}
	r.log.Info("transcription backend stopped", slog.String("backend", s.kind.String()))
	return nil
}

// notifyLocked releases the lock before calling observers.
func (r *Router) notifyLocked() {
	st := r.statusLocked()
	observers := append([]func(Status){}, r.observers...)
	r.mu.Unlock()
	for _, fn := range observers {
		fn(st)
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
