// Package pipeline runs listening sessions: it feeds the selected audio source
// into the transcription router and routes recognised text either to the
// hold-to-ask query buffer or to the live conversation. It also arbitrates
// between listening and offline sync, which both need the device.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-pendant/internal/apperr"
	"github.com/loqalabs/loqa-pendant/internal/audio"
	"github.com/loqalabs/loqa-pendant/internal/command"
	"github.com/loqalabs/loqa-pendant/internal/conversation"
	"github.com/loqalabs/loqa-pendant/internal/device"
	"github.com/loqalabs/loqa-pendant/internal/stt"
	"github.com/loqalabs/loqa-pendant/internal/walsync"
)

var (
	ErrSyncActive = apperr.New(apperr.KindLogical, "a sync is in progress")
	ErrListening  = apperr.New(apperr.KindLogical, "stop listening before syncing")
	ErrStarting   = apperr.New(apperr.KindLogical, "a listening session is starting")
)

// Devices is the part of the device manager the pipeline uses.
type Devices interface {
	Current() *device.Peripheral
	OnChange(fn func(device.Status))
}

// Session states.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateListening
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for _, v := range []State{StateIdle, StateStarting, StateListening, StateStopping} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown pipeline state %q", b)
}

// Status is a pipeline snapshot.
type Status struct {
	State     State      `json:"state"`
	Source    string     `json:"source"`
	Backend   string     `json:"backend"`
	Router    string     `json:"router"`
	Suspended bool       `json:"suspended"`
	Syncing   bool       `json:"syncing"`
	Command   string     `json:"command"`
	Format    *FormatDTO `json:"format,omitempty"`
}

// FormatDTO describes the audio of the running session.
type FormatDTO struct {
	Codec      string `json:"codec"`
	SampleRate int    `json:"sample_rate"`
	PCM        bool   `json:"pcm"`
}

type Config struct {
	Backend     stt.Kind
	StopTimeout time.Duration
	// AutoListen starts a session whenever a device connects.
	AutoListen bool
}

// Pipeline owns one listening session at a time.
type Pipeline struct {
	cfg       Config
	selector  *audio.Selector
	router    *stt.Router
	segmenter *conversation.Segmenter
	devices   Devices
	syncer    *walsync.Syncer
	log       *slog.Logger
	suspended atomic.Bool
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc

	mu            sync.Mutex
	state         State
	backend       stt.Kind
	source        audio.Source
	sourceKind    audio.Kind
	format        audio.Format
	commands      *command.Machine
	buttons       func()
	syncing       bool
	segObservers  []func([]stt.Segment)
	syncObservers []func(*walsync.Recording, error)
	stateObs      []func(Status)
}

func New(cfg Config, selector *audio.Selector, router *stt.Router, segmenter *conversation.Segmenter, devices Devices, syncer *walsync.Syncer, log *slog.Logger) *Pipeline {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:       cfg,
		selector:  selector,
		router:    router,
		segmenter: segmenter,
		devices:   devices,
		syncer:    syncer,
		log:       log.With(slog.String("component", "pipeline")),
		backend:   cfg.Backend,
		ctx:       ctx,
		cancel:    cancel,
	}
	if devices != nil {
		devices.OnChange(p.deviceChanged)
	}
	return p
}

// AttachCommands installs the button state machine. Buttons of a device that
// is already connected are subscribed immediately.
func (p *Pipeline) AttachCommands(m *command.Machine) {
	p.mu.Lock()
	p.commands = m
	p.mu.Unlock()
	if p.devices != nil {
		if periph := p.devices.Current(); periph != nil {
			p.subscribeButtons(periph)
		}
	}
}

// OnSegments registers an observer for every recognised batch, whether it
// went to the query buffer or the live conversation.
func (p *Pipeline) OnSegments(fn func([]stt.Segment)) {
	p.mu.Lock()
	p.segObservers = append(p.segObservers, fn)
	p.mu.Unlock()
}

// OnSyncDone registers an observer for background syncs.
func (p *Pipeline) OnSyncDone(fn func(*walsync.Recording, error)) {
	p.mu.Lock()
	p.syncObservers = append(p.syncObservers, fn)
	p.mu.Unlock()
}

// OnStatus registers an observer for session state transitions.
func (p *Pipeline) OnStatus(fn func(Status)) {
	p.mu.Lock()
	p.stateObs = append(p.stateObs, fn)
	p.mu.Unlock()
}

func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusLocked()
}

func (p *Pipeline) statusLocked() Status {
	st := Status{
		State:     p.state,
		Source:    p.selector.Kind().String(),
		Backend:   p.backend.String(),
		Router:    p.router.Status().State.String(),
		Suspended: p.suspended.Load(),
		Syncing:   p.syncing,
		Command:   command.StateIdle.String(),
	}
	if p.commands != nil {
		st.Command = p.commands.State().String()
	}
	if p.state == StateListening {
		st.Format = &FormatDTO{Codec: p.format.Codec.String(), SampleRate: p.format.SampleRate, PCM: p.format.PCM}
	}
	return st
}

// SetBackend chooses the recognition backend for the next session. It is
// rejected while a session is running.
func (p *Pipeline) SetBackend(kind stt.Kind) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateIdle {
		return stt.ErrBackendActive
	}
	p.backend = kind
	p.log.Info("transcription backend selected", slog.String("backend", kind.String()))
	return nil
}

// SetSource chooses the audio origin for the next session.
func (p *Pipeline) SetSource(kind audio.Kind) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateIdle {
		return apperr.New(apperr.KindLogical, "cannot change audio source while listening")
	}
	p.selector.Select(kind)
	return nil
}

// Start opens the audio source and the backend and begins a live
// conversation. Starting while already listening is a no-op.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	switch {
	case p.syncing:
		p.mu.Unlock()
		return ErrSyncActive
	case p.state == StateListening:
		p.mu.Unlock()
		return nil
	case p.state != StateIdle:
		p.mu.Unlock()
		return ErrStarting
	}
	src, err := p.selector.Open()
	if err != nil {
		p.mu.Unlock()
		return err
	}
	kind := p.backend
	p.state = StateStarting
	p.source = src
	p.sourceKind = p.selector.Kind()
	p.suspended.Store(false)
	p.mu.Unlock()
	p.notify()

	format, err := src.Start(ctx, kind.NeedsPCM(), p.forward)
	if err != nil {
		p.abortStart(src)
		return fmt.Errorf("start audio source: %w", err)
	}

	// The conversation must exist before the backend can emit segments.
	p.segmenter.Begin()
	cfg := stt.StreamConfig{SampleRate: format.SampleRate, Codec: format.Codec, PCM: format.PCM}
	handlers := stt.Handlers{OnSegments: p.route, OnError: p.backendFailed}
	if err := p.router.Start(ctx, kind, cfg, handlers); err != nil {
		src.Stop()
		if p.abortStart(src) {
			p.segmenter.Stop()
		}
		return err
	}

	p.mu.Lock()
	if p.state != StateStarting || p.source != src {
		// Stopped while the backend was loading.
		p.mu.Unlock()
		return stt.ErrStartAborted
	}
	p.state = StateListening
	p.format = format
	p.mu.Unlock()

	p.log.Info("listening",
		slog.String("source", p.sourceKind.String()),
		slog.String("backend", kind.String()),
		slog.String("codec", format.Codec.String()),
		slog.Bool("pcm", format.PCM))
	p.notify()
	return nil
}

// abortStart returns to idle unless a concurrent Stop already took over the
// session. It reports whether it did.
func (p *Pipeline) abortStart(src audio.Source) bool {
	p.mu.Lock()
	owned := p.source == src
	if owned {
		p.source = nil
		p.state = StateIdle
	}
	p.mu.Unlock()
	p.notify()
	return owned
}

// EnsureListening starts a session unless one is running.
func (p *Pipeline) EnsureListening(ctx context.Context) error {
	if p.Status().State == StateListening {
		return nil
	}
	return p.Start(ctx)
}

// Stop ends the session, flushing the backend and finalizing pending
// segments. Stopping an idle pipeline is a no-op.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.state == StateIdle || p.state == StateStopping {
		p.mu.Unlock()
		return nil
	}
	src := p.source
	p.source = nil
	p.state = StateStopping
	commands := p.commands
	p.mu.Unlock()
	p.notify()

	if src != nil {
		src.Stop()
	}
	stopCtx, cancel := context.WithTimeout(ctx, p.cfg.StopTimeout)
	err := p.router.Stop(stopCtx)
	cancel()
	if commands != nil {
		commands.Reset()
	}
	p.segmenter.Stop()
	p.suspended.Store(false)

	p.mu.Lock()
	p.state = StateIdle
	p.mu.Unlock()
	p.log.Info("listening stopped")
	p.notify()
	if err != nil {
		return fmt.Errorf("stop backend: %w", err)
	}
	return nil
}

func (p *Pipeline) SuspendForwarding() {
	if !p.suspended.Swap(true) {
		p.log.Debug("audio forwarding suspended")
		p.notify()
	}
}

func (p *Pipeline) ResumeForwarding() {
	if p.suspended.Swap(false) {
		p.log.Debug("audio forwarding resumed")
		p.notify()
	}
}

// FinalizeConversation finalizes the live conversation if it has segments.
func (p *Pipeline) FinalizeConversation() bool {
	return p.segmenter.ManualFinalize()
}

// LiveContext returns the tail of the live conversation for chat requests.
func (p *Pipeline) LiveContext() string {
	conv, ok := p.segmenter.Live()
	if !ok {
		return ""
	}
	const maxSegments = 20
	if n := len(conv.Segments); n > maxSegments {
		conv.Segments = conv.Segments[n-maxSegments:]
	}
	return conv.Transcript()
}

func (p *Pipeline) forward(chunk []byte) {
	if p.suspended.Load() {
		return
	}
	p.router.Push(chunk)
}

// route sends segments to the query buffer while a hold is in progress and to
// the live conversation otherwise.
func (p *Pipeline) route(segs []stt.Segment) {
	p.mu.Lock()
	commands := p.commands
	observers := append([]func([]stt.Segment){}, p.segObservers...)
	p.mu.Unlock()

	if commands == nil || !commands.Capture(segs) {
		if err := p.segmenter.OnSegments(segs); err != nil && !errors.Is(err, conversation.ErrNotLive) {
			p.log.Warn("dropping segments", slogError(err))
		}
	}
	for _, fn := range observers {
		fn(segs)
	}
}

func (p *Pipeline) backendFailed(err error) {
	p.log.Warn("transcription backend failed", slogError(err))
	if apperr.KindOf(err) != apperr.KindTransport {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.Stop(p.ctx); err != nil {
			p.log.Warn("stop after backend failure", slogError(err))
		}
	}()
}

func (p *Pipeline) deviceChanged(st device.Status) {
	switch st.State {
	case device.StateDisconnected:
		p.mu.Lock()
		if p.buttons != nil {
			p.buttons()
			p.buttons = nil
		}
		fromDevice := p.sourceKind == audio.KindDevice && p.state != StateIdle
		p.mu.Unlock()
		if p.syncer != nil {
			p.syncer.Abort(device.ErrDisconnected)
		}
		if fromDevice {
			p.log.Info("device disconnected, stopping session")
			if err := p.Stop(p.ctx); err != nil {
				p.log.Warn("stop after disconnect", slogError(err))
			}
		}
	case device.StateConnected:
		periph := p.devices.Current()
		if periph == nil {
			return
		}
		p.subscribeButtons(periph)
		if p.cfg.AutoListen && p.selector.Kind() == audio.KindDevice {
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				if err := p.Start(p.ctx); err != nil {
					p.log.Warn("auto listen failed", slogError(err))
				}
			}()
		}
	}
}

func (p *Pipeline) subscribeButtons(periph *device.Peripheral) {
	p.mu.Lock()
	commands := p.commands
	if commands == nil || p.buttons != nil {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	cancel, err := periph.SubscribeButtons(p.ctx, func(pkt []byte) {
		commands.HandlePacket(p.ctx, pkt)
	})
	if err != nil {
		if !errors.Is(err, device.ErrUnsupported) {
			p.log.Warn("subscribe buttons", slogError(err))
		}
		return
	}
	p.mu.Lock()
	if p.buttons != nil {
		p.mu.Unlock()
		cancel()
		return
	}
	p.buttons = cancel
	p.mu.Unlock()
}

// Sync downloads pending offline audio from the connected device. It returns
// nil when there is nothing worth syncing.
func (p *Pipeline) Sync(ctx context.Context) (*walsync.Recording, error) {
	periph, d, ok, err := p.beginSync(ctx)
	if err != nil || !ok {
		return nil, err
	}
	defer p.endSync()
	return p.syncer.Sync(ctx, periph, d)
}

// StartSync checks the device and runs the sync in the background. The
// descriptor is returned with ok=false when there is nothing to sync.
func (p *Pipeline) StartSync(ctx context.Context) (walsync.Descriptor, bool, error) {
	periph, d, ok, err := p.beginSync(ctx)
	if err != nil || !ok {
		return d, false, err
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		rec, err := p.syncer.Sync(p.ctx, periph, d)
		p.endSync()
		p.mu.Lock()
		observers := append([]func(*walsync.Recording, error){}, p.syncObservers...)
		p.mu.Unlock()
		for _, fn := range observers {
			fn(rec, err)
		}
	}()
	return d, true, nil
}

// CancelSync aborts a running sync. It is a no-op when none is running.
func (p *Pipeline) CancelSync() {
	if p.syncer != nil {
		p.syncer.Cancel()
	}
}

func (p *Pipeline) beginSync(ctx context.Context) (*device.Peripheral, walsync.Descriptor, bool, error) {
	if p.syncer == nil {
		return nil, walsync.Descriptor{}, false, walsync.ErrNoStorage
	}
	p.mu.Lock()
	switch {
	case p.syncing:
		p.mu.Unlock()
		return nil, walsync.Descriptor{}, false, walsync.ErrSyncInProgress
	case p.state != StateIdle && p.sourceKind == audio.KindDevice:
		p.mu.Unlock()
		return nil, walsync.Descriptor{}, false, ErrListening
	}
	periph := p.devices.Current()
	if periph == nil {
		p.mu.Unlock()
		return nil, walsync.Descriptor{}, false, device.ErrNotConnected
	}
	p.syncing = true
	p.mu.Unlock()
	p.notify()

	d, ok, err := p.syncer.Check(ctx, periph)
	if err != nil || !ok {
		p.endSync()
		return nil, d, false, err
	}
	return periph, d, true, nil
}

func (p *Pipeline) endSync() {
	p.mu.Lock()
	p.syncing = false
	p.mu.Unlock()
	p.notify()
}

// Close stops the session and waits for background work.
func (p *Pipeline) Close() {
	if err := p.Stop(context.Background()); err != nil {
		p.log.Warn("stop on close", slogError(err))
	}
	p.CancelSync()
	p.cancel()
	p.mu.Lock()
	if p.buttons != nil {
		p.buttons()
		p.buttons = nil
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pipeline) notify() {
	p.mu.Lock()
	st := p.statusLocked()
	observers := append([]func(Status){}, p.stateObs...)
	p.mu.Unlock()
	for _, fn := range observers {
		fn(st)
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
