// Package command interprets button codes from the peripheral and runs the
// hold-to-ask interaction.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-pendant/internal/clock"
	"github.com/loqalabs/loqa-pendant/internal/device"
	"github.com/loqalabs/loqa-pendant/internal/stt"
)

// State is the button interaction state.
type State int

const (
	StateIdle State = iota
	StateCollecting
	StateProcessing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCollecting:
		return "collecting"
	case StateProcessing:
		return "processing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Pipeline is the part of the listening session the machine controls.
type Pipeline interface {
	// EnsureListening starts capture and transcription if not running.
	EnsureListening(ctx context.Context) error
	// SuspendForwarding stops feeding audio to transcription until resumed.
	SuspendForwarding()
	ResumeForwarding()
	// FinalizeConversation finalizes the live conversation if it has segments.
	FinalizeConversation() bool
}

// Chat answers a spoken question.
type Chat interface {
	Ask(ctx context.Context, query, context string) (string, error)
}

// Reply is the outcome of one hold-to-ask round trip.
type Reply struct {
	Query string
	Text  string
	// Canned is set when nothing was heard and the chat was not consulted.
	Canned bool
	Err    error
}

type Config struct {
	SettleDelay time.Duration
	AskTimeout  time.Duration
	EmptyReply  string
}

func (c Config) withDefaults() Config {
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.AskTimeout <= 0 {
		c.AskTimeout = 30 * time.Second
	}
	if c.EmptyReply == "" {
		c.EmptyReply = "Sorry, I didn't hear you."
	}
	return c
}

// Machine is the idle/collecting/processing state machine. Codes received
// while processing are ignored until the reply round trip completes.
type Machine struct {
	cfg      Config
	clock    clock.Clock
	pipeline Pipeline
	chat     Chat
	context  func() string
	log      *slog.Logger
	wg       sync.WaitGroup

	mu        sync.Mutex
	state     State
	capturing bool
	scratch   []string
	timer     clock.Timer
	epoch     uint64
	replies   []func(Reply)
	observers []func(State)
}

// NewMachine wires the machine. contextFn supplies a short context string for
// the chat, typically the tail of the live conversation; it may be nil.
func NewMachine(cfg Config, clk clock.Clock, pipeline Pipeline, chat Chat, contextFn func() string, log *slog.Logger) *Machine {
	if contextFn == nil {
		contextFn = func() string { return "" }
	}
	return &Machine{
		cfg:      cfg.withDefaults(),
		clock:    clk,
		pipeline: pipeline,
		chat:     chat,
		context:  contextFn,
		log:      log.With(slog.String("component", "command")),
	}
}

func (m *Machine) OnReply(fn func(Reply)) {
	m.mu.Lock()
	m.replies = append(m.replies, fn)
	m.mu.Unlock()
}

func (m *Machine) OnState(fn func(State)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// HandlePacket decodes a button notification. Short payloads and unknown
// codes are ignored.
func (m *Machine) HandlePacket(ctx context.Context, p []byte) {
	code, ok := device.DecodeButton(p)
	if !ok {
		return
	}
	m.Handle(ctx, code)
}

func (m *Machine) Handle(ctx context.Context, code device.ButtonCode) {
	m.mu.Lock()
	switch m.state {
	case StateProcessing:
		m.mu.Unlock()
		m.log.Debug("ignoring button while processing", slog.String("code", code.String()))
		return
	case StateCollecting:
		if code != device.ButtonHoldEnd {
			m.mu.Unlock()
			return
		}
		m.state = StateProcessing
		epoch := m.epoch
		m.timer = m.clock.AfterFunc(m.cfg.SettleDelay, func() { m.settled(epoch) })
		m.mu.Unlock()
		m.log.Info("hold released, settling")
		m.notify(StateProcessing)
	case StateIdle:
		switch code {
		case device.ButtonDoubleTap:
			m.mu.Unlock()
			if m.pipeline.FinalizeConversation() {
				m.log.Info("conversation finalized by double tap")
			}
		case device.ButtonHoldStart:
			m.state = StateCollecting
			m.capturing = true
			m.scratch = nil
			m.mu.Unlock()
			m.log.Info("hold started, collecting query")
			m.notify(StateCollecting)
			if err := m.pipeline.EnsureListening(ctx); err != nil {
				m.log.Warn("could not start listening for query", slog.String("error", err.Error()))
				m.Reset()
				m.deliver(Reply{Err: err})
			}
		default:
			m.mu.Unlock()
		}
	default:
		m.mu.Unlock()
	}
}

// Capture routes segments to the query buffer while collecting. It reports
// whether the segments were consumed; callers forward them to the live
// conversation otherwise.
func (m *Machine) Capture(segs []stt.Segment) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.capturing {
		return false
	}
	for _, s := range segs {
		if text := strings.TrimSpace(s.Text); text != "" {
			m.scratch = append(m.scratch, text)
		}
	}
	return true
}

func (m *Machine) settled(epoch uint64) {
	m.mu.Lock()
	if epoch != m.epoch || m.state != StateProcessing {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.capturing = false
	query := strings.Join(m.scratch, " ")
	m.scratch = nil
	m.mu.Unlock()

	if query == "" {
		m.log.Info("empty query, sending canned reply")
		m.deliver(Reply{Text: m.cfg.EmptyReply, Canned: true})
		m.finish(epoch, false)
		return
	}

	m.pipeline.SuspendForwarding()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.AskTimeout)
		defer cancel()
		text, err := m.chat.Ask(ctx, query, m.context())
		if err != nil {
			m.log.Warn("chat request failed", slog.String("error", err.Error()))
		}
		m.deliver(Reply{Query: query, Text: text, Err: err})
		m.finish(epoch, true)
	}()
}

// finish ends the interaction started at epoch. A reply that outlived a
// Reset leaves forwarding to whatever interaction replaced it.
func (m *Machine) finish(epoch uint64, resume bool) {
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	m.state = StateIdle
	m.mu.Unlock()
	if resume {
		m.pipeline.ResumeForwarding()
	}
	m.notify(StateIdle)
}

// Reset abandons any interaction in progress, for example when the device
// disconnects. An outstanding chat request still delivers its reply but no
// longer controls forwarding.
func (m *Machine) Reset() {
	m.mu.Lock()
	m.epoch++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	changed := m.state != StateIdle
	processing := m.state == StateProcessing
	m.state = StateIdle
	m.capturing = false
	m.scratch = nil
	m.mu.Unlock()
	if processing {
		m.pipeline.ResumeForwarding()
	}
	if changed {
		m.notify(StateIdle)
	}
}

// Wait blocks until outstanding chat requests return.
func (m *Machine) Wait() {
	m.wg.Wait()
}

func (m *Machine) deliver(r Reply) {
	m.mu.Lock()
	fns := append([]func(Reply){}, m.replies...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(r)
	}
}

func (m *Machine) notify(s State) {
	m.mu.Lock()
	fns := append([]func(State){}, m.observers...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}
