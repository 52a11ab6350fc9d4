package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-pendant/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// State is the connection state broadcast to observers.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Status is a snapshot of the managed connection.
type Status struct {
	State     State
	DeviceID  string
	Name      string
	Codec     Codec
	Battery   int
	Storage   bool
	UpdatedAt time.Time
}

// Manager owns the one wireless connection and fans its state out to any
// number of observers.
type Manager struct {
	connector Connector
	cfg       config.DeviceConfig
	log       *slog.Logger

	mu        sync.RWMutex
	current   *Peripheral
	status    Status
	cancel    context.CancelFunc
	dropOnce  *sync.Once
	observers []func(Status)
	subs      map[int]chan Status
	nextSub   int

	meter metric.Meter
}

func NewManager(connector Connector, cfg config.DeviceConfig, log *slog.Logger) *Manager {
	m := &Manager{
		connector: connector,
		cfg:       cfg,
		log:       log.With(slog.String("component", "device-manager")),
		status:    Status{State: StateDisconnected, Battery: -1},
		subs:      make(map[int]chan Status),
		meter:     otel.Meter("github.com/loqalabs/loqa-pendant/device"),
	}
	if err := m.initMetrics(); err != nil {
		m.log.Warn("failed to initialize metrics", slogError(err))
	}
	return m
}

// OnChange registers a synchronous observer. Observers run on the goroutine
// that caused the transition, so a disconnect is seen before Disconnect returns.
func (m *Manager) OnChange(fn func(Status)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// Subscribe returns a buffered feed of status changes. Slow readers miss
// intermediate states rather than block the link.
func (m *Manager) Subscribe(buffer int) (<-chan Status, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Status, buffer)
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	ch <- m.status
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		// Close may already have released the channel.
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
	}
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Current returns the connected peripheral or nil.
func (m *Manager) Current() *Peripheral {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Connect opens the link and probes codec and storage capability.
func (m *Manager) Connect(ctx context.Context, id string) (*Peripheral, error) {
	m.mu.Lock()
	if m.current != nil || m.status.State == StateConnecting {
		m.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	m.status = Status{State: StateConnecting, DeviceID: id, Battery: -1, UpdatedAt: time.Now().UTC()}
	m.mu.Unlock()
	m.broadcast()

	timeout := time.Duration(m.cfg.ConnectTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	link, err := m.connector.Connect(connectCtx, id)
	if err != nil {
		m.setStatus(Status{State: StateDisconnected, DeviceID: id, Battery: -1})
		return nil, fmt.Errorf("connect %s: %w", id, err)
	}

	p := NewPeripheral(link)
	codec, err := p.Codec(connectCtx)
	if err != nil {
		_ = link.Close()
		m.setStatus(Status{State: StateDisconnected, DeviceID: id, Battery: -1})
		return nil, err
	}
	battery, err := p.Battery(connectCtx)
	if err != nil && !errors.Is(err, ErrUnsupported) {
		m.log.Warn("battery read failed", slogError(err))
	}

	watchCtx, watchCancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.current = p
	m.cancel = watchCancel
	m.dropOnce = &sync.Once{}
	m.status = Status{
		State:     StateConnected,
		DeviceID:  link.ID(),
		Name:      link.Name(),
		Codec:     codec,
		Battery:   battery,
		Storage:   p.HasStorage(),
		UpdatedAt: time.Now().UTC(),
	}
	once := m.dropOnce
	m.mu.Unlock()
	m.broadcast()

	m.log.Info("device connected",
		slog.String("device", link.ID()),
		slog.String("codec", codec.String()),
		slog.Bool("storage", p.HasStorage()))

	go m.watch(watchCtx, p, once)
	if interval := time.Duration(m.cfg.BatteryPollMS) * time.Millisecond; interval > 0 {
		go m.pollBattery(watchCtx, p, interval)
	}
	return p, nil
}

// Disconnect drops the current link. With nothing connected it is a no-op.
func (m *Manager) Disconnect() error {
	m.mu.RLock()
	p := m.current
	once := m.dropOnce
	m.mu.RUnlock()
	if p == nil {
		return nil
	}
	m.drop(p, once, "local")
	return p.link.Close()
}

// Close disconnects and releases subscribers.
func (m *Manager) Close() {
	if err := m.Disconnect(); err != nil {
		m.log.Warn("disconnect on close failed", slogError(err))
	}
	m.mu.Lock()
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	m.mu.Unlock()
}

func (m *Manager) watch(ctx context.Context, p *Peripheral, once *sync.Once) {
	select {
	case <-ctx.Done():
	case <-p.Done():
		m.drop(p, once, "remote")
	}
}

func (m *Manager) drop(p *Peripheral, once *sync.Once, origin string) {
	once.Do(func() {
		m.mu.Lock()
		if m.current != p {
			m.mu.Unlock()
			return
		}
		m.current = nil
		if m.cancel != nil {
			m.cancel()
			m.cancel = nil
		}
		m.status = Status{State: StateDisconnected, DeviceID: p.ID(), Name: p.Name(), Battery: -1, UpdatedAt: time.Now().UTC()}
		m.mu.Unlock()
		m.log.Info("device disconnected", slog.String("device", p.ID()), slog.String("origin", origin))
		m.broadcast()
	})
}

func (m *Manager) pollBattery(ctx context.Context, p *Peripheral, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			level, err := p.Battery(ctx)
			if err != nil {
				if !errors.Is(err, ErrUnsupported) && ctx.Err() == nil {
					m.log.Warn("battery poll failed", slogError(err))
				}
				continue
			}
			m.mu.Lock()
			if m.current != p || m.status.Battery == level {
				m.mu.Unlock()
				continue
			}
			m.status.Battery = level
			m.status.UpdatedAt = time.Now().UTC()
			m.mu.Unlock()
			m.broadcast()
		}
	}
}

func (m *Manager) setStatus(s Status) {
	s.UpdatedAt = time.Now().UTC()
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
	m.broadcast()
}

func (m *Manager) broadcast() {
	m.mu.RLock()
	status := m.status
	observers := append([]func(Status){}, m.observers...)
	for _, ch := range m.subs {
		select {
		case ch <- status:
		default:
		}
	}
	m.mu.RUnlock()
	for _, fn := range observers {
		fn(status)
	}
}

func (m *Manager) initMetrics() error {
	if m.meter == nil {
		return nil
	}
	battery, err := m.meter.Int64ObservableGauge("loqa.device.battery", metric.WithDescription("Battery level of the connected peripheral in percent"))
	if err != nil {
		return err
	}
	connected, err := m.meter.Int64ObservableGauge("loqa.device.connected", metric.WithDescription("1 while a peripheral is connected"))
	if err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		s := m.Status()
		var up int64
		if s.State == StateConnected {
			up = 1
			if s.Battery >= 0 {
				obs.ObserveInt64(battery, int64(s.Battery))
			}
		}
		obs.ObserveInt64(connected, up)
		return nil
	}, battery, connected)
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
